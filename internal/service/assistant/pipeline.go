package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	chatservice "github.com/zhouzirui/sop-assistant/internal/service/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/delivery"
)

var (
	// ErrAnswerFailed wraps any failure of the answering model, including
	// timeouts and errors in the middle of a stream.
	ErrAnswerFailed = errors.New("answer generation failed")
	// ErrDeliveryFailed wraps transport errors while sending fragments.
	ErrDeliveryFailed = errors.New("reply delivery failed")
)

// DefaultErrorReply is sent to the thread when no answer could be produced.
const DefaultErrorReply = "Sorry, something went wrong while preparing the answer. Please try again in a moment."

// Config tunes a Pipeline.
type Config struct {
	MaxFragmentLen int
	ErrorReply     string
	AnswerTimeout  time.Duration
}

// Result describes a finished cycle.
type Result struct {
	ConversationID chat.ConversationID
	Answer         string
	Replies        []chat.Reply
}

// Pipeline runs handling cycles against one session store.
type Pipeline struct {
	sessions *chatservice.Service
	answerer Answerer
	cfg      Config
	logger   zerolog.Logger
}

// NewPipeline wires the store and the answering model together.
func NewPipeline(sessions *chatservice.Service, answerer Answerer, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.MaxFragmentLen <= 0 {
		cfg.MaxFragmentLen = delivery.DefaultMaxLen
	}
	if cfg.ErrorReply == "" {
		cfg.ErrorReply = DefaultErrorReply
	}
	return &Pipeline{
		sessions: sessions,
		answerer: answerer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "assistant").Logger(),
	}
}

// Sessions exposes the underlying store.
func (p *Pipeline) Sessions() *chatservice.Service { return p.sessions }

// Handle processes one inbound event end to end. Invalid events return an
// error wrapping chat.ErrInvalidEvent and leave the store untouched. When the
// model fails nothing is recorded, an apology is delivered best effort and
// the returned error wraps ErrAnswerFailed.
func (p *Pipeline) Handle(ctx context.Context, event chat.InboundEvent, replier Replier, observers ...DeltaObserver) (*Result, error) {
	p.sessions.Sweep()

	if err := event.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("source", event.Source).Str("channel", event.Channel).Msg("dropping event")
		return nil, err
	}
	id, err := event.ConversationID()
	if err != nil {
		p.logger.Warn().Err(err).Str("source", event.Source).Msg("dropping event")
		return nil, err
	}

	logger := p.logger.With().
		Str("cycle", uuid.NewString()).
		Str("conversation", id.String()).
		Str("source", event.Source).
		Logger()

	session := p.sessions.GetOrCreate(id)
	logger.Debug().Int("history", len(session.History)).Msg("handling event")

	result := &Result{ConversationID: id}
	threadRoot := event.ThreadRoot()

	answer, err := p.answer(ctx, session.History, event.Text, observers)
	if err != nil {
		logger.Error().Err(err).Msg("failed to produce answer")
		apology := chat.Reply{
			Channel:  event.Channel,
			ThreadTS: threadRoot,
			Text:     p.cfg.ErrorReply,
			Fallback: p.cfg.ErrorReply,
			Total:    1,
		}
		if deliverErr := replier.Deliver(ctx, apology); deliverErr != nil {
			logger.Warn().Err(deliverErr).Msg("failed to deliver error reply")
		} else {
			result.Replies = append(result.Replies, apology)
		}
		return result, fmt.Errorf("%w: %w", ErrAnswerFailed, err)
	}

	p.sessions.RecordTurns(id, event.Text, answer)
	result.Answer = answer

	for _, fragment := range delivery.Plan(answer, p.cfg.MaxFragmentLen) {
		reply := chat.Reply{
			Channel:  event.Channel,
			ThreadTS: threadRoot,
			Text:     fragment.Text,
			Fallback: fragment.Fallback,
			Index:    fragment.Index,
			Total:    fragment.Total,
		}
		if err := replier.Deliver(ctx, reply); err != nil {
			logger.Error().Err(err).Int("fragment", fragment.Index).Int("total", fragment.Total).Msg("failed to deliver reply")
			return result, fmt.Errorf("%w: fragment %d/%d: %w", ErrDeliveryFailed, fragment.Index+1, fragment.Total, err)
		}
		result.Replies = append(result.Replies, reply)
	}

	logger.Info().Int("length", len(answer)).Int("fragments", len(result.Replies)).Msg("answered event")
	return result, nil
}

func (p *Pipeline) answer(ctx context.Context, history []chat.Turn, query string, observers []DeltaObserver) (string, error) {
	if p.cfg.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AnswerTimeout)
		defer cancel()
	}

	if p.answerer.StreamingEnabled() {
		stream, err := p.answerer.Stream(ctx, history, query)
		if err != nil {
			return "", err
		}
		return Collect(stream, observers...)
	}

	message, err := p.answerer.Generate(ctx, history, query)
	if err != nil {
		return "", err
	}
	if message == nil {
		return "", nil
	}
	if message.Content != "" {
		for _, o := range observers {
			o.OnDelta(message.Content)
		}
	}
	return message.Content, nil
}
