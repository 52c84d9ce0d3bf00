package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/config"
	"github.com/zhouzirui/sop-assistant/internal/model/chat"
)

// ErrStreamingDisabled is returned by Stream when the configuration turned
// incremental output off.
var ErrStreamingDisabled = errors.New("streaming disabled in configuration")

// Option customizes a Service.
type Option func(*Service)

// WithRetriever enables retrieval-augmented prompts.
func WithRetriever(r retriever.Retriever) Option {
	return func(s *Service) { s.retriever = r }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "ai").Logger() }
}

// Service answers SOP questions with an eino chat chain.
type Service struct {
	chatModel model.BaseChatModel
	retriever retriever.Retriever
	prompts   *PromptBuilder
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
	logger    zerolog.Logger
}

// NewService compiles the prompt -> model chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig, opts ...Option) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	s := &Service{
		chatModel: chatModel,
		prompts:   NewPromptBuilder(cfg.SystemInstruction),
		cfg:       cfg,
		chain:     runnable,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Generate returns the complete answer in one call.
func (s *Service) Generate(ctx context.Context, history []chat.Turn, query string) (*schema.Message, error) {
	input, err := s.buildChainInput(ctx, history, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.logger.Info().
		Dur("latency", time.Since(start)).
		Int("history", len(history)).
		Int("length", len(response.Content)).
		Msg("generated response")
	return response, nil
}

// Stream returns the answer as a finite sequence of message chunks. The
// caller owns the reader and must drain and close it.
func (s *Service) Stream(ctx context.Context, history []chat.Turn, query string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, ErrStreamingDisabled
	}

	input, err := s.buildChainInput(ctx, history, query)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(ctx context.Context, history []chat.Turn, query string) (map[string]any, error) {
	var docs []*schema.Document
	if s.retriever != nil {
		found, err := s.retriever.Retrieve(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve documents: %w", err)
		}
		docs = found
		s.logger.Debug().Int("documents", len(docs)).Msg("retrieved documents")
	}

	return map[string]any{
		"system":  s.prompts.Build(docs),
		"history": buildHistoryMessages(history),
		"query":   query,
	}, nil
}

// buildHistoryMessages translates stored turns, oldest first, into the
// model's role-labelled messages.
func buildHistoryMessages(history []chat.Turn) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	messages := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return messages
}
