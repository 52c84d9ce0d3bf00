// Package assistant drives one question/answer cycle: it resolves the
// conversation, asks the answering model, records the exchange and hands the
// chunked answer to a transport.
package assistant

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
)

// Answerer produces an answer from the conversation history and the current query.
type Answerer interface {
	StreamingEnabled() bool
	Generate(ctx context.Context, history []chat.Turn, query string) (*schema.Message, error)
	Stream(ctx context.Context, history []chat.Turn, query string) (*schema.StreamReader[*schema.Message], error)
}

// Replier delivers one outbound fragment to the originating thread.
type Replier interface {
	Deliver(ctx context.Context, reply chat.Reply) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, reply chat.Reply) error

// Deliver implements Replier.
func (f ReplierFunc) Deliver(ctx context.Context, reply chat.Reply) error { return f(ctx, reply) }

// DeltaObserver sees answer text as it is produced.
type DeltaObserver interface {
	OnDelta(text string)
}

// DeltaFunc adapts a function to DeltaObserver.
type DeltaFunc func(text string)

// OnDelta implements DeltaObserver.
func (f DeltaFunc) OnDelta(text string) { f(text) }

// Collect drains stream into a single string. Nil and empty chunks are
// skipped; any receive error discards what was read so far. The stream is
// closed before returning.
func Collect(stream *schema.StreamReader[*schema.Message], observers ...DeltaObserver) (string, error) {
	if stream == nil {
		return "", nil
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 16)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		chunks = append(chunks, chunk)
		for _, o := range observers {
			o.OnDelta(chunk.Content)
		}
	}

	if len(chunks) == 0 {
		return "", nil
	}
	message, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	return message.Content, nil
}
