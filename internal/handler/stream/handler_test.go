package stream

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	chatservice "github.com/zhouzirui/sop-assistant/internal/service/chat"
)

type streamingAnswerer struct {
	chunks []string
	err    error
}

func (streamingAnswerer) StreamingEnabled() bool { return true }

func (a streamingAnswerer) Generate(context.Context, []chat.Turn, string) (*schema.Message, error) {
	return nil, errors.New("unused")
}

func (a streamingAnswerer) Stream(context.Context, []chat.Turn, string) (*schema.StreamReader[*schema.Message], error) {
	if a.err != nil {
		return nil, a.err
	}
	msgs := make([]*schema.Message, 0, len(a.chunks))
	for _, c := range a.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func setup(answerer assistant.Answerer) (http.Handler, *chatservice.Service) {
	sessions := chatservice.NewService()
	var pipeline *assistant.Pipeline
	if answerer != nil {
		pipeline = assistant.NewPipeline(sessions, answerer, assistant.Config{}, zerolog.Nop())
	}
	r := chi.NewRouter()
	New(pipeline, zerolog.Nop()).RegisterRoutes(r)
	return r, sessions
}

func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestStreamEmitsLifecycleEvents(t *testing.T) {
	r, sessions := setup(streamingAnswerer{chunks: []string{"Hel", "lo"}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?channel=web&ts=10.0&message=hi", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"start", "delta", "delta", "fragment", "end"}, sseEvents(t, rec.Body.String()))
	assert.Contains(t, rec.Body.String(), `"conversationId":"web:10.000000"`)

	history, ok := sessions.History("web:10.000000")
	require.True(t, ok)
	assert.Equal(t, "Hello", history[1].Content)
}

func TestStreamReportsAnswerFailure(t *testing.T) {
	r, _ := setup(streamingAnswerer{err: errors.New("model down")})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?channel=web&ts=10.0&message=hi", nil))

	assert.Equal(t, []string{"start", "fragment", "error"}, sseEvents(t, rec.Body.String()))
}

func TestStreamRequiresMessage(t *testing.T) {
	r, _ := setup(streamingAnswerer{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?channel=web", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamUnavailableWithoutAssistant(t *testing.T) {
	r, _ := setup(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?message=hi", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventFromQueryDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream?message=hi&thread=5.0", nil)
	event := eventFromQuery(req)

	assert.Equal(t, Source, event.Channel)
	assert.NotEmpty(t, event.TS)
	assert.Equal(t, "5.0", event.ThreadRoot())
}
