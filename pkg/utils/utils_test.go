package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "session not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"session not found"}`, rec.Body.String())
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	SendSSEEvent(rec, rec, "delta", map[string]string{"content": "hi"})

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: delta\ndata: {\"content\":\"hi\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestMessageTS(t *testing.T) {
	ts := time.Unix(1700000000, 5000)
	assert.Equal(t, "1700000000.000005", MessageTS(ts))
}
