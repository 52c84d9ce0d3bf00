package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatService "github.com/zhouzirui/sop-assistant/internal/service/chat"
)

func TestHealthz(t *testing.T) {
	chatSvc := chatService.NewService()
	chatSvc.GetOrCreate("C1:1.000000")
	router := NewRouter(chatSvc, nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, rec.Body.String())
}

func TestRouterDegradesWithoutAssistant(t *testing.T) {
	router := NewRouter(chatService.NewService(), nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/knowledge/reload", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(chatService.NewService(), nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/events", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLoggerWritesLine(t *testing.T) {
	var buf bytes.Buffer
	router := NewRouter(chatService.NewService(), nil, nil, zerolog.New(&buf))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Contains(t, buf.String(), `"path":"/healthz"`)
	assert.Contains(t, buf.String(), `"status":200`)
}
