package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection/connectiontest"
	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
)

type emptyFetcher struct{}

func (emptyFetcher) Fetch(context.Context, string) ([]chat.Entry, error) {
	return []chat.Entry{}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	registry := sessionService.NewRegistry(func() sessionService.Connection {
		return connectiontest.New()
	}, transcript.NewMemoryStore(), emptyFetcher{})
	t.Cleanup(func() { _ = registry.CloseAll() })
	return NewRouter(registry)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", resp.Body.String())
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	router := newTestRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"conversationId":"new"}`)))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("CORS headers missing")
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/events", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/ws", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for socket bridge, got %d", resp.Code)
	}
}
