package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection/connectiontest"
	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
)

type emptyFetcher struct{}

func (emptyFetcher) Fetch(context.Context, string) ([]chat.Entry, error) {
	return []chat.Entry{}, nil
}

type testEnv struct {
	router   *chi.Mux
	registry *sessionService.Registry
	stubs    []*connectiontest.Stub
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.registry = sessionService.NewRegistry(func() sessionService.Connection {
		stub := connectiontest.New()
		env.stubs = append(env.stubs, stub)
		return stub
	}, transcript.NewMemoryStore(), emptyFetcher{})
	t.Cleanup(func() { _ = env.registry.CloseAll() })

	env.router = chi.NewRouter()
	New(env.registry).RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) open(t *testing.T, conversationID string) string {
	t.Helper()
	resp := e.do(http.MethodPost, "/sessions", `{"conversationId":"`+conversationID+`"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode open response: %v", err)
	}
	return payload.SessionID
}

func TestOpenSession(t *testing.T) {
	env := setupRouter(t)

	resp := env.do(http.MethodPost, "/sessions", `{"conversationId":"c1"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var payload struct {
		SessionID string `json:"sessionId"`
		Snapshot  struct {
			Identity struct {
				ID string `json:"id"`
			} `json:"identity"`
			Connection string       `json:"connection"`
			Recording  string       `json:"recording"`
			Entries    []chat.Entry `json:"entries"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.SessionID == "" || payload.Snapshot.Identity.ID != "c1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Snapshot.Connection != "idle" || payload.Snapshot.Recording != "idle" {
		t.Fatalf("unexpected states %+v", payload.Snapshot)
	}
	if got := env.stubs[0].Targets(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("connection targets = %v", got)
	}
}

func TestOpenSessionWithoutBodyIsUnassigned(t *testing.T) {
	env := setupRouter(t)

	resp := env.do(http.MethodPost, "/sessions", "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if got := env.stubs[0].Targets(); len(got) != 1 || got[0] != chat.UnassignedRef {
		t.Fatalf("connection targets = %v", got)
	}
}

func TestOpenSessionInvalidBody(t *testing.T) {
	env := setupRouter(t)

	resp := env.do(http.MethodPost, "/sessions", `{"conversationId":`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSendMessage(t *testing.T) {
	env := setupRouter(t)
	id := env.open(t, "new")

	resp := env.do(http.MethodPost, "/sessions/"+id+"/messages", `{"text":"hello"}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 while connecting, got %d", resp.Code)
	}

	env.stubs[0].SetState(connection.StateOpen)

	resp = env.do(http.MethodPost, "/sessions/"+id+"/messages", `{"text":"   "}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", resp.Code)
	}

	resp = env.do(http.MethodPost, "/sessions/"+id+"/messages", `{"text":"hello"}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	sent := env.stubs[0].Sent()
	if len(sent) != 1 || sent[0].Content != "hello" {
		t.Fatalf("sent = %+v", sent)
	}

	resp = env.do(http.MethodGet, "/sessions/"+id, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snap struct {
		Connection string       `json:"connection"`
		Entries    []chat.Entry `json:"entries"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Connection != "open" || len(snap.Entries) != 1 || snap.Entries[0].Kind != chat.KindUserMessage {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCaptureCommands(t *testing.T) {
	env := setupRouter(t)
	id := env.open(t, "new")

	if resp := env.do(http.MethodPost, "/sessions/"+id+"/capture/start", ""); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	env.stubs[0].SetState(connection.StateOpen)

	resp := env.do(http.MethodPost, "/sessions/"+id+"/capture/start", "")
	if resp.Code != http.StatusAccepted || !strings.Contains(resp.Body.String(), `"capturing"`) {
		t.Fatalf("start capture: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodPost, "/sessions/"+id+"/capture/stop", "")
	if resp.Code != http.StatusAccepted || !strings.Contains(resp.Body.String(), `"idle"`) {
		t.Fatalf("stop capture: %d %s", resp.Code, resp.Body.String())
	}

	sent := env.stubs[0].Sent()
	if len(sent) != 2 || sent[0].Type != chat.CommandAudio || sent[1].Type != chat.CommandStopAudio {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestTranscriptExport(t *testing.T) {
	env := setupRouter(t)
	id := env.open(t, "new")
	env.stubs[0].SetState(connection.StateOpen)
	env.stubs[0].Deliver(chat.Envelope{Type: chat.TypeAIMessage, Content: chat.Content{Text: "hello from the backend"}})

	resp := env.do(http.MethodGet, "/sessions/"+id+"/transcript?format=md", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("content type = %s", ct)
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, "conversation-new.md") {
		t.Fatalf("content disposition = %s", cd)
	}
	if !strings.Contains(resp.Body.String(), "# Conversation new") {
		t.Fatalf("body = %s", resp.Body.String())
	}

	if resp := env.do(http.MethodGet, "/sessions/"+id+"/transcript?format=pdf", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", resp.Code)
	}
}

func TestCloseSession(t *testing.T) {
	env := setupRouter(t)
	id := env.open(t, "new")

	if resp := env.do(http.MethodDelete, "/sessions/"+id, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if !env.stubs[0].Closed() {
		t.Fatalf("connection should be closed")
	}
	if resp := env.do(http.MethodGet, "/sessions/"+id, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", resp.Code)
	}
	if resp := env.do(http.MethodDelete, "/sessions/"+id, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", resp.Code)
	}
}

func TestUnknownSession(t *testing.T) {
	env := setupRouter(t)

	if resp := env.do(http.MethodPost, "/sessions/missing/messages", `{"text":"hi"}`); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

// closingSessions hands out controllers that are already torn down.
type closingSessions struct {
	*sessionService.Registry
}

func (s closingSessions) Open(ctx context.Context, ref string) (string, *sessionService.Controller, error) {
	id, ctrl, err := s.Registry.Open(ctx, ref)
	if err == nil {
		_ = ctrl.Close()
	}
	return id, ctrl, err
}

func TestOpenSessionReleasesSessionWhenSnapshotFails(t *testing.T) {
	registry := sessionService.NewRegistry(func() sessionService.Connection {
		return connectiontest.New()
	}, transcript.NewMemoryStore(), emptyFetcher{})
	t.Cleanup(func() { _ = registry.CloseAll() })

	router := chi.NewRouter()
	New(closingSessions{registry}).RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"conversationId":"new"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code == http.StatusCreated {
		t.Fatalf("expected failure, got 201: %s", resp.Body.String())
	}
	if n := registry.Len(); n != 0 {
		t.Fatalf("registry holds %d sessions after failed open, want 0", n)
	}
}
