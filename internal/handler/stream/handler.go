package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/pkg/utils"
)

const updateBuffer = 128

// Lookup 根据会话 id 查找会话控制器。
type Lookup interface {
	Get(id string) (*sessionService.Controller, error)
}

// Handler 通过 Server-Sent Events 推送会话更新
type Handler struct {
	sessions  Lookup
	keepAlive time.Duration
}

// New creates a new stream handler
func New(sessions Lookup) *Handler {
	return &Handler{sessions: sessions, keepAlive: 15 * time.Second}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

// handleEvents streams the current state first, then every update in order.
// A client that falls too far behind is disconnected and should reconnect.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates := make(chan sessionService.Update, updateBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	snap, unsubscribe, err := ctrl.Watch(func(u sessionService.Update) {
		if overflowed {
			return
		}
		select {
		case updates <- u:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	logger := log.With().Str("component", "http").Str("session_id", sessionID).Logger()
	logger.Debug().Msg("event stream opened")
	defer logger.Debug().Msg("event stream closed")

	initial := []sessionService.Update{
		{Kind: sessionService.UpdateTranscript, Entries: snap.Entries},
		{Kind: sessionService.UpdateConnection, Connection: snap.Connection},
		{Kind: sessionService.UpdateRecording, Recording: snap.Recording},
	}
	if snap.Identity.IsAssigned() {
		initial = append(initial, sessionService.Update{Kind: sessionService.UpdateIdentity, Identity: snap.Identity})
	}
	for _, u := range initial {
		if err := utils.SendSSEEvent(w, flusher, string(u.Kind), u.Payload()); err != nil {
			return
		}
	}

	send := func(u sessionService.Update) error {
		return utils.SendSSEEvent(w, flusher, string(u.Kind), u.Payload())
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ctrl.Done():
			if err := flushUpdates(updates, send); err != nil {
				return
			}
			_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": sessionID})
			return
		case <-overflow:
			logger.Warn().Msg("event stream client too slow, disconnecting")
			return
		case u := <-updates:
			if err := send(u); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}

// flushUpdates writes the updates already queued without waiting for more.
func flushUpdates(updates <-chan sessionService.Update, send func(sessionService.Update) error) error {
	for {
		select {
		case u := <-updates:
			if err := send(u); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
