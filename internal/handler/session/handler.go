package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/export"
	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/pkg/utils"
)

// Sessions 是处理器依赖的会话注册表。
type Sessions interface {
	Open(ctx context.Context, ref string) (string, *sessionService.Controller, error)
	Get(id string) (*sessionService.Controller, error)
	Close(id string) error
}

// Handler 把浏览器界面的命令转发给会话控制器。
type Handler struct {
	sessions Sessions
}

// New 创建会话处理器
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleOpen)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleSnapshot)
		r.Delete("/", h.handleClose)
		r.Post("/messages", h.handleSendText)
		r.Post("/capture/start", h.handleStartCapture)
		r.Post("/capture/stop", h.handleStopCapture)
		r.Get("/transcript", h.handleTranscript)
	})
}

type openResponse struct {
	SessionID string                  `json:"sessionId"`
	Snapshot  sessionService.Snapshot `json:"snapshot"`
}

// handleOpen 为一次界面挂载创建会话
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConversationID string `json:"conversationId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, ctrl, err := h.sessions.Open(r.Context(), payload.ConversationID)
	if err != nil {
		log.Error().Str("component", "http").Err(err).Msg("open session")
		utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	snap, err := ctrl.Snapshot()
	if err != nil {
		if closeErr := h.sessions.Close(id); closeErr != nil && !errors.Is(closeErr, sessionService.ErrSessionNotFound) {
			log.Warn().Str("component", "http").Str("session_id", id).Err(closeErr).Msg("close session after failed open")
		}
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, openResponse{SessionID: id, Snapshot: snap})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap, err := ctrl.Snapshot()
	if err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, sessionService.ErrSessionNotFound) {
			respondSessionError(w, err)
			return
		}
		log.Warn().Str("component", "http").Err(err).Msg("close session")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendText 发送文本消息
func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := ctrl.SendText(payload.Text); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	h.capture(w, r, (*sessionService.Controller).StartCapture)
}

func (h *Handler) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	h.capture(w, r, (*sessionService.Controller).StopCapture)
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request, command func(*sessionService.Controller) error) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := command(ctrl); err != nil {
		respondSessionError(w, err)
		return
	}
	snap, err := ctrl.Snapshot()
	if err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"recording": snap.Recording.String()})
}

// handleTranscript 按指定格式导出当前会话记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	exporter, err := export.NewExporter(r.URL.Query().Get("format"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := ctrl.Snapshot()
	if err != nil {
		respondSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", exporter.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "conversation-"+snap.Identity.Ref()+"."+exporter.Extension()))
	if err := exporter.Export(export.NewTranscript(snap.Identity, snap.Entries), w); err != nil {
		log.Warn().Str("component", "http").Err(err).Msg("export transcript")
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*sessionService.Controller, bool) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondSessionError(w, err)
		return nil, false
	}
	return ctrl, true
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionService.ErrEmptyText):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sessionService.ErrNotConnected):
		utils.RespondError(w, http.StatusConflict, sessionService.ErrNotConnected.Error())
	case errors.Is(err, sessionService.ErrSessionNotFound), errors.Is(err, sessionService.ErrSessionClosed):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	default:
		log.Error().Str("component", "http").Err(err).Msg("session command failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
