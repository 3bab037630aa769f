package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	outBuffer    = 128
)

// Lookup 根据会话 id 查找会话控制器。
type Lookup interface {
	Get(id string) (*sessionService.Controller, error)
}

// Handler 通过 WebSocket 把浏览器和会话控制器双向连接起来。
// 浏览器发送与后端相同的命令帧，服务端推送会话更新。
type Handler struct {
	sessions Lookup
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(sessions Lookup) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "http").Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().Str("component", "http").Str("session_id", sessionID).Logger()
	logger.Debug().Msg("websocket bridge opened")

	out := make(chan outgoingMessage, outBuffer)
	done := make(chan struct{})
	var overflowed bool
	push := func(msg outgoingMessage) {
		if overflowed {
			return
		}
		select {
		case out <- msg:
		default:
			overflowed = true
			close(done)
		}
	}

	snap, unsubscribe, err := ctrl.Watch(func(u sessionService.Update) {
		push(outgoingMessage{Type: string(u.Kind), SessionID: sessionID, Data: u.Payload(), Timestamp: time.Now().Unix()})
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
		return
	}
	defer unsubscribe()

	initial := []sessionService.Update{
		{Kind: sessionService.UpdateTranscript, Entries: snap.Entries},
		{Kind: sessionService.UpdateConnection, Connection: snap.Connection},
		{Kind: sessionService.UpdateRecording, Recording: snap.Recording},
	}
	if snap.Identity.IsAssigned() {
		initial = append(initial, sessionService.Update{Kind: sessionService.UpdateIdentity, Identity: snap.Identity})
	}
	for _, u := range initial {
		if err := writeJSON(conn, outgoingMessage{Type: string(u.Kind), SessionID: sessionID, Data: u.Payload(), Timestamp: time.Now().Unix()}); err != nil {
			return
		}
	}

	commands := make(chan chat.Command)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go readLoop(conn, commands, readErr, stop)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ctrl.Done():
			if err := flushPending(out, func(msg outgoingMessage) error { return writeJSON(conn, msg) }); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		case <-done:
			logger.Warn().Msg("websocket client too slow, disconnecting")
			return
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		case cmd := <-commands:
			if msg, ok := apply(ctrl, cmd); ok {
				if err := writeJSON(conn, msg); err != nil {
					return
				}
			}
		case msg := <-out:
			if err := writeJSON(conn, msg); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop decodes command frames until the socket fails.
func readLoop(conn *websocket.Conn, commands chan<- chat.Command, readErr chan<- error, stop <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var cmd chat.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			cmd = chat.Command{}
		}
		select {
		case commands <- cmd:
		case <-stop:
			return
		}
	}
}

// apply runs cmd against the session. It returns an error frame to send back
// when the command was rejected.
func apply(ctrl *sessionService.Controller, cmd chat.Command) (outgoingMessage, bool) {
	var err error
	switch cmd.Type {
	case chat.CommandText:
		err = ctrl.SendText(cmd.Content)
	case chat.CommandAudio:
		err = ctrl.StartCapture()
	case chat.CommandStopAudio:
		err = ctrl.StopCapture()
	default:
		err = errUnknownCommand
	}
	if err == nil {
		return outgoingMessage{}, false
	}

	level := zerolog.DebugLevel
	if !errors.Is(err, sessionService.ErrNotConnected) && !errors.Is(err, sessionService.ErrEmptyText) {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).Str("component", "http").Str("command", cmd.Type).Err(err).Msg("websocket command rejected")

	return outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"message": err.Error(), "command": cmd.Type},
		Timestamp: time.Now().Unix(),
	}, true
}

var errUnknownCommand = errors.New("unknown command")

// flushPending writes the frames already queued without waiting for more.
func flushPending(out <-chan outgoingMessage, send func(outgoingMessage) error) error {
	for {
		select {
		case msg := <-out:
			if err := send(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func writeJSON(conn *websocket.Conn, msg outgoingMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
