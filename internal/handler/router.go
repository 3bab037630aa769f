package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/webclient/internal/handler/session"
	"github.com/zhouzirui/z-tavern/webclient/internal/handler/socket"
	"github.com/zhouzirui/z-tavern/webclient/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/z-tavern/webclient/internal/middleware"
	sessionService "github.com/zhouzirui/z-tavern/webclient/internal/service/session"
	"github.com/zhouzirui/z-tavern/webclient/pkg/utils"
)

// NewRouter wires the browser bridge routes to the session registry.
func NewRouter(sessions *sessionService.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(sessions)
	streamHandler := stream.New(sessions)
	socketHandler := socket.New(sessions)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": sessions.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		socketHandler.RegisterRoutes(api)
	})

	return r
}
