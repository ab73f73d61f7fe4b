package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/handler/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/handler/stream"
	"github.com/zhouzirui/taxdesk/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/taxdesk/backend/internal/middleware"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatService "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/taxdesk/backend/pkg/utils"
)

// Deps holds the services the HTTP layer is wired to.
type Deps struct {
	Chat          *chatService.Service
	Conversation  *conversation.Handler
	Authenticator *auth.Authenticator
	UploadMax     int64
	Logger        *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"persistence": deps.Chat.PersistenceEnabled(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	chatHandler := chat.New(deps.Chat, deps.Conversation, deps.UploadMax, deps.Logger)
	streamHandler := stream.New(deps.Chat, deps.Conversation, deps.UploadMax, deps.Logger)
	wsHandler := ws.New(deps.Chat, deps.Conversation, deps.UploadMax, deps.Logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.BasicAuth(deps.Authenticator))

		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
