package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinkubot/client-ai/internal/http/handlers"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	ConversationHandler *handlers.ConversationHandler
	MetricsHandler      http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", cfg.ConversationHandler.Health)
	r.Get("/ready", cfg.ConversationHandler.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Post("/process-message", cfg.ConversationHandler.ProcessMessage)
	r.Post("/handle-whatsapp-message", cfg.ConversationHandler.HandleWhatsAppMessage)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", cfg.ConversationHandler.CreateSession)
		r.Get("/stats", cfg.ConversationHandler.SessionStats)
		r.Get("/{phone}", cfg.ConversationHandler.GetSessions)
		r.Delete("/{phone}", cfg.ConversationHandler.DeleteSessions)
	})

	return r
}
