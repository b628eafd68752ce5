package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jonnylin13/LongDistanceNetflix/internal/handlers"
)

func NewRouter(h *handlers.LobbyHandler, relay *handlers.Relay, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// the socket route stays outside the access logger; its request lives as long as the connection
	r.Get("/ws", relay.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		r.Get("/api/v1/stats", h.Stats)
		r.Route("/api/v1/lobby", func(r chi.Router) {
			r.Get("/{lobbyId}", h.Get)
		})
	})

	return r
}
