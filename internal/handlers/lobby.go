package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jonnylin13/LongDistanceNetflix/internal/service"
)

// LobbyHandler serves read-only lobby inspection over REST.
type LobbyHandler struct {
	store *service.SessionStore
	relay *Relay
}

// NewLobbyHandler serves the read-only lobby endpoints.
func NewLobbyHandler(s *service.SessionStore, rl *Relay) *LobbyHandler {
	return &LobbyHandler{store: s, relay: rl}
}

type statsResponse struct {
	Lobbies     int `json:"lobbies"`
	Members     int `json:"members"`
	Connections int `json:"connections"`
	Bound       int `json:"bound"`
}

// Get returns one lobby with its members.
func (h *LobbyHandler) Get(w http.ResponseWriter, r *http.Request) {
	lobbyId := normalizeID(chi.URLParam(r, "lobbyId"))
	if err := validateLobbyId(lobbyId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := h.store.Get(lobbyId)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

// Stats reports lobby and connection counts.
func (h *LobbyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var out statsResponse
	out.Lobbies, out.Members = h.store.Stats()
	if h.relay != nil {
		out.Connections, out.Bound = h.relay.Stats()
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *LobbyHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrLobbyNotFound), errors.Is(err, service.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "lobby not found")
	default:
		log.Error().Err(err).Msg("lobby request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
