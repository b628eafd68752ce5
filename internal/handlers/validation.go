package handlers

import (
	"fmt"

	"github.com/jonnylin13/LongDistanceNetflix/internal/idgen"
)

func validateLobbyId(lobbyId string) error {
	if normalizeID(lobbyId) == "" {
		return fmt.Errorf("lobbyId required")
	}
	if !idgen.IsLobbyID(lobbyId) {
		return fmt.Errorf("invalid lobbyId %q", lobbyId)
	}
	return nil
}
