// Package repo holds the lobby directory: a shared record of which lobby ids are taken.
// Lobby state itself lives in memory in the session store; the directory only
// prevents id collisions between relay instances and exposes lobby metadata.
package repo

import (
	"context"
	"time"
)

// LobbyRecord is the metadata published for a lobby.
type LobbyRecord struct {
	LobbyId      string `json:"lobbyId"`
	ControllerId string `json:"controllerId"`
	Instance     string `json:"instance,omitempty"` // relay instance that owns the lobby
	CreatedAt    int64  `json:"createdAt"`
}

type LobbyDirectory interface {
	// Reserve claims rec.LobbyId. It returns false if the id is already taken.
	Reserve(ctx context.Context, rec LobbyRecord, ttl time.Duration) (bool, error)
	Lookup(ctx context.Context, lobbyId string) (LobbyRecord, bool, error)
	Touch(ctx context.Context, lobbyId string, ttl time.Duration) error
	Release(ctx context.Context, lobbyId string) error
}
