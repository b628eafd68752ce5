package repo

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	rec       LobbyRecord
	expiresAt time.Time
}

// MemoryLobbyDirectory is the single-instance directory.
type MemoryLobbyDirectory struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]memoryEntry
}

func NewMemoryLobbyDirectory(clock clockwork.Clock) *MemoryLobbyDirectory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLobbyDirectory{clock: clock, entries: make(map[string]memoryEntry)}
}

func (d *MemoryLobbyDirectory) Reserve(_ context.Context, rec LobbyRecord, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[rec.LobbyId]; ok && !d.expired(e) {
		return false, nil
	}
	d.entries[rec.LobbyId] = memoryEntry{rec: rec, expiresAt: d.deadline(ttl)}
	return true, nil
}

func (d *MemoryLobbyDirectory) Lookup(_ context.Context, lobbyId string) (LobbyRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[lobbyId]
	if !ok || d.expired(e) {
		return LobbyRecord{}, false, nil
	}
	return e.rec, true, nil
}

func (d *MemoryLobbyDirectory) Touch(_ context.Context, lobbyId string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[lobbyId]; ok && !d.expired(e) {
		e.expiresAt = d.deadline(ttl)
		d.entries[lobbyId] = e
	}
	return nil
}

func (d *MemoryLobbyDirectory) Release(_ context.Context, lobbyId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, lobbyId)
	return nil
}

// zero ttl never expires
func (d *MemoryLobbyDirectory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return d.clock.Now().Add(ttl)
}

func (d *MemoryLobbyDirectory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !d.clock.Now().Before(e.expiresAt)
}
