// Package service owns the in-memory session store and the lobby aggregate.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jonnylin13/LongDistanceNetflix/internal/idgen"
	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
	"github.com/jonnylin13/LongDistanceNetflix/internal/repo"
)

const defaultMaxIDAttempts = 10

// IDGenerator produces candidate lobby ids.
type IDGenerator interface {
	New() (string, error)
}

type lobbyIDGen struct{}

func (lobbyIDGen) New() (string, error) { return idgen.NewLobbyID() }

// NewLobbyIDGenerator returns the human-readable lobby id generator.
func NewLobbyIDGenerator() IDGenerator {
	return lobbyIDGen{}
}

type Options struct {
	MaxIDAttempts int           // lobby id allocation attempts before giving up
	LobbyTTL      time.Duration // directory reservation lifetime; 0 never expires
	Instance      string        // recorded in the directory
	Clock         clockwork.Clock
}

// LeaveResult describes what a departure did to the lobby.
type LeaveResult struct {
	LobbyId       string
	WasController bool
	Remaining     []string // member ids still in the lobby
	Deleted       bool
}

// SessionStore maps lobby ids to lobbies and users to the lobby they are in.
//
// Lock order is store then lobby. Membership changes take the store's write lock;
// Update takes only the read lock for the lookup, so lobbies mutate in parallel.
type SessionStore struct {
	mu      sync.RWMutex
	lobbies map[string]*Lobby
	index   map[string]string // user id -> lobby id
	dir     repo.LobbyDirectory
	idg     IDGenerator
	opts    Options
}

// NewSessionStore builds an empty store over a lobby directory.
func NewSessionStore(dir repo.LobbyDirectory, idg IDGenerator, opts Options) *SessionStore {
	if opts.MaxIDAttempts <= 0 {
		opts.MaxIDAttempts = defaultMaxIDAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if dir == nil {
		dir = repo.NewMemoryLobbyDirectory(opts.Clock)
	}
	if idg == nil {
		idg = NewLobbyIDGenerator()
	}
	return &SessionStore{
		lobbies: make(map[string]*Lobby),
		index:   make(map[string]string),
		dir:     dir,
		idg:     idg,
		opts:    opts,
	}
}

// Create opens a lobby with user as its controller.
func (s *SessionStore) Create(ctx context.Context, user models.User) (models.Lobby, error) {
	if user.UserId == "" {
		return models.Lobby{}, fmt.Errorf("create lobby: %w", ErrUserNotFound)
	}
	if lobbyId, ok := s.LobbyOf(user.UserId); ok {
		return models.Lobby{}, fmt.Errorf("user %s is in lobby %s: %w", user.UserId, lobbyId, ErrAlreadyInLobby)
	}

	now := s.opts.Clock.Now()
	lobbyId, err := s.allocateID(ctx, user.UserId, now)
	if err != nil {
		return models.Lobby{}, err
	}

	s.mu.Lock()
	if existing, ok := s.index[user.UserId]; ok {
		s.mu.Unlock()
		s.release(lobbyId)
		return models.Lobby{}, fmt.Errorf("user %s is in lobby %s: %w", user.UserId, existing, ErrAlreadyInLobby)
	}
	l := newLobby(lobbyId, user, now)
	s.lobbies[lobbyId] = l
	s.index[user.UserId] = lobbyId
	view := l.View()
	s.mu.Unlock()

	log.Info().Str("lobby_id", lobbyId).Str("user_id", user.UserId).Msg("lobby created")
	return view, nil
}

// allocateID retries until the directory accepts a fresh id.
func (s *SessionStore) allocateID(ctx context.Context, controllerId string, now time.Time) (string, error) {
	for i := 0; i < s.opts.MaxIDAttempts; i++ {
		id, err := s.idg.New()
		if err != nil {
			return "", fmt.Errorf("generate lobby id: %w", err)
		}

		s.mu.RLock()
		_, taken := s.lobbies[id]
		s.mu.RUnlock()
		if taken {
			continue
		}

		rec := repo.LobbyRecord{LobbyId: id, ControllerId: controllerId, Instance: s.opts.Instance, CreatedAt: now.Unix()}
		ok, err := s.dir.Reserve(ctx, rec, s.opts.LobbyTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
		log.Debug().Str("lobby_id", id).Msg("lobby id collision, regenerating")
	}
	return "", ErrLobbyIDGenerationFailed
}

// Get returns a copy of a lobby or ErrLobbyNotFound.
func (s *SessionStore) Get(lobbyId string) (models.Lobby, error) {
	s.mu.RLock()
	l, ok := s.lobbies[lobbyId]
	s.mu.RUnlock()
	if !ok {
		return models.Lobby{}, fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return models.Lobby{}, fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}
	return l.View(), nil
}

// Delete removes a lobby and unindexes its members. Absent lobbies are ignored.
func (s *SessionStore) Delete(ctx context.Context, lobbyId string) {
	s.mu.Lock()
	l, ok := s.lobbies[lobbyId]
	if !ok {
		s.mu.Unlock()
		return
	}
	l.mu.Lock()
	for id := range l.members {
		if s.index[id] == lobbyId {
			delete(s.index, id)
		}
	}
	l.deleted = true
	l.mu.Unlock()
	delete(s.lobbies, lobbyId)
	s.mu.Unlock()

	s.release(lobbyId)
	log.Info().Str("lobby_id", lobbyId).Msg("lobby deleted")
}

// Join adds user as a follower. The follower starts from the controller's snapshot
// and content reference so late joiners land on the current show.
func (s *SessionStore) Join(ctx context.Context, lobbyId string, user models.User) (models.Lobby, error) {
	if user.UserId == "" {
		return models.Lobby{}, fmt.Errorf("join lobby: %w", ErrUserNotFound)
	}
	s.mu.RLock()
	_, local := s.lobbies[lobbyId]
	s.mu.RUnlock()
	if !local {
		return models.Lobby{}, s.notFound(ctx, lobbyId)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lobbies[lobbyId]
	if !ok {
		return models.Lobby{}, fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}
	if existing, ok := s.index[user.UserId]; ok {
		return models.Lobby{}, fmt.Errorf("user %s is in lobby %s: %w", user.UserId, existing, ErrAlreadyInLobby)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	controller, ok := l.ControllerState()
	if !ok {
		return models.Lobby{}, fmt.Errorf("lobby %s has no controller: %w", lobbyId, ErrLobbyNotFound)
	}

	follower := user
	follower.LobbyId = lobbyId
	follower.IsController = false
	follower.PlaybackState = controller.PlaybackState
	follower.UrlParams = controller.UrlParams
	l.members[follower.UserId] = &follower
	s.index[follower.UserId] = lobbyId

	log.Info().Str("lobby_id", lobbyId).Str("user_id", user.UserId).Int("members", l.Size()).Msg("user joined lobby")
	return l.View(), nil
}

// notFound explains a miss. The directory may know the lobby lives on another instance.
func (s *SessionStore) notFound(ctx context.Context, lobbyId string) error {
	rec, ok, err := s.dir.Lookup(ctx, lobbyId)
	if err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyId).Msg("lobby directory lookup failed")
	}
	if ok && rec.Instance != "" && rec.Instance != s.opts.Instance {
		return fmt.Errorf("lobby %s is hosted by %s: %w", lobbyId, rec.Instance, ErrLobbyNotFound)
	}
	return fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
}

// Leave removes a member. A departing controller leaves the lobby inert; nobody is
// promoted. The last departure deletes the lobby.
func (s *SessionStore) Leave(ctx context.Context, lobbyId, userId string) (LeaveResult, error) {
	s.mu.Lock()
	l, ok := s.lobbies[lobbyId]
	if !ok {
		s.mu.Unlock()
		return LeaveResult{}, fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}

	l.mu.Lock()
	if _, ok := l.members[userId]; !ok {
		l.mu.Unlock()
		s.mu.Unlock()
		return LeaveResult{}, fmt.Errorf("user %s in lobby %s: %w", userId, lobbyId, ErrUserNotFound)
	}
	res := LeaveResult{LobbyId: lobbyId, WasController: l.IsController(userId)}
	delete(l.members, userId)
	if res.WasController {
		l.controllerId = ""
	}
	res.Remaining = l.OtherMembers("")
	if len(res.Remaining) == 0 {
		res.Deleted = true
		l.deleted = true
		delete(s.lobbies, lobbyId)
	}
	l.mu.Unlock()
	if s.index[userId] == lobbyId {
		delete(s.index, userId)
	}
	s.mu.Unlock()

	log.Info().
		Str("lobby_id", lobbyId).
		Str("user_id", userId).
		Bool("controller", res.WasController).
		Int("remaining", len(res.Remaining)).
		Msg("user left lobby")

	if res.Deleted {
		s.release(lobbyId)
		log.Info().Str("lobby_id", lobbyId).Msg("lobby deleted")
	}
	return res, nil
}

// Update runs fn inside the lobby's critical section.
func (s *SessionStore) Update(lobbyId string, fn func(l *Lobby) error) error {
	s.mu.RLock()
	l, ok := s.lobbies[lobbyId]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return fmt.Errorf("lobby %s: %w", lobbyId, ErrLobbyNotFound)
	}
	return fn(l)
}

// LobbyOf returns the lobby a user belongs to.
func (s *SessionStore) LobbyOf(userId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[userId]
	return id, ok
}

// Touch extends the lobby's directory reservation.
func (s *SessionStore) Touch(ctx context.Context, lobbyId string) error {
	return s.dir.Touch(ctx, lobbyId, s.opts.LobbyTTL)
}

// Stats reports live lobbies and indexed members.
func (s *SessionStore) Stats() (lobbies, members int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lobbies), len(s.index)
}

// release drops the directory reservation. Failures only leave a stale entry that
// expires with its TTL.
func (s *SessionStore) release(lobbyId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.dir.Release(ctx, lobbyId); err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyId).Msg("failed to release lobby id")
	}
}
