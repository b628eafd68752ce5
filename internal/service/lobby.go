package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
)

// Lobby groups one controller and zero or more followers.
//
// Every method assumes the caller holds the lobby's critical section, which is only
// reachable through SessionStore.Update and the store's own membership operations.
// The controller always wins: only the member whose id equals controllerId may change
// the lobby's shared playback state or content reference.
type Lobby struct {
	mu           sync.Mutex
	id           string
	controllerId string // empty once the controller has left
	members      map[string]*models.User
	createdAt    time.Time
	deleted      bool
}

func newLobby(id string, controller models.User, now time.Time) *Lobby {
	controller.LobbyId = id
	controller.IsController = true
	return &Lobby{
		id:           id,
		controllerId: controller.UserId,
		members:      map[string]*models.User{controller.UserId: &controller},
		createdAt:    now,
	}
}

// ID returns the lobby id.
func (l *Lobby) ID() string { return l.id }

// ControllerID returns the controller's user id, or "" once the lobby is inert.
func (l *Lobby) ControllerID() string { return l.controllerId }

// IsInert reports whether the controller has left. An inert lobby produces no updates.
func (l *Lobby) IsInert() bool { return l.controllerId == "" }

// IsController reports whether userId holds the controller role.
func (l *Lobby) IsController(userId string) bool {
	return userId != "" && userId == l.controllerId
}

// Member returns a copy of a member.
func (l *Lobby) Member(userId string) (models.User, bool) {
	u, ok := l.members[userId]
	if !ok {
		return models.User{}, false
	}
	return *u, true
}

// Size is the number of members.
func (l *Lobby) Size() int { return len(l.members) }

// OtherMembers returns every member id except the given one, sorted.
func (l *Lobby) OtherMembers(except string) []string {
	ids := make([]string, 0, len(l.members))
	for id := range l.members {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ControllerState returns what followers mirror; false when the lobby is inert.
func (l *Lobby) ControllerState() (models.ControllerState, bool) {
	c, ok := l.members[l.controllerId]
	if !ok {
		return models.ControllerState{}, false
	}
	return models.ControllerState{UserId: c.UserId, PlaybackState: c.PlaybackState, UrlParams: c.UrlParams}, true
}

func (l *Lobby) controllerMember(userId string) (*models.User, error) {
	u, ok := l.members[userId]
	if !ok {
		return nil, fmt.Errorf("user %s in lobby %s: %w", userId, l.id, ErrUserNotFound)
	}
	if !l.IsController(userId) {
		return nil, fmt.Errorf("user %s in lobby %s: %w", userId, l.id, ErrNotController)
	}
	return u, nil
}

// SetPlaybackState replaces the controller's snapshot and reports whether it changed.
func (l *Lobby) SetPlaybackState(userId string, state models.PlaybackState) (bool, error) {
	u, err := l.controllerMember(userId)
	if err != nil {
		return false, err
	}
	if u.PlaybackState == state {
		return false, nil
	}
	u.PlaybackState = state
	return true, nil
}

// SetUrlParams replaces the controller's content reference and reports whether it changed.
func (l *Lobby) SetUrlParams(userId, urlParams string) (bool, error) {
	u, err := l.controllerMember(userId)
	if err != nil {
		return false, err
	}
	if u.UrlParams == urlParams {
		return false, nil
	}
	u.UrlParams = urlParams
	return true, nil
}

// RecordFollowerSnapshot stores a follower's self-reported position. It never touches
// the controller's snapshot.
func (l *Lobby) RecordFollowerSnapshot(userId string, state models.PlaybackState) error {
	u, ok := l.members[userId]
	if !ok {
		return fmt.Errorf("user %s in lobby %s: %w", userId, l.id, ErrUserNotFound)
	}
	if l.IsController(userId) {
		return nil
	}
	u.PlaybackState = state
	return nil
}

// Handoff moves the controller role to another member. Both flags change together.
func (l *Lobby) Handoff(fromId, toId string) error {
	from, err := l.controllerMember(fromId)
	if err != nil {
		return err
	}
	to, ok := l.members[toId]
	if !ok {
		return fmt.Errorf("handoff target %s in lobby %s: %w", toId, l.id, ErrUserNotFound)
	}
	if fromId == toId {
		return nil
	}
	from.IsController = false
	to.IsController = true
	l.controllerId = toId
	return nil
}

// View copies the lobby. Members are sorted by id.
func (l *Lobby) View() models.Lobby {
	v := models.Lobby{
		LobbyId:      l.id,
		ControllerId: l.controllerId,
		Members:      make([]models.User, 0, len(l.members)),
		CreatedAt:    l.createdAt.Unix(),
	}
	for _, id := range l.OtherMembers("") {
		v.Members = append(v.Members, *l.members[id])
	}
	return v
}
