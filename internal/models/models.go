// Package models defines the data shared by the store, the protocol and the relay.
package models

// PlaybackState is a point-in-time view of the content position.
// Snapshots are compared by value.
type PlaybackState struct {
	Elapsed   float64 `json:"elapsed"`   // seconds into the content
	Duration  float64 `json:"duration"`  // total length in seconds
	IsPlaying bool    `json:"isPlaying"` // false when paused
}

// User is a lobby member. The identifier survives reconnects; the client provisions
// it once and resends it.
type User struct {
	UserId        string        `json:"userId"`
	LobbyId       string        `json:"lobbyId,omitempty"`
	IsController  bool          `json:"isController"`
	PlaybackState PlaybackState `json:"playbackState"`
	UrlParams     string        `json:"urlParams"` // content reference, e.g. "watch/80057281"
}

// ControllerState is what a follower needs to mirror the controller.
type ControllerState struct {
	UserId        string        `json:"userId"`
	PlaybackState PlaybackState `json:"playbackState"`
	UrlParams     string        `json:"urlParams"`
}

// Lobby is a read-only copy of a lobby taken under its lock.
type Lobby struct {
	LobbyId      string `json:"lobbyId"`
	ControllerId string `json:"controllerId,omitempty"`
	Members      []User `json:"members"`
	CreatedAt    int64  `json:"createdAt"` // unix seconds
}

// Controller returns the controller's state, or false when the lobby is inert.
func (l Lobby) Controller() (ControllerState, bool) {
	for _, m := range l.Members {
		if m.UserId == l.ControllerId && m.IsController {
			return ControllerState{UserId: m.UserId, PlaybackState: m.PlaybackState, UrlParams: m.UrlParams}, true
		}
	}
	return ControllerState{}, false
}

// Member looks up a member by id.
func (l Lobby) Member(userId string) (User, bool) {
	for _, m := range l.Members {
		if m.UserId == userId {
			return m, true
		}
	}
	return User{}, false
}
