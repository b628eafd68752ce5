package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonnylin13/LongDistanceNetflix/internal/events"
	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
	"github.com/jonnylin13/LongDistanceNetflix/internal/repo"
	"github.com/jonnylin13/LongDistanceNetflix/internal/service"
)

type fixedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (f *fixedIDs) New() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", errors.New("out of ids")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type harness struct {
	d      *Dispatcher
	store  *service.SessionStore
	events *events.Recorder
	bound  map[string]string // connection name -> bound user
}

func newHarness(t *testing.T, lobbyIDs ...string) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := service.NewSessionStore(repo.NewMemoryLobbyDirectory(clock), &fixedIDs{ids: lobbyIDs}, service.Options{Clock: clock})
	rec := &events.Recorder{}
	d := NewDispatcher(store, rec, clock)
	n := 0
	d.newUserID = func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	return &harness{d: d, store: store, events: rec, bound: map[string]string{}}
}

// send dispatches a frame from the named connection and applies any binding.
func (h *harness) send(t *testing.T, conn, frame string) Result {
	t.Helper()
	res := h.d.Dispatch(context.Background(), h.bound[conn], []byte(frame))
	if res.Bind != "" {
		h.bound[conn] = res.Bind
	}
	return res
}

func requireError(t *testing.T, res Result, code ErrorCode) {
	t.Helper()
	e, ok := res.Reply.(Error)
	require.Truef(t, ok, "expected error reply, got %#v", res.Reply)
	assert.Equal(t, code, e.Code)
	assert.Empty(t, res.Broadcasts, "failed requests must not broadcast")
}

// lobbyOfThree builds blue-fox-12 with controller A at (120, 5400, playing) and followers B and C.
func lobbyOfThree(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, "blue-fox-12")
	res := h.send(t, "A", `{"type":"start_lobby","user":{"userId":"A","playbackState":{"elapsed":120,"duration":5400,"isPlaying":true},"urlParams":"watch/80057281"}}`)
	require.Equal(t, StartLobbyAck{Success: true, LobbyId: "blue-fox-12", UserId: "A"}, res.Reply)
	h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"B"}}`)
	h.send(t, "C", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"C"}}`)
	return h
}

func TestDispatch_StartLobby(t *testing.T) {
	h := newHarness(t, "blue-fox-12", "red-owl-3")

	res := h.send(t, "A", `{"type":"start_lobby","user":{}}`)
	assert.Equal(t, StartLobbyAck{Success: true, LobbyId: "blue-fox-12", UserId: "gen-1"}, res.Reply)
	assert.Equal(t, "gen-1", res.Bind)
	assert.Empty(t, res.Broadcasts)

	res = h.send(t, "A", `{"type":"start_lobby","user":{"userId":"gen-1"}}`)
	requireError(t, res, CodeAlreadyInLobby)

	res = h.send(t, "A", `{"type":"start_lobby","user":{"userId":"someone-else"}}`)
	requireError(t, res, CodeMalformedMessage)

	assert.Equal(t, []events.EventType{events.LobbyCreated}, h.events.Types())
}

func TestDispatch_ConnectLobby(t *testing.T) {
	h := newHarness(t, "blue-fox-12")

	res := h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"B"}}`)
	requireError(t, res, CodeNotFound)
	_, err := h.store.Get("blue-fox-12")
	assert.ErrorIs(t, err, service.ErrLobbyNotFound, "connect never creates a lobby")

	h.send(t, "A", `{"type":"start_lobby","user":{"userId":"A","playbackState":{"elapsed":120,"duration":5400,"isPlaying":true},"urlParams":"watch/80057281"}}`)

	res = h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"B"}}`)
	want := models.ControllerState{
		UserId:        "A",
		PlaybackState: models.PlaybackState{Elapsed: 120, Duration: 5400, IsPlaying: true},
		UrlParams:     "watch/80057281",
	}
	assert.Equal(t, ConnectLobbyAck{Success: true, LobbyId: "blue-fox-12", UserId: "B", ControllerState: &want}, res.Reply)
	assert.Equal(t, "B", res.Bind)
	assert.Equal(t, []Broadcast{{LobbyId: "blue-fox-12", Recipients: []string{"A"}, Message: MemberJoined{UserId: "B"}}}, res.Broadcasts)

	res = h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"B"}}`)
	requireError(t, res, CodeAlreadyInLobby)
	res = h.send(t, "A", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"A"}}`)
	requireError(t, res, CodeAlreadyInLobby)

	l, err := h.store.Get("blue-fox-12")
	require.NoError(t, err)
	assert.Len(t, l.Members, 2)
}

func TestDispatch_UpdateState(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "A", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"A"},"playbackState":{"elapsed":130,"duration":5400,"isPlaying":false}}`)
	assert.Equal(t, Ack{Success: true, Ref: TypeUpdateState}, res.Reply)
	paused := models.PlaybackState{Elapsed: 130, Duration: 5400, IsPlaying: false}
	assert.Equal(t, []Broadcast{{
		LobbyId:    "blue-fox-12",
		Recipients: []string{"B", "C"},
		Message:    StateUpdate{UserId: "A", PlaybackState: paused},
	}}, res.Broadcasts)

	t.Run("identical snapshot is acked without broadcast", func(t *testing.T) {
		res := h.send(t, "A", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"A"},"playbackState":{"elapsed":130,"duration":5400,"isPlaying":false}}`)
		assert.Equal(t, Ack{Success: true, Ref: TypeUpdateState}, res.Reply)
		assert.Empty(t, res.Broadcasts)
	})

	t.Run("follower is rejected", func(t *testing.T) {
		res := h.send(t, "B", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"B"},"playbackState":{"elapsed":999,"duration":5400,"isPlaying":true}}`)
		requireError(t, res, CodeNotController)

		l, err := h.store.Get("blue-fox-12")
		require.NoError(t, err)
		c, _ := l.Controller()
		assert.Equal(t, paused, c.PlaybackState)
	})

	t.Run("wrong lobby", func(t *testing.T) {
		res := h.send(t, "A", `{"type":"update_state","lobbyId":"red-owl-3","user":{"userId":"A"},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
		requireError(t, res, CodeNotFound)
	})

	t.Run("unbound connection", func(t *testing.T) {
		res := h.send(t, "X", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"A"},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
		requireError(t, res, CodeNotFound)
	})

	t.Run("impersonation", func(t *testing.T) {
		res := h.send(t, "B", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"A"},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
		requireError(t, res, CodeMalformedMessage)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		res := h.send(t, "A", `{"type":"update_state","lobbyId":"blue-fox-12","user":{"userId":"A"}}`)
		requireError(t, res, CodeMalformedMessage)
	})
}

func TestDispatch_UpdateUrl(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "A", `{"type":"update_url","lobbyId":"blue-fox-12","user":{"userId":"A"},"urlParams":"watch/70143836"}`)
	assert.Equal(t, Ack{Success: true, Ref: TypeUpdateUrl}, res.Reply)
	assert.Equal(t, []Broadcast{{
		LobbyId:    "blue-fox-12",
		Recipients: []string{"B", "C"},
		Message:    UrlUpdate{UserId: "A", UrlParams: "watch/70143836"},
	}}, res.Broadcasts)

	res = h.send(t, "A", `{"type":"update_url","lobbyId":"blue-fox-12","user":{"userId":"A"},"urlParams":"watch/70143836"}`)
	assert.Empty(t, res.Broadcasts)

	res = h.send(t, "C", `{"type":"update_url","lobbyId":"blue-fox-12","user":{"userId":"C"},"urlParams":"browse"}`)
	requireError(t, res, CodeNotController)
}

func TestDispatch_DisconnectLobby(t *testing.T) {
	t.Run("follower", func(t *testing.T) {
		h := lobbyOfThree(t)

		res := h.send(t, "B", `{"type":"disconnect_lobby","user":{"userId":"B"}}`)
		assert.Equal(t, DisconnectLobbyAck{Success: true}, res.Reply)
		assert.Equal(t, []Broadcast{{LobbyId: "blue-fox-12", Recipients: []string{"A", "C"}, Message: MemberLeft{UserId: "B"}}}, res.Broadcasts)

		res = h.send(t, "B", `{"type":"disconnect_lobby","user":{"userId":"B"}}`)
		requireError(t, res, CodeNotFound)

		// the identity survives leaving; B can join again
		res = h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{}}`)
		ack, ok := res.Reply.(ConnectLobbyAck)
		require.True(t, ok)
		assert.Equal(t, "B", ack.UserId)
	})

	t.Run("controller leaves the lobby inert", func(t *testing.T) {
		h := lobbyOfThree(t)

		res := h.send(t, "A", `{"type":"disconnect_lobby","user":{"userId":"A"}}`)
		assert.Equal(t, DisconnectLobbyAck{Success: true}, res.Reply)
		assert.Equal(t, []Broadcast{
			{LobbyId: "blue-fox-12", Recipients: []string{"B", "C"}, Message: MemberLeft{UserId: "A"}},
			{LobbyId: "blue-fox-12", Recipients: []string{"B", "C"}, Message: ControllerLeft{UserId: "A"}},
		}, res.Broadcasts)

		res = h.send(t, "D", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"D"}}`)
		requireError(t, res, CodeNotFound)

		h.send(t, "B", `{"type":"disconnect_lobby","user":{}}`)
		res = h.send(t, "C", `{"type":"disconnect_lobby","user":{}}`)
		assert.Empty(t, res.Broadcasts)
		_, err := h.store.Get("blue-fox-12")
		assert.ErrorIs(t, err, service.ErrLobbyNotFound)

		assert.Equal(t, []events.EventType{
			events.LobbyCreated,
			events.MemberJoined,
			events.MemberJoined,
			events.MemberLeft,
			events.MemberLeft,
			events.MemberLeft,
			events.LobbyClosed,
		}, h.events.Types())
	})

	t.Run("sole member deletes the lobby", func(t *testing.T) {
		h := newHarness(t, "blue-fox-12")
		h.send(t, "A", `{"type":"start_lobby","user":{"userId":"A"}}`)

		res := h.send(t, "A", `{"type":"disconnect_lobby","user":{"userId":"A"}}`)
		assert.Equal(t, DisconnectLobbyAck{Success: true}, res.Reply)
		assert.Empty(t, res.Broadcasts)

		res = h.send(t, "C", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"C"}}`)
		requireError(t, res, CodeNotFound)
	})
}

func TestDispatcher_Disconnect(t *testing.T) {
	h := lobbyOfThree(t)

	bcasts := h.d.Disconnect(context.Background(), "C")
	assert.Equal(t, []Broadcast{{LobbyId: "blue-fox-12", Recipients: []string{"A", "B"}, Message: MemberLeft{UserId: "C"}}}, bcasts)

	assert.Nil(t, h.d.Disconnect(context.Background(), "C"), "teardown runs once")
	assert.Nil(t, h.d.Disconnect(context.Background(), "nobody"))
}

func TestDispatch_Handoff(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "B", `{"type":"handoff","lobbyId":"blue-fox-12","user":{},"targetUserId":"C"}`)
	requireError(t, res, CodeNotController)

	res = h.send(t, "A", `{"type":"handoff","lobbyId":"blue-fox-12","user":{},"targetUserId":"Z"}`)
	requireError(t, res, CodeNotFound)

	res = h.send(t, "A", `{"type":"handoff","lobbyId":"blue-fox-12","user":{},"targetUserId":"B"}`)
	assert.Equal(t, Ack{Success: true, Ref: TypeHandoff}, res.Reply)
	assert.Equal(t, []Broadcast{{LobbyId: "blue-fox-12", Recipients: []string{"B", "C"}, Message: ControllerChanged{UserId: "B"}}}, res.Broadcasts)

	res = h.send(t, "A", `{"type":"update_state","lobbyId":"blue-fox-12","user":{},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
	requireError(t, res, CodeNotController)
	res = h.send(t, "B", `{"type":"update_state","lobbyId":"blue-fox-12","user":{},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
	assert.Equal(t, Ack{Success: true, Ref: TypeUpdateState}, res.Reply)
	assert.Equal(t, []string{"A", "C"}, res.Broadcasts[0].Recipients)

	assert.Contains(t, h.events.Types(), events.ControllerChanged)
}

func TestDispatch_FullUpdateRequest(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "C", `{"type":"full_update_request","lobbyId":"blue-fox-12","user":{"userId":"C"}}`)
	assert.Equal(t, FullUpdate{
		LobbyId: "blue-fox-12",
		ControllerState: models.ControllerState{
			UserId:        "A",
			PlaybackState: models.PlaybackState{Elapsed: 120, Duration: 5400, IsPlaying: true},
			UrlParams:     "watch/80057281",
		},
	}, res.Reply)
	assert.Empty(t, res.Broadcasts)

	h.send(t, "A", `{"type":"disconnect_lobby","user":{}}`)
	res = h.send(t, "C", `{"type":"full_update_request","lobbyId":"blue-fox-12","user":{}}`)
	requireError(t, res, CodeNotFound)
}

func TestDispatch_Heartbeat(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "X", `{"type":"heartbeat","user":{}}`)
	assert.Equal(t, HeartbeatAck{Stop: true}, res.Reply)

	res = h.send(t, "C", `{"type":"heartbeat","user":{"userId":"C"},"playbackState":{"elapsed":3,"duration":5400,"isPlaying":false}}`)
	assert.Equal(t, HeartbeatAck{}, res.Reply)
	assert.Empty(t, res.Broadcasts, "follower snapshots are never relayed")
	l, err := h.store.Get("blue-fox-12")
	require.NoError(t, err)
	c, _ := l.Member("C")
	assert.Equal(t, models.PlaybackState{Elapsed: 3, Duration: 5400}, c.PlaybackState)
	ctrl, _ := l.Controller()
	assert.Equal(t, 120.0, ctrl.PlaybackState.Elapsed)

	res = h.send(t, "A", `{"type":"heartbeat","user":{},"playbackState":{"elapsed":125,"duration":5400,"isPlaying":true}}`)
	assert.Equal(t, HeartbeatAck{}, res.Reply)
	require.Len(t, res.Broadcasts, 1)
	assert.Equal(t, StateUpdate{UserId: "A", PlaybackState: models.PlaybackState{Elapsed: 125, Duration: 5400, IsPlaying: true}}, res.Broadcasts[0].Message)

	res = h.send(t, "A", `{"type":"heartbeat","user":{}}`)
	assert.Equal(t, HeartbeatAck{}, res.Reply)
	assert.Empty(t, res.Broadcasts)

	h.send(t, "C", `{"type":"disconnect_lobby","user":{}}`)
	res = h.send(t, "C", `{"type":"heartbeat","user":{}}`)
	assert.Equal(t, HeartbeatAck{Stop: true}, res.Reply)
}

func TestDispatch_Resume(t *testing.T) {
	h := lobbyOfThree(t)

	res := h.send(t, "A2", `{"type":"resume","lobbyId":"blue-fox-12","user":{"userId":"A"}}`)
	ack, ok := res.Reply.(ResumeAck)
	require.True(t, ok)
	assert.True(t, ack.IsController)
	assert.Equal(t, "A", res.Bind)
	require.NotNil(t, ack.ControllerState)
	assert.Equal(t, "watch/80057281", ack.ControllerState.UrlParams)

	res = h.send(t, "A2", `{"type":"update_state","lobbyId":"blue-fox-12","user":{},"playbackState":{"elapsed":1,"duration":2,"isPlaying":true}}`)
	assert.Equal(t, Ack{Success: true, Ref: TypeUpdateState}, res.Reply)

	res = h.send(t, "Z", `{"type":"resume","lobbyId":"blue-fox-12","user":{"userId":"Z"}}`)
	requireError(t, res, CodeNotFound)
	res = h.send(t, "Z", `{"type":"resume","lobbyId":"red-owl-3","user":{"userId":"A"}}`)
	requireError(t, res, CodeNotFound)
	res = h.send(t, "Z", `{"type":"resume","lobbyId":"blue-fox-12","user":{}}`)
	requireError(t, res, CodeMalformedMessage)
}

func TestDispatch_Malformed(t *testing.T) {
	h := newHarness(t, "blue-fox-12")

	for name, frame := range map[string]string{
		"not json":           `{"type":`,
		"missing type":       `{"user":{}}`,
		"unknown type":       `{"type":"rewind_everyone"}`,
		"missing lobby id":   `{"type":"connect_lobby","user":{"userId":"B"}}`,
		"missing target":     `{"type":"handoff","lobbyId":"blue-fox-12","user":{}}`,
		"wrong field shape":  `{"type":"update_state","lobbyId":"blue-fox-12","playbackState":"fast"}`,
		"missing url params": `{"type":"update_url","lobbyId":"blue-fox-12","user":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			res := h.send(t, "A", frame)
			requireError(t, res, CodeMalformedMessage)
			assert.Empty(t, res.Bind)
		})
	}
	assert.Empty(t, h.events.Events())
}

// Two lobbies progress independently and a broadcast never crosses lobbies.
func TestDispatch_LobbyIsolation(t *testing.T) {
	h := newHarness(t, "blue-fox-12", "red-owl-3")
	h.send(t, "A", `{"type":"start_lobby","user":{"userId":"A"}}`)
	h.send(t, "B", `{"type":"connect_lobby","lobbyId":"blue-fox-12","user":{"userId":"B"}}`)
	h.send(t, "P", `{"type":"start_lobby","user":{"userId":"P"}}`)
	h.send(t, "Q", `{"type":"connect_lobby","lobbyId":"red-owl-3","user":{"userId":"Q"}}`)

	var wg sync.WaitGroup
	for _, tc := range []struct{ user, lobby, follower string }{
		{"A", "blue-fox-12", "B"},
		{"P", "red-owl-3", "Q"},
	} {
		wg.Add(1)
		go func(user, lobby, follower string) {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				frame := fmt.Sprintf(`{"type":"update_state","lobbyId":%q,"user":{},"playbackState":{"elapsed":%d,"duration":100,"isPlaying":true}}`, lobby, i)
				res := h.d.Dispatch(context.Background(), user, []byte(frame))
				if assert.Len(t, res.Broadcasts, 1) {
					assert.Equal(t, []string{follower}, res.Broadcasts[0].Recipients)
				}
			}
		}(tc.user, tc.lobby, tc.follower)
	}
	wg.Wait()
}
