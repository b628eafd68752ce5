package protocol

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jonnylin13/LongDistanceNetflix/internal/events"
	"github.com/jonnylin13/LongDistanceNetflix/internal/idgen"
	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
	"github.com/jonnylin13/LongDistanceNetflix/internal/service"
)

// Broadcast is a message to deliver to lobby members other than the sender.
type Broadcast struct {
	LobbyId    string
	Recipients []string // user ids
	Message    Outbound
}

// Result is what the relay must do after a message: reply to the sender, bind the
// sender's connection to a user id, then fan out the broadcasts in order.
type Result struct {
	Reply      Outbound
	Bind       string
	Broadcasts []Broadcast
}

// Dispatcher validates client messages against lobby state and applies them.
//
// Conflict policy: the controller always wins and the last controller write wins.
// Followers are read-only with respect to lobby state; their writes are rejected with
// NotController rather than dropped.
type Dispatcher struct {
	store     *service.SessionStore
	events    events.Publisher
	clock     clockwork.Clock
	newUserID func() string
}

// NewDispatcher builds a dispatcher. A nil publisher discards events; a nil clock uses
// the real one.
func NewDispatcher(store *service.SessionStore, pub events.Publisher, clock clockwork.Clock) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{store: store, events: pub, clock: clock, newUserID: idgen.NewULID}
}

// Dispatch handles one frame from a connection bound to boundUser ("" if unbound).
// Failures become an error reply to the sender only.
func (d *Dispatcher) Dispatch(ctx context.Context, boundUser string, data []byte) Result {
	msg, err := Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("user_id", boundUser).Msg("rejected message")
		return Result{Reply: errorReply(err)}
	}

	res, err := d.handle(ctx, boundUser, msg)
	if err != nil {
		ev := log.Warn()
		if CodeOf(err) == CodeInternal {
			ev = log.Error()
		}
		ev.Err(err).Str("user_id", boundUser).Str("type", string(msg.Type())).Msg("request failed")
		return Result{Reply: errorReply(err)}
	}
	return res
}

func (d *Dispatcher) handle(ctx context.Context, bound string, msg Inbound) (Result, error) {
	log.Debug().Str("user_id", bound).Str("type", string(msg.Type())).Msg("dispatching")

	switch m := msg.(type) {
	case StartLobby:
		return d.startLobby(ctx, bound, m)
	case ConnectLobby:
		return d.connectLobby(ctx, bound, m)
	case DisconnectLobby:
		return d.disconnectLobby(ctx, bound, m)
	case UpdateState:
		return d.updateState(bound, m)
	case UpdateUrl:
		return d.updateUrl(bound, m)
	case Handoff:
		return d.handoff(ctx, bound, m)
	case FullUpdateRequest:
		return d.fullUpdate(bound, m)
	case Heartbeat:
		return d.heartbeat(ctx, bound, m)
	case Resume:
		return d.resume(bound, m)
	}
	return Result{}, fmt.Errorf("%w: unhandled type %s", ErrMalformedMessage, msg.Type())
}

// claim resolves the identity for a join-style request. A bound connection keeps its
// identity; an unbound one may present a cached id or get a new one.
func (d *Dispatcher) claim(bound string, u UserPayload) (string, error) {
	switch {
	case bound != "" && u.UserId != "" && u.UserId != bound:
		return "", fmt.Errorf("%w: user %s does not match connection", ErrMalformedMessage, u.UserId)
	case bound != "":
		return bound, nil
	case u.UserId != "":
		return u.UserId, nil
	default:
		return d.newUserID(), nil
	}
}

// member resolves the acting user for a lobby-scoped request. Only bound connections
// may act on a lobby.
func (d *Dispatcher) member(bound string, u UserPayload, lobbyId string) (string, error) {
	if bound == "" {
		return "", fmt.Errorf("connection has no user: %w", service.ErrUserNotFound)
	}
	if u.UserId != "" && u.UserId != bound {
		return "", fmt.Errorf("%w: user %s does not match connection", ErrMalformedMessage, u.UserId)
	}
	current, ok := d.store.LobbyOf(bound)
	if !ok || current != lobbyId {
		return "", fmt.Errorf("user %s in lobby %s: %w", bound, lobbyId, service.ErrUserNotFound)
	}
	return bound, nil
}

func (d *Dispatcher) startLobby(ctx context.Context, bound string, m StartLobby) (Result, error) {
	userId, err := d.claim(bound, m.User)
	if err != nil {
		return Result{}, err
	}
	user := models.User{UserId: userId, UrlParams: m.User.UrlParams}
	if m.User.PlaybackState != nil {
		user.PlaybackState = *m.User.PlaybackState
	}

	l, err := d.store.Create(ctx, user)
	if err != nil {
		return Result{}, err
	}
	d.publish(ctx, events.LobbyCreated, l.LobbyId, userId)

	return Result{
		Reply: StartLobbyAck{Success: true, LobbyId: l.LobbyId, UserId: userId},
		Bind:  userId,
	}, nil
}

func (d *Dispatcher) connectLobby(ctx context.Context, bound string, m ConnectLobby) (Result, error) {
	userId, err := d.claim(bound, m.User)
	if err != nil {
		return Result{}, err
	}

	l, err := d.store.Join(ctx, m.LobbyId, models.User{UserId: userId, UrlParams: m.User.UrlParams})
	if err != nil {
		return Result{}, err
	}
	d.publish(ctx, events.MemberJoined, l.LobbyId, userId)

	ack := ConnectLobbyAck{Success: true, LobbyId: l.LobbyId, UserId: userId}
	if c, ok := l.Controller(); ok {
		ack.ControllerState = &c
	}
	return Result{
		Reply: ack,
		Bind:  userId,
		Broadcasts: []Broadcast{{
			LobbyId:    l.LobbyId,
			Recipients: othersIn(l, userId),
			Message:    MemberJoined{UserId: userId},
		}},
	}, nil
}

func (d *Dispatcher) disconnectLobby(ctx context.Context, bound string, m DisconnectLobby) (Result, error) {
	if bound == "" {
		return Result{}, fmt.Errorf("connection has no user: %w", service.ErrUserNotFound)
	}
	if m.User.UserId != "" && m.User.UserId != bound {
		return Result{}, fmt.Errorf("%w: user %s does not match connection", ErrMalformedMessage, m.User.UserId)
	}
	lobbyId, ok := d.store.LobbyOf(bound)
	if !ok {
		return Result{}, fmt.Errorf("user %s is not in a lobby: %w", bound, service.ErrUserNotFound)
	}
	bcasts, err := d.leave(ctx, lobbyId, bound)
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: DisconnectLobbyAck{Success: true}, Broadcasts: bcasts}, nil
}

// Disconnect runs the leave path for a user whose connection went away.
// It returns the broadcasts to fan out; nil if the user was not in a lobby.
func (d *Dispatcher) Disconnect(ctx context.Context, userId string) []Broadcast {
	lobbyId, ok := d.store.LobbyOf(userId)
	if !ok {
		return nil
	}
	bcasts, err := d.leave(ctx, lobbyId, userId)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userId).Str("lobby_id", lobbyId).Msg("leave on disconnect failed")
		return nil
	}
	return bcasts
}

func (d *Dispatcher) leave(ctx context.Context, lobbyId, userId string) ([]Broadcast, error) {
	res, err := d.store.Leave(ctx, lobbyId, userId)
	if err != nil {
		return nil, err
	}
	d.publish(ctx, events.MemberLeft, lobbyId, userId)
	if res.Deleted {
		d.publish(ctx, events.LobbyClosed, lobbyId, "")
		return nil, nil
	}

	bcasts := []Broadcast{{LobbyId: lobbyId, Recipients: res.Remaining, Message: MemberLeft{UserId: userId}}}
	if res.WasController {
		bcasts = append(bcasts, Broadcast{LobbyId: lobbyId, Recipients: res.Remaining, Message: ControllerLeft{UserId: userId}})
	}
	return bcasts, nil
}

func (d *Dispatcher) updateState(bound string, m UpdateState) (Result, error) {
	userId, err := d.member(bound, m.User, m.LobbyId)
	if err != nil {
		return Result{}, err
	}

	res := Result{Reply: Ack{Success: true, Ref: TypeUpdateState}}
	err = d.store.Update(m.LobbyId, func(l *service.Lobby) error {
		changed, err := l.SetPlaybackState(userId, *m.PlaybackState)
		if err != nil || !changed {
			return err
		}
		res.Broadcasts = []Broadcast{{
			LobbyId:    m.LobbyId,
			Recipients: l.OtherMembers(userId),
			Message:    StateUpdate{UserId: userId, PlaybackState: *m.PlaybackState},
		}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) updateUrl(bound string, m UpdateUrl) (Result, error) {
	userId, err := d.member(bound, m.User, m.LobbyId)
	if err != nil {
		return Result{}, err
	}

	res := Result{Reply: Ack{Success: true, Ref: TypeUpdateUrl}}
	err = d.store.Update(m.LobbyId, func(l *service.Lobby) error {
		changed, err := l.SetUrlParams(userId, *m.UrlParams)
		if err != nil || !changed {
			return err
		}
		res.Broadcasts = []Broadcast{{
			LobbyId:    m.LobbyId,
			Recipients: l.OtherMembers(userId),
			Message:    UrlUpdate{UserId: userId, UrlParams: *m.UrlParams},
		}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) handoff(ctx context.Context, bound string, m Handoff) (Result, error) {
	userId, err := d.member(bound, m.User, m.LobbyId)
	if err != nil {
		return Result{}, err
	}

	res := Result{Reply: Ack{Success: true, Ref: TypeHandoff}}
	err = d.store.Update(m.LobbyId, func(l *service.Lobby) error {
		if err := l.Handoff(userId, m.TargetUserId); err != nil {
			return err
		}
		res.Broadcasts = []Broadcast{{
			LobbyId:    m.LobbyId,
			Recipients: l.OtherMembers(userId),
			Message:    ControllerChanged{UserId: m.TargetUserId},
		}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	d.publish(ctx, events.ControllerChanged, m.LobbyId, m.TargetUserId)
	return res, nil
}

func (d *Dispatcher) fullUpdate(bound string, m FullUpdateRequest) (Result, error) {
	if _, err := d.member(bound, m.User, m.LobbyId); err != nil {
		return Result{}, err
	}
	msg, err := d.FullUpdateFor(m.LobbyId)
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: msg}, nil
}

// LobbyOf returns the lobby a user belongs to.
func (d *Dispatcher) LobbyOf(userId string) (string, bool) {
	return d.store.LobbyOf(userId)
}

// FullUpdateFor builds the controller's full state for a lobby.
func (d *Dispatcher) FullUpdateFor(lobbyId string) (FullUpdate, error) {
	var msg FullUpdate
	err := d.store.Update(lobbyId, func(l *service.Lobby) error {
		c, ok := l.ControllerState()
		if !ok {
			return fmt.Errorf("lobby %s has no controller: %w", lobbyId, service.ErrLobbyNotFound)
		}
		msg = FullUpdate{LobbyId: lobbyId, ControllerState: c}
		return nil
	})
	return msg, err
}

func (d *Dispatcher) heartbeat(ctx context.Context, bound string, m Heartbeat) (Result, error) {
	if bound == "" {
		return Result{Reply: HeartbeatAck{Stop: true}}, nil
	}
	if m.User.UserId != "" && m.User.UserId != bound {
		return Result{}, fmt.Errorf("%w: user %s does not match connection", ErrMalformedMessage, m.User.UserId)
	}
	lobbyId, ok := d.store.LobbyOf(bound)
	if !ok {
		return Result{Reply: HeartbeatAck{Stop: true}}, nil
	}

	res := Result{Reply: HeartbeatAck{}}
	var controller bool
	err := d.store.Update(lobbyId, func(l *service.Lobby) error {
		controller = l.IsController(bound)
		if m.PlaybackState == nil {
			return nil
		}
		if !controller {
			return l.RecordFollowerSnapshot(bound, *m.PlaybackState)
		}
		changed, err := l.SetPlaybackState(bound, *m.PlaybackState)
		if err != nil || !changed {
			return err
		}
		res.Broadcasts = []Broadcast{{
			LobbyId:    lobbyId,
			Recipients: l.OtherMembers(bound),
			Message:    StateUpdate{UserId: bound, PlaybackState: *m.PlaybackState},
		}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if controller {
		if err := d.store.Touch(ctx, lobbyId); err != nil {
			log.Warn().Err(err).Str("lobby_id", lobbyId).Msg("failed to refresh lobby reservation")
		}
	}
	return res, nil
}

func (d *Dispatcher) resume(bound string, m Resume) (Result, error) {
	if bound != "" && bound != m.User.UserId {
		return Result{}, fmt.Errorf("%w: user %s does not match connection", ErrMalformedMessage, m.User.UserId)
	}
	l, err := d.store.Get(m.LobbyId)
	if err != nil {
		return Result{}, err
	}
	u, ok := l.Member(m.User.UserId)
	if !ok {
		return Result{}, fmt.Errorf("user %s in lobby %s: %w", m.User.UserId, m.LobbyId, service.ErrUserNotFound)
	}

	ack := ResumeAck{Success: true, LobbyId: l.LobbyId, UserId: u.UserId, IsController: u.IsController}
	if c, ok := l.Controller(); ok {
		ack.ControllerState = &c
	}
	log.Info().Str("lobby_id", l.LobbyId).Str("user_id", u.UserId).Msg("user resumed")
	return Result{Reply: ack, Bind: u.UserId}, nil
}

func (d *Dispatcher) publish(ctx context.Context, t events.EventType, lobbyId, userId string) {
	ev := events.Event{Type: t, LobbyId: lobbyId, UserId: userId, At: d.clock.Now().UTC()}
	if err := d.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyId).Str("event", string(t)).Msg("failed to publish lobby event")
	}
}

func othersIn(l models.Lobby, userId string) []string {
	ids := make([]string, 0, len(l.Members))
	for _, m := range l.Members {
		if m.UserId != userId {
			ids = append(ids, m.UserId)
		}
	}
	return ids
}
