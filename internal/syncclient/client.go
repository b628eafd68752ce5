// Package syncclient is a Go client of the relay protocol. It keeps a LocalPlayer in step
// with a lobby: as controller it publishes the player's state on each user intent, as
// follower it applies what the controller publishes.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
	"github.com/jonnylin13/LongDistanceNetflix/internal/protocol"
)

// LocalPlayer is the media player being synchronized.
type LocalPlayer interface {
	ReadPlaybackState() models.PlaybackState
	ReadContentReference() string
	ApplyPlaybackState(state models.PlaybackState)
	ApplyContentReference(ref string)
}

type IntentKind string

const (
	IntentPlayPause IntentKind = "play_pause"
	IntentSeek      IntentKind = "seek"
	IntentNavigate  IntentKind = "navigate"
)

// Intent is a user action on the local player.
type Intent struct {
	Kind IntentKind
}

var ErrClosed = errors.New("syncclient: connection closed")

// RemoteError is an error message returned by the relay.
type RemoteError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

const defaultHeartbeatInterval = 10 * time.Second

type options struct {
	heartbeat time.Duration
	clock     clockwork.Clock
	dialer    *websocket.Dialer
}

type Option func(*options)

// WithHeartbeatInterval sets how often Run sends a heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithClock replaces the clock driving heartbeats.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// pending is a sent message whose reply has not arrived yet. Replies arrive in the
// order requests were sent.
type pending struct {
	typ   protocol.MessageType
	reply chan protocol.Outbound // nil when nobody waits
}

type Client struct {
	ws     *websocket.Conn
	player LocalPlayer
	opts   options

	writeMu sync.Mutex
	queue   []pending

	mu         sync.Mutex
	userId     string
	lobbyId    string
	controller bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay's WebSocket endpoint. An empty userId lets the relay
// provision one on the first lobby request.
func Dial(ctx context.Context, url, userId string, player LocalPlayer, opts ...Option) (*Client, error) {
	o := options{heartbeat: defaultHeartbeatInterval, clock: clockwork.NewRealClock(), dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	ws, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Client{ws: ws, player: player, opts: o, userId: userId, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// UserID is the identity the relay knows this client by; empty until provisioned.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userId
}

// LobbyID is the current lobby, or "".
func (c *Client) LobbyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyId
}

// IsController reports whether this client drives its lobby.
func (c *Client) IsController() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Client) self() protocol.UserPayload {
	return protocol.UserPayload{UserId: c.UserID()}
}

// StartLobby opens a lobby with this client as controller.
func (c *Client) StartLobby(ctx context.Context) (string, error) {
	state := c.player.ReadPlaybackState()
	user := c.self()
	user.PlaybackState = &state
	user.UrlParams = c.player.ReadContentReference()

	reply, err := c.request(ctx, protocol.StartLobby{User: user})
	if err != nil {
		return "", err
	}
	ack, ok := reply.(protocol.StartLobbyAck)
	if !ok {
		return "", fmt.Errorf("start lobby: unexpected reply %s", reply.Type())
	}

	c.mu.Lock()
	c.userId, c.lobbyId, c.controller = ack.UserId, ack.LobbyId, true
	c.mu.Unlock()
	log.Info().Str("lobby_id", ack.LobbyId).Str("user_id", ack.UserId).Msg("lobby started")
	return ack.LobbyId, nil
}

// ConnectLobby joins lobbyId as a follower and moves the player to the controller's state.
func (c *Client) ConnectLobby(ctx context.Context, lobbyId string) error {
	reply, err := c.request(ctx, protocol.ConnectLobby{LobbyId: lobbyId, User: c.self()})
	if err != nil {
		return err
	}
	ack, ok := reply.(protocol.ConnectLobbyAck)
	if !ok {
		return fmt.Errorf("connect lobby: unexpected reply %s", reply.Type())
	}

	c.mu.Lock()
	c.userId, c.lobbyId, c.controller = ack.UserId, ack.LobbyId, false
	c.mu.Unlock()
	if ack.ControllerState != nil {
		c.applyControllerState(*ack.ControllerState)
	}
	log.Info().Str("lobby_id", ack.LobbyId).Str("user_id", ack.UserId).Msg("joined lobby")
	return nil
}

// Disconnect leaves the current lobby. The connection stays open.
func (c *Client) Disconnect(ctx context.Context) error {
	reply, err := c.request(ctx, protocol.DisconnectLobby{User: c.self()})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.DisconnectLobbyAck); !ok {
		return fmt.Errorf("disconnect lobby: unexpected reply %s", reply.Type())
	}
	c.mu.Lock()
	c.lobbyId, c.controller = "", false
	c.mu.Unlock()
	return nil
}

// FullUpdate pulls the controller's current state. A follower's player is moved to it.
func (c *Client) FullUpdate(ctx context.Context) (models.ControllerState, error) {
	lobbyId := c.LobbyID()
	if lobbyId == "" {
		return models.ControllerState{}, errors.New("full update: not in a lobby")
	}
	reply, err := c.request(ctx, protocol.FullUpdateRequest{LobbyId: lobbyId, User: c.self()})
	if err != nil {
		return models.ControllerState{}, err
	}
	full, ok := reply.(protocol.FullUpdate)
	if !ok {
		return models.ControllerState{}, fmt.Errorf("full update: unexpected reply %s", reply.Type())
	}
	return full.ControllerState, nil
}

// Run publishes intents and sends heartbeats until ctx is done or the connection closes.
func (c *Client) Run(ctx context.Context, intents <-chan Intent) error {
	ticker := c.opts.clock.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case in, ok := <-intents:
			if !ok {
				intents = nil
				continue
			}
			if err := c.publish(in); err != nil {
				return err
			}
		case <-ticker.Chan():
			if err := c.heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) publish(in Intent) error {
	c.mu.Lock()
	lobbyId, controller := c.lobbyId, c.controller
	c.mu.Unlock()
	if lobbyId == "" || !controller {
		log.Debug().Str("intent", string(in.Kind)).Msg("ignoring intent, not controlling a lobby")
		return nil
	}

	switch in.Kind {
	case IntentPlayPause, IntentSeek:
		state := c.player.ReadPlaybackState()
		return c.send(protocol.UpdateState{LobbyId: lobbyId, User: c.self(), PlaybackState: &state}, nil)
	case IntentNavigate:
		ref := c.player.ReadContentReference()
		return c.send(protocol.UpdateUrl{LobbyId: lobbyId, User: c.self(), UrlParams: &ref}, nil)
	default:
		return fmt.Errorf("unknown intent %q", in.Kind)
	}
}

func (c *Client) heartbeat() error {
	hb := protocol.Heartbeat{User: c.self()}
	if c.LobbyID() != "" {
		state := c.player.ReadPlaybackState()
		hb.PlaybackState = &state
	}
	return c.send(hb, nil)
}

func (c *Client) request(ctx context.Context, m protocol.Inbound) (protocol.Outbound, error) {
	ch := make(chan protocol.Outbound, 1)
	if err := c.send(m, ch); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case reply := <-ch:
		if e, ok := reply.(protocol.Error); ok {
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return reply, nil
	}
}

func (c *Client) send(m protocol.Inbound, reply chan protocol.Outbound) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.queue = append(c.queue, pending{typ: m.Type(), reply: reply})
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.queue = c.queue[:len(c.queue)-1]
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

// popPending takes the oldest outstanding request.
func (c *Client) popPending() (pending, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(c.queue) == 0 {
		return pending{}, false
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return p, true
}

func (c *Client) peekPending() (protocol.MessageType, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	return c.queue[0].typ, true
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring relay message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Outbound) {
	switch m := msg.(type) {
	case protocol.StateUpdate:
		if !c.IsController() {
			c.player.ApplyPlaybackState(m.PlaybackState)
		}
	case protocol.UrlUpdate:
		if !c.IsController() {
			c.player.ApplyContentReference(m.UrlParams)
		}
	case protocol.ControllerChanged:
		c.mu.Lock()
		c.controller = m.UserId == c.userId
		c.mu.Unlock()
		log.Info().Str("user_id", m.UserId).Msg("controller changed")
	case protocol.ControllerLeft:
		log.Info().Str("user_id", m.UserId).Msg("controller left the lobby")
	case protocol.MemberJoined, protocol.MemberLeft:
		log.Debug().Str("type", string(msg.Type())).Msg("membership changed")
	case protocol.FullUpdate:
		// a full_update is either our request's reply or a push from the relay; the player
		// is moved before the requester sees the reply
		if !c.IsController() {
			c.applyControllerState(m.ControllerState)
		}
		if typ, ok := c.peekPending(); ok && typ == protocol.TypeFullUpdateRequest {
			c.deliver(msg)
		}
	default:
		c.deliver(msg)
	}
}

func (c *Client) deliver(msg protocol.Outbound) {
	p, ok := c.popPending()
	if !ok {
		log.Warn().Str("type", string(msg.Type())).Msg("unsolicited reply")
		return
	}
	if p.reply != nil {
		p.reply <- msg
		return
	}
	switch m := msg.(type) {
	case protocol.Error:
		log.Warn().Str("code", string(m.Code)).Str("request", string(p.typ)).Msg(m.Message)
	case protocol.HeartbeatAck:
		if m.Stop {
			c.mu.Lock()
			c.lobbyId, c.controller = "", false
			c.mu.Unlock()
		}
	}
}

func (c *Client) applyControllerState(s models.ControllerState) {
	if s.UrlParams != "" && s.UrlParams != c.player.ReadContentReference() {
		c.player.ApplyContentReference(s.UrlParams)
	}
	c.player.ApplyPlaybackState(s.PlaybackState)
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
