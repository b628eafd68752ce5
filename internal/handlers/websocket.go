package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jonnylin13/LongDistanceNetflix/internal/protocol"
)

// TimeoutAction is what the reaper does with a connection that stopped heartbeating.
type TimeoutAction string

const (
	TimeoutDisconnect TimeoutAction = "disconnect"
	TimeoutRefresh    TimeoutAction = "refresh" // push a full_update and keep the connection
)

type RelayOptions struct {
	MaxMessageBytes   int64
	SendBuffer        int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // 0 disables the reaper
	TimeoutAction     TimeoutAction
	CheckOrigin       func(r *http.Request) bool
}

func (o *RelayOptions) setDefaults() {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4096
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.TimeoutAction == "" {
		o.TimeoutAction = TimeoutDisconnect
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Relay moves protocol messages between WebSocket connections. It owns the connection
// registry; lobby state lives behind the dispatcher.
type Relay struct {
	dispatcher *protocol.Dispatcher
	registry   *Registry
	clock      clockwork.Clock
	upgrader   websocket.Upgrader
	opts       RelayOptions
}

// NewRelay builds a relay over a dispatcher. A nil clock uses the real one.
func NewRelay(d *protocol.Dispatcher, clock clockwork.Clock, opts RelayOptions) *Relay {
	opts.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Relay{
		dispatcher: d,
		registry:   NewRegistry(),
		clock:      clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts: opts,
	}
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (rl *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(uuid.NewString(), ws, rl.opts)
	rl.Open(c)
	log.Info().Str("connection_id", c.ID()).Str("remote", r.RemoteAddr).Msg("websocket connected")

	go c.writePump()
	c.readPump(func(data []byte) { rl.Handle(context.Background(), c, data) })

	rl.Teardown(context.Background(), c)
	log.Info().Str("connection_id", c.ID()).Msg("websocket disconnected")
}

// Open registers a new unbound connection.
func (rl *Relay) Open(c Conn) {
	rl.registry.Add(c, rl.clock.Now())
}

// Handle processes one inbound frame from c: dispatch, bind, reply, then fan out.
func (rl *Relay) Handle(ctx context.Context, c Conn, data []byte) {
	if !rl.registry.Touch(c.ID(), rl.clock.Now()) {
		log.Debug().Str("connection_id", c.ID()).Msg("dropping frame from closed connection")
		return
	}
	bound := rl.registry.UserOf(c.ID())

	res := rl.dispatcher.Dispatch(ctx, bound, data)

	if res.Bind != "" && res.Bind != bound {
		old, ok := rl.registry.Bind(c.ID(), res.Bind)
		if !ok {
			// torn down mid-dispatch; undo the join unless another connection speaks for the user
			if _, live := rl.registry.ConnFor(res.Bind); !live {
				rl.fanout(ctx, rl.dispatcher.Disconnect(ctx, res.Bind))
			}
			return
		}
		if old != nil {
			log.Info().
				Str("user_id", res.Bind).
				Str("connection_id", c.ID()).
				Str("superseded", old.ID()).
				Msg("connection superseded")
			// the old connection no longer speaks for the user, so its teardown skips the leave path
			rl.Teardown(ctx, old)
		}
	}

	if res.Reply != nil {
		if err := rl.send(c, res.Reply); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID()).Msg("failed to send reply")
			rl.Teardown(ctx, c)
		}
	}
	rl.fanout(ctx, res.Broadcasts)
}

// Teardown closes a connection and, if it still spoke for a user, runs the same leave
// path as disconnect_lobby. Safe to call more than once.
func (rl *Relay) Teardown(ctx context.Context, c Conn) {
	userId, ok := rl.registry.Remove(c.ID())
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID()).Msg("close")
	}
	if !ok || userId == "" {
		return
	}
	rl.fanout(ctx, rl.dispatcher.Disconnect(ctx, userId))
}

// fanout delivers each broadcast to its recipients' connections. A failed send drops
// that connection after the remaining recipients have been served.
func (rl *Relay) fanout(ctx context.Context, bcasts []protocol.Broadcast) {
	var failed []Conn
	for _, b := range bcasts {
		data, err := protocol.Encode(b.Message)
		if err != nil {
			log.Error().Err(err).Str("lobby_id", b.LobbyId).Msg("failed to encode broadcast")
			continue
		}
		for _, userId := range b.Recipients {
			c, ok := rl.registry.ConnFor(userId)
			if !ok {
				continue
			}
			if err := c.Send(data); err != nil {
				log.Warn().
					Err(err).
					Str("lobby_id", b.LobbyId).
					Str("user_id", userId).
					Str("type", string(b.Message.Type())).
					Msg("failed to deliver broadcast")
				failed = append(failed, c)
			}
		}
	}
	for _, c := range failed {
		rl.Teardown(ctx, c)
	}
}

func (rl *Relay) send(c Conn, m protocol.Outbound) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// RunReaper applies the heartbeat timeout until ctx is done.
func (rl *Relay) RunReaper(ctx context.Context) error {
	if rl.opts.HeartbeatTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := rl.clock.NewTicker(rl.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			rl.reapOnce(ctx, rl.clock.Now())
		}
	}
}

func (rl *Relay) reapOnce(ctx context.Context, now time.Time) {
	for _, c := range rl.registry.Stale(now.Add(-rl.opts.HeartbeatTimeout)) {
		userId := rl.registry.UserOf(c.ID())
		if rl.opts.TimeoutAction == TimeoutRefresh && rl.refresh(c, userId, now) {
			continue
		}
		log.Info().Str("connection_id", c.ID()).Str("user_id", userId).Msg("heartbeat timeout, dropping connection")
		rl.Teardown(ctx, c)
	}
}

// refresh pushes the controller's state to a silent connection. It reports false when
// there is nothing to push.
func (rl *Relay) refresh(c Conn, userId string, now time.Time) bool {
	if userId == "" {
		return false
	}
	lobbyId, ok := rl.dispatcher.LobbyOf(userId)
	if !ok {
		return false
	}
	msg, err := rl.dispatcher.FullUpdateFor(lobbyId)
	if err != nil {
		return false
	}
	if err := rl.send(c, msg); err != nil {
		return false
	}
	if !rl.registry.Touch(c.ID(), now) {
		return false
	}
	log.Debug().Str("connection_id", c.ID()).Str("user_id", userId).Msg("heartbeat timeout, pushed full update")
	return true
}

// Stats reports open connections and how many are bound to a user.
func (rl *Relay) Stats() (conns, bound int) {
	return rl.registry.Stats()
}

// wsConn adapts a gorilla connection to Conn. Writes go through a bounded queue
// drained by writePump; a full queue fails the send instead of blocking the sender.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	opts      RelayOptions
}

func newWSConn(id string, ws *websocket.Conn, opts RelayOptions) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
		opts: opts,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return protocol.ErrTransportFailure
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return protocol.ErrTransportFailure
	}
}

// Close stops the write pump, which sends a close frame and releases the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// readPump has no read deadline; silent peers are found by the heartbeat reaper.
func (c *wsConn) readPump(handle func([]byte)) {
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("websocket read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
