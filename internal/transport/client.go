package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/protocol"
	"github.com/boardkit/sync/internal/token"
)

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	// URL is the websocket endpoint of the relay.
	URL string
	// Token is the bearer token supplied by the auth collaborator.
	Token string
	// OrgID scopes the session to an organization.
	OrgID string

	// ConnectTimeout bounds the dial plus connection-acknowledgment wait.
	ConnectTimeout time.Duration
	// JoinTimeout bounds the wait for a room join acknowledgment.
	JoinTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// BackoffBase, BackoffCap and MaxReconnectAttempts tune the
	// reconnection schedule after an unexpected drop.
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 20 * time.Second
	}
	if out.JoinTimeout <= 0 {
		out.JoinTimeout = 5 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 30 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	return out
}

// Subscription records membership in one room. The full set is replayed
// whenever the connection is re-established after an interruption.
type Subscription struct {
	BoardID    string
	OrgID      string
	DivisionID string
	JoinedAt   time.Time
}

// Key returns the deterministic room key for this subscription.
func (s Subscription) Key() string {
	return protocol.RoomKey(s.BoardID, s.OrgID, s.DivisionID)
}

type waiter struct {
	ch    chan protocol.Envelope
	kinds []protocol.Kind
}

// Client owns one logical connection to the relay: authenticated handshake,
// automatic reconnection with exponential backoff, room subscription replay,
// and typed event fan-out. A Client is safe for concurrent use.
type Client struct {
	opts Options

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	sessionCancel   context.CancelFunc
	gen             int
	userID          string
	attempts        int
	lastConnectedAt time.Time
	lastErr         error
	subs            map[string]Subscription
	waiters         map[protocol.Kind]*waiter
	observers       map[int]StatusFunc
	obsNext         int

	disp *dispatcher
}

// NewClient creates a disconnected Client. Call Connect to establish the
// session.
func NewClient(opts Options) *Client {
	return &Client{
		opts:      opts.withDefaults(),
		state:     StateDisconnected,
		subs:      make(map[string]Subscription),
		waiters:   make(map[protocol.Kind]*waiter),
		observers: make(map[int]StatusFunc),
		disp:      newDispatcher(),
	}
}

// Connect establishes the websocket session: dials, authenticates via the
// bearer token, and waits for the relay's connection acknowledgment within
// ConnectTimeout. Calling Connect while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.opts.Token == "" {
		c.mu.Unlock()
		return fmt.Errorf("transport.Connect: %w", ErrMissingToken)
	}
	if c.opts.OrgID == "" {
		c.mu.Unlock()
		return fmt.Errorf("transport.Connect: %w", ErrMissingOrg)
	}
	claims, err := token.Identify(c.opts.Token)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("transport.Connect: %w", err)
	}
	c.userID = claims.UserID

	sctx, cancel := context.WithCancel(context.Background())
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCancel = cancel
	c.gen++
	gen := c.gen
	// Claim the connecting state before releasing the lock so a concurrent
	// Connect hits the idempotency guard instead of dialing a second time.
	c.state = StateConnecting
	c.mu.Unlock()

	c.setStatus(StateConnecting, nil)

	conn, err := c.establish(ctx)
	if err != nil {
		cancel()
		c.setStatus(StateDisconnected, err)
		return fmt.Errorf("transport.Connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.lastConnectedAt = time.Now()
	c.mu.Unlock()
	c.setStatus(StateConnected, nil)

	go c.readLoop(sctx, conn, gen)
	return nil
}

// establish dials the relay and waits for the connection acknowledgment.
func (c *Client) establish(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	header.Set("X-Org-ID", c.opts.OrgID)

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	for {
		_, data, err := conn.Read(dialCtx)
		if err != nil {
			_ = conn.CloseNow()
			if dialCtx.Err() != nil {
				return nil, ErrConnectTimeout
			}
			return nil, fmt.Errorf("await connection ack: %w", err)
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			log.Warn().Err(derr).Msg("undecodable frame during handshake")
			continue
		}
		if env.Type == protocol.KindConnectionAck {
			return conn, nil
		}
	}
}

// Disconnect tears the session down: best-effort leave notifications for
// every subscription, then channel close, then timer cancellation. Any
// in-flight reconnection backoff is halted immediately. Always succeeds
// locally.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.sessionCancel
	subs := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]Subscription)
	c.conn = nil
	c.sessionCancel = nil
	c.gen++
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		for _, s := range subs {
			env, err := protocol.NewEnvelope(protocol.KindLeaveBoard, protocol.JoinPayload{
				BoardID:    s.BoardID,
				OrgID:      s.OrgID,
				DivisionID: s.DivisionID,
			})
			if err != nil {
				continue
			}
			env.UserID = c.UserID()
			// Fire and forget; the server also drops membership on close.
			_ = c.writeEnvelope(conn, env)
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.failWaiters()
	c.setStatus(StateDisconnected, nil)
}

// JoinRoom subscribes to the room identified by (boardID, orgID, divisionID)
// and waits for the relay's acknowledgment within JoinTimeout. Joining a room
// the client is already subscribed to is a no-op; no second join request is
// sent. The subscription is recorded only after acknowledgment, so a timeout
// leaves no partial state.
func (c *Client) JoinRoom(ctx context.Context, boardID, orgID, divisionID string) error {
	if orgID == "" {
		return fmt.Errorf("transport.JoinRoom: %w", ErrMissingOrg)
	}
	key := protocol.RoomKey(boardID, orgID, divisionID)

	c.mu.Lock()
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("transport.JoinRoom: %w", ErrNotConnected)
	}
	c.mu.Unlock()

	sub := Subscription{BoardID: boardID, OrgID: orgID, DivisionID: divisionID}
	if err := c.requestJoin(ctx, key, sub); err != nil {
		return err
	}

	sub.JoinedAt = time.Now()
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// requestJoin emits a join-board event and waits for the room-specific
// acknowledgment. The waiter is registered before the send so an immediate
// ack cannot be missed.
func (c *Client) requestJoin(ctx context.Context, key string, sub Subscription) error {
	joined := protocol.JoinedKind(key)
	rejected := protocol.JoinErrorKind(key)
	w := c.addWaiter(joined, rejected)
	defer c.removeWaiter(w)

	env, err := protocol.NewEnvelope(protocol.KindJoinBoard, protocol.JoinPayload{
		BoardID:    sub.BoardID,
		OrgID:      sub.OrgID,
		DivisionID: sub.DivisionID,
	})
	if err != nil {
		return &RoomJoinError{RoomKey: key, Err: err}
	}
	env.UserID = c.UserID()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &RoomJoinError{RoomKey: key, Err: ErrNotConnected}
	}
	if err := c.writeEnvelope(conn, env); err != nil {
		return &RoomJoinError{RoomKey: key, Err: err}
	}

	resp, err := c.waitOn(ctx, w, c.opts.JoinTimeout)
	if err != nil {
		return &RoomJoinError{RoomKey: key, Err: err}
	}
	if resp.Type == rejected {
		var body protocol.JoinErrorPayload
		if derr := resp.DecodePayload(&body); derr != nil {
			body.Reason = "unknown server rejection"
		}
		return &RoomJoinError{RoomKey: key, Reason: body.Reason}
	}
	return nil
}

// LeaveRoom removes the subscription record and sends a best-effort leave
// notification. It never blocks on acknowledgment.
func (c *Client) LeaveRoom(boardID, orgID, divisionID string) {
	key := protocol.RoomKey(boardID, orgID, divisionID)

	c.mu.Lock()
	_, ok := c.subs[key]
	delete(c.subs, key)
	conn := c.conn
	c.mu.Unlock()
	if !ok || conn == nil {
		return
	}

	env, err := protocol.NewEnvelope(protocol.KindLeaveBoard, protocol.JoinPayload{
		BoardID:    boardID,
		OrgID:      orgID,
		DivisionID: divisionID,
	})
	if err != nil {
		return
	}
	env.UserID = c.UserID()
	if werr := c.writeEnvelope(conn, env); werr != nil {
		log.Debug().Err(werr).Str("room", key).Msg("leave notification not sent")
	}
}

// On registers a handler for an event kind and returns an unsubscribe
// function. Handlers are invoked from the read loop in arrival order for a
// given room; a panicking handler is isolated and logged.
func (c *Client) On(kind protocol.Kind, h Handler) func() {
	return c.disp.on(kind, h)
}

// Emit sends an event without an operation tag. See EmitOp.
func (c *Client) Emit(kind protocol.Kind, payload any) error {
	return c.EmitOp(kind, payload, "")
}

// EmitOp sends an event tagged with the issuing user and, when non-empty, an
// operation id. A send timestamp is attached. When not connected this warns
// and drops the event rather than returning an error, so UI call sites do
// not need failure handling for transient disconnects.
func (c *Client) EmitOp(kind protocol.Kind, payload any, operationID string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	userID := c.userID
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Warn().Str("event", string(kind)).Msg("emit while not connected; event dropped")
		return nil
	}

	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return fmt.Errorf("transport.EmitOp: %w", err)
	}
	env.OperationID = operationID
	env.UserID = userID
	if werr := c.writeEnvelope(conn, env); werr != nil {
		return fmt.Errorf("transport.EmitOp: %w", werr)
	}
	return nil
}

// OnStatus registers a connection status observer. The observer is invoked
// immediately with the current status, then synchronously on every
// transition. Returns an unsubscribe function.
func (c *Client) OnStatus(fn StatusFunc) func() {
	c.mu.Lock()
	id := c.obsNext
	c.obsNext++
	c.observers[id] = fn
	var err error
	if c.state == StateFailed || c.state == StateReconnecting {
		err = c.lastErr
	}
	cur := c.statusLocked(err)
	c.mu.Unlock()

	fn(cur)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user identity extracted from the bearer token at
// connect time. Empty before the first Connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OrgID returns the organization scope this client was configured with.
func (c *Client) OrgID() string {
	return c.opts.OrgID
}

// Subscriptions returns a snapshot of the active room subscriptions.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(ctx, conn, gen, err)
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			log.Warn().Err(derr).Msg("undecodable inbound frame")
			continue
		}
		if c.deliverWaiter(env) {
			continue
		}
		c.disp.dispatch(env)
	}
}

// handleDrop reacts to a read failure: a deliberate disconnect ends the
// loop quietly, anything else enters the reconnection state machine.
func (c *Client) handleDrop(ctx context.Context, conn *websocket.Conn, gen int, err error) {
	_ = conn.CloseNow()

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.failWaiters()
	log.Warn().Err(err).Msg("connection dropped; reconnecting")
	c.setStatus(StateReconnecting, err)
	c.reconnectLoop(ctx, gen, err)
}

// reconnectLoop retries the handshake with exponential backoff. On success
// the recorded subscriptions are replayed; a failed re-join of one room is
// logged and does not abort the others. After MaxReconnectAttempts failures
// the state becomes failed, subscriptions are cleared, and the triggering
// error is surfaced to observers.
func (c *Client) reconnectLoop(ctx context.Context, gen int, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		delay := backoffDelay(attempt, c.opts.BackoffBase, c.opts.BackoffCap)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := c.establish(ctx)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			c.setStatus(StateReconnecting, err)
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = conn.CloseNow()
			return
		}
		c.conn = conn
		c.lastConnectedAt = time.Now()
		c.attempts = 0
		c.mu.Unlock()
		c.setStatus(StateConnected, nil)

		go c.readLoop(ctx, conn, gen)
		c.rejoinAll(ctx)
		return
	}

	c.mu.Lock()
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()
	c.setStatus(StateFailed, lastErr)
}

func (c *Client) rejoinAll(ctx context.Context) {
	c.mu.Lock()
	subs := make(map[string]Subscription, len(c.subs))
	for k, s := range c.subs {
		subs[k] = s
	}
	c.mu.Unlock()

	for key, sub := range subs {
		if err := c.requestJoin(ctx, key, sub); err != nil {
			log.Warn().Err(err).Str("room", key).Msg("failed to re-join room after reconnect")
		}
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) addWaiter(kinds ...protocol.Kind) *waiter {
	w := &waiter{ch: make(chan protocol.Envelope, 1), kinds: kinds}
	c.mu.Lock()
	for _, k := range kinds {
		c.waiters[k] = w
	}
	c.mu.Unlock()
	return w
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range w.kinds {
		if c.waiters[k] == w {
			delete(c.waiters, k)
		}
	}
}

// waitOn blocks until the waiter receives an envelope, the timeout expires,
// the context is canceled, or the connection is lost.
func (c *Client) waitOn(ctx context.Context, w *waiter, timeout time.Duration) (protocol.Envelope, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case env, ok := <-w.ch:
		if !ok {
			return protocol.Envelope{}, ErrConnectionLost
		}
		return env, nil
	case <-t.C:
		return protocol.Envelope{}, context.DeadlineExceeded
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// deliverWaiter routes an envelope to a registered ack waiter. Returns true
// when consumed.
func (c *Client) deliverWaiter(env protocol.Envelope) bool {
	c.mu.Lock()
	w, ok := c.waiters[env.Type]
	if ok {
		for _, k := range w.kinds {
			if c.waiters[k] == w {
				delete(c.waiters, k)
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- env
	return true
}

// failWaiters closes every outstanding ack waiter after a connection loss.
func (c *Client) failWaiters() {
	c.mu.Lock()
	distinct := make(map[*waiter]bool)
	for _, w := range c.waiters {
		distinct[w] = true
	}
	c.waiters = make(map[protocol.Kind]*waiter)
	c.mu.Unlock()

	for w := range distinct {
		close(w.ch)
	}
}

func (c *Client) statusLocked(err error) Status {
	return Status{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastConnectedAt:   c.lastConnectedAt,
		Err:               err,
	}
}

func (c *Client) setStatus(state State, err error) {
	c.mu.Lock()
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	st := c.statusLocked(err)
	obs := make([]StatusFunc, 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	c.mu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}
