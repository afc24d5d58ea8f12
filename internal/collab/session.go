// Package collab composes the transport client, optimistic update ledger,
// conflict resolver, and presence tracker into the surface a board view
// consumes: send a mutation, observe board events, observe presence, drive a
// drag gesture.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/ledger"
	"github.com/boardkit/sync/internal/presence"
	"github.com/boardkit/sync/internal/protocol"
	"github.com/boardkit/sync/internal/resolve"
	"github.com/boardkit/sync/internal/transport"
)

// Options tunes a Session. Zero values use the defaults below.
type Options struct {
	// DefaultStrategy resolves conflicts when the mutation's call site did
	// not choose one. Moves always resolve remote-wins regardless.
	DefaultStrategy resolve.Strategy

	// Ledger tunes the retry policy.
	Ledger ledger.Options
	// Presence tunes the staleness windows.
	Presence presence.Options

	// TickInterval drives the retry and staleness sweep loop.
	TickInterval time.Duration

	// CursorMinInterval and CursorMinDistance throttle outbound drag/cursor
	// events: a position is sent only after the interval elapsed and the
	// cursor moved far enough.
	CursorMinInterval time.Duration
	CursorMinDistance float64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DefaultStrategy == "" {
		out.DefaultStrategy = resolve.RemoteWins
	}
	if out.TickInterval <= 0 {
		out.TickInterval = time.Second
	}
	if out.CursorMinInterval <= 0 {
		out.CursorMinInterval = 50 * time.Millisecond
	}
	if out.CursorMinDistance <= 0 {
		out.CursorMinDistance = 5
	}
	return out
}

// SendOption adjusts one SendMutation call.
type SendOption func(*sendConfig)

type sendConfig struct {
	optimistic bool
	strategy   resolve.Strategy
}

// WithStrategy selects the conflict resolution strategy for this mutation.
func WithStrategy(s resolve.Strategy) SendOption {
	return func(c *sendConfig) { c.strategy = s }
}

// WithoutOptimistic sends the mutation without applying it locally first;
// the change becomes visible only when the authoritative event returns.
func WithoutOptimistic() SendOption {
	return func(c *sendConfig) { c.optimistic = false }
}

// Session is the collaboration facade for one board view. It is the sole
// writer of the shared state the UI renders; the ledger and resolver mutate
// the snapshot store only on the session's behalf.
type Session struct {
	opts     Options
	client   *transport.Client
	store    *ledger.Store
	ledger   *ledger.Ledger
	resolver *resolve.Resolver
	tracker  *presence.Tracker
	drag     *dragState

	mu         sync.Mutex
	strategies map[string]resolve.Strategy
	onFailed   func(*ledger.RetryExhaustedError)
	unsubs     []func()
	stop       chan struct{}
	started    bool
}

// NewSession wires a Session around an explicitly constructed transport
// client. The client is injected, not global: one connection per session.
func NewSession(client *transport.Client, opts Options) *Session {
	o := opts.withDefaults()
	store := ledger.NewStore()
	led := ledger.New(store, client, o.Ledger)
	s := &Session{
		opts:       o,
		client:     client,
		store:      store,
		ledger:     led,
		resolver:   resolve.New(led),
		tracker:    presence.NewTracker(o.Presence),
		strategies: make(map[string]resolve.Strategy),
	}
	s.drag = newDragState(s, o.CursorMinInterval, o.CursorMinDistance)
	led.OnExhausted(s.handleExhausted)
	return s
}

// Start connects the transport, registers the inbound event handlers, and
// starts the retry/sweep loop. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	if err := s.client.Connect(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("collab.Start: %w", err)
	}

	s.registerHandlers()
	go s.run()
	return nil
}

// Stop tears the session down deterministically: an in-flight drag is ended
// so presence is not left stuck at busy, rooms are left, the channel is
// closed, and finally the timers are cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.drag.end(nil)
	for _, u := range unsubs {
		u()
	}
	s.client.Disconnect()
	close(stop)
}

// run drives retries and staleness sweeps until Stop.
func (s *Session) run() {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ledger.Tick(now)
			s.tracker.Sweep(now)
		}
	}
}

// JoinBoard subscribes to a board's room using the session's organization
// scope.
func (s *Session) JoinBoard(ctx context.Context, boardID, divisionID string) error {
	if err := s.client.JoinRoom(ctx, boardID, s.client.OrgID(), divisionID); err != nil {
		return fmt.Errorf("collab.JoinBoard: %w", err)
	}
	return nil
}

// LeaveBoard drops the board's room subscription.
func (s *Session) LeaveBoard(boardID, divisionID string) {
	s.client.LeaveRoom(boardID, s.client.OrgID(), divisionID)
}

// SendMutation issues a board mutation. By default it is applied
// optimistically and recorded for conflict resolution; the returned id
// identifies the operation in failure notifications and manual conflicts.
func (s *Session) SendMutation(t ledger.MutationType, entityID string, data map[string]any, opts ...SendOption) (string, error) {
	cfg := sendConfig{optimistic: true, strategy: s.opts.DefaultStrategy}
	for _, o := range opts {
		o(&cfg)
	}

	if !cfg.optimistic {
		kind, ok := ledger.WireKind(t)
		if !ok {
			return "", fmt.Errorf("collab.SendMutation: unknown mutation type %q", t)
		}
		if err := s.client.Emit(kind, protocol.TaskPayload{TaskID: entityID, Fields: data}); err != nil {
			return "", fmt.Errorf("collab.SendMutation: %w", err)
		}
		return "", nil
	}

	opID, err := s.ledger.Propose(t, entityID, data, s.client.UserID())
	if err != nil {
		return "", fmt.Errorf("collab.SendMutation: %w", err)
	}
	s.mu.Lock()
	s.strategies[opID] = cfg.strategy
	s.mu.Unlock()
	return opID, nil
}

// On subscribes to raw board events; most consumers want the state queries
// instead.
func (s *Session) On(kind protocol.Kind, h transport.Handler) func() {
	return s.client.On(kind, h)
}

// Emit sends an event through the transport without ledger involvement.
func (s *Session) Emit(kind protocol.Kind, payload any) error {
	return s.client.Emit(kind, payload)
}

// OnStatus subscribes to connection state transitions.
func (s *Session) OnStatus(fn transport.StatusFunc) func() {
	return s.client.OnStatus(fn)
}

// OnMutationFailed registers the callback for mutations that exhausted their
// retries. The tentative state is left in place (unless the ledger was
// configured to roll back), so the caller decides how to reconcile the UI.
func (s *Session) OnMutationFailed(fn func(*ledger.RetryExhaustedError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = fn
}

// Task returns the snapshot of one task.
func (s *Session) Task(id string) (ledger.Entity, bool) {
	return s.store.Get(ledger.EntityTask, id)
}

// Tasks returns every task snapshot.
func (s *Session) Tasks() []ledger.Entity {
	return s.store.List(ledger.EntityTask)
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (s *Session) PendingConflicts() []resolve.Conflict {
	return s.resolver.PendingConflicts()
}

// ResolveConflict settles a queued manual conflict.
func (s *Session) ResolveConflict(operationID string, strategy resolve.Strategy) error {
	return s.resolver.ResolveManual(operationID, strategy)
}

// Presence queries. All are pure functions over the tracker's snapshot.

func (s *Session) ActiveUsers() []presence.UserPresence { return s.tracker.ActiveUsers() }

func (s *Session) UsersInContainer(containerID string) []presence.UserPresence {
	return s.tracker.UsersInContainer(containerID)
}

func (s *Session) UsersViewingEntity(entityID string) []presence.UserPresence {
	return s.tracker.UsersViewingEntity(entityID)
}

func (s *Session) TypingUsersForTask(taskID string) []string {
	return s.tracker.TypingUsersFor(taskID)
}

func (s *Session) Cursors() []presence.Cursor { return s.tracker.Cursors() }

// SetTyping broadcasts that the current user is typing in a task and mirrors
// it locally.
func (s *Session) SetTyping(taskID string) {
	userID := s.client.UserID()
	s.tracker.SetTyping(userID, taskID)
	typing := true
	s.tracker.Upsert(userID, presence.Update{EntityID: &taskID, Typing: &typing})
	_ = s.client.Emit(protocol.KindUserPresence, protocol.PresencePayload{
		UserID:   userID,
		Status:   string(presence.StatusOnline),
		EntityID: taskID,
		Typing:   true,
	})
}

// ClearTyping reverses SetTyping.
func (s *Session) ClearTyping() {
	userID := s.client.UserID()
	s.tracker.ClearTyping(userID)
	typing := false
	s.tracker.Upsert(userID, presence.Update{Typing: &typing})
	_ = s.client.Emit(protocol.KindUserPresence, protocol.PresencePayload{
		UserID: userID,
		Status: string(presence.StatusOnline),
	})
}

// registerHandlers wires the inbound event kinds to their state effects.
// The set of kinds is closed; each case decodes its concrete payload.
func (s *Session) registerHandlers() {
	authoritative := []protocol.Kind{
		protocol.KindTaskCreated,
		protocol.KindTaskUpdated,
		protocol.KindTaskMoved,
		protocol.KindTaskDeleted,
	}
	unsubs := make([]func(), 0, len(authoritative)+5)
	for _, kind := range authoritative {
		unsubs = append(unsubs, s.client.On(kind, s.handleAuthoritative))
	}
	unsubs = append(unsubs,
		s.client.On(protocol.KindUserPresence, s.handlePresence),
		s.client.On(protocol.KindCursorDragStart, s.handleDragStart),
		s.client.On(protocol.KindCursorDragMove, s.handleDragMove),
		s.client.On(protocol.KindCursorDragEnd, s.handleDragEnd),
		s.client.On(protocol.KindBoardUpdated, s.handleBoardUpdated),
	)

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

// handleAuthoritative routes a server task broadcast. The relay echoes a
// mutation back to its sender with the operation id intact; that echo is the
// confirmation that settles the pending operation, never a conflict. Only
// events issued by other users go through the resolver.
func (s *Session) handleAuthoritative(env protocol.Envelope) {
	mType, ok := ledger.MutationFor(env.Type)
	if !ok {
		return
	}

	taskID, fields, err := decodeTaskEvent(env, mType)
	if err != nil {
		log.Warn().Err(err).Str("event", string(env.Type)).Msg("undecodable task event")
		return
	}

	if env.OperationID != "" {
		if op, own := s.ledger.Lookup(env.OperationID); own {
			s.ledger.ApplyConfirmed(mType, op.EntityType, op.EntityID, fields, env.Timestamp)
			s.ledger.Remove(op.ID)
			s.dropStrategy(op.ID)
			return
		}
	}

	op, matched := s.ledger.Match(ledger.EntityTask, taskID, mType)
	if !matched {
		s.ledger.ApplyConfirmed(mType, ledger.EntityTask, taskID, fields, env.Timestamp)
		return
	}

	strategy := s.strategyFor(op.ID, mType)
	if err := s.resolver.Resolve(strategy, op, mType, fields, env.Timestamp); err != nil {
		log.Error().Err(err).Str("operation", op.ID).Msg("conflict resolution failed")
	}
	if strategy != resolve.Manual && strategy != resolve.LocalWins {
		s.dropStrategy(op.ID)
	}
}

// strategyFor returns the strategy chosen at the mutation's call site, the
// session default otherwise. Moves always resolve remote-wins.
func (s *Session) strategyFor(opID string, t ledger.MutationType) resolve.Strategy {
	if t == ledger.MutationMove {
		return resolve.RemoteWins
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.strategies[opID]; ok {
		return st
	}
	return s.opts.DefaultStrategy
}

func (s *Session) dropStrategy(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strategies, opID)
}

func (s *Session) handleExhausted(op *ledger.PendingOperation, err *ledger.RetryExhaustedError) {
	s.dropStrategy(op.ID)
	s.mu.Lock()
	fn := s.onFailed
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) handlePresence(env protocol.Envelope) {
	var p protocol.PresencePayload
	if err := env.DecodePayload(&p); err != nil {
		log.Warn().Err(err).Msg("undecodable presence event")
		return
	}
	userID := p.UserID
	if userID == "" {
		userID = env.UserID
	}
	if userID == "" {
		return
	}

	st := presence.Status(p.Status)
	up := presence.Update{Typing: &p.Typing}
	if p.Status != "" {
		up.Status = &st
	}
	if p.EntityID != "" {
		up.EntityID = &p.EntityID
	}
	if p.ContainerID != "" {
		up.ContainerID = &p.ContainerID
	}
	s.tracker.Upsert(userID, up)
	if p.Typing && p.EntityID != "" {
		s.tracker.SetTyping(userID, p.EntityID)
	} else if !p.Typing {
		s.tracker.ClearTyping(userID)
	}
}

func (s *Session) handleDragStart(env protocol.Envelope) {
	var c protocol.CursorPayload
	if err := env.DecodePayload(&c); err != nil || env.UserID == "" {
		return
	}
	busy := presence.StatusBusy
	up := presence.Update{Status: &busy}
	if c.EntityID != "" {
		up.EntityID = &c.EntityID
	}
	s.tracker.Upsert(env.UserID, up)
	s.tracker.SetCursor(env.UserID, c.X, c.Y, true)
}

func (s *Session) handleDragMove(env protocol.Envelope) {
	var c protocol.CursorPayload
	if err := env.DecodePayload(&c); err != nil || env.UserID == "" {
		return
	}
	s.tracker.SetCursor(env.UserID, c.X, c.Y, true)
}

func (s *Session) handleDragEnd(env protocol.Envelope) {
	var c protocol.CursorPayload
	if err := env.DecodePayload(&c); err != nil || env.UserID == "" {
		return
	}
	online := presence.StatusOnline
	s.tracker.Upsert(env.UserID, presence.Update{Status: &online})
	s.tracker.SetCursor(env.UserID, c.X, c.Y, false)
}

func (s *Session) handleBoardUpdated(env protocol.Envelope) {
	var b protocol.BoardPayload
	if err := env.DecodePayload(&b); err != nil {
		log.Warn().Err(err).Msg("undecodable board event")
		return
	}
	s.ledger.ApplyConfirmed(ledger.MutationUpdate, "board", b.BoardID, b.Fields, env.Timestamp)
}

// decodeTaskEvent extracts the task id and changed fields from an
// authoritative broadcast, normalizing moves into field form.
func decodeTaskEvent(env protocol.Envelope, t ledger.MutationType) (string, map[string]any, error) {
	if t == ledger.MutationMove {
		var mp protocol.MovePayload
		if err := env.DecodePayload(&mp); err != nil {
			return "", nil, err
		}
		return mp.TaskID, map[string]any{
			"column_id": mp.ColumnID,
			"position":  mp.Position,
		}, nil
	}

	var tp protocol.TaskPayload
	if err := env.DecodePayload(&tp); err != nil {
		return "", nil, err
	}
	return tp.TaskID, tp.Fields, nil
}
