package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/protocol"
)

// MutationType classifies an optimistic mutation.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationMove   MutationType = "move"
	MutationDelete MutationType = "delete"
)

// EntityTask is the entity type for task snapshots; the only type the client
// mutates over the wire. Columns arrive through board:updated broadcasts.
const EntityTask = "task"

// WireKind maps a mutation type to its outbound event kind.
func WireKind(t MutationType) (protocol.Kind, bool) {
	switch t {
	case MutationCreate:
		return protocol.KindTaskCreate, true
	case MutationUpdate:
		return protocol.KindTaskUpdate, true
	case MutationMove:
		return protocol.KindTaskMove, true
	case MutationDelete:
		return protocol.KindTaskDelete, true
	default:
		return "", false
	}
}

// MutationFor maps an authoritative broadcast kind back to the mutation type
// it confirms.
func MutationFor(k protocol.Kind) (MutationType, bool) {
	switch k {
	case protocol.KindTaskCreated:
		return MutationCreate, true
	case protocol.KindTaskUpdated:
		return MutationUpdate, true
	case protocol.KindTaskMoved:
		return MutationMove, true
	case protocol.KindTaskDeleted:
		return MutationDelete, true
	default:
		return "", false
	}
}

// PendingOperation records a locally-applied, not-yet-confirmed mutation.
type PendingOperation struct {
	ID         string
	Type       MutationType
	EntityType string
	EntityID   string
	Payload    map[string]any
	IssuedAt   time.Time
	UserID     string
	RetryCount int

	seq          int
	prior        *Entity
	priorExisted bool
}

// Prior returns the entity snapshot as it was before this operation was
// applied, for rollback. ok is false when the entity did not exist.
func (p *PendingOperation) Prior() (Entity, bool) {
	if !p.priorExisted || p.prior == nil {
		return Entity{}, false
	}
	return *p.prior.clone(), true
}

// RetryExhaustedError reports an optimistic mutation that failed after the
// maximum number of retries. The tentative local state is left in place
// unless rollback-on-exhaustion is enabled; either way the caller is
// notified rather than the ledger silently reverting UI state.
type RetryExhaustedError struct {
	OperationID string
	Type        MutationType
	EntityID    string
	Attempts    int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("ledger: %s of %s (op %s) failed after %d attempts", e.Type, e.EntityID, e.OperationID, e.Attempts)
}

// Emitter sends an operation-tagged event to the server.
type Emitter interface {
	EmitOp(kind protocol.Kind, payload any, operationID string) error
}

// Options tunes the ledger's retry policy.
type Options struct {
	// MaxRetries bounds how many times an unconfirmed operation is re-sent.
	MaxRetries int
	// RetryInterval is how long an operation may sit unconfirmed before a
	// retry is issued by Tick.
	RetryInterval time.Duration
	// RollbackOnExhaustion restores the pre-mutation snapshot when retries
	// run out, instead of leaving the tentative state in place.
	RollbackOnExhaustion bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 2 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Ledger records pending optimistic mutations so they can be replayed,
// retried, or rolled back when the authoritative event arrives.
type Ledger struct {
	opts  Options
	store *Store
	emit  Emitter

	mu          sync.Mutex
	pending     map[string]*PendingOperation
	seq         int
	onExhausted func(*PendingOperation, *RetryExhaustedError)
}

// New creates a Ledger writing through to the given snapshot store and
// emitting mutations via emit.
func New(store *Store, emit Emitter, opts Options) *Ledger {
	return &Ledger{
		opts:    opts.withDefaults(),
		store:   store,
		emit:    emit,
		pending: make(map[string]*PendingOperation),
	}
}

// OnExhausted registers the callback invoked when an operation permanently
// fails. Must be set before the first Tick.
func (l *Ledger) OnExhausted(fn func(*PendingOperation, *RetryExhaustedError)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExhausted = fn
}

// Propose applies a mutation tentatively, records it as pending, and sends
// the corresponding event tagged with the new operation id and the issuing
// user. Create with an empty entityID generates a temporary local id. A newer
// mutation to an entity supersedes older pending operations for it.
func (l *Ledger) Propose(t MutationType, entityID string, payload map[string]any, userID string) (string, error) {
	kind, ok := WireKind(t)
	if !ok {
		return "", fmt.Errorf("ledger.Propose: unknown mutation type %q", t)
	}
	if entityID == "" {
		if t != MutationCreate {
			return "", fmt.Errorf("ledger.Propose: %s requires an entity id", t)
		}
		entityID = uuid.NewString()
	}

	now := l.opts.Now()
	opID := uuid.NewString()

	prior := l.store.snapshot(EntityTask, entityID)

	l.store.Apply(Change{
		Op:         t,
		EntityType: EntityTask,
		EntityID:   entityID,
		Fields:     payload,
		At:         now,
		Confirmed:  false,
	})

	op := &PendingOperation{
		ID:         opID,
		Type:       t,
		EntityType: EntityTask,
		EntityID:   entityID,
		Payload:    cloneFields(payload),
		IssuedAt:   now,
		UserID:     userID,
	}
	op.prior = prior
	op.priorExisted = prior != nil

	l.mu.Lock()
	l.seq++
	op.seq = l.seq
	// Superseded operations for the same entity are dropped silently; only
	// the most recent is ever used for conflict comparison.
	for id, p := range l.pending {
		if p.EntityType == op.EntityType && p.EntityID == op.EntityID {
			delete(l.pending, id)
		}
	}
	l.pending[opID] = op
	l.mu.Unlock()

	if err := l.emit.EmitOp(kind, wirePayload(t, entityID, payload), opID); err != nil {
		log.Warn().Err(err).Str("operation", opID).Msg("mutation send failed; will retry")
	}
	return opID, nil
}

// wirePayload builds the kind-specific wire body for a mutation.
func wirePayload(t MutationType, entityID string, payload map[string]any) any {
	if t == MutationMove {
		mp := protocol.MovePayload{TaskID: entityID}
		if v, ok := payload["column_id"].(string); ok {
			mp.ColumnID = v
		}
		switch v := payload["position"].(type) {
		case float64:
			mp.Position = v
		case int:
			mp.Position = float64(v)
		}
		return mp
	}
	return protocol.TaskPayload{TaskID: entityID, Fields: payload}
}

// Match returns the most recent pending operation of the given type for the
// entity, without removing it. Resolution decides removal.
func (l *Ledger) Match(entityType, entityID string, t MutationType) (*PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *PendingOperation
	for _, p := range l.pending {
		if p.EntityType != entityType || p.EntityID != entityID || p.Type != t {
			continue
		}
		if best == nil || p.seq > best.seq {
			best = p
		}
	}
	return best, best != nil
}

// Lookup returns the pending operation with the given id.
func (l *Ledger) Lookup(opID string) (*PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[opID]
	return p, ok
}

// Remove drops a pending operation, typically after resolution.
func (l *Ledger) Remove(opID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, opID)
}

// RemoveForEntity drops every pending operation for an entity. Used when a
// resolution consolidates the entity's history.
func (l *Ledger) RemoveForEntity(entityType, entityID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, p := range l.pending {
		if p.EntityType == entityType && p.EntityID == entityID {
			delete(l.pending, id)
		}
	}
}

// PendingCount reports the number of outstanding operations.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// ApplyConfirmed applies an authoritative event directly to the snapshot
// store, the path taken when no pending operation matches.
func (l *Ledger) ApplyConfirmed(t MutationType, entityType, entityID string, fields map[string]any, at time.Time) {
	l.store.Apply(Change{
		Op:         t,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		At:         at,
		Confirmed:  true,
	})
}

// Retry re-sends a pending operation, bumping its retry count and refreshing
// its issue time. Once MaxRetries is exceeded the operation is removed and a
// RetryExhaustedError returned; the tentative state is rolled back only when
// the ledger was configured to do so.
func (l *Ledger) Retry(opID string) error {
	l.mu.Lock()
	op, ok := l.pending[opID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if op.RetryCount >= l.opts.MaxRetries {
		delete(l.pending, opID)
		cb := l.onExhausted
		l.mu.Unlock()
		return l.exhaust(op, cb)
	}
	op.RetryCount++
	op.IssuedAt = l.opts.Now()
	l.mu.Unlock()

	kind, _ := WireKind(op.Type)
	if err := l.emit.EmitOp(kind, wirePayload(op.Type, op.EntityID, op.Payload), op.ID); err != nil {
		log.Warn().Err(err).Str("operation", op.ID).Int("retry", op.RetryCount).Msg("mutation retry send failed")
	}
	return nil
}

func (l *Ledger) exhaust(op *PendingOperation, cb func(*PendingOperation, *RetryExhaustedError)) error {
	if l.opts.RollbackOnExhaustion {
		var prior *Entity
		if op.priorExisted {
			prior = op.prior
		}
		l.store.Restore(op.EntityType, op.EntityID, prior)
	}
	err := &RetryExhaustedError{
		OperationID: op.ID,
		Type:        op.Type,
		EntityID:    op.EntityID,
		Attempts:    op.RetryCount,
	}
	log.Warn().Str("operation", op.ID).Str("entity", op.EntityID).Msg("optimistic mutation permanently failed")
	if cb != nil {
		cb(op, err)
	}
	return err
}

// Tick retries every operation that has sat unconfirmed beyond the retry
// interval. Returns the errors for operations that became permanently
// failed during this pass.
func (l *Ledger) Tick(now time.Time) []error {
	l.mu.Lock()
	due := make([]string, 0)
	for id, op := range l.pending {
		if now.Sub(op.IssuedAt) >= l.opts.RetryInterval {
			due = append(due, id)
		}
	}
	l.mu.Unlock()

	var failed []error
	for _, id := range due {
		if err := l.Retry(id); err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}
