package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/ledger"
)

// Strategy selects how a conflict between a pending local mutation and an
// authoritative remote event is resolved. Strategies are chosen per call
// site, not globally.
type Strategy string

const (
	// RemoteWins discards the optimistic value and adopts the server's
	// authoritative event. Default, and always used for moves.
	RemoteWins Strategy = "remote-wins"
	// LocalWins re-asserts the local value by re-sending the pending
	// mutation. Used sparingly, for edits where the user's most recent
	// intent should not be clobbered by a stale broadcast.
	LocalWins Strategy = "local-wins"
	// Merge shallow-merges remote into local with remote precedence per
	// field, for independent-field edits.
	Merge Strategy = "merge"
	// Manual suspends resolution and queues the conflict for UI-driven
	// resolution; the entity stays in its last-applied state until then.
	Manual Strategy = "manual"
)

// FieldChange describes one field whose local and remote values diverge.
// At is the later of the two update timestamps.
type FieldChange struct {
	Field  string
	Local  any
	Remote any
	At     time.Time
}

// Diff returns the fields whose serialized values differ between the local
// (pending) and remote (authoritative) views of an entity.
func Diff(local, remote map[string]any, localAt, remoteAt time.Time) []FieldChange {
	at := localAt
	if remoteAt.After(localAt) {
		at = remoteAt
	}

	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var changes []FieldChange
	for _, f := range fields {
		lv, lok := local[f]
		rv, rok := remote[f]
		if lok && rok && serializedEqual(lv, rv) {
			continue
		}
		if !lok && !rok {
			continue
		}
		changes = append(changes, FieldChange{Field: f, Local: lv, Remote: rv, At: at})
	}
	return changes
}

func serializedEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Conflict is a suspended manual resolution, queued for explicit UI-driven
// handling.
type Conflict struct {
	OperationID string
	EntityType  string
	EntityID    string
	Local       map[string]any
	Remote      map[string]any
	RemoteType  ledger.MutationType
	RemoteAt    time.Time
}

// Resolver reconciles pending local mutations against authoritative remote
// events. It shares the single-writer discipline over the snapshot store
// with the ledger.
type Resolver struct {
	ledger *ledger.Ledger
	now    func() time.Time

	mu     sync.Mutex
	manual []Conflict
}

// New creates a Resolver bound to the given ledger.
func New(l *ledger.Ledger) *Resolver {
	return &Resolver{ledger: l, now: time.Now}
}

// Resolve applies the chosen strategy to a pending operation and the
// authoritative remote event for the same entity. Whatever the strategy, at
// most one pending operation remains for the entity afterwards.
func (r *Resolver) Resolve(strategy Strategy, op *ledger.PendingOperation, remoteType ledger.MutationType, remoteFields map[string]any, remoteAt time.Time) error {
	switch strategy {
	case RemoteWins:
		r.ledger.ApplyConfirmed(remoteType, op.EntityType, op.EntityID, remoteFields, remoteAt)
		r.ledger.RemoveForEntity(op.EntityType, op.EntityID)
		return nil

	case LocalWins:
		// Discard the remote broadcast and re-send the local intent. The
		// snapshot already holds the local value.
		if err := r.ledger.Retry(op.ID); err != nil {
			return fmt.Errorf("resolve.Resolve: local-wins re-send: %w", err)
		}
		return nil

	case Merge:
		// The snapshot holds the local value; applying the remote fields as
		// confirmed on top yields local plus remote with remote precedence
		// per field, stamped with a fresh modification time.
		r.ledger.ApplyConfirmed(ledger.MutationUpdate, op.EntityType, op.EntityID, remoteFields, r.now())
		r.ledger.RemoveForEntity(op.EntityType, op.EntityID)
		return nil

	case Manual:
		r.mu.Lock()
		r.manual = append(r.manual, Conflict{
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			Local:       op.Payload,
			Remote:      remoteFields,
			RemoteType:  remoteType,
			RemoteAt:    remoteAt,
		})
		r.mu.Unlock()
		log.Info().Str("operation", op.ID).Str("entity", op.EntityID).Msg("conflict queued for manual resolution")
		return nil

	default:
		return fmt.Errorf("resolve.Resolve: unknown strategy %q", strategy)
	}
}

// PendingConflicts returns the queued manual conflicts.
func (r *Resolver) PendingConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, len(r.manual))
	copy(out, r.manual)
	return out
}

// ResolveManual settles a queued conflict with a concrete strategy chosen by
// the user. Manual is not a valid choice here.
func (r *Resolver) ResolveManual(operationID string, strategy Strategy) error {
	if strategy == Manual {
		return fmt.Errorf("resolve.ResolveManual: cannot re-queue a manual conflict")
	}

	r.mu.Lock()
	idx := -1
	for i, c := range r.manual {
		if c.OperationID == operationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("resolve.ResolveManual: no queued conflict for operation %s", operationID)
	}
	c := r.manual[idx]
	r.manual = append(r.manual[:idx], r.manual[idx+1:]...)
	r.mu.Unlock()

	op, ok := r.ledger.Lookup(c.OperationID)
	if !ok {
		// The pending operation was superseded while queued; adopt remote.
		r.ledger.ApplyConfirmed(c.RemoteType, c.EntityType, c.EntityID, c.Remote, c.RemoteAt)
		return nil
	}
	return r.Resolve(strategy, op, c.RemoteType, c.Remote, c.RemoteAt)
}
