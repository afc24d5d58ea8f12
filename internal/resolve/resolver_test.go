package resolve_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardkit/sync/internal/ledger"
	"github.com/boardkit/sync/internal/protocol"
	"github.com/boardkit/sync/internal/resolve"
)

type countingEmitter struct {
	mu    sync.Mutex
	kinds []protocol.Kind
}

func (c *countingEmitter) EmitOp(kind protocol.Kind, _ any, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *countingEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kinds)
}

func harness(t *testing.T) (*resolve.Resolver, *ledger.Ledger, *ledger.Store, *countingEmitter) {
	t.Helper()
	store := ledger.NewStore()
	em := &countingEmitter{}
	l := ledger.New(store, em, ledger.Options{})
	return resolve.New(l), l, store, em
}

func TestDiff(t *testing.T) {
	t.Parallel()

	localAt := time.Now()
	remoteAt := localAt.Add(time.Second)

	t.Run("differing and overlapping fields", func(t *testing.T) {
		t.Parallel()

		local := map[string]any{"title": "mine", "assignee": "u1"}
		remote := map[string]any{"title": "theirs", "assignee": "u1", "priority": 2}

		changes := resolve.Diff(local, remote, localAt, remoteAt)
		require.Len(t, changes, 2)

		assert.Equal(t, "priority", changes[0].Field)
		assert.Equal(t, "title", changes[1].Field)
		assert.Equal(t, "mine", changes[1].Local)
		assert.Equal(t, "theirs", changes[1].Remote)
	})

	t.Run("timestamp is the later of the two", func(t *testing.T) {
		t.Parallel()

		changes := resolve.Diff(map[string]any{"a": 1}, map[string]any{"a": 2}, localAt, remoteAt)
		require.Len(t, changes, 1)
		assert.Equal(t, remoteAt, changes[0].At)

		changes = resolve.Diff(map[string]any{"a": 1}, map[string]any{"a": 2}, remoteAt, localAt)
		require.Len(t, changes, 1)
		assert.Equal(t, remoteAt, changes[0].At)
	})

	t.Run("identical values produce no changes", func(t *testing.T) {
		t.Parallel()

		same := map[string]any{"title": "x", "n": 1}
		assert.Empty(t, resolve.Diff(same, map[string]any{"title": "x", "n": 1}, localAt, remoteAt))
	})

	t.Run("serialized comparison bridges numeric types", func(t *testing.T) {
		t.Parallel()

		// JSON round-trips turn ints into float64; the diff must not flag
		// 2 vs 2.0 as a conflict.
		changes := resolve.Diff(map[string]any{"n": 2}, map[string]any{"n": float64(2)}, localAt, remoteAt)
		assert.Empty(t, changes)
	})
}

func TestRemoteWins(t *testing.T) {
	t.Parallel()

	r, l, store, _ := harness(t)

	l.ApplyConfirmed(ledger.MutationCreate, ledger.EntityTask, "t1", map[string]any{"column_id": "col_todo"}, time.Now())
	_, err := l.Propose(ledger.MutationMove, "t1", map[string]any{"column_id": "col_done"}, "u1")
	require.NoError(t, err)

	op, ok := l.Match(ledger.EntityTask, "t1", ledger.MutationMove)
	require.True(t, ok)

	remoteAt := time.Now()
	require.NoError(t, r.Resolve(resolve.RemoteWins, op, ledger.MutationMove, map[string]any{"column_id": "col_review"}, remoteAt))

	e, found := store.Get(ledger.EntityTask, "t1")
	require.True(t, found)
	assert.Equal(t, "col_review", e.Fields["column_id"], "authoritative event wins")
	assert.False(t, e.Tentative)
	assert.Equal(t, 0, l.PendingCount(), "no pending operation remains for the entity")
}

func TestMergeKeepsIndependentFields(t *testing.T) {
	t.Parallel()

	r, l, store, _ := harness(t)

	l.ApplyConfirmed(ledger.MutationCreate, ledger.EntityTask, "t1", map[string]any{"title": "old", "assignee": "nobody"}, time.Now())
	_, err := l.Propose(ledger.MutationUpdate, "t1", map[string]any{"title": "local title"}, "u1")
	require.NoError(t, err)

	op, ok := l.Match(ledger.EntityTask, "t1", ledger.MutationUpdate)
	require.True(t, ok)

	require.NoError(t, r.Resolve(resolve.Merge, op, ledger.MutationUpdate, map[string]any{"assignee": "u2"}, time.Now()))

	e, found := store.Get(ledger.EntityTask, "t1")
	require.True(t, found)
	assert.Equal(t, "local title", e.Fields["title"], "local edit survives")
	assert.Equal(t, "u2", e.Fields["assignee"], "remote edit survives")
	assert.Equal(t, 0, l.PendingCount())
}

func TestMergeRemotePrecedencePerField(t *testing.T) {
	t.Parallel()

	r, l, store, _ := harness(t)

	_, err := l.Propose(ledger.MutationUpdate, "t1", map[string]any{"title": "local"}, "u1")
	require.NoError(t, err)

	op, ok := l.Match(ledger.EntityTask, "t1", ledger.MutationUpdate)
	require.True(t, ok)

	require.NoError(t, r.Resolve(resolve.Merge, op, ledger.MutationUpdate, map[string]any{"title": "remote"}, time.Now()))

	e, found := store.Get(ledger.EntityTask, "t1")
	require.True(t, found)
	assert.Equal(t, "remote", e.Fields["title"], "remote takes precedence on overlapping fields")
}

func TestLocalWinsResends(t *testing.T) {
	t.Parallel()

	r, l, store, em := harness(t)

	_, err := l.Propose(ledger.MutationUpdate, "t1", map[string]any{"title": "local"}, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, em.count())

	op, ok := l.Match(ledger.EntityTask, "t1", ledger.MutationUpdate)
	require.True(t, ok)

	require.NoError(t, r.Resolve(resolve.LocalWins, op, ledger.MutationUpdate, map[string]any{"title": "remote"}, time.Now()))

	assert.Equal(t, 2, em.count(), "the pending mutation is re-sent")
	assert.Equal(t, 1, l.PendingCount(), "the operation stays pending until confirmed")

	e, found := store.Get(ledger.EntityTask, "t1")
	require.True(t, found)
	assert.Equal(t, "local", e.Fields["title"], "the stale broadcast is discarded")
}

func TestManualQueuesConflict(t *testing.T) {
	t.Parallel()

	r, l, store, _ := harness(t)

	opID, err := l.Propose(ledger.MutationUpdate, "t1", map[string]any{"title": "local"}, "u1")
	require.NoError(t, err)

	op, ok := l.Match(ledger.EntityTask, "t1", ledger.MutationUpdate)
	require.True(t, ok)

	remote := map[string]any{"title": "remote"}
	require.NoError(t, r.Resolve(resolve.Manual, op, ledger.MutationUpdate, remote, time.Now()))

	conflicts := r.PendingConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, opID, conflicts[0].OperationID)
	assert.Equal(t, "local", conflicts[0].Local["title"])
	assert.Equal(t, "remote", conflicts[0].Remote["title"])

	e, found := store.Get(ledger.EntityTask, "t1")
	require.True(t, found)
	assert.Equal(t, "local", e.Fields["title"], "entity keeps its last-applied state while suspended")

	t.Run("resolving manually settles the entity", func(t *testing.T) {
		require.NoError(t, r.ResolveManual(opID, resolve.RemoteWins))

		e, found := store.Get(ledger.EntityTask, "t1")
		require.True(t, found)
		assert.Equal(t, "remote", e.Fields["title"])
		assert.Empty(t, r.PendingConflicts())
		assert.Equal(t, 0, l.PendingCount())
	})
}

func TestResolveManualErrors(t *testing.T) {
	t.Parallel()

	r, _, _, _ := harness(t)

	assert.Error(t, r.ResolveManual("missing", resolve.RemoteWins))
	assert.Error(t, r.ResolveManual("whatever", resolve.Manual), "manual cannot be re-queued")
}

func TestUnknownStrategy(t *testing.T) {
	t.Parallel()

	r, l, _, _ := harness(t)

	_, err := l.Propose(ledger.MutationUpdate, "t1", map[string]any{"title": "x"}, "u1")
	require.NoError(t, err)
	op, _ := l.Match(ledger.EntityTask, "t1", ledger.MutationUpdate)

	assert.Error(t, r.Resolve(resolve.Strategy("vibes"), op, ledger.MutationUpdate, nil, time.Now()))
}
