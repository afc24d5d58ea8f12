package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/boardkit/sync/internal/protocol"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base := 500 * time.Millisecond
	cap := 30 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(1, base, cap))
	assert.Equal(t, time.Second, backoffDelay(2, base, cap))
	assert.Equal(t, 2*time.Second, backoffDelay(3, base, cap))
	assert.Equal(t, 16*time.Second, backoffDelay(6, base, cap))
	assert.Equal(t, cap, backoffDelay(7, base, cap), "doubling is capped")
	assert.Equal(t, cap, backoffDelay(50, base, cap))
	assert.Equal(t, base, backoffDelay(0, base, cap), "attempts are 1-based")
}

func TestDispatcherFanOut(t *testing.T) {
	t.Parallel()

	d := newDispatcher()

	var a, b, other int
	d.on(protocol.KindTaskMoved, func(protocol.Envelope) { a++ })
	d.on(protocol.KindTaskMoved, func(protocol.Envelope) { b++ })
	d.on(protocol.KindTaskDeleted, func(protocol.Envelope) { other++ })

	d.dispatch(protocol.Envelope{Type: protocol.KindTaskMoved})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 0, other, "handlers only see their own kind")
}

func TestDispatcherUnsubscribe(t *testing.T) {
	t.Parallel()

	d := newDispatcher()

	var n int
	unsub := d.on(protocol.KindTaskMoved, func(protocol.Envelope) { n++ })

	d.dispatch(protocol.Envelope{Type: protocol.KindTaskMoved})
	unsub()
	d.dispatch(protocol.Envelope{Type: protocol.KindTaskMoved})

	assert.Equal(t, 1, n)
}

func TestDispatcherIsolatesPanics(t *testing.T) {
	t.Parallel()

	d := newDispatcher()

	var delivered int
	d.on(protocol.KindTaskMoved, func(protocol.Envelope) { panic("handler bug") })
	d.on(protocol.KindTaskMoved, func(protocol.Envelope) { delivered++ })

	assert.NotPanics(t, func() {
		d.dispatch(protocol.Envelope{Type: protocol.KindTaskMoved})
	})
	assert.Equal(t, 1, delivered, "one failing handler cannot suppress the others")
}
