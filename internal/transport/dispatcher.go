package transport

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/protocol"
)

// Handler receives a decoded inbound envelope.
type Handler func(protocol.Envelope)

// dispatcher fans inbound envelopes out to registered handlers. The single
// read loop is the only producer, so there is exactly one low-level listener
// per connection regardless of handler count; demultiplexing by kind happens
// here.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[protocol.Kind]map[int]Handler
	nextID   int
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[protocol.Kind]map[int]Handler)}
}

// on registers a handler for the given kind and returns an unsubscribe
// function. Multiple handlers per kind are supported.
func (d *dispatcher) on(kind protocol.Kind, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.handlers[kind][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

// dispatch delivers env to every handler registered for its kind. A panic in
// one handler is recovered and logged so it cannot suppress delivery to the
// others or kill the read loop.
func (d *dispatcher) dispatch(env protocol.Envelope) {
	d.mu.Lock()
	hs := make([]Handler, 0, len(d.handlers[env.Type]))
	for _, h := range d.handlers[env.Type] {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", string(env.Type)).Any("panic", r).Msg("event handler panicked")
				}
			}()
			h(env)
		}()
	}
}
