// Package backplane fans room traffic out between relay nodes. A single-node
// deployment (and the test suite) uses the in-memory implementation; multi-
// node deployments share a Redis pub/sub channel per room.
package backplane

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Backplane publishes and subscribes room event frames.
type Backplane interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Subscribe(ctx context.Context, room string) (<-chan []byte, func(), error)
	Close() error
}

const subscriberBuffer = 64

// Memory is an in-process Backplane.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[int]chan []byte
	next int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan []byte)}
}

func (m *Memory) Publish(_ context.Context, room string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[room] {
		select {
		case ch <- payload:
		default:
			log.Warn().Str("room", room).Msg("backplane subscriber lagging; frame dropped")
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, room string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	m.mu.Lock()
	if m.subs[room] == nil {
		m.subs[room] = make(map[int]chan []byte)
	}
	id := m.next
	m.next++
	m.subs[room][id] = ch
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[room][id]; !ok {
			return
		}
		delete(m.subs[room], id)
		if len(m.subs[room]) == 0 {
			delete(m.subs, room)
		}
		close(ch)
	}
	return ch, cleanup, nil
}

func (m *Memory) Close() error { return nil }
