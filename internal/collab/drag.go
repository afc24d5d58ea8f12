package collab

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/boardkit/sync/internal/presence"
	"github.com/boardkit/sync/internal/protocol"
)

// Position is a cursor coordinate in logical board units.
type Position struct {
	X float64
	Y float64
}

// dragState owns the current user's drag gesture: presence side effects and
// the outbound cursor throttle. The tracker itself never throttles; bounding
// the event volume is this call site's responsibility.
type dragState struct {
	s           *Session
	limiter     *rate.Limiter
	minDistance float64

	mu       sync.Mutex
	active   bool
	entityID string
	last     Position
	moved    bool
}

func newDragState(s *Session, minInterval time.Duration, minDistance float64) *dragState {
	return &dragState{
		s:           s,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		minDistance: minDistance,
	}
}

// StartDrag marks the acting user busy and broadcasts the gesture start.
func (s *Session) StartDrag(entityID string, pos Position) {
	s.drag.start(entityID, pos)
}

// UpdateDragPosition broadcasts a drag position, throttled to the configured
// minimum interval and movement threshold.
func (s *Session) UpdateDragPosition(pos Position) {
	s.drag.update(pos)
}

// EndDrag restores the user's presence to online and broadcasts the gesture
// end. A nil final position re-uses the last broadcast one.
func (s *Session) EndDrag(final *Position) {
	s.drag.end(final)
}

func (d *dragState) start(entityID string, pos Position) {
	d.mu.Lock()
	d.active = true
	d.entityID = entityID
	d.last = pos
	d.moved = false
	d.mu.Unlock()

	userID := d.s.client.UserID()
	busy := presence.StatusBusy
	d.s.tracker.Upsert(userID, presence.Update{Status: &busy, EntityID: &entityID})
	d.s.tracker.SetCursor(userID, pos.X, pos.Y, true)

	_ = d.s.client.Emit(protocol.KindCursorDragStart, protocol.CursorPayload{
		EntityID: entityID,
		X:        pos.X,
		Y:        pos.Y,
		Visible:  true,
	})
}

func (d *dragState) update(pos Position) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if d.moved {
		dx := pos.X - d.last.X
		dy := pos.Y - d.last.Y
		if math.Hypot(dx, dy) <= d.minDistance {
			d.mu.Unlock()
			return
		}
	}
	if !d.limiter.Allow() {
		d.mu.Unlock()
		return
	}
	d.last = pos
	d.moved = true
	entityID := d.entityID
	d.mu.Unlock()

	d.s.tracker.SetCursor(d.s.client.UserID(), pos.X, pos.Y, true)
	_ = d.s.client.Emit(protocol.KindCursorDragMove, protocol.CursorPayload{
		EntityID: entityID,
		X:        pos.X,
		Y:        pos.Y,
		Visible:  true,
	})
}

func (d *dragState) end(final *Position) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	pos := d.last
	if final != nil {
		pos = *final
	}
	entityID := d.entityID
	d.entityID = ""
	d.mu.Unlock()

	userID := d.s.client.UserID()
	online := presence.StatusOnline
	d.s.tracker.Upsert(userID, presence.Update{Status: &online})
	d.s.tracker.SetCursor(userID, pos.X, pos.Y, false)

	_ = d.s.client.Emit(protocol.KindCursorDragEnd, protocol.CursorPayload{
		EntityID: entityID,
		X:        pos.X,
		Y:        pos.Y,
		Visible:  false,
	})
}
