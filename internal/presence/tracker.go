package presence

import (
	"sync"
	"time"
)

// Status is a user's broadcast activity state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Staleness windows. Typing is a higher-frequency, lower-durability signal
// than presence, so its window is much shorter.
const (
	DefaultPresenceTimeout = 30 * time.Second
	DefaultCursorTimeout   = 30 * time.Second
	DefaultTypingTimeout   = 5 * time.Second
)

// UserPresence is one collaborator's activity snapshot.
type UserPresence struct {
	UserID             string
	Status             Status
	LastSeen           time.Time
	CurrentEntityID    string
	CurrentContainerID string
	IsTyping           bool
}

// Cursor is an ephemeral live cursor position.
type Cursor struct {
	UserID    string
	X         float64
	Y         float64
	Visible   bool
	Timestamp time.Time
}

type typingEntry struct {
	entityID string
	at       time.Time
}

// Update carries the partial presence state merged by Upsert. Nil pointers
// leave the corresponding field untouched.
type Update struct {
	Status      *Status
	EntityID    *string
	ContainerID *string
	Typing      *bool
}

// Options tunes the tracker's staleness windows and clock.
type Options struct {
	PresenceTimeout time.Duration
	CursorTimeout   time.Duration
	TypingTimeout   time.Duration
	Now             func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PresenceTimeout <= 0 {
		out.PresenceTimeout = DefaultPresenceTimeout
	}
	if out.CursorTimeout <= 0 {
		out.CursorTimeout = DefaultCursorTimeout
	}
	if out.TypingTimeout <= 0 {
		out.TypingTimeout = DefaultTypingTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Tracker approximates "who is here and what are they doing" without
// unbounded growth. Presence staleness is evaluated lazily at query time;
// cursors and typing indicators, being high-volume and purely ephemeral,
// are eagerly pruned on every Sweep. The tracker accepts updates
// unconditionally; throttling outbound cursor volume is the caller's job.
type Tracker struct {
	opts Options

	mu       sync.RWMutex
	presence map[string]*UserPresence
	cursors  map[string]*Cursor
	typing   map[string]typingEntry
	blocked  map[string]bool
}

func NewTracker(opts Options) *Tracker {
	return &Tracker{
		opts:     opts.withDefaults(),
		presence: make(map[string]*UserPresence),
		cursors:  make(map[string]*Cursor),
		typing:   make(map[string]typingEntry),
		blocked:  make(map[string]bool),
	}
}

// Upsert merges partial state into the user's presence, creating the entry
// when absent. LastSeen is always refreshed.
func (t *Tracker) Upsert(userID string, up Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.presence[userID]
	if !ok {
		p = &UserPresence{UserID: userID, Status: StatusOnline}
		t.presence[userID] = p
	}
	if up.Status != nil {
		p.Status = *up.Status
	}
	if up.EntityID != nil {
		p.CurrentEntityID = *up.EntityID
	}
	if up.ContainerID != nil {
		p.CurrentContainerID = *up.ContainerID
	}
	if up.Typing != nil {
		p.IsTyping = *up.Typing
	}
	p.LastSeen = t.opts.Now()
}

// Get returns a copy of the user's presence entry.
func (t *Tracker) Get(userID string) (UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.presence[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// SetCursor records a live cursor position. No internal throttling.
func (t *Tracker) SetCursor(userID string, x, y float64, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[userID] = &Cursor{
		UserID:    userID,
		X:         x,
		Y:         y,
		Visible:   visible,
		Timestamp: t.opts.Now(),
	}
}

// Cursors returns every cursor still inside the staleness window.
func (t *Tracker) Cursors() []Cursor {
	now := t.opts.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Cursor, 0, len(t.cursors))
	for _, c := range t.cursors {
		if now.Sub(c.Timestamp) <= t.opts.CursorTimeout {
			out = append(out, *c)
		}
	}
	return out
}

// SetTyping marks the user as typing in the given entity.
func (t *Tracker) SetTyping(userID, entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[userID] = typingEntry{entityID: entityID, at: t.opts.Now()}
}

// ClearTyping removes the user's typing indicator.
func (t *Tracker) ClearTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, userID)
}

// Block hides a user from the derived queries.
func (t *Tracker) Block(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[userID] = true
}

// Unblock reverses Block.
func (t *Tracker) Unblock(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocked, userID)
}

// Remove drops every record for a user, for departure events.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.presence, userID)
	delete(t.cursors, userID)
	delete(t.typing, userID)
}

// Sweep eagerly prunes stale cursors and typing indicators. Presence entries
// are kept; their staleness is evaluated lazily by the queries.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.cursors {
		if now.Sub(c.Timestamp) > t.opts.CursorTimeout {
			delete(t.cursors, id)
		}
	}
	for id, e := range t.typing {
		if now.Sub(e.at) > t.opts.TypingTimeout {
			delete(t.typing, id)
		}
	}
}

// stale reports whether a presence entry is outside the active set.
func (t *Tracker) stale(p *UserPresence, now time.Time) bool {
	return now.Sub(p.LastSeen) > t.opts.PresenceTimeout && p.Status != StatusOnline
}

// ActiveUsers returns the non-blocked, non-stale presence entries.
func (t *Tracker) ActiveUsers() []UserPresence {
	now := t.opts.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]UserPresence, 0, len(t.presence))
	for id, p := range t.presence {
		if t.blocked[id] || t.stale(p, now) {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// UsersInContainer returns the active users whose focus is inside the given
// container (column).
func (t *Tracker) UsersInContainer(containerID string) []UserPresence {
	now := t.opts.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []UserPresence
	for id, p := range t.presence {
		if t.blocked[id] || t.stale(p, now) {
			continue
		}
		if p.CurrentContainerID == containerID {
			out = append(out, *p)
		}
	}
	return out
}

// UsersViewingEntity returns the active users focused on the given entity.
func (t *Tracker) UsersViewingEntity(entityID string) []UserPresence {
	now := t.opts.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []UserPresence
	for id, p := range t.presence {
		if t.blocked[id] || t.stale(p, now) {
			continue
		}
		if p.CurrentEntityID == entityID {
			out = append(out, *p)
		}
	}
	return out
}

// TypingUsersFor returns the users currently typing in the given entity,
// excluding entries older than the typing window even before a sweep.
func (t *Tracker) TypingUsersFor(entityID string) []string {
	now := t.opts.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, e := range t.typing {
		if t.blocked[id] || e.entityID != entityID {
			continue
		}
		if now.Sub(e.at) > t.opts.TypingTimeout {
			continue
		}
		out = append(out, id)
	}
	return out
}
