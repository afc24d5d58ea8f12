package ledger

import (
	"sync"
	"time"
)

// Entity is the shared mutable record the UI renders: a task or column
// snapshot. Tentative marks state applied optimistically and not yet
// confirmed by an authoritative event.
type Entity struct {
	Type      string
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
	Tentative bool
}

func (e *Entity) clone() *Entity {
	cp := *e
	cp.Fields = cloneFields(e.Fields)
	return &cp
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Change is one application of a mutation to the snapshot store. Tentative
// (optimistic) and confirmed (authoritative) changes flow through the same
// path so the two are observably indistinguishable until a conflict is
// detected.
type Change struct {
	Op         MutationType
	EntityType string
	EntityID   string
	Fields     map[string]any
	At         time.Time
	Confirmed  bool
}

// Store holds the entity snapshots for one board session. It is mutated only
// by the Ledger and the conflict resolver; UI code and the transport never
// write to it directly.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewStore() *Store {
	return &Store{entities: make(map[string]*Entity)}
}

func entityKey(entityType, id string) string {
	return entityType + "/" + id
}

// Apply executes a change against the snapshot map. Create inserts, update
// and move shallow-merge fields and refresh the modification timestamp,
// delete removes. A confirmed change clears the tentative flag.
func (s *Store) Apply(ch Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(ch.EntityType, ch.EntityID)
	switch ch.Op {
	case MutationCreate:
		s.entities[key] = &Entity{
			Type:      ch.EntityType,
			ID:        ch.EntityID,
			Fields:    cloneFields(ch.Fields),
			UpdatedAt: ch.At,
			Tentative: !ch.Confirmed,
		}
	case MutationUpdate, MutationMove:
		e, ok := s.entities[key]
		if !ok {
			e = &Entity{Type: ch.EntityType, ID: ch.EntityID, Fields: make(map[string]any)}
			s.entities[key] = e
		}
		for k, v := range ch.Fields {
			e.Fields[k] = v
		}
		e.UpdatedAt = ch.At
		e.Tentative = !ch.Confirmed
	case MutationDelete:
		delete(s.entities, key)
	}
}

// Get returns a copy of the entity snapshot.
func (s *Store) Get(entityType, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey(entityType, id)]
	if !ok {
		return Entity{}, false
	}
	return *e.clone(), true
}

// List returns copies of every snapshot of the given type.
func (s *Store) List(entityType string) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0)
	for _, e := range s.entities {
		if e.Type == entityType {
			out = append(out, *e.clone())
		}
	}
	return out
}

// Restore overwrites an entity with a prior snapshot, or removes it when
// prior is nil. Used for rollback after retry exhaustion.
func (s *Store) Restore(entityType, id string, prior *Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(entityType, id)
	if prior == nil {
		delete(s.entities, key)
		return
	}
	s.entities[key] = prior.clone()
}

// snapshot returns the stored entity for internal read, cloned.
func (s *Store) snapshot(entityType, id string) *Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey(entityType, id)]
	if !ok {
		return nil
	}
	return e.clone()
}
