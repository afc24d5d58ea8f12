package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a wire event. The set is closed: every event exchanged
// between engine and relay is one of the constants below, or a room
// acknowledgment kind produced by JoinedKind / JoinErrorKind.
type Kind string

const (
	// Connection lifecycle.
	KindConnectionAck Kind = "connection:ack"

	// Room membership.
	KindJoinBoard  Kind = "join-board"
	KindLeaveBoard Kind = "leave-board"

	// Client -> server mutations.
	KindTaskMove   Kind = "task:move"
	KindTaskUpdate Kind = "task:update"
	KindTaskCreate Kind = "task:create"
	KindTaskDelete Kind = "task:delete"

	// Server -> client authoritative events.
	KindTaskMoved   Kind = "task:moved"
	KindTaskUpdated Kind = "task:updated"
	KindTaskCreated Kind = "task:created"
	KindTaskDeleted Kind = "task:deleted"

	// Presence and cursors.
	KindUserPresence    Kind = "user:presence"
	KindCursorDragStart Kind = "cursor:drag-start"
	KindCursorDragMove  Kind = "cursor:drag-move"
	KindCursorDragEnd   Kind = "cursor:drag-end"

	KindBoardUpdated Kind = "board:updated"
)

const (
	joinedPrefix    = "room:joined:"
	joinErrorPrefix = "room:error:"
)

// JoinedKind returns the acknowledgment kind the server emits after a
// successful join of the given room.
func JoinedKind(roomKey string) Kind {
	return Kind(joinedPrefix + roomKey)
}

// JoinErrorKind returns the rejection kind for a failed join of the given room.
func JoinErrorKind(roomKey string) Kind {
	return Kind(joinErrorPrefix + roomKey)
}

// Authoritative maps a client mutation kind to the server broadcast kind
// confirming it. Returns false for kinds that are not mutations.
func Authoritative(k Kind) (Kind, bool) {
	switch k {
	case KindTaskMove:
		return KindTaskMoved, true
	case KindTaskUpdate:
		return KindTaskUpdated, true
	case KindTaskCreate:
		return KindTaskCreated, true
	case KindTaskDelete:
		return KindTaskDeleted, true
	default:
		return "", false
	}
}

// Envelope is the framing shared by every wire event. Payload holds the
// kind-specific body, decoded on demand with DecodePayload.
type Envelope struct {
	Type        Kind            `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	OperationID string          `json:"operation_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload value into an Envelope of the given kind.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol.NewEnvelope: marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return Envelope{Type: kind, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol.Envelope.Encode: %w", err)
	}
	return b, nil
}

// Decode parses a wire frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol.Decode: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("protocol.Decode: missing event type")
	}
	return e, nil
}

// JoinPayload is the body of join-board and leave-board events.
type JoinPayload struct {
	BoardID    string `json:"board_id"`
	OrgID      string `json:"org_id"`
	DivisionID string `json:"division_id,omitempty"`
}

// JoinErrorPayload carries the server's reason for rejecting a join.
type JoinErrorPayload struct {
	Reason string `json:"reason"`
}

// TaskPayload is the body of task create/update mutations and their
// authoritative counterparts. Fields carries the changed attributes.
type TaskPayload struct {
	TaskID string         `json:"task_id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// MovePayload is the body of task:move / task:moved.
type MovePayload struct {
	TaskID   string  `json:"task_id"`
	ColumnID string  `json:"column_id"`
	Position float64 `json:"position"`
}

// BoardPayload is the body of board:updated broadcasts: board-level changes
// such as column reorders that are not attributable to a single task.
type BoardPayload struct {
	BoardID string         `json:"board_id"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// PresencePayload is the body of user:presence broadcasts.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	EntityID    string `json:"entity_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Typing      bool   `json:"typing,omitempty"`
}

// CursorPayload is the body of cursor drag events.
type CursorPayload struct {
	EntityID string  `json:"entity_id,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Visible  bool    `json:"visible"`
}
