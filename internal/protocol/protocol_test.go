package protocol_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardkit/sync/internal/protocol"
)

func TestRoomKey(t *testing.T) {
	t.Parallel()

	t.Run("without division", func(t *testing.T) {
		t.Parallel()

		got := protocol.RoomKey("board_7", "org_1", "")
		assert.Equal(t, "board_7:org_1", got)
	})

	t.Run("with division", func(t *testing.T) {
		t.Parallel()

		got := protocol.RoomKey("board_7", "org_1", "div_9")
		assert.Equal(t, "board_7:org_1:div_9", got)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := protocol.RoomKey("b", "o", "d")
		b := protocol.RoomKey("b", "o", "d")
		assert.Equal(t, a, b)
	})

	t.Run("different scopes produce different keys", func(t *testing.T) {
		t.Parallel()

		a := protocol.RoomKey("b1", "o", "")
		b := protocol.RoomKey("b2", "o", "")
		assert.NotEqual(t, a, b)
	})
}

func TestAckKinds(t *testing.T) {
	t.Parallel()

	key := protocol.RoomKey("board_7", "org_1", "")
	assert.Equal(t, protocol.Kind("room:joined:board_7:org_1"), protocol.JoinedKind(key))
	assert.Equal(t, protocol.Kind("room:error:board_7:org_1"), protocol.JoinErrorKind(key))
	assert.NotEqual(t, protocol.JoinedKind(key), protocol.JoinErrorKind(key))
}

func TestAuthoritative(t *testing.T) {
	t.Parallel()

	cases := map[protocol.Kind]protocol.Kind{
		protocol.KindTaskMove:   protocol.KindTaskMoved,
		protocol.KindTaskUpdate: protocol.KindTaskUpdated,
		protocol.KindTaskCreate: protocol.KindTaskCreated,
		protocol.KindTaskDelete: protocol.KindTaskDeleted,
	}
	for mutation, want := range cases {
		got, ok := protocol.Authoritative(mutation)
		require.True(t, ok, "expected %s to map", mutation)
		assert.Equal(t, want, got)
	}

	_, ok := protocol.Authoritative(protocol.KindUserPresence)
	assert.False(t, ok, "presence is not a mutation")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := protocol.NewEnvelope(protocol.KindTaskMove, protocol.MovePayload{
		TaskID:   "t1",
		ColumnID: "col_done",
		Position: 2,
	})
	require.NoError(t, err)
	env.OperationID = "op-1"
	env.UserID = "u1"

	assert.False(t, env.Timestamp.IsZero(), "NewEnvelope stamps a send time")

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindTaskMove, decoded.Type)
	assert.Equal(t, "op-1", decoded.OperationID)
	assert.Equal(t, "u1", decoded.UserID)
	assert.WithinDuration(t, env.Timestamp, decoded.Timestamp, time.Second)

	var move protocol.MovePayload
	require.NoError(t, decoded.DecodePayload(&move))
	assert.Equal(t, "t1", move.TaskID)
	assert.Equal(t, "col_done", move.ColumnID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := protocol.Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = protocol.Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err, "missing type is rejected")
}

func TestDecodePayloadEmpty(t *testing.T) {
	t.Parallel()

	env := protocol.Envelope{Type: protocol.KindConnectionAck}
	var v map[string]any
	assert.Error(t, env.DecodePayload(&v))
}
