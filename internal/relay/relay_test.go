package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardkit/sync/internal/protocol"
	"github.com/boardkit/sync/internal/relay"
	"github.com/boardkit/sync/internal/relay/backplane"
	"github.com/boardkit/sync/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := relay.New(testSecret, backplane.NewMemory())
	ts := httptest.NewServer(srv.Handler(nil))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := startServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpgradeRejections(t *testing.T) {
	t.Parallel()

	ts := startServer(t)

	get := func(t *testing.T, url string, header http.Header) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()

		resp := get(t, ts.URL+"/ws?org=org_1", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing org", func(t *testing.T) {
		t.Parallel()

		tok, err := token.Issue(testSecret, "org_1", "u1")
		require.NoError(t, err)
		resp := get(t, ts.URL+"/ws", http.Header{"Authorization": []string{"Bearer " + tok}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("forged token", func(t *testing.T) {
		t.Parallel()

		tok, err := token.Issue("another-secret-another-secret!!!", "org_1", "u1")
		require.NoError(t, err)
		resp := get(t, ts.URL+"/ws?org=org_1", http.Header{"Authorization": []string{"Bearer " + tok}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

// dial opens a raw websocket session and consumes the connection ack.
func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	tok, err := token.Issue(testSecret, "org_1", userID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts)+"?org=org_1", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.KindConnectionAck, env.Type)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func joinRoom(t *testing.T, conn *websocket.Conn, boardID, orgID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.KindJoinBoard, protocol.JoinPayload{
		BoardID: boardID,
		OrgID:   orgID,
	})
	require.NoError(t, err)
	send(t, conn, env)

	key := protocol.RoomKey(boardID, orgID, "")
	for {
		got := readEnvelope(t, conn)
		switch got.Type {
		case protocol.JoinedKind(key):
			return
		case protocol.JoinErrorKind(key):
			t.Fatalf("join rejected: %s", got.Payload)
		case protocol.KindUserPresence:
			// Our own presence announcement; skip.
		default:
			t.Fatalf("unexpected frame %q while joining", got.Type)
		}
	}
}

func TestJoinRejectedWithoutBoard(t *testing.T) {
	t.Parallel()

	ts := startServer(t)
	conn := dial(t, ts, "u1")

	env, err := protocol.NewEnvelope(protocol.KindJoinBoard, protocol.JoinPayload{OrgID: "org_1"})
	require.NoError(t, err)
	send(t, conn, env)

	got := readEnvelope(t, conn)
	key := protocol.RoomKey("", "org_1", "")
	require.Equal(t, protocol.JoinErrorKind(key), got.Type)

	var pl protocol.JoinErrorPayload
	require.NoError(t, got.DecodePayload(&pl))
	assert.NotEmpty(t, pl.Reason)
}

func TestMutationFanOut(t *testing.T) {
	t.Parallel()

	ts := startServer(t)
	alice := dial(t, ts, "alice")
	joinRoom(t, alice, "board_7", "org_1")

	bob := dial(t, ts, "bob")
	joinRoom(t, bob, "board_7", "org_1")

	env, err := protocol.NewEnvelope(protocol.KindTaskMove, protocol.MovePayload{
		TaskID:   "t1",
		ColumnID: "col_done",
		Position: 2,
	})
	require.NoError(t, err)
	env.OperationID = "op-1"
	send(t, alice, env)

	want := func(t *testing.T, conn *websocket.Conn) {
		t.Helper()
		for {
			got := readEnvelope(t, conn)
			if got.Type == protocol.KindUserPresence {
				continue
			}
			require.Equal(t, protocol.KindTaskMoved, got.Type,
				"mutations are rewritten to their authoritative kind")
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, "op-1", got.OperationID)
			var mp protocol.MovePayload
			require.NoError(t, got.DecodePayload(&mp))
			assert.Equal(t, "col_done", mp.ColumnID)
			return
		}
	}

	// Both the peer and the sender receive the authoritative event.
	want(t, bob)
	want(t, alice)
}

func TestCursorPassthrough(t *testing.T) {
	t.Parallel()

	ts := startServer(t)
	alice := dial(t, ts, "alice")
	joinRoom(t, alice, "board_7", "org_1")

	bob := dial(t, ts, "bob")
	joinRoom(t, bob, "board_7", "org_1")

	env, err := protocol.NewEnvelope(protocol.KindCursorDragMove, protocol.CursorPayload{
		EntityID: "t1",
		X:        10,
		Y:        20,
		Visible:  true,
	})
	require.NoError(t, err)
	send(t, alice, env)

	for {
		got := readEnvelope(t, bob)
		if got.Type == protocol.KindUserPresence {
			continue
		}
		require.Equal(t, protocol.KindCursorDragMove, got.Type)
		assert.Equal(t, "alice", got.UserID)
		break
	}
}

func TestLeaveAnnouncesOffline(t *testing.T) {
	t.Parallel()

	ts := startServer(t)
	alice := dial(t, ts, "alice")
	joinRoom(t, alice, "board_7", "org_1")

	bob := dial(t, ts, "bob")
	joinRoom(t, bob, "board_7", "org_1")

	bob.CloseNow()

	// Alice eventually observes bob going offline.

	for {
		got := readEnvelope(t, alice)
		if got.Type != protocol.KindUserPresence {
			continue
		}
		var pl protocol.PresencePayload
		require.NoError(t, got.DecodePayload(&pl))
		if pl.UserID == "bob" && pl.Status == "offline" {
			return
		}
	}
}
