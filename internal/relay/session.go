package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/protocol"
	"github.com/boardkit/sync/internal/relay/backplane"
)

const (
	sessionSendBuffer = 64
	writeTimeout      = 5 * time.Second
)

// session is one connected client: a single writer goroutine serializes all
// outbound frames, and each joined room forwards backplane traffic into the
// send queue.
type session struct {
	conn   *websocket.Conn
	userID string
	bp     backplane.Backplane
	send   chan []byte

	mu    sync.Mutex
	rooms map[string]func()
}

func newSession(conn *websocket.Conn, userID string, bp backplane.Backplane) *session {
	return &session{
		conn:   conn,
		userID: userID,
		bp:     bp,
		send:   make(chan []byte, sessionSendBuffer),
		rooms:  make(map[string]func()),
	}
}

// run serves the session until the connection or request context ends.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.leaveAll(ctx)

	go s.writeLoop(ctx)

	s.enqueueEnvelope(protocol.Envelope{
		Type:      protocol.KindConnectionAck,
		Timestamp: time.Now().UTC(),
	})

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			log.Debug().Err(derr).Str("user", s.userID).Msg("undecodable client frame")
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("user", s.userID).Msg("websocket write")
				return
			}
		}
	}
}

func (s *session) enqueue(msg []byte) {
	select {
	case s.send <- msg:
	default:
		log.Warn().Str("user", s.userID).Msg("session send queue full; frame dropped")
	}
}

func (s *session) enqueueEnvelope(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("event", string(env.Type)).Msg("encode outbound envelope")
		return
	}
	s.enqueue(data)
}

func (s *session) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindJoinBoard:
		s.handleJoin(ctx, env)
	case protocol.KindLeaveBoard:
		s.handleLeave(ctx, env)
	case protocol.KindTaskMove, protocol.KindTaskUpdate, protocol.KindTaskCreate, protocol.KindTaskDelete:
		s.handleMutation(ctx, env)
	case protocol.KindUserPresence, protocol.KindCursorDragStart, protocol.KindCursorDragMove, protocol.KindCursorDragEnd:
		s.broadcast(ctx, env)
	default:
		log.Debug().Str("event", string(env.Type)).Str("user", s.userID).Msg("unhandled client event")
	}
}

func (s *session) handleJoin(ctx context.Context, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("user", s.userID).Msg("bad join payload")
		return
	}
	if p.BoardID == "" || p.OrgID == "" {
		key := protocol.RoomKey(p.BoardID, p.OrgID, p.DivisionID)
		s.rejectJoin(key, "join requires board and organization identifiers")
		return
	}
	key := protocol.RoomKey(p.BoardID, p.OrgID, p.DivisionID)

	s.mu.Lock()
	_, already := s.rooms[key]
	s.mu.Unlock()
	if already {
		// Idempotent: re-acknowledge without a second subscription.
		s.ackJoin(key)
		return
	}

	msgs, cleanup, err := s.bp.Subscribe(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("room", key).Msg("backplane subscribe")
		s.rejectJoin(key, "room subscription failed")
		return
	}

	s.mu.Lock()
	s.rooms[key] = cleanup
	s.mu.Unlock()

	go func() {
		for msg := range msgs {
			s.enqueue(msg)
		}
	}()

	s.ackJoin(key)
	s.publishPresence(ctx, key, "online")
}

func (s *session) ackJoin(key string) {
	env, err := protocol.NewEnvelope(protocol.JoinedKind(key), protocol.JoinPayload{})
	if err != nil {
		return
	}
	s.enqueueEnvelope(env)
}

func (s *session) rejectJoin(key, reason string) {
	env, err := protocol.NewEnvelope(protocol.JoinErrorKind(key), protocol.JoinErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	s.enqueueEnvelope(env)
}

func (s *session) handleLeave(ctx context.Context, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	key := protocol.RoomKey(p.BoardID, p.OrgID, p.DivisionID)
	s.leaveRoom(ctx, key)
}

func (s *session) leaveRoom(ctx context.Context, key string) {
	s.mu.Lock()
	cleanup, ok := s.rooms[key]
	delete(s.rooms, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.publishPresence(ctx, key, "offline")
	cleanup()
}

func (s *session) leaveAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.leaveRoom(ctx, k)
	}
}

// handleMutation rewrites a client mutation into its authoritative broadcast
// and publishes it to every room the session has joined. The sender receives
// its own echo, which is what confirms its pending operation.
func (s *session) handleMutation(ctx context.Context, env protocol.Envelope) {
	kind, ok := protocol.Authoritative(env.Type)
	if !ok {
		return
	}
	out := env
	out.Type = kind
	out.UserID = s.userID
	out.Timestamp = time.Now().UTC()
	s.publish(ctx, out)
}

// broadcast forwards a presence or cursor event to the session's rooms,
// stamped with the authenticated sender.
func (s *session) broadcast(ctx context.Context, env protocol.Envelope) {
	out := env
	out.UserID = s.userID
	out.Timestamp = time.Now().UTC()
	s.publish(ctx, out)
}

func (s *session) publish(ctx context.Context, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("event", string(env.Type)).Msg("encode broadcast")
		return
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.bp.Publish(ctx, key, data); err != nil {
			log.Error().Err(err).Str("room", key).Msg("backplane publish")
		}
	}
}

func (s *session) publishPresence(ctx context.Context, key, status string) {
	env, err := protocol.NewEnvelope(protocol.KindUserPresence, protocol.PresencePayload{
		UserID: s.userID,
		Status: status,
	})
	if err != nil {
		return
	}
	env.UserID = s.userID
	data, eerr := env.Encode()
	if eerr != nil {
		return
	}
	if perr := s.bp.Publish(ctx, key, data); perr != nil {
		log.Debug().Err(perr).Str("room", key).Msg("presence publish")
	}
}
