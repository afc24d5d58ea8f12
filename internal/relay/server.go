// Package relay implements the websocket relay the sync engine talks to:
// authenticated accept, per-room membership with join/leave acknowledgments,
// and fan-out of authoritative board, presence, and cursor events to room
// members across nodes via the backplane.
package relay

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/boardkit/sync/internal/relay/backplane"
	"github.com/boardkit/sync/internal/token"
)

// Server accepts websocket sessions and routes room traffic.
type Server struct {
	secret string
	bp     backplane.Backplane
}

// New creates a Server. An empty secret accepts any parseable bearer token,
// for development setups without a shared signing key.
func New(secret string, bp backplane.Backplane) *Server {
	return &Server{secret: secret, bp: bp}
}

// Handler returns the HTTP routes: the websocket endpoint plus a health
// check, wrapped in CORS for browser clients.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.serveWS)

	c := cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"Authorization", "X-Org-ID"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// bearerToken pulls the token from the Authorization header, falling back to
// the query string for clients that cannot set websocket headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func orgScope(r *http.Request) string {
	if org := r.Header.Get("X-Org-ID"); org != "" {
		return org
	}
	return r.URL.Query().Get("org")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if orgScope(r) == "" {
		http.Error(w, "missing organization scope", http.StatusBadRequest)
		return
	}
	claims, err := token.Validate(s.secret, tok)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	sess := newSession(conn, claims.UserID, s.bp)
	sess.run(r.Context())
}
