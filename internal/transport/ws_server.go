package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/auth"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/call"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/config"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/metrics"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/origin"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/ratelimit"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

const wsWriteWait = 1 * time.Second

// WSServer exposes the hub over a WebSocket endpoint.
//
// A client connects with GET /call/signal?user=<id> plus the credential its
// auth mode requires, then exchanges signaling envelopes as JSON text
// messages. Each connection is held to a read limit, a per-connection message
// rate limit, and a ping/pong idle timeout.
type WSServer struct {
	cfg      config.Config
	hub      *Hub
	verifier auth.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewWSServer(cfg config.Config, hub *Hub, verifier auth.Verifier, logger *slog.Logger) *WSServer {
	originPolicy := origin.NewPolicy(cfg.AllowedOrigins)
	return &WSServer{
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		log:      logger,
		metrics:  hub.Metrics(),
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originPolicy.Check(r.Header.Get("Origin"), r.Host)
			},
		},
	}
}

// Register mounts the signaling endpoint on mux.
func (s *WSServer) Register(mux *http.ServeMux) {
	mux.Handle("GET /call/signal", s)
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	requestedUser := q.Get("user")
	if requestedUser == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, q)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	userID, err := s.verifier.Authenticate(cred, requestedUser)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Warn("signaling auth rejected", "user", requestedUser, "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	// Envelope delivery runs on the hub's per-user goroutine; pings go out on
	// the keepalive goroutine via WriteControl, which gorilla allows
	// concurrently with WriteMessage.
	detach := s.hub.Attach(userID, func(env signal.Envelope) error {
		data, err := env.Encode()
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	defer detach()

	stopPings := s.startKeepalive(conn)
	defer stopPings()

	s.log.Info("signaling channel attached", "user", userID, "remote_addr", r.RemoteAddr)
	defer s.log.Info("signaling channel detached", "user", userID)

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := signal.Parse(data)
		if err == nil {
			err = env.Validate()
		}
		if err != nil {
			s.metrics.Inc(metrics.EnvelopeDropped)
			writeClose(conn, websocket.CloseUnsupportedData, "invalid envelope")
			return
		}

		// The channel speaks only for its authenticated user.
		if env.From != userID {
			writeClose(conn, websocket.ClosePolicyViolation, "sender mismatch")
			return
		}

		// Offline recipients are routine here: the hub already replied busy
		// for offers, and everything else is safe to lose to a dead peer.
		if err := s.hub.Route(r.Context(), env); err != nil && !errors.Is(err, call.ErrRecipientOffline) {
			s.log.Debug("route failed", "user", userID, "kind", env.Kind, "error", err)
		}
	}
}

func (s *WSServer) startKeepalive(conn *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
