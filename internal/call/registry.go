// Package call implements the client-side call core: the per-call session
// state machine and the registry that enforces the one-active-call-per-user
// invariant. The relay in internal/transport moves envelopes between users;
// all call semantics live here.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/metrics"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/ratelimit"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// Transport delivers outbound envelopes toward the relay. Implementations
// must return ErrRecipientOffline (possibly wrapped) when the addressed user
// has no active channel.
type Transport interface {
	Send(ctx context.Context, env signal.Envelope) error
}

const (
	DefaultAcceptTimeout  = 45 * time.Second
	DefaultEndedRetention = 30 * time.Second
)

// RegistryConfig wires together the runtime dependencies of a Registry.
type RegistryConfig struct {
	// Self is the local user's id. Every envelope the registry emits carries it
	// as fromUserId.
	Self string

	Transport Transport
	Engines   EngineFactory
	Events    Events

	// AcceptTimeout bounds how long an offer may await an answer (caller side)
	// or an accept/reject (receiver side). Zero means DefaultAcceptTimeout.
	AcceptTimeout time.Duration

	// EndedRetention is the grace window during which an ended session still
	// absorbs late duplicate envelopes before being purged. Zero means
	// DefaultEndedRetention; negative disables retention.
	EndedRetention time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

// Registry is the single source of truth for the local user's call state: at
// most one non-terminal session exists at any instant. It creates sessions
//(outgoing on StartCall, incoming on inbound offers), routes envelopes into
// them, arbitrates glare and busy conditions, and purges ended sessions after
// a grace window.
type Registry struct {
	self       string
	transport  Transport
	engines    EngineFactory
	events     Events
	log        *slog.Logger
	metrics    *metrics.Metrics
	clock      ratelimit.Clock
	acceptWait time.Duration
	retention  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	active   *Session
	closed   bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.EndedRetention == 0 {
		cfg.EndedRetention = DefaultEndedRetention
	}

	return &Registry{
		self:       cfg.Self,
		transport:  cfg.Transport,
		engines:    cfg.Engines,
		events:     cfg.Events,
		log:        cfg.Logger.With("user_id", cfg.Self),
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		acceptWait: cfg.AcceptTimeout,
		retention:  cfg.EndedRetention,
		sessions:   make(map[string]*Session),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// StartCall places an outgoing call. It fails with ErrCallerBusy while a
// non-terminal session exists, and with ErrReceiverUnreachable when the
// receiver has no active channel.
func (r *Registry) StartCall(ctx context.Context, receiver string, media signal.MediaKind) (*Session, error) {
	if receiver == "" || receiver == r.self {
		return nil, fmt.Errorf("invalid receiver %q", receiver)
	}
	if media != signal.MediaAudio && media != signal.MediaVideo {
		return nil, fmt.Errorf("invalid media kind %q", media)
	}

	callID := uuid.NewString()
	sess := newOutgoingSession(callID, r.self, receiver, media, r.sessionDeps())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.activeLocked() != nil {
		r.mu.Unlock()
		r.metrics.Inc(metrics.CallRefusedBusy)
		return nil, ErrCallerBusy
	}
	r.sessions[callID] = sess
	r.active = sess
	r.mu.Unlock()

	// The busy slot is reserved; device acquisition and the offer exchange run
	// without any registry lock held.
	if err := sess.dial(ctx); err != nil {
		if errors.Is(err, ErrRecipientOffline) {
			return nil, fmt.Errorf("call %s: %w", receiver, ErrReceiverUnreachable)
		}
		return nil, fmt.Errorf("call %s: %w", receiver, err)
	}

	if sess.State() == StateEnded {
		// Resolved during the offer exchange (busy reply or lost glare).
		r.log.Info("call ended immediately",
			"call_id", callID, "receiver", receiver, "reason", sess.EndReason())
	} else {
		r.log.Info("call started", "call_id", callID, "receiver", receiver, "media", media)
	}
	return sess, nil
}

// Active returns the current non-terminal session, if any.
func (r *Registry) Active() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.activeLocked()
	return sess, sess != nil
}

// Session looks up a session by call id, including recently ended sessions
// still inside the retention window.
func (r *Registry) Session(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

// HandleEnvelope consumes one inbound envelope from the transport. It is
// invoked from the channel's single delivery goroutine, in arrival order.
func (r *Registry) HandleEnvelope(ctx context.Context, env signal.Envelope) {
	if env.To != r.self {
		r.metrics.Inc(metrics.EnvelopeDropped)
		r.log.Warn("dropped envelope addressed to another user", "to", env.To)
		return
	}

	r.mu.Lock()
	sess := r.sessions[env.CallID]
	r.mu.Unlock()

	if sess != nil {
		if env.Kind == signal.KindOffer {
			// Duplicate offer for a known call.
			sess.dropEnvelope(env, "offer for existing call")
			return
		}
		sess.handleEnvelope(ctx, env)
		return
	}

	if env.Kind != signal.KindOffer {
		// Late envelope for a purged call (e.g. a duplicate hangup after the
		// retention window). Idempotent: drop silently.
		r.metrics.Inc(metrics.EnvelopeDropped)
		r.log.Debug("dropped envelope for unknown call", "call_id", env.CallID, "kind", env.Kind)
		return
	}

	r.handleOffer(ctx, env)
}

func (r *Registry) handleOffer(ctx context.Context, env signal.Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	var loser *Session
	if a := r.activeLocked(); a != nil {
		if a.State() == StateOutgoing && a.Peer() == env.From {
			// Glare: both sides offered simultaneously. The lower user id wins
			// deterministically on both ends; the winner keeps its outgoing
			// attempt and drops the inbound offer, the loser discards its own
			// attempt and takes the offer as a normal incoming call.
			if r.self < env.From {
				r.mu.Unlock()
				r.metrics.Inc(metrics.CallGlareWon)
				r.log.Info("glare resolved as caller", "peer", env.From, "call_id", env.CallID)
				return
			}
			loser = a
			r.active = nil
			r.metrics.Inc(metrics.CallGlareLost)
		} else {
			r.mu.Unlock()
			r.metrics.Inc(metrics.CallRefusedBusy)
			r.replyBusy(ctx, env)
			return
		}
	}

	sess := newIncomingSession(env, r.self, r.sessionDeps())
	r.sessions[env.CallID] = sess
	r.active = sess
	r.mu.Unlock()

	if loser != nil {
		r.log.Info("glare resolved as receiver", "peer", env.From, "abandoned_call_id", loser.callID)
		loser.abandon()
	}

	sess.armIncomingTimer()
	r.metrics.Inc(metrics.CallIncoming)
	r.log.Info("incoming call", "call_id", env.CallID, "caller", env.From, "media", env.MediaKind)
	r.events.incomingCall(env.CallID, env.From, env.MediaKind)
	r.events.stateChanged(env.CallID, StateIncoming)
}

// replyBusy rejects an offer without creating a session or notifying the
// user: the caller sees busy, the local user never sees the call.
func (r *Registry) replyBusy(ctx context.Context, offer signal.Envelope) {
	err := r.transport.Send(ctx, signal.Envelope{
		Kind:   signal.KindBusy,
		CallID: offer.CallID,
		From:   r.self,
		To:     offer.From,
	})
	if err != nil {
		r.log.Debug("failed to send busy reply", "to", offer.From, "err", err)
	}
}

// Close tears down the registry, hanging up any active call. Used on logout.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	active := r.activeLocked()
	r.mu.Unlock()

	if active != nil {
		_ = active.HangUp(ctx)
	}
}

func (r *Registry) activeLocked() *Session {
	if r.active == nil || r.active.State() == StateEnded {
		return nil
	}
	return r.active
}

func (r *Registry) sessionDeps() sessionDeps {
	return sessionDeps{
		send:       r.transport.Send,
		engines:    r.engines,
		events:     r.events,
		log:        r.log,
		metrics:    r.metrics,
		clock:      r.clock,
		acceptWait: r.acceptWait,
		onTerminal: r.sessionEnded,
	}
}

// sessionEnded releases the busy slot immediately and schedules the purge of
// the session record after the retention window, so late duplicate hangups
// still resolve to a known (ended) call instead of a warning.
func (r *Registry) sessionEnded(s *Session) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()

	if r.retention < 0 {
		r.purge(s.callID)
		return
	}
	time.AfterFunc(r.retention, func() {
		r.purge(s.callID)
	})
}

func (r *Registry) purge(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}
