// Package transport moves signaling envelopes between users. The relay side
// (Hub + Server) maintains one durable logical channel per connected user and
// routes envelopes between them; the client side (Channel) dials the relay
// and implements the call core's Transport.
//
// The hub holds no call-domain state: busy arbitration, glare and timeouts
// live in internal/call. The only call-aware behavior here is synthesizing a
// busy reply for offers addressed to users with no channel, since a remote
// caller cannot observe a synchronous delivery error.
package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/call"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/metrics"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// outboundQueueSize bounds the per-user delivery queue. Signaling traffic is
// tiny (a handful of envelopes per call), so a small bound suffices; a full
// queue indicates a stuck connection and drops the newest envelope.
const outboundQueueSize = 64

// Hub tracks one logical inbound channel per connected user.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*userChannel
	closed   bool
}

// userChannel owns the single delivery goroutine for one user, preserving
// arrival order and never delivering concurrently to the same user.
type userChannel struct {
	userID string
	queue  chan signal.Envelope
	done   chan struct{}
	once   sync.Once
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		log:      logger,
		metrics:  m,
		channels: make(map[string]*userChannel),
	}
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Attach registers userID's channel and starts its delivery goroutine, which
// invokes deliver once per envelope in arrival order. A reconnecting user
// supersedes their previous channel, which is detached and stopped.
//
// The returned detach func is idempotent and must be called when the
// connection goes away.
func (h *Hub) Attach(userID string, deliver func(signal.Envelope) error) (detach func()) {
	ch := &userChannel{
		userID: userID,
		queue:  make(chan signal.Envelope, outboundQueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch.stop()
		return func() {}
	}
	prev := h.channels[userID]
	h.channels[userID] = ch
	h.mu.Unlock()

	if prev != nil {
		h.log.Info("superseding existing channel", "user_id", userID)
		prev.stop()
	}

	go func() {
		for {
			select {
			case <-ch.done:
				return
			case env := <-ch.queue:
				if err := deliver(env); err != nil {
					h.log.Warn("channel delivery failed", "user_id", userID, "err", err)
					h.detach(ch)
					return
				}
			}
		}
	}()

	return func() { h.detach(ch) }
}

func (h *Hub) detach(ch *userChannel) {
	h.mu.Lock()
	if h.channels[ch.userID] == ch {
		delete(h.channels, ch.userID)
	}
	h.mu.Unlock()
	ch.stop()
}

func (ch *userChannel) stop() {
	ch.once.Do(func() { close(ch.done) })
}

// Connected reports whether userID currently has an active channel.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[userID]
	return ok
}

// Route forwards env to its addressee's channel. Offers to absent users are
// answered with a synthesized busy on the sender's behalf; everything else
// addressed to an absent user is dropped (the call has ended or the user went
// away, and every post-offer envelope is safe to lose to a dead peer).
func (h *Hub) Route(ctx context.Context, env signal.Envelope) error {
	h.mu.Lock()
	dst := h.channels[env.To]
	h.mu.Unlock()

	if dst == nil {
		h.metrics.Inc(metrics.RecipientOffline)
		if env.Kind == signal.KindOffer {
			h.log.Info("offer to offline user, replying busy", "to", env.To, "call_id", env.CallID)
			return h.Route(ctx, signal.Envelope{
				Kind:   signal.KindBusy,
				CallID: env.CallID,
				From:   env.To,
				To:     env.From,
			})
		}
		return call.ErrRecipientOffline
	}

	select {
	case dst.queue <- env:
		return nil
	default:
		h.metrics.Inc(metrics.EnvelopeDropped)
		h.log.Warn("delivery queue full, dropping envelope", "to", env.To, "kind", env.Kind)
		return call.ErrRecipientOffline
	}
}

// Close detaches every channel. New attaches are rejected afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	channels := make([]*userChannel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.channels = make(map[string]*userChannel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.stop()
	}
}
