package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/metrics"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/ratelimit"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// State is the lifecycle position of a call session. There is no idle state;
// idle is the absence of a session in the registry.
type State string

const (
	StateOutgoing   State = "outgoing"   // local offer sent, awaiting answer
	StateIncoming   State = "incoming"   // remote offer received, awaiting accept/reject
	StateConnecting State = "connecting" // answer exchanged, ICE in progress
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

type EndReason string

const (
	// EndReasonDeclined: the peer rejected our offer.
	EndReasonDeclined EndReason = "declined"
	// EndReasonBusy: the peer (or the relay on its behalf) replied busy.
	EndReasonBusy EndReason = "busy"
	// EndReasonCancelled: the caller withdrew the offer before an answer.
	EndReasonCancelled EndReason = "cancelled"
	// EndReasonReceiverDeclined: the local user rejected an incoming call.
	EndReasonReceiverDeclined EndReason = "receiver-declined"
	EndReasonTimeout          EndReason = "timeout"
	// EndReasonHangup: normal teardown of an answered call, either side.
	EndReasonHangup       EndReason = "hangup"
	EndReasonMediaFailure EndReason = "media-failure"
	// EndReasonUnreachable: the receiver had no active signaling channel.
	EndReasonUnreachable      EndReason = "unreachable"
	EndReasonTransportFailure EndReason = "transport-failure"
)

// Session drives the lifecycle of exactly one call attempt between a caller
// and a receiver. The registry owns session creation and teardown; the UI
// interacts with a session only through its exported actions and the Events
// surface.
//
// Locking: s.mu serializes state checks and transitions. It is never held
// across an engine call or an envelope send; blocking work happens between a
// guarded check and a guarded commit.
type Session struct {
	callID   string
	caller   string
	receiver string
	self     string
	media    signal.MediaKind

	send       func(context.Context, signal.Envelope) error
	engines    EngineFactory
	events     Events
	log        *slog.Logger
	metrics    *metrics.Metrics
	clock      ratelimit.Clock
	acceptWait time.Duration
	onTerminal func(*Session)

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	endReason  EndReason

	engine       Engine
	pendingOffer json.RawMessage // receiver side: offer awaiting Accept
	accepting    bool            // receiver side: Accept in flight

	// ICE candidates are only forwarded once the answer has been exchanged for
	// this call; until then both directions are buffered in arrival order.
	descriptorsReady bool
	localCandBuf     []json.RawMessage
	remoteCandBuf    []json.RawMessage

	acceptTimer *time.Timer
	muted       bool
	videoOff    bool

	engineCloseOnce sync.Once
}

type sessionDeps struct {
	send       func(context.Context, signal.Envelope) error
	engines    EngineFactory
	events     Events
	log        *slog.Logger
	metrics    *metrics.Metrics
	clock      ratelimit.Clock
	acceptWait time.Duration
	onTerminal func(*Session)
}

func newOutgoingSession(callID, self, receiver string, media signal.MediaKind, deps sessionDeps) *Session {
	s := newSession(callID, self, receiver, self, media, deps)
	s.state = StateOutgoing
	return s
}

func newIncomingSession(offer signal.Envelope, self string, deps sessionDeps) *Session {
	s := newSession(offer.CallID, offer.From, self, self, offer.MediaKind, deps)
	s.state = StateIncoming
	s.pendingOffer = offer.SessionDescriptor
	return s
}

func newSession(callID, caller, receiver, self string, media signal.MediaKind, deps sessionDeps) *Session {
	return &Session{
		callID:     callID,
		caller:     caller,
		receiver:   receiver,
		self:       self,
		media:      media,
		send:       deps.send,
		engines:    deps.engines,
		events:     deps.events,
		log:        deps.log.With("call_id", callID),
		metrics:    deps.metrics,
		clock:      deps.clock,
		acceptWait: deps.acceptWait,
		onTerminal: deps.onTerminal,
		createdAt:  deps.clock.Now(),
	}
}

func (s *Session) CallID() string             { return s.callID }
func (s *Session) Caller() string             { return s.caller }
func (s *Session) Receiver() string           { return s.receiver }
func (s *Session) MediaKind() signal.MediaKind { return s.media }

// Peer returns the remote participant's user id.
func (s *Session) Peer() string {
	if s.self == s.caller {
		return s.receiver
	}
	return s.caller
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) AnsweredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media == signal.MediaVideo && !s.videoOff
}

// dial runs the caller-side bootstrap: construct the media engine, produce
// the offer and forward it to the receiver. Invoked by the registry after the
// session has been registered (so the busy invariant already holds), without
// any registry lock held.
func (s *Session) dial(ctx context.Context) error {
	engine, err := s.engines(ctx, s.media, s.hooks())
	if err != nil {
		s.endFrom(ctx, StateOutgoing, EndReasonMediaFailure, "")
		return err
	}
	s.setEngine(engine)

	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		s.endFrom(ctx, StateOutgoing, EndReasonMediaFailure, "")
		return err
	}

	err = s.send(ctx, signal.Envelope{
		Kind:              signal.KindOffer,
		CallID:            s.callID,
		From:              s.self,
		To:                s.receiver,
		MediaKind:         s.media,
		SessionDescriptor: offer,
	})
	if err != nil {
		reason := EndReasonTransportFailure
		if errors.Is(err, ErrRecipientOffline) {
			reason = EndReasonUnreachable
		}
		s.endFrom(ctx, StateOutgoing, reason, "")
		return err
	}

	// The offer send may resolve the call synchronously (an immediate busy
	// reply, or losing a glare race). Commit the outgoing announcement only if
	// the session survived the send, so observers never see outgoing after a
	// terminal event.
	s.mu.Lock()
	stillOutgoing := s.state == StateOutgoing
	if stillOutgoing {
		s.armAcceptTimerLocked(func() {
			if s.endFrom(context.Background(), StateOutgoing, EndReasonTimeout, signal.KindHangup) {
				s.log.Info("call timed out waiting for answer", "peer", s.receiver)
			}
		})
	}
	s.mu.Unlock()

	if stillOutgoing {
		s.metrics.Inc(metrics.CallStarted)
		s.events.stateChanged(s.callID, StateOutgoing)
	}
	return nil
}

// Accept answers an incoming call. It may block on device acquisition; the
// session lock is not held while the engine is being built, and the
// transition is only committed if the session is still incoming afterwards.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncoming || s.accepting {
		s.mu.Unlock()
		return ErrSessionTerminal
	}
	s.accepting = true
	offer := s.pendingOffer
	s.mu.Unlock()

	engine, err := s.engines(ctx, s.media, s.hooks())
	if err != nil {
		s.endFrom(ctx, StateIncoming, EndReasonMediaFailure, signal.KindReject)
		return err
	}

	answer, err := engine.CreateAnswer(ctx, offer)
	if err != nil {
		_ = engine.Close()
		s.endFrom(ctx, StateIncoming, EndReasonMediaFailure, signal.KindReject)
		return err
	}

	s.mu.Lock()
	if s.state != StateIncoming {
		// Ended while we were acquiring devices (remote hangup or timeout).
		s.mu.Unlock()
		_ = engine.Close()
		return ErrSessionTerminal
	}
	s.stopAcceptTimerLocked()
	s.engine = engine
	s.state = StateConnecting
	s.answeredAt = s.clock.Now()
	s.descriptorsReady = true
	remoteBuf := s.takeRemoteCandidatesLocked()
	s.mu.Unlock()

	if err := s.send(ctx, signal.Envelope{
		Kind:              signal.KindAnswer,
		CallID:            s.callID,
		From:              s.self,
		To:                s.caller,
		SessionDescriptor: answer,
	}); err != nil {
		s.log.Warn("failed to deliver answer", "err", err)
		s.endAny(ctx, EndReasonTransportFailure, "")
		return err
	}

	s.applyRemoteCandidates(ctx, remoteBuf)
	s.flushLocalCandidates(ctx)

	// A remote hangup may have landed while the answer was in flight; the
	// connecting announcement must not trail the terminal one.
	s.mu.Lock()
	stillConnecting := s.state == StateConnecting
	s.mu.Unlock()
	if stillConnecting {
		s.metrics.Inc(metrics.CallAccepted)
		s.events.stateChanged(s.callID, StateConnecting)
	}
	return nil
}

// Reject declines an incoming call.
func (s *Session) Reject(ctx context.Context) error {
	if !s.endFrom(ctx, StateIncoming, EndReasonReceiverDeclined, signal.KindReject) {
		return ErrSessionTerminal
	}
	return nil
}

// Cancel withdraws an outgoing call before it has been answered.
func (s *Session) Cancel(ctx context.Context) error {
	if !s.endFrom(ctx, StateOutgoing, EndReasonCancelled, signal.KindHangup) {
		return ErrSessionTerminal
	}
	return nil
}

// HangUp ends the session from any non-terminal state, sending the envelope
// appropriate for the current phase.
func (s *Session) HangUp(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateOutgoing:
		return s.Cancel(ctx)
	case StateIncoming:
		return s.Reject(ctx)
	case StateConnecting, StateConnected:
		if !s.endFrom(ctx, state, EndReasonHangup, signal.KindHangup) {
			return ErrSessionTerminal
		}
		return nil
	default:
		return ErrSessionTerminal
	}
}

// ToggleMute flips the local microphone state. Device-level only; nothing is
// signaled to the peer.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	engine := s.engine
	s.mu.Unlock()

	if dc, ok := engine.(DeviceControl); ok {
		if err := dc.SetAudioEnabled(!muted); err != nil {
			s.log.Warn("failed to toggle audio track", "err", err)
		}
	}
	return muted
}

// ToggleVideo flips the local camera state on video calls.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	if s.media != signal.MediaVideo {
		s.mu.Unlock()
		return false
	}
	s.videoOff = !s.videoOff
	enabled := !s.videoOff
	engine := s.engine
	s.mu.Unlock()

	if dc, ok := engine.(DeviceControl); ok {
		if err := dc.SetVideoEnabled(enabled); err != nil {
			s.log.Warn("failed to toggle video track", "err", err)
		}
	}
	return enabled
}

// handleEnvelope consumes one inbound envelope for this call. Envelopes that
// are invalid for the current state are dropped and logged; a session is
// never crashed by remote input.
func (s *Session) handleEnvelope(ctx context.Context, env signal.Envelope) {
	if env.From != s.Peer() {
		s.dropEnvelope(env, "envelope from non-participant")
		return
	}

	switch env.Kind {
	case signal.KindAnswer:
		s.handleAnswer(ctx, env)
	case signal.KindCandidate:
		s.handleRemoteCandidate(ctx, env.Candidate)
	case signal.KindReject:
		if !s.endFrom(ctx, StateOutgoing, EndReasonDeclined, "") {
			s.dropEnvelope(env, "reject outside outgoing")
		}
	case signal.KindBusy:
		if !s.endFrom(ctx, StateOutgoing, EndReasonBusy, "") {
			s.dropEnvelope(env, "busy outside outgoing")
		}
	case signal.KindHangup:
		s.handleRemoteHangup(ctx, env)
	default:
		// Offers for an existing call are a registry-level concern (glare);
		// one reaching the session is a protocol violation.
		s.dropEnvelope(env, "unexpected kind")
	}
}

func (s *Session) handleAnswer(ctx context.Context, env signal.Envelope) {
	s.mu.Lock()
	if s.state != StateOutgoing {
		s.mu.Unlock()
		s.dropEnvelope(env, "answer outside outgoing")
		return
	}
	s.stopAcceptTimerLocked()
	s.state = StateConnecting
	s.answeredAt = s.clock.Now()
	engine := s.engine
	s.mu.Unlock()

	if err := engine.AddRemoteDescription(ctx, env.SessionDescriptor); err != nil {
		s.log.Warn("failed to apply remote answer", "err", err)
		s.endAny(ctx, EndReasonMediaFailure, signal.KindHangup)
		return
	}

	s.mu.Lock()
	s.descriptorsReady = true
	remoteBuf := s.takeRemoteCandidatesLocked()
	s.mu.Unlock()

	s.applyRemoteCandidates(ctx, remoteBuf)
	s.flushLocalCandidates(ctx)

	s.events.stateChanged(s.callID, StateConnecting)
}

func (s *Session) handleRemoteCandidate(ctx context.Context, candidate json.RawMessage) {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return
	default:
		if !s.descriptorsReady {
			s.remoteCandBuf = append(s.remoteCandBuf, candidate)
			s.mu.Unlock()
			return
		}
	}
	engine := s.engine
	s.mu.Unlock()

	if err := engine.AddRemoteCandidate(ctx, candidate); err != nil {
		// Individual candidates may legitimately fail (e.g. unsupported
		// transports); the pair can still connect on another candidate.
		s.log.Debug("failed to apply remote candidate", "err", err)
	}
}

func (s *Session) handleRemoteHangup(ctx context.Context, env signal.Envelope) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateIncoming:
		// Caller gave up before we answered.
		s.endFrom(ctx, StateIncoming, EndReasonCancelled, "")
	case StateOutgoing:
		// The peer tore the call down during answer setup (e.g. its media
		// engine failed after accepting).
		s.endFrom(ctx, StateOutgoing, EndReasonHangup, "")
	case StateConnecting, StateConnected:
		s.endFrom(ctx, state, EndReasonHangup, "")
	default:
		// Duplicate or late hangup for an already-ended session: idempotent.
	}
}

// expireIncoming is the accept-timeout path on the receiver side: withdraw
// the notification and report a missed call to the caller via busy.
func (s *Session) expireIncoming() {
	if s.endFrom(context.Background(), StateIncoming, EndReasonTimeout, signal.KindBusy) {
		s.log.Info("incoming call timed out", "peer", s.caller)
	}
}

func (s *Session) armIncomingTimer() {
	s.mu.Lock()
	if s.state == StateIncoming {
		s.armAcceptTimerLocked(s.expireIncoming)
	}
	s.mu.Unlock()
}

func (s *Session) hooks() EngineHooks {
	return EngineHooks{
		OnLocalCandidate: s.handleLocalCandidate,
		OnConnected:      s.handleTransportConnected,
		OnFailed:         s.handleTransportFailed,
		OnRemoteMedia: func(media RemoteMedia) {
			if s.State() != StateEnded {
				s.events.remoteMedia(s.callID, media)
			}
		},
	}
}

func (s *Session) handleLocalCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if !s.descriptorsReady {
		s.localCandBuf = append(s.localCandBuf, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendCandidate(context.Background(), candidate)
}

func (s *Session) flushLocalCandidates(ctx context.Context) {
	s.mu.Lock()
	buf := s.localCandBuf
	s.localCandBuf = nil
	s.mu.Unlock()

	for _, c := range buf {
		s.sendCandidate(ctx, c)
	}
}

func (s *Session) sendCandidate(ctx context.Context, candidate json.RawMessage) {
	err := s.send(ctx, signal.Envelope{
		Kind:      signal.KindCandidate,
		CallID:    s.callID,
		From:      s.self,
		To:        s.Peer(),
		Candidate: candidate,
	})
	if err != nil {
		s.log.Debug("failed to forward local candidate", "err", err)
	}
}

func (s *Session) takeRemoteCandidatesLocked() []json.RawMessage {
	buf := s.remoteCandBuf
	s.remoteCandBuf = nil
	return buf
}

func (s *Session) applyRemoteCandidates(ctx context.Context, candidates []json.RawMessage) {
	for _, c := range candidates {
		s.handleRemoteCandidate(ctx, c)
	}
}

func (s *Session) handleTransportConnected() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	s.metrics.Inc(metrics.CallConnected)
	s.events.stateChanged(s.callID, StateConnected)
}

func (s *Session) handleTransportFailed() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnecting && state != StateConnected {
		return
	}
	// Not locally initiated, so no hangup envelope; the peer observes the same
	// transport failure independently.
	s.endFrom(context.Background(), state, EndReasonTransportFailure, "")
}

func (s *Session) setEngine(engine Engine) {
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
}

// endFrom commits the terminal transition only if the session is still in the
// expected state. This is the guard that keeps a stale timer or a racing
// remote envelope from double-ending a session.
func (s *Session) endFrom(ctx context.Context, expect State, reason EndReason, notify signal.Kind) bool {
	s.mu.Lock()
	if s.state != expect {
		s.mu.Unlock()
		return false
	}
	s.endLocked(reason)
	s.mu.Unlock()

	s.finishEnd(ctx, reason, notify)
	return true
}

// endAny commits the terminal transition from any non-terminal state.
func (s *Session) endAny(ctx context.Context, reason EndReason, notify signal.Kind) bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.endLocked(reason)
	s.mu.Unlock()

	s.finishEnd(ctx, reason, notify)
	return true
}

func (s *Session) endLocked(reason EndReason) {
	s.stopAcceptTimerLocked()
	s.state = StateEnded
	s.endReason = reason
	s.endedAt = s.clock.Now()
}

func (s *Session) finishEnd(ctx context.Context, reason EndReason, notify signal.Kind) {
	s.closeEngine()

	if notify != "" {
		err := s.send(ctx, signal.Envelope{
			Kind:   notify,
			CallID: s.callID,
			From:   s.self,
			To:     s.Peer(),
		})
		if err != nil {
			s.log.Debug("failed to notify peer of call end", "kind", notify, "err", err)
		}
	}

	s.metrics.Inc("call_ended_" + string(reason))
	s.log.Info("call ended", "peer", s.Peer(), "reason", reason)

	s.events.stateChanged(s.callID, StateEnded)
	s.events.callEnded(s.callID, reason)

	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

// closeEngine releases the media engine (and with it the microphone/camera
// handles) exactly once, on every terminal path.
func (s *Session) closeEngine() {
	s.engineCloseOnce.Do(func() {
		s.mu.Lock()
		engine := s.engine
		s.mu.Unlock()
		if engine == nil {
			return
		}
		if err := engine.Close(); err != nil {
			s.log.Debug("media engine close", "err", err)
		}
	})
}

// abandon silently discards a local offer attempt that lost glare resolution.
// No envelope is sent; the peer discards our offer symmetrically.
func (s *Session) abandon() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.endLocked(EndReasonCancelled)
	s.mu.Unlock()

	s.closeEngine()
	s.events.stateChanged(s.callID, StateEnded)
	s.events.callEnded(s.callID, EndReasonCancelled)
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

func (s *Session) armAcceptTimerLocked(onExpire func()) {
	if s.acceptWait <= 0 {
		return
	}
	s.acceptTimer = time.AfterFunc(s.acceptWait, onExpire)
}

func (s *Session) stopAcceptTimerLocked() {
	if s.acceptTimer != nil {
		s.acceptTimer.Stop()
		s.acceptTimer = nil
	}
}

func (s *Session) dropEnvelope(env signal.Envelope, why string) {
	s.metrics.Inc(metrics.EnvelopeDropped)
	stateErr := &StateError{CallID: s.callID, State: s.State(), Kind: string(env.Kind)}
	s.log.Debug("dropped envelope", "why", why, "err", stateErr)
}
