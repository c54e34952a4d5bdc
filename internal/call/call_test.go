package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// transportFunc adapts a function to the Transport interface.
type transportFunc func(context.Context, signal.Envelope) error

func (f transportFunc) Send(ctx context.Context, env signal.Envelope) error { return f(ctx, env) }

// testNetwork delivers envelopes between registries in-process. In the
// default mode delivery is synchronous on the sender's goroutine; in manual
// mode envelopes queue until flush, which lets tests interleave both sides'
// offers to provoke glare.
type testNetwork struct {
	mu     sync.Mutex
	regs   map[string]*Registry
	queue  []signal.Envelope
	manual bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{regs: make(map[string]*Registry)}
}

func (n *testNetwork) setManual(manual bool) {
	n.mu.Lock()
	n.manual = manual
	n.mu.Unlock()
}

func (n *testNetwork) transport() Transport {
	return transportFunc(func(ctx context.Context, env signal.Envelope) error {
		n.mu.Lock()
		reg := n.regs[env.To]
		manual := n.manual
		if reg != nil && manual {
			n.queue = append(n.queue, env)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()

		if reg == nil {
			return ErrRecipientOffline
		}
		reg.HandleEnvelope(ctx, env)
		return nil
	})
}

func (n *testNetwork) flush(ctx context.Context) {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		reg := n.regs[env.To]
		n.mu.Unlock()

		if reg != nil {
			reg.HandleEnvelope(ctx, env)
		}
	}
}

// fakeEngine records every negotiation call and exposes the hooks it was
// built with so tests can simulate ICE progress.
type fakeEngine struct {
	hooks EngineHooks

	mu          sync.Mutex
	offers      int
	answeredTo  json.RawMessage
	remoteDescs []json.RawMessage
	remoteCands []json.RawMessage
	closed      int
}

func (e *fakeEngine) CreateOffer(context.Context) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answeredTo = offer
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (e *fakeEngine) AddRemoteDescription(_ context.Context, desc json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteDescs = append(e.remoteDescs, desc)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(_ context.Context, cand json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteCands = append(e.remoteCands, cand)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) remoteCandidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.remoteCands)
}

func (e *fakeEngine) connect()         { e.hooks.OnConnected() }
func (e *fakeEngine) fail()            { e.hooks.OnFailed() }
func (e *fakeEngine) emitCandidate(c string) {
	e.hooks.OnLocalCandidate(json.RawMessage(c))
}

// enginePool is an EngineFactory producing fakeEngines, with optional
// injected failures.
type enginePool struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	failNext error
}

func (p *enginePool) factory(_ context.Context, _ signal.MediaKind, hooks EngineHooks) (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	e := &fakeEngine{hooks: hooks}
	p.engines = append(p.engines, e)
	return e, nil
}

func (p *enginePool) last(t *testing.T) *fakeEngine {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.engines) == 0 {
		t.Fatal("no engine was created")
	}
	return p.engines[len(p.engines)-1]
}

func (p *enginePool) setFailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// eventRecorder captures the Events surface for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	incoming  []string // caller ids
	states    []State
	ended     []EndReason
	mediaSeen int
}

func (r *eventRecorder) events() Events {
	return Events{
		OnIncomingCall: func(callID, callerID string, media signal.MediaKind) {
			r.mu.Lock()
			r.incoming = append(r.incoming, callerID)
			r.mu.Unlock()
		},
		OnStateChanged: func(callID string, state State) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnRemoteMedia: func(callID string, media RemoteMedia) {
			r.mu.Lock()
			r.mediaSeen++
			r.mu.Unlock()
		},
		OnCallEnded: func(callID string, reason EndReason) {
			r.mu.Lock()
			r.ended = append(r.ended, reason)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) incomingCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incoming...)
}

func (r *eventRecorder) stateSeq() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *eventRecorder) endReasons() []EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndReason(nil), r.ended...)
}

// fakeClock satisfies ratelimit.Clock for deterministic audit timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testUser struct {
	id      string
	reg     *Registry
	engines *enginePool
	events  *eventRecorder
	clock   *fakeClock
}

func addUser(t *testing.T, net *testNetwork, id string, opts ...func(*RegistryConfig)) *testUser {
	t.Helper()
	u := &testUser{
		id:      id,
		engines: &enginePool{},
		events:  &eventRecorder{},
		clock:   newFakeClock(),
	}
	cfg := RegistryConfig{
		Self:      id,
		Transport: net.transport(),
		Engines:   u.engines.factory,
		Events:    u.events.events(),
		Clock:     u.clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	u.reg = NewRegistry(cfg)

	net.mu.Lock()
	net.regs[id] = u.reg
	net.mu.Unlock()

	t.Cleanup(func() { u.reg.Close(context.Background()) })
	return u
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustStartCall(t *testing.T, u *testUser, receiver string, media signal.MediaKind) *Session {
	t.Helper()
	sess, err := u.reg.StartCall(context.Background(), receiver, media)
	if err != nil {
		t.Fatalf("StartCall(%s): %v", receiver, err)
	}
	return sess
}

func mustSession(t *testing.T, u *testUser, callID string) *Session {
	t.Helper()
	sess, ok := u.reg.Session(callID)
	if !ok {
		t.Fatalf("user %s has no session for call %s", u.id, callID)
	}
	return sess
}

var errDeviceUnavailable = fmt.Errorf("camera in use")
