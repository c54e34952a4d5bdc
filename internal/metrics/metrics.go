package metrics

import "sync"

// Call lifecycle and drop counters. Names are intentionally simple; the
// Prometheus handler exposes them all under one metric with an `event` label.
const (
	CallStarted     = "call_started"
	CallIncoming    = "call_incoming"
	CallAccepted    = "call_accepted"
	CallConnected   = "call_connected"
	CallRefusedBusy = "call_refused_busy"
	CallGlareWon    = "call_glare_won"
	CallGlareLost   = "call_glare_lost"

	EnvelopeDropped  = "envelope_dropped"
	RecipientOffline = "recipient_offline"

	AuthFailure           = "auth_failure"
	DropReasonRateLimited = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry shared by the relay
// and the call core. It exists to keep enforcement and lifecycle logic
// testable without a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
