package call

import (
	"context"
	"encoding/json"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// Engine is the media negotiation capability consumed by a session. The
// descriptor and candidate payloads are opaque to the call core; they are
// produced here and carried through the relay unmodified.
//
// Any error from a setup call is fatal to the session: the session transitions
// to ended with EndReasonMediaFailure and Close is invoked exactly once.
type Engine interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AddRemoteDescription(ctx context.Context, descriptor json.RawMessage) error
	AddRemoteCandidate(ctx context.Context, candidate json.RawMessage) error
	Close() error
}

// DeviceControl is implemented by engines whose local capture tracks can be
// toggled without renegotiation. ToggleMute/ToggleVideo degrade to local
// bookkeeping when the engine does not implement it.
type DeviceControl interface {
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
}

// RemoteMedia is an opaque handle to remote media surfaced to the UI (for the
// pion engine this is a *webrtc.TrackRemote). The core never inspects it.
type RemoteMedia any

// EngineHooks are callbacks the engine invokes as negotiation progresses.
// They may be invoked from the engine's own goroutines; the session guards
// all of them against stale delivery after the call has ended.
type EngineHooks struct {
	// OnLocalCandidate delivers a locally gathered ICE candidate payload for
	// forwarding to the peer.
	OnLocalCandidate func(candidate json.RawMessage)
	// OnConnected fires when the underlying peer transport reaches connected.
	OnConnected func()
	// OnFailed fires when the underlying peer transport fails after setup.
	OnFailed func()
	// OnRemoteMedia fires when a remote track becomes available.
	OnRemoteMedia func(media RemoteMedia)
}

// EngineFactory constructs one Engine per call attempt. The factory may block
// on device acquisition or permission prompts; the registry never holds its
// lock across a factory call.
type EngineFactory func(ctx context.Context, media signal.MediaKind, hooks EngineHooks) (Engine, error)
