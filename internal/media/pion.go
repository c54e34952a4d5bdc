// Package media provides the pion-backed negotiation engine behind a call
// session. Sessions treat descriptors and candidates as opaque JSON; this
// package is where they are actually produced and consumed.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/call"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

type Config struct {
	// ICEServers is passed to every PeerConnection. Empty means host
	// candidates only, which is fine for same-network testing.
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewEngineFactory builds a call.EngineFactory that creates one
// PeerConnection per call attempt. Candidates trickle through
// EngineHooks.OnLocalCandidate rather than waiting for gathering to
// complete.
func NewEngineFactory(cfg Config) (call.EngineFactory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{log: logger},
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))

	return func(ctx context.Context, mediaKind signal.MediaKind, hooks call.EngineHooks) (call.Engine, error) {
		return newEngine(api, cfg.ICEServers, mediaKind, hooks, logger)
	}, nil
}

// Engine owns one PeerConnection for the lifetime of a call attempt.
type Engine struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newEngine(api *webrtc.API, iceServers []webrtc.ICEServer, mediaKind signal.MediaKind, hooks call.EngineHooks, logger *slog.Logger) (*Engine, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	e := &Engine{pc: pc, log: logger}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if mediaKind == signal.MediaVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; with trickle there is nothing to send.
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			logger.Warn("encode local candidate", "error", err)
			return
		}
		hooks.OnLocalCandidate(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if hooks.OnConnected != nil {
				hooks.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if hooks.OnFailed != nil {
				hooks.OnFailed()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if hooks.OnRemoteMedia != nil {
			hooks.OnRemoteMedia(track)
		}
	})

	return e, nil
}

func (e *Engine) CreateOffer(_ context.Context) (json.RawMessage, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (e *Engine) CreateAnswer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	remote, err := decodeDescription(offer)
	if err != nil {
		return nil, err
	}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (e *Engine) AddRemoteDescription(_ context.Context, descriptor json.RawMessage) error {
	remote, err := decodeDescription(descriptor)
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(remote)
}

func (e *Engine) AddRemoteCandidate(_ context.Context, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return e.pc.AddICECandidate(init)
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("descriptor missing sdp")
	}
	return desc, nil
}
