package call

import "github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"

// Events is the outbound surface toward the UI. The UI subscribes to these
// and renders from them; it never owns call state. All callbacks are optional
// and are invoked without any registry or session lock held, so a callback
// may safely call back into the registry (e.g. Accept from OnIncomingCall).
type Events struct {
	OnIncomingCall func(callID, callerID string, media signal.MediaKind)
	OnStateChanged func(callID string, state State)
	OnRemoteMedia  func(callID string, media RemoteMedia)
	OnCallEnded    func(callID string, reason EndReason)
}

func (e Events) incomingCall(callID, callerID string, media signal.MediaKind) {
	if e.OnIncomingCall != nil {
		e.OnIncomingCall(callID, callerID, media)
	}
}

func (e Events) stateChanged(callID string, state State) {
	if e.OnStateChanged != nil {
		e.OnStateChanged(callID, state)
	}
}

func (e Events) remoteMedia(callID string, media RemoteMedia) {
	if e.OnRemoteMedia != nil {
		e.OnRemoteMedia(callID, media)
	}
}

func (e Events) callEnded(callID string, reason EndReason) {
	if e.OnCallEnded != nil {
		e.OnCallEnded(callID, reason)
	}
}
