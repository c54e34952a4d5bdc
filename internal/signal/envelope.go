// Package signal defines the wire format exchanged over the call-signaling
// relay.
//
// Envelopes are immutable values. The session-descriptor and ICE-candidate
// payloads are opaque: they are produced and consumed by the media negotiation
// engine and pass through the relay unmodified.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindReject    Kind = "reject"
	KindHangup    Kind = "hangup"
	KindBusy      Kind = "busy"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Envelope is the unit exchanged between two call participants.
//
// A CallID is generated once by the initiating side and is stable for the
// life of that call attempt.
type Envelope struct {
	Kind   Kind   `json:"kind"`
	CallID string `json:"callId"`
	From   string `json:"fromUserId"`
	To     string `json:"toUserId"`

	// MediaKind is present on offers only.
	MediaKind MediaKind `json:"mediaKind,omitempty"`

	// SessionDescriptor carries the opaque offer/answer payload.
	SessionDescriptor json.RawMessage `json:"sessionDescriptor,omitempty"`

	// Candidate carries an opaque ICE candidate payload.
	Candidate json.RawMessage `json:"iceCandidate,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes and validates a single envelope. Unknown fields and trailing
// data are rejected so malformed or concatenated frames fail loudly at the
// boundary instead of deep inside the call core.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("envelope missing callId")
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("envelope missing fromUserId/toUserId")
	}
	if e.From == e.To {
		return fmt.Errorf("envelope addresses its own sender")
	}

	switch e.Kind {
	case KindOffer:
		if len(e.SessionDescriptor) == 0 {
			return fmt.Errorf("offer missing sessionDescriptor")
		}
		if e.MediaKind != MediaAudio && e.MediaKind != MediaVideo {
			return fmt.Errorf("offer has invalid mediaKind %q", e.MediaKind)
		}
		if len(e.Candidate) != 0 {
			return fmt.Errorf("offer has unexpected iceCandidate")
		}
	case KindAnswer:
		if len(e.SessionDescriptor) == 0 {
			return fmt.Errorf("answer missing sessionDescriptor")
		}
		if len(e.Candidate) != 0 || e.MediaKind != "" {
			return fmt.Errorf("answer has unexpected fields")
		}
	case KindCandidate:
		if len(e.Candidate) == 0 {
			return fmt.Errorf("ice-candidate missing payload")
		}
		if len(e.SessionDescriptor) != 0 || e.MediaKind != "" {
			return fmt.Errorf("ice-candidate has unexpected fields")
		}
	case KindReject, KindHangup, KindBusy:
		if len(e.SessionDescriptor) != 0 || len(e.Candidate) != 0 || e.MediaKind != "" {
			return fmt.Errorf("%s has unexpected fields", e.Kind)
		}
	default:
		return fmt.Errorf("unsupported envelope kind %q", e.Kind)
	}
	return nil
}
