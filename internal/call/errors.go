package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallerBusy is returned by StartCall while the local user already has a
	// non-terminal session.
	ErrCallerBusy = errors.New("caller busy")
	// ErrReceiverUnreachable is returned by StartCall when the transport has no
	// channel for the receiver.
	ErrReceiverUnreachable = errors.New("receiver unreachable")
	// ErrSessionTerminal is returned by local actions (Accept, Reject, Cancel,
	// HangUp) invoked on a session that has already ended.
	ErrSessionTerminal = errors.New("session already ended")
	// ErrRecipientOffline is returned by a Transport when the addressed user has
	// no active channel. It is a first-class delivery result, not a transport
	// fault; the registry converts it into an unreachable end reason.
	ErrRecipientOffline = errors.New("recipient offline")
	// ErrRegistryClosed is returned by StartCall after the registry has been
	// shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// StateError reports an envelope that is invalid for the session's current
// state (e.g. an answer arriving on an already-connected session). It is
// logged and dropped; it never terminates the session.
type StateError struct {
	CallID string
	State  State
	Kind   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("call %s: unexpected %s in state %s", e.CallID, e.Kind, e.State)
}
