package transport

import (
	"context"
	"sync"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/call"
	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// MemoryNetwork connects call registries in the same process without a relay.
// Each attached user gets a synchronous delivery path; Send to a user nobody
// attached fails with call.ErrRecipientOffline.
//
// Delivery is synchronous on the sender's goroutine. Handlers must not call
// back into Send while holding locks that Send's caller also holds.
type MemoryNetwork struct {
	mu       sync.Mutex
	handlers map[string]func(context.Context, signal.Envelope)
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: make(map[string]func(context.Context, signal.Envelope))}
}

// Attach registers the handler for userID's inbound envelopes and returns a
// call.Transport bound to that user's view of the network. Attaching an
// already attached user replaces its handler.
func (n *MemoryNetwork) Attach(userID string, handler func(context.Context, signal.Envelope)) call.Transport {
	n.mu.Lock()
	n.handlers[userID] = handler
	n.mu.Unlock()
	return &memoryPort{net: n}
}

// Detach removes userID from the network; subsequent sends to it fail with
// call.ErrRecipientOffline.
func (n *MemoryNetwork) Detach(userID string) {
	n.mu.Lock()
	delete(n.handlers, userID)
	n.mu.Unlock()
}

func (n *MemoryNetwork) send(ctx context.Context, env signal.Envelope) error {
	n.mu.Lock()
	handler := n.handlers[env.To]
	n.mu.Unlock()

	if handler == nil {
		return call.ErrRecipientOffline
	}
	handler(ctx, env)
	return nil
}

type memoryPort struct {
	net *MemoryNetwork
}

func (p *memoryPort) Send(ctx context.Context, env signal.Envelope) error {
	return p.net.send(ctx, env)
}
