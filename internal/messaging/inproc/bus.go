package inproc

import (
	"context"
	"errors"
	"sync"

	"taskmatch/internal/domain"
	"taskmatch/internal/protocol"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus is an in-process transport: one buffered inbound queue per agent.
// Send never blocks; a missing or full queue is reported to the caller.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.AgentID]chan protocol.Envelope
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[domain.AgentID]chan protocol.Envelope),
		buffer: buffer,
	}
}

func (b *Bus) Register(agentID domain.AgentID) <-chan protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan protocol.Envelope, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID domain.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

func (b *Bus) Send(_ context.Context, env protocol.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[env.To]
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- env:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

// Endpoint binds the bus to one agent so it satisfies the node transport
// contract. The agent's queue is registered when the endpoint is created.
type Endpoint struct {
	bus   *Bus
	id    domain.AgentID
	inbox <-chan protocol.Envelope
}

func (b *Bus) Endpoint(agentID domain.AgentID) *Endpoint {
	return &Endpoint{bus: b, id: agentID, inbox: b.Register(agentID)}
}

func (e *Endpoint) Send(ctx context.Context, env protocol.Envelope) error {
	return e.bus.Send(ctx, env)
}

func (e *Endpoint) Inbox() <-chan protocol.Envelope {
	return e.inbox
}

// Serve has nothing to accept in process; it holds until ctx ends.
func (e *Endpoint) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *Endpoint) Close() error {
	e.bus.Unregister(e.id)
	return nil
}
