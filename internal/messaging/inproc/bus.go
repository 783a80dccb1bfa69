package inproc

import (
	"errors"
	"sync"

	"github.com/BRafols/tribal-wars/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus routes envelopes between the coordinator and execution agents. Publish
// never blocks: a full subscriber queue is a delivery failure the caller
// handles through the task retry path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Envelope
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Envelope),
		buffer: buffer,
	}
}

func (b *Bus) Register(id string) <-chan domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, b.buffer)
	b.subs[id] = ch
	return ch
}

func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

func (b *Bus) Publish(env domain.Envelope) error {
	b.mu.RLock()
	ch, ok := b.subs[env.To]
	b.mu.RUnlock()
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
