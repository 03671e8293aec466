// Package bus decouples the run broker from the WebSocket hub. The broker
// publishes fan-out frames after each commit; the hub subscribes and pushes
// them to UI sockets. The in-memory bus serves a single gateway process;
// the Redis bus extends delivery across replicas.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Frame types fanned out to UI subscribers.
const (
	FrameEvent            = "event"
	FrameCommandQueued    = "command_queued"
	FrameCommandCompleted = "command_completed"
	FrameArtifactUploaded = "artifact_uploaded"
	FrameStopRequested    = "stop_requested"
	FrameHaltRequested    = "halt_requested"
	FrameInputSent        = "input_sent"
	FrameEscapeSent       = "escape_sent"
)

// Message is one fan-out frame scoped to a run.
type Message struct {
	Type      string          `json:"type"`
	RunID     string          `json:"runId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler consumes published messages. Handlers must not block; the hub's
// handler only enqueues onto per-socket buffers.
type Handler func(msg *Message)

// Bus is the publish side contract.
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(handler Handler) (unsubscribe func())
	Close() error
}

// MemoryBus delivers messages to in-process subscribers only.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]Handler)}
}

// Publish synchronously delivers to every subscriber. Delivery order per
// publisher is preserved, which is what keeps WS fan-out consistent with
// event-id order.
func (b *MemoryBus) Publish(_ context.Context, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, h := range b.subs {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler and returns its removal function.
func (b *MemoryBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[int]Handler{}
	return nil
}
