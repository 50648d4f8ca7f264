// Package bus is the in-process agent event bus. The run executor emits
// lifecycle events here; the subagent registry's listener subscribes to
// transition run records on start/end/error.
//
// Events for a single run id are delivered in emit order (fan-out is
// synchronous); ordering across different run ids is not guaranteed.
package bus

import "sync"

// Event streams.
const (
	StreamLifecycle = "lifecycle"
	StreamAssistant = "assistant"
	StreamTool      = "tool"
)

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// LifecycleData is the payload of a lifecycle event. Timestamps are unix
// milliseconds; nil means the emitter did not know the value.
type LifecycleData struct {
	Phase     string `json:"phase"`
	StartedAt *int64 `json:"startedAt,omitempty"`
	EndedAt   *int64 `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
	Aborted   bool   `json:"aborted,omitempty"`
}

// Event is a single agent event. Only lifecycle events carry a typed
// payload here; other streams are opaque to this subsystem.
type Event struct {
	Stream    string         `json:"stream"`
	RunID     string         `json:"runId"`
	Lifecycle *LifecycleData `json:"lifecycle,omitempty"`
}

// Listener receives events. Called synchronously during Emit — keep it fast
// or dispatch internally.
type Listener func(Event)

// Bus fans events out to subscribed listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[uint64]Listener)}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Emit delivers the event to every listener registered at call time.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// EmitLifecycle is a convenience wrapper for lifecycle events.
func (b *Bus) EmitLifecycle(runID string, data LifecycleData) {
	b.Emit(Event{Stream: StreamLifecycle, RunID: runID, Lifecycle: &data})
}
