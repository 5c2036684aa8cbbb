package edgeagent

import (
	"log/slog"
	"sync"
)

// AgentEventKind tags the AgentEvent sum type (spec §4.3).
type AgentEventKind string

const (
	EventGenerationStarted  AgentEventKind = "generation_started"
	EventGenerationCompleted AgentEventKind = "generation_completed"
	EventGenerationFailed   AgentEventKind = "generation_failed"
	EventTextDelta          AgentEventKind = "text_delta"
	EventToolStarted        AgentEventKind = "tool_started"
	EventToolProgress       AgentEventKind = "tool_progress"
	EventToolCompleted      AgentEventKind = "tool_completed"
	EventToolFailed         AgentEventKind = "tool_failed"
	EventIterationCompleted AgentEventKind = "iteration_completed"
	EventStateUpdate        AgentEventKind = "state_update"
)

// AgentEvent is a tagged-union emission from the Event Emitter. Only the
// fields relevant to Kind are populated; treat this as a sum type, not a
// grab-bag struct, per spec §9.
type AgentEvent struct {
	Kind AgentEventKind

	// GenerationStarted / GenerationCompleted / GenerationFailed
	RunID           string
	TotalDurationMs int64
	Err             error

	// TextDelta
	Text string

	// ToolStarted / ToolProgress / ToolCompleted / ToolFailed
	RequestID  string
	ToolName   string
	Fraction   float64
	Status     string
	Result     string
	DurationMs int64

	// IterationCompleted
	Iteration          int
	DecisionDescription string

	// StateUpdate
	IsExecutingTools  bool
	ActiveTools       []string
	CompletedToolCalls int
	PendingToolCalls   int
}

// EventEmitter maintains a stable outbound broadcast stream for the lifetime
// of an Orchestrator. Events are delivered in emission order to every
// current subscriber; the stream is not reopened between generations (spec
// §4.3). Implemented as a bounded buffer + one-to-many fanout per spec §9:
// Emit holds the emitter's mutex and sends the event to each subscriber's
// buffered channel in turn; there is no separate dispatch goroutine.
type EventEmitter struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan AgentEvent
	nextID      int
	closed      bool
}

// EventEmitterOption configures an EventEmitter.
type EventEmitterOption func(*EventEmitter)

// WithEventLogger sets a structured logger; defaults to a no-op logger.
func WithEventLogger(l *slog.Logger) EventEmitterOption {
	return func(e *EventEmitter) { e.logger = l }
}

// NewEventEmitter constructs an EventEmitter. Call Close exactly once, at
// Orchestrator teardown — not between generations.
func NewEventEmitter(opts ...EventEmitterOption) *EventEmitter {
	e := &EventEmitter{
		logger:      nopLogger,
		subscribers: make(map[int]chan AgentEvent),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// defaultEventBuffer is the per-subscriber channel buffer; a slow subscriber
// blocks the emitter (and thus the Orchestrator loop) once it fills, which
// is the deliberate trade-off for in-order delivery over drop-on-backpressure.
const defaultEventBuffer = 64

// Subscribe registers a new listener and returns a channel of events plus an
// unsubscribe function. The returned channel is closed by unsubscribe or by
// Close.
func (e *EventEmitter) Subscribe() (<-chan AgentEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan AgentEvent, defaultEventBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	e.subscribers[id] = ch
	return ch, func() { e.unsubscribe(id) }
}

func (e *EventEmitter) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subscribers[id]; ok {
		delete(e.subscribers, id)
		close(ch)
	}
}

// Emit delivers ev to every current subscriber, in order. Per-generation
// timers live on the caller side (Orchestrator); Emit itself has no notion
// of "reset between generations" beyond never reopening the stream.
func (e *EventEmitter) Emit(ev AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.logger.Debug("edgeagent: event emitted", "kind", ev.Kind, "run_id", ev.RunID)
	for _, ch := range e.subscribers {
		ch <- ev
	}
}

// Close terminates the stream for all current and future subscribers.
// Call once, at Orchestrator teardown.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
}
