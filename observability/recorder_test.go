package observability

import (
	"context"
	"testing"
	"time"

	edgeagent "github.com/edgeagent/runtime"
)

// testInstruments builds a no-op Instruments using the global OTEL providers,
// which are no-ops until Init installs real ones. Safe for exercising
// Recorder's delegation without a backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestRecorder_Record_GenerationStarted(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{Kind: edgeagent.EventGenerationStarted})
}

func TestRecorder_Record_GenerationCompleted(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{
		Kind:            edgeagent.EventGenerationCompleted,
		TotalDurationMs: 1500,
	})
}

func TestRecorder_Record_GenerationFailed(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{
		Kind:            edgeagent.EventGenerationFailed,
		TotalDurationMs: 250,
		Err:             errTest,
	})
}

func TestRecorder_Record_IterationCompleted(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{Kind: edgeagent.EventIterationCompleted, Iteration: 2})
}

func TestRecorder_Record_ToolCompleted(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{
		Kind:       edgeagent.EventToolCompleted,
		DurationMs: 40,
	})
}

func TestRecorder_Record_ToolFailed(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	r.record(context.Background(), edgeagent.AgentEvent{Kind: edgeagent.EventToolFailed})
}

// Kinds record doesn't switch on (TextDelta, ToolStarted, ToolProgress,
// StateUpdate) fall through untouched; guard against a future case being
// added without a matching instrument.
func TestRecorder_Record_UnhandledKindIsNoop(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	for _, kind := range []edgeagent.AgentEventKind{
		edgeagent.EventTextDelta,
		edgeagent.EventToolStarted,
		edgeagent.EventToolProgress,
		edgeagent.EventStateUpdate,
	} {
		r.record(context.Background(), edgeagent.AgentEvent{Kind: kind})
	}
}

func TestRecorder_Run_DrainsUntilChannelClosed(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	events := make(chan edgeagent.AgentEvent, 2)
	events <- edgeagent.AgentEvent{Kind: edgeagent.EventGenerationStarted}
	events <- edgeagent.AgentEvent{Kind: edgeagent.EventGenerationCompleted, TotalDurationMs: 10}
	close(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), events)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its events channel closed")
	}
}

func TestRecorder_Run_StopsOnContextCancel(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	events := make(chan edgeagent.AgentEvent)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, events)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

var errTest = testError("recorder test error")

type testError string

func (e testError) Error() string { return string(e) }
