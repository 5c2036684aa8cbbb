package observability

import (
	"context"

	edgeagent "github.com/edgeagent/runtime"
)

// Recorder subscribes to an Orchestrator's event stream and feeds Instruments
// from it, so the counters and histograms declared in Instruments have a
// concrete writer instead of sitting unused.
type Recorder struct {
	inst *Instruments
}

// NewRecorder builds a Recorder over inst.
func NewRecorder(inst *Instruments) *Recorder {
	return &Recorder{inst: inst}
}

// Run drains events until ctx is done or events is closed. Call it in its
// own goroutine, once per Orchestrator, right after subscribing via
// Orchestrator.Events.
func (r *Recorder) Run(ctx context.Context, events <-chan edgeagent.AgentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev edgeagent.AgentEvent) {
	switch ev.Kind {
	case edgeagent.EventGenerationStarted:
		r.inst.GenerationsStarted.Add(ctx, 1)
	case edgeagent.EventGenerationCompleted:
		r.inst.GenerationDuration.Record(ctx, float64(ev.TotalDurationMs))
	case edgeagent.EventGenerationFailed:
		r.inst.GenerationsFailed.Add(ctx, 1)
		r.inst.GenerationDuration.Record(ctx, float64(ev.TotalDurationMs))
	case edgeagent.EventIterationCompleted:
		r.inst.Iterations.Add(ctx, 1)
	case edgeagent.EventToolCompleted:
		r.inst.ToolExecutions.Add(ctx, 1)
		r.inst.ToolDuration.Record(ctx, float64(ev.DurationMs))
	case edgeagent.EventToolFailed:
		r.inst.ToolExecutions.Add(ctx, 1)
		r.inst.ToolFailures.Add(ctx, 1)
	}
}
