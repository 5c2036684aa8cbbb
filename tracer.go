package edgeagent

import "context"

// Tracer starts spans around Orchestrator work (per-generation, per-
// iteration, per-tool-batch). Components in this package never call a nil
// Tracer — NewOrchestrator substitutes noopTracer{} when
// OrchestratorConfig.Tracer is nil — matching the teacher's tracer.go abstraction, with a concrete OTEL
// adapter in the observability subpackage so this package stays free of the
// OTEL dependency.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is a single unit of tracing work.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a single key/value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(key, value string) SpanAttr   { return SpanAttr{Key: key, Value: value} }
func IntAttr(key string, value int) SpanAttr  { return SpanAttr{Key: key, Value: value} }
func BoolAttr(key string, value bool) SpanAttr { return SpanAttr{Key: key, Value: value} }
func Float64Attr(key string, value float64) SpanAttr {
	return SpanAttr{Key: key, Value: value}
}

// noopTracer is the default when no Tracer is configured.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(attrs ...SpanAttr)        {}
func (noopSpan) Event(name string, attrs ...SpanAttr) {}
func (noopSpan) Error(err error)                  {}
func (noopSpan) End()                             {}

var _ Tracer = noopTracer{}
var _ Span = noopSpan{}
