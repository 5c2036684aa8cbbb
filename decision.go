package edgeagent

import "fmt"

// DecisionKind tags the GenerationDecision sum type (spec §4.4).
type DecisionKind string

const (
	DecisionComplete              DecisionKind = "complete"
	DecisionContinueWithNewPrompt DecisionKind = "continue_with_new_prompt"
	DecisionExecuteTools          DecisionKind = "execute_tools"
	DecisionError                 DecisionKind = "error"
)

// GenerationDecision is the outcome of running the Decision Chain once.
type GenerationDecision struct {
	Kind      DecisionKind
	NewPrompt string        // DecisionContinueWithNewPrompt
	Requests  []ToolRequest // DecisionExecuteTools
	Err       error         // DecisionError
}

func (d GenerationDecision) String() string {
	switch d.Kind {
	case DecisionComplete:
		return "complete"
	case DecisionContinueWithNewPrompt:
		return "continueWithNewPrompt"
	case DecisionExecuteTools:
		return fmt.Sprintf("executeTools(%d)", len(d.Requests))
	case DecisionError:
		return "error: " + d.Err.Error()
	default:
		return string(d.Kind)
	}
}

// DecisionHandler inspects state and either returns a decision (ok=true) or
// passes through (ok=false) to let the next handler decide. Implemented as
// a list of pure functions rather than a class hierarchy, per spec §9, so
// tests can substitute or reorder them — directly grounded on the teacher's
// ProcessorChain short-circuit pattern (processor.go), generalized from
// three fixed hook points to one ordered handler list.
type DecisionHandler func(state GenerationState) (GenerationDecision, bool)

// DecisionChain evaluates its handlers in registration order and adopts the
// first non-pass-through result; if all pass, the default is Complete.
type DecisionChain struct {
	handlers []DecisionHandler
}

// NewDecisionChain builds a chain over the given handlers, in order.
func NewDecisionChain(handlers ...DecisionHandler) *DecisionChain {
	return &DecisionChain{handlers: handlers}
}

// NewDefaultDecisionChain builds the three required handlers of spec §4.4,
// in the mandated order: iteration cap, tool-calls-present, context-pressure
// flush.
func NewDefaultDecisionChain(maxIterations int, contextPressureThreshold float64, flushPrompt string) *DecisionChain {
	return NewDecisionChain(
		IterationCapHandler(maxIterations),
		ToolCallsPresentHandler(),
		ContextPressureFlushHandler(contextPressureThreshold, flushPrompt),
	)
}

// Decide runs the chain, returning Complete if every handler passes.
func (c *DecisionChain) Decide(state GenerationState) GenerationDecision {
	for _, h := range c.handlers {
		if d, ok := h(state); ok {
			return d
		}
	}
	return GenerationDecision{Kind: DecisionComplete}
}

// IterationCapHandler implements spec §4.4 handler 1: if iterationCount has
// reached maxIterations, error out rather than looping forever.
func IterationCapHandler(maxIterations int) DecisionHandler {
	return func(state GenerationState) (GenerationDecision, bool) {
		if state.IterationCount >= maxIterations {
			return GenerationDecision{Kind: DecisionError, Err: &TooManyIterationsError{MaxIterations: maxIterations}}, true
		}
		return GenerationDecision{}, false
	}
}

// ToolCallsPresentHandler implements spec §4.4 handler 2: if the latest
// ProcessedOutput parsed tool calls, execute them.
func ToolCallsPresentHandler() DecisionHandler {
	return func(state GenerationState) (GenerationDecision, bool) {
		if state.LastOutput == nil || len(state.LastOutput.ToolCalls) == 0 {
			return GenerationDecision{}, false
		}
		return GenerationDecision{Kind: DecisionExecuteTools, Requests: state.LastOutput.ToolCalls}, true
	}
}

// ContextPressureFlushHandler implements spec §4.4 handler 3. The numeric
// threshold is an Open Question per spec §9 ("the numeric threshold is not
// fixed in the included sources") — this module's chosen default lives in
// internal/config as Compaction.ContextPressureThreshold (0.85), configurable
// by the caller; see DESIGN.md for the reasoning.
func ContextPressureFlushHandler(threshold float64, flushPrompt string) DecisionHandler {
	return func(state GenerationState) (GenerationDecision, bool) {
		if state.MemoryFlushPerformed || state.ContextUtilization == nil {
			return GenerationDecision{}, false
		}
		if *state.ContextUtilization <= threshold {
			return GenerationDecision{}, false
		}
		return GenerationDecision{Kind: DecisionContinueWithNewPrompt, NewPrompt: flushPrompt}, true
	}
}
