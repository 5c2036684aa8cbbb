package edgeagent

import (
	"errors"
	"testing"
)

func TestDecisionChain_DefaultsToCompleteWhenAllHandlersPassThrough(t *testing.T) {
	chain := NewDecisionChain(
		func(state GenerationState) (GenerationDecision, bool) { return GenerationDecision{}, false },
	)
	got := chain.Decide(GenerationState{})
	if got.Kind != DecisionComplete {
		t.Errorf("got %q, want complete", got.Kind)
	}
}

func TestDecisionChain_AdoptsFirstNonPassthroughResult(t *testing.T) {
	chain := NewDecisionChain(
		func(state GenerationState) (GenerationDecision, bool) { return GenerationDecision{}, false },
		func(state GenerationState) (GenerationDecision, bool) {
			return GenerationDecision{Kind: DecisionExecuteTools, Requests: []ToolRequest{{ID: "t1"}}}, true
		},
		func(state GenerationState) (GenerationDecision, bool) {
			t.Fatal("expected chain to stop at the second handler")
			return GenerationDecision{}, false
		},
	)
	got := chain.Decide(GenerationState{})
	if got.Kind != DecisionExecuteTools || len(got.Requests) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestIterationCapHandler_ErrorsAtLimit(t *testing.T) {
	h := IterationCapHandler(3)

	d, ok := h(GenerationState{IterationCount: 2})
	if ok {
		t.Errorf("expected pass-through below the cap, got %+v", d)
	}

	d, ok = h(GenerationState{IterationCount: 3})
	if !ok || d.Kind != DecisionError {
		t.Fatalf("expected an error decision at the cap, got %+v, ok=%v", d, ok)
	}
	var target *TooManyIterationsError
	if !errors.As(d.Err, &target) || target.MaxIterations != 3 {
		t.Errorf("got %T, want *TooManyIterationsError{MaxIterations: 3}", d.Err)
	}
}

func TestToolCallsPresentHandler(t *testing.T) {
	h := ToolCallsPresentHandler()

	d, ok := h(GenerationState{})
	if ok {
		t.Errorf("expected pass-through with no LastOutput, got %+v", d)
	}

	d, ok = h(GenerationState{LastOutput: &ProcessedOutput{}})
	if ok {
		t.Errorf("expected pass-through with no tool calls, got %+v", d)
	}

	calls := []ToolRequest{{ID: "t1", Name: "search"}}
	d, ok = h(GenerationState{LastOutput: &ProcessedOutput{ToolCalls: calls}})
	if !ok || d.Kind != DecisionExecuteTools || len(d.Requests) != 1 || d.Requests[0].Name != "search" {
		t.Errorf("got %+v, ok=%v", d, ok)
	}
}

func TestContextPressureFlushHandler(t *testing.T) {
	h := ContextPressureFlushHandler(0.85, "please summarize and continue")

	d, ok := h(GenerationState{})
	if ok {
		t.Errorf("expected pass-through with no utilization reported, got %+v", d)
	}

	low := 0.5
	d, ok = h(GenerationState{ContextUtilization: &low})
	if ok {
		t.Errorf("expected pass-through below threshold, got %+v", d)
	}

	high := 0.9
	d, ok = h(GenerationState{ContextUtilization: &high})
	if !ok || d.Kind != DecisionContinueWithNewPrompt || d.NewPrompt != "please summarize and continue" {
		t.Fatalf("got %+v, ok=%v", d, ok)
	}

	d, ok = h(GenerationState{ContextUtilization: &high, MemoryFlushPerformed: true})
	if ok {
		t.Errorf("expected pass-through once the flush has already been performed, got %+v", d)
	}
}

func TestNewDefaultDecisionChain_Ordering(t *testing.T) {
	chain := NewDefaultDecisionChain(2, 0.85, "flush")

	// At the iteration cap, the cap handler must win even though tool calls
	// and context pressure are also present.
	high := 0.95
	state := GenerationState{
		IterationCount:     2,
		LastOutput:         &ProcessedOutput{ToolCalls: []ToolRequest{{ID: "t1"}}},
		ContextUtilization: &high,
	}
	d := chain.Decide(state)
	if d.Kind != DecisionError {
		t.Errorf("got %q, want error (iteration cap takes precedence)", d.Kind)
	}

	// Below the cap, tool calls take precedence over context pressure.
	state.IterationCount = 0
	d = chain.Decide(state)
	if d.Kind != DecisionExecuteTools {
		t.Errorf("got %q, want execute_tools (takes precedence over context pressure)", d.Kind)
	}

	// With no tool calls, context pressure fires.
	state.LastOutput = &ProcessedOutput{}
	d = chain.Decide(state)
	if d.Kind != DecisionContinueWithNewPrompt || d.NewPrompt != "flush" {
		t.Errorf("got %+v, want continue_with_new_prompt(flush)", d)
	}

	// With nothing else firing, Complete.
	state.ContextUtilization = nil
	d = chain.Decide(state)
	if d.Kind != DecisionComplete {
		t.Errorf("got %q, want complete", d.Kind)
	}
}

func TestGenerationDecision_String(t *testing.T) {
	cases := []struct {
		d    GenerationDecision
		want string
	}{
		{GenerationDecision{Kind: DecisionComplete}, "complete"},
		{GenerationDecision{Kind: DecisionContinueWithNewPrompt}, "continueWithNewPrompt"},
		{GenerationDecision{Kind: DecisionExecuteTools, Requests: []ToolRequest{{}, {}}}, "executeTools(2)"},
		{GenerationDecision{Kind: DecisionError, Err: errors.New("boom")}, "error: boom"},
	}
	for _, c := range cases {
		if got := c.d.String(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}
