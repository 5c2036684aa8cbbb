package edgeagent

import "testing"

func TestNewTextGeneration_BuildsToolSet(t *testing.T) {
	a := NewTextGeneration("search", "shell")
	if a.Kind != ActionTextGeneration {
		t.Errorf("got %q, want text_generation", a.Kind)
	}
	if _, ok := a.ToolSet["search"]; !ok {
		t.Error("expected 'search' in the tool set")
	}
	if _, ok := a.ToolSet["shell"]; !ok {
		t.Error("expected 'shell' in the tool set")
	}
	if len(a.ToolSet) != 2 {
		t.Errorf("got %d tools, want 2", len(a.ToolSet))
	}
}

func TestNewImageGeneration_BuildsToolSet(t *testing.T) {
	a := NewImageGeneration("upscale")
	if a.Kind != ActionImageGeneration {
		t.Errorf("got %q, want image_generation", a.Kind)
	}
	if _, ok := a.ToolSet["upscale"]; !ok {
		t.Error("expected 'upscale' in the tool set")
	}
}

func TestAction_WithToolSet_DoesNotMutateOriginal(t *testing.T) {
	a := NewTextGeneration("search")
	b := a.withToolSet(map[string]struct{}{"shell": {}})

	if _, ok := a.ToolSet["search"]; !ok {
		t.Error("expected the original action's tool set to be untouched")
	}
	if _, ok := b.ToolSet["shell"]; !ok {
		t.Error("expected the new action to carry the replacement tool set")
	}
	if _, ok := b.ToolSet["search"]; ok {
		t.Error("expected the new action's tool set to fully replace, not merge")
	}
}

func TestProcessedOutput_FinalChannel(t *testing.T) {
	out := ProcessedOutput{Channels: []Channel{
		{Type: ChannelAnalysis, Content: "thinking"},
		{Type: ChannelFinal, Content: "the answer"},
	}}
	final, ok := out.FinalChannel()
	if !ok || final.Content != "the answer" {
		t.Errorf("got %+v, ok=%v", final, ok)
	}

	empty := ProcessedOutput{Channels: []Channel{{Type: ChannelAnalysis}}}
	if _, ok := empty.FinalChannel(); ok {
		t.Error("expected no final channel when none is present")
	}
}

func TestGenerationState_WithStreamComplete(t *testing.T) {
	s := NewGenerationState(GenerationRequest{MessageID: "m1"})
	util := 0.4
	out := ProcessedOutput{Channels: []Channel{{Type: ChannelFinal, Content: "hi"}}}
	metrics := &ChunkMetrics{Usage: &ChunkUsage{ContextUtilization: &util}}

	next := s.withStreamComplete(out, metrics)
	if next.IterationCount != 1 {
		t.Errorf("got iteration count %d, want 1", next.IterationCount)
	}
	if next.LastOutput == nil || next.LastOutput.Channels[0].Content != "hi" {
		t.Errorf("got %+v", next.LastOutput)
	}
	if next.ContextUtilization == nil || *next.ContextUtilization != 0.4 {
		t.Errorf("got %+v, want 0.4", next.ContextUtilization)
	}
}

func TestGenerationState_WithStreamComplete_NoOpOnceComplete(t *testing.T) {
	s := NewGenerationState(GenerationRequest{}).markComplete()
	next := s.withStreamComplete(ProcessedOutput{}, nil)
	if next.IterationCount != 0 {
		t.Error("expected withStreamComplete to be a no-op once IsComplete")
	}
}

func TestGenerationState_ContinueWithToolsAndResults(t *testing.T) {
	s := NewGenerationState(GenerationRequest{})
	requests := []ToolRequest{{ID: "t1", Name: "search"}}
	s = s.continueWithTools(requests)
	if len(s.PendingToolCalls) != 1 {
		t.Fatalf("got %d pending calls, want 1", len(s.PendingToolCalls))
	}

	responses := []ToolResponse{{RequestID: "t1", Result: "ok"}}
	s = s.withToolResults(responses)
	if len(s.PendingToolCalls) != 0 {
		t.Error("expected pending calls to be cleared after results arrive")
	}
	if len(s.ToolResults) != 1 || s.ToolResults[0].RequestID != "t1" {
		t.Errorf("got %+v", s.ToolResults)
	}

	// A second round of results appends rather than replaces.
	s = s.withToolResults([]ToolResponse{{RequestID: "t2", Result: "ok2"}})
	if len(s.ToolResults) != 2 {
		t.Errorf("got %d tool results, want 2 (appended)", len(s.ToolResults))
	}
}

func TestGenerationState_ContinueWithPrompt_ClearsToolState(t *testing.T) {
	s := NewGenerationState(GenerationRequest{})
	s = s.continueWithTools([]ToolRequest{{ID: "t1"}})
	s = s.withToolResults([]ToolResponse{{RequestID: "t1"}})

	s = s.continueWithPrompt()
	if s.PendingToolCalls != nil || s.ToolResults != nil {
		t.Errorf("expected continueWithPrompt to clear tool state, got %+v / %+v", s.PendingToolCalls, s.ToolResults)
	}
}

func TestGenerationState_MarkCompleteAndMemoryFlush(t *testing.T) {
	s := NewGenerationState(GenerationRequest{})
	if s.IsComplete || s.MemoryFlushPerformed {
		t.Fatal("expected a fresh state to have neither flag set")
	}

	flushed := s.markMemoryFlushPerformed()
	if !flushed.MemoryFlushPerformed {
		t.Error("expected MemoryFlushPerformed to be set")
	}

	done := flushed.markComplete()
	if !done.IsComplete {
		t.Error("expected IsComplete to be set")
	}

	// Once complete, further transitions are no-ops.
	stillDone := done.continueWithPrompt()
	if stillDone.MemoryFlushPerformed != done.MemoryFlushPerformed {
		t.Error("expected no further mutation once IsComplete")
	}
}
