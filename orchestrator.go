package edgeagent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// GenerationResult is returned by Generate on success.
type GenerationResult struct {
	RunID          string
	FinalChannel   string
	IterationCount int
}

// Orchestrator is the main iteration controller (C8). It owns an
// EventEmitter, SteeringCoordinator, ModelStateCoordinator and
// DecisionChain for its lifetime, and holds shared references to the
// Persistor and Context Assembler (spec §3 "Ownership").
type Orchestrator struct {
	db        Database
	events    *EventEmitter
	steering  *SteeringCoordinator
	persistor *MessagePersistor
	model     *ModelStateCoordinator
	decisions *DecisionChain
	assembler *ContextAssembler
	builder   ContextBuilder
	tooling   Tooling
	imageGen  ImageGenerator
	logger    *slog.Logger
	tracer    Tracer

	maxIterations int
	flushPrompt   string

	mu      sync.Mutex
	chatID  string
	isLoaded bool
}

// OrchestratorConfig bundles the wiring an Orchestrator needs. All fields
// except DB, Builder and Model are optional.
type OrchestratorConfig struct {
	DB        Database
	Builder   ContextBuilder
	Model     *ModelStateCoordinator
	Tooling   Tooling          // optional; nil yields ToolingNotConfigured handling per §4.7
	ImageGen  ImageGenerator   // optional; required only for Action.Kind == ActionImageGeneration
	Logger    *slog.Logger
	Tracer    Tracer // optional; defaults to a no-op tracer

	MaxIterations            int
	ThrottleInterval         time.Duration
	FlushPrompt              string
	ContextPressureThreshold float64

	WorkspaceContext WorkspaceContext
	WorkspaceMemory  WorkspaceMemory
	WorkspaceSkills  WorkspaceSkills
}

// NewOrchestrator wires C1-C7 per cfg and returns a ready Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noopTracer{}
	}
	assemblerOpts := []AssemblerOption{}
	if cfg.Tooling != nil {
		assemblerOpts = append(assemblerOpts, WithAssemblerTooling(cfg.Tooling))
	}
	if cfg.WorkspaceContext != nil {
		assemblerOpts = append(assemblerOpts, WithWorkspaceContext(cfg.WorkspaceContext))
	}
	if cfg.WorkspaceMemory != nil {
		assemblerOpts = append(assemblerOpts, WithWorkspaceMemory(cfg.WorkspaceMemory))
	}
	if cfg.WorkspaceSkills != nil {
		assemblerOpts = append(assemblerOpts, WithWorkspaceSkills(cfg.WorkspaceSkills))
	}

	return &Orchestrator{
		db:        cfg.DB,
		events:    NewEventEmitter(WithEventLogger(logger)),
		steering:  NewSteeringCoordinator(),
		persistor: NewMessagePersistor(cfg.DB, cfg.ThrottleInterval, WithPersistorLogger(logger)),
		model:     cfg.Model,
		decisions: NewDefaultDecisionChain(cfg.MaxIterations, cfg.ContextPressureThreshold, cfg.FlushPrompt),
		assembler: NewContextAssembler(cfg.DB, cfg.Builder, assemblerOpts...),
		builder:   cfg.Builder,
		tooling:   cfg.Tooling,
		imageGen:  cfg.ImageGen,
		logger:    logger,
		tracer:    tracer,

		maxIterations: cfg.MaxIterations,
		flushPrompt:   cfg.FlushPrompt,
	}
}

// Events returns a subscription to the Orchestrator's event stream, stable
// across generations.
func (o *Orchestrator) Events() (<-chan AgentEvent, func()) {
	return o.events.Subscribe()
}

// Load preloads the chat's current language model.
func (o *Orchestrator) Load(ctx context.Context, chatID string) error {
	if err := o.model.Load(ctx, chatID); err != nil {
		return err
	}
	o.mu.Lock()
	o.chatID = chatID
	o.isLoaded = true
	o.mu.Unlock()
	return nil
}

// Unload tears down the current model.
func (o *Orchestrator) Unload(ctx context.Context) error {
	return o.model.Unload(ctx)
}

// Stop signals the backend to abort the current generation.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.model.Stop(ctx)
}

// Steer submits a SteeringRequest to the single-slot mailbox.
func (o *Orchestrator) Steer(mode SteeringMode) SteeringRequest {
	return o.steering.Submit(mode)
}

// Teardown releases the Orchestrator's owned resources. Call once, at
// process shutdown.
func (o *Orchestrator) Teardown(ctx context.Context) {
	o.model.Teardown(ctx)
	o.events.Close()
}

// Generate drives one full generation: for TextGeneration it runs the
// think-act-observe loop (spec §4.6); for ImageGeneration it bypasses the
// loop entirely (spec §4.6 "Action dispatch").
func (o *Orchestrator) Generate(ctx context.Context, prompt string, action Action) (GenerationResult, error) {
	o.mu.Lock()
	loaded, chatID := o.isLoaded, o.chatID
	o.mu.Unlock()
	if !loaded {
		return GenerationResult{}, &NoChatLoadedError{}
	}

	model, err := o.db.GetLanguageModel(ctx, chatID)
	if err != nil {
		return GenerationResult{}, err
	}

	req := GenerationRequest{
		MessageID: NewID(),
		ChatID:    chatID,
		Model:     model,
		Action:    action,
		Prompt:    prompt,
	}
	runID := NewID()
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "generate", StringAttr("run_id", runID), StringAttr("chat_id", chatID))
	defer span.End()

	o.events.Emit(AgentEvent{Kind: EventGenerationStarted, RunID: runID})

	if action.Kind == ActionImageGeneration {
		return o.generateImage(ctx, runID, start, req)
	}

	if err := o.persistor.CreateMessage(ctx, MessageRecord{ID: req.MessageID, ChatID: chatID, Role: "assistant", Prompt: prompt}); err != nil {
		o.logger.Warn("edgeagent: create message failed", "message_id", req.MessageID, "err", err)
	}

	result, err := o.runTextLoop(ctx, runID, req)
	if err != nil {
		o.finishFailed(ctx, runID, start, req.MessageID, err)
		return GenerationResult{}, err
	}
	o.finishCompleted(runID, start)
	return result, nil
}

func (o *Orchestrator) finishCompleted(runID string, start time.Time) {
	o.events.Emit(AgentEvent{
		Kind:            EventGenerationCompleted,
		RunID:           runID,
		TotalDurationMs: time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) finishFailed(ctx context.Context, runID string, start time.Time, messageID string, err error) {
	if !errors.Is(err, context.Canceled) {
		o.persistor.PersistFailureNote(ctx, messageID, err)
	}
	o.events.Emit(AgentEvent{
		Kind:            EventGenerationFailed,
		RunID:           runID,
		TotalDurationMs: time.Since(start).Milliseconds(),
		Err:             err,
	})
}

// runTextLoop implements the per-iteration control flow of spec §4.6.
func (o *Orchestrator) runTextLoop(ctx context.Context, runID string, req GenerationRequest) (GenerationResult, error) {
	state := NewGenerationState(req)
	currentPrompt := req.Prompt
	var rawAccumulated strings.Builder

	for {
		iterCtx, iterSpan := o.tracer.Start(ctx, "iteration", IntAttr("iteration", state.IterationCount))

		// Step 1: check steering at the iteration boundary.
		if steered, ok := o.steering.Consume(); ok {
			switch steered.Mode.Kind {
			case SteeringHardStop:
				_ = o.model.Stop(iterCtx)
				state = state.markComplete()
				o.finalizeRun(iterCtx, req.MessageID, rawAccumulated.String(), req.Model)
				iterSpan.Event("hard_stop")
				iterSpan.End()
				return GenerationResult{RunID: runID, IterationCount: state.IterationCount}, nil
			case SteeringSoftInterupt:
				state = state.markComplete()
				o.finalizeRun(iterCtx, req.MessageID, rawAccumulated.String(), req.Model)
				iterSpan.Event("soft_interrupt")
				iterSpan.End()
				return GenerationResult{RunID: runID, IterationCount: state.IterationCount}, nil
			case SteeringRedirect:
				currentPrompt = steered.Mode.NewPrompt
				if currentPrompt == o.flushPrompt {
					state = state.markMemoryFlushPerformed()
				}
				state = state.continueWithPrompt()
			case SteeringInactive:
				// ignored
			}
		}

		// Step 2.
		o.events.Emit(AgentEvent{Kind: EventStateUpdate, Iteration: state.IterationCount, IsExecutingTools: false, PendingToolCalls: len(state.PendingToolCalls)})

		// Step 3: stream generation.
		rendered, _, err := o.assembler.Assemble(iterCtx, state, currentPrompt)
		if err != nil {
			iterSpan.Error(err)
			iterSpan.End()
			return GenerationResult{}, err
		}

		chunks, err := o.model.Stream(iterCtx, rendered)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.finalizeRun(iterCtx, req.MessageID, rawAccumulated.String(), req.Model)
				iterSpan.End()
				return GenerationResult{RunID: runID, IterationCount: state.IterationCount}, nil
			}
			iterSpan.Error(err)
			iterSpan.End()
			return GenerationResult{}, err
		}

		// Each iteration's output is accumulated and processed on its own, so
		// a previous turn's tool-call block is not parsed a second time.
		rawAccumulated.Reset()
		var lastMetrics *ChunkMetrics
		hardStopped := false
		for chunk := range chunks {
			rawAccumulated.WriteString(chunk.Text)
			o.events.Emit(AgentEvent{Kind: EventTextDelta, Text: chunk.Text})
			o.persistor.StreamUpdate(iterCtx, o.builder, req.MessageID, rawAccumulated.String(), req.Model)
			if chunk.Metrics != nil {
				lastMetrics = chunk.Metrics
			}
			// A HardStop submitted mid-stream must abort the backend
			// immediately rather than wait for the next iteration boundary
			// (spec §5, scenario S3) — peek rather than Consume so the
			// boundary check above still observes and clears the request.
			if kind, ok := o.steering.PeekKind(); ok && kind == SteeringHardStop {
				hardStopped = true
				_ = o.model.Stop(iterCtx)
				break
			}
		}

		if hardStopped {
			o.steering.Consume()
			state = state.markComplete()
			o.finalizeRun(iterCtx, req.MessageID, rawAccumulated.String(), req.Model)
			iterSpan.Event("hard_stop_mid_stream")
			iterSpan.End()
			return GenerationResult{RunID: runID, IterationCount: state.IterationCount}, nil
		}

		if iterCtx.Err() != nil {
			o.finalizeRun(iterCtx, req.MessageID, rawAccumulated.String(), req.Model)
			iterSpan.End()
			return GenerationResult{RunID: runID, IterationCount: state.IterationCount}, nil
		}

		out, err := o.builder.Process(iterCtx, rawAccumulated.String(), req.Model)
		if err != nil {
			iterSpan.Error(err)
			iterSpan.End()
			return GenerationResult{}, err
		}

		// Step 4 & the state transition: record stream completion.
		state = state.withStreamComplete(out, lastMetrics)

		// Step 5.
		decision := o.decisions.Decide(state)

		// Step 6.
		if decision.Kind == DecisionExecuteTools && o.steering.ShouldSkipRemainingTools() {
			decision = GenerationDecision{Kind: DecisionComplete}
		}

		// Step 7.
		o.events.Emit(AgentEvent{Kind: EventIterationCompleted, Iteration: state.IterationCount, DecisionDescription: decision.String()})
		iterSpan.SetAttr(StringAttr("decision", decision.String()))

		// Step 8.
		switch decision.Kind {
		case DecisionComplete:
			out, _ := o.persistor.FinalizeMessage(iterCtx, o.builder, req.MessageID, rawAccumulated.String(), req.Model)
			if lastMetrics != nil {
				o.persistor.PersistMetrics(iterCtx, req.MessageID, *lastMetrics)
			}
			final, _ := out.FinalChannel()
			state = state.markComplete()
			iterSpan.End()
			return GenerationResult{RunID: runID, FinalChannel: final.Content, IterationCount: state.IterationCount}, nil

		case DecisionContinueWithNewPrompt:
			currentPrompt = decision.NewPrompt
			if currentPrompt == o.flushPrompt {
				state = state.markMemoryFlushPerformed()
			}
			state = state.continueWithPrompt()
			iterSpan.End()

		case DecisionExecuteTools:
			state = state.continueWithTools(decision.Requests)
			o.events.Emit(AgentEvent{Kind: EventStateUpdate, Iteration: state.IterationCount, IsExecutingTools: true, ActiveTools: toolNames(decision.Requests), PendingToolCalls: len(decision.Requests)})
			responses := o.executeTools(iterCtx, req, decision.Requests)
			o.persistor.PersistToolResponses(iterCtx, req.MessageID, responses)
			state = state.withToolResults(responses)
			iterSpan.End()

		case DecisionError:
			iterSpan.Error(decision.Err)
			iterSpan.End()
			return GenerationResult{}, decision.Err
		}
	}
}

func (o *Orchestrator) finalizeRun(ctx context.Context, messageID, raw string, model SendableModel) {
	o.persistor.FinalizeMessage(ctx, o.builder, messageID, raw, model)
}

func toolNames(reqs []ToolRequest) []string {
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Name
	}
	return names
}

// maxParallelToolDispatch is a worker-pool size grounded on the teacher's
// loop.go dispatchParallel sizing. Nothing in this package reads it:
// executeTools hands the whole batch to Tooling.ExecuteTools in one call and
// does not bound its concurrency.
const maxParallelToolDispatch = 10

// executeTools implements spec §4.7: annotate each request, emit
// ToolStarted before delegating, measure total duration once per batch, and
// synthesize error responses when no Tooling is configured.
func (o *Orchestrator) executeTools(ctx context.Context, req GenerationRequest, requests []ToolRequest) []ToolResponse {
	ctx, span := o.tracer.Start(ctx, "execute_tools", IntAttr("count", len(requests)))
	defer span.End()

	for i := range requests {
		requests[i].ChatID = req.ChatID
		requests[i].MessageID = req.MessageID
	}
	for _, r := range requests {
		o.events.Emit(AgentEvent{Kind: EventToolStarted, RequestID: r.ID, ToolName: r.Name})
	}

	start := time.Now()

	var responses []ToolResponse
	if o.tooling == nil {
		responses = make([]ToolResponse, len(requests))
		for i, r := range requests {
			responses[i] = ToolResponse{RequestID: r.ID, ToolName: r.Name, Error: (&ToolingNotConfiguredError{}).Error()}
		}
	} else {
		resp, err := o.tooling.ExecuteTools(ctx, requests)
		if err != nil {
			responses = make([]ToolResponse, len(requests))
			for i, r := range requests {
				responses[i] = ToolResponse{RequestID: r.ID, ToolName: r.Name, Error: err.Error()}
			}
		} else {
			responses = resp
		}
	}

	durationMs := time.Since(start).Milliseconds()

	// A HardStop/SoftInterrupt submitted while the batch above was in flight
	// is left unconsumed here — the next iteration's step 1 still applies it
	// — but per spec §9 Open Question 2, responses that only arrive after
	// the steer was requested are dropped rather than persisted or announced,
	// since the run is already on its way out.
	if o.steering.ShouldSkipRemainingTools() {
		return nil
	}

	byID := make(map[string]ToolResponse, len(responses))
	for _, r := range responses {
		byID[r.RequestID] = r
	}
	for _, req := range requests {
		r, ok := byID[req.ID]
		if !ok {
			r = ToolResponse{RequestID: req.ID, ToolName: req.Name, Error: "edgeagent: no response returned for tool request"}
		}
		if r.Error != "" {
			o.events.Emit(AgentEvent{Kind: EventToolFailed, RequestID: r.RequestID, ToolName: r.ToolName, Result: r.Error})
		} else {
			o.events.Emit(AgentEvent{Kind: EventToolCompleted, RequestID: r.RequestID, ToolName: r.ToolName, Result: r.Result, DurationMs: durationMs})
		}
	}
	return responses
}

// generateImage implements the image-generation action dispatch of spec
// §4.6: create an image message, fetch the image configuration, drive the
// generator stream and persist every frame carrying an image. Per spec §9
// Open Question 3, stop() here is a per-step cooperative cancel: the loop
// below checks ctx.Err() between frames rather than aborting mid-frame.
func (o *Orchestrator) generateImage(ctx context.Context, runID string, start time.Time, req GenerationRequest) (GenerationResult, error) {
	ctx, span := o.tracer.Start(ctx, "generate_image", StringAttr("run_id", runID))
	defer span.End()

	messageID := req.MessageID
	if err := o.persistor.CreateMessage(ctx, MessageRecord{ID: messageID, ChatID: req.ChatID, Role: "assistant", Prompt: req.Prompt}); err != nil {
		o.logger.Warn("edgeagent: create image message failed", "message_id", messageID, "err", err)
	}

	model, err := o.db.GetImageModel(ctx, req.ChatID)
	if err != nil {
		o.finishFailed(ctx, runID, start, messageID, err)
		return GenerationResult{}, err
	}

	imageConfig, err := o.db.GetImageConfiguration(ctx, req.ChatID, req.Prompt)
	if err != nil {
		o.finishFailed(ctx, runID, start, messageID, err)
		return GenerationResult{}, err
	}

	if err := o.imageGen.Load(ctx, model); err != nil {
		o.finishFailed(ctx, runID, start, messageID, err)
		return GenerationResult{}, err
	}
	defer o.imageGen.Unload(ctx, model)

	frames, err := o.imageGen.Generate(ctx, model, imageConfig)
	if err != nil {
		o.finishFailed(ctx, runID, start, messageID, err)
		return GenerationResult{}, err
	}

	for frame := range frames {
		if ctx.Err() != nil {
			_ = o.imageGen.Stop(ctx, model)
			break
		}
		if len(frame.ImageBytes) > 0 {
			o.persistor.PersistImageFrame(ctx, messageID, frame)
		}
	}

	o.finishCompleted(runID, start)
	return GenerationResult{RunID: runID}, nil
}
