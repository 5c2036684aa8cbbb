// Package edgeagent implements an on-device agent orchestration engine: a
// multi-turn think-act-observe loop driven around a locally hosted language
// model. See the package-level components in events.go, steering.go,
// extract.go, persist.go, modelstate.go, decision.go, context.go and
// orchestrator.go.
package edgeagent

import "time"

// GenerationRequest is the immutable record of one generate() call.
type GenerationRequest struct {
	MessageID string
	ChatID    string
	Model     SendableModel
	Action    Action
	Prompt    string
}

// ActionKind tags the Action sum type.
type ActionKind string

const (
	ActionTextGeneration  ActionKind = "text_generation"
	ActionImageGeneration ActionKind = "image_generation"
)

// Action is a tagged union: TextGeneration(toolSet) or ImageGeneration(toolSet).
type Action struct {
	Kind    ActionKind
	ToolSet map[string]struct{} // set of ToolIdentifier
}

// NewTextGeneration builds a TextGeneration action over the given tool ids.
func NewTextGeneration(toolIDs ...string) Action {
	return Action{Kind: ActionTextGeneration, ToolSet: toSet(toolIDs)}
}

// NewImageGeneration builds an ImageGeneration action over the given tool ids.
func NewImageGeneration(toolIDs ...string) Action {
	return Action{Kind: ActionImageGeneration, ToolSet: toSet(toolIDs)}
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// withToolSet returns a copy of the action with a replaced tool set. The
// original set of tools in the action is never mutated by callers; see
// Context Assembler step 1 in context.go.
func (a Action) withToolSet(ids map[string]struct{}) Action {
	return Action{Kind: a.Kind, ToolSet: ids}
}

// ChunkMetrics carries timing and usage data reported by the model backend
// with (some) stream chunks.
type ChunkMetrics struct {
	Timing     *ChunkTiming
	Usage      *ChunkUsage
	Generation *string
}

type ChunkTiming struct {
	ElapsedMs int64
}

type ChunkUsage struct {
	GeneratedTokens    int
	PromptTokens       int
	ContextUtilization *float64 // 0..1, nil if backend doesn't report it
}

// ToolRequest is a parsed tool invocation pulled from model output.
type ToolRequest struct {
	ID          string
	Name        string
	Arguments   string // raw JSON arguments
	DisplayName string

	// The Orchestrator sets ChatID and MessageID immediately before
	// invocation. It does not set HasToolPolicy or AllowedToolNames; they
	// carry whatever the ContextBuilder's parse put there.
	ChatID           string
	MessageID        string
	HasToolPolicy    bool
	AllowedToolNames []string
}

// ToolResponse is the result of one ToolRequest, correlated by RequestID.
type ToolResponse struct {
	RequestID string
	ToolName  string
	Result    string
	Error     string // non-empty on failure
}

// ChannelType enumerates the structured-output channels of ProcessedOutput.
type ChannelType string

const (
	ChannelAnalysis   ChannelType = "analysis"
	ChannelCommentary ChannelType = "commentary"
	ChannelFinal      ChannelType = "final"
	ChannelTool       ChannelType = "tool"
)

// Channel is a labeled slice of structured model output. Channel IDs are
// stable once first established within a message (spec §4.8, invariant 5).
type Channel struct {
	ID               string
	Type             ChannelType
	Content          string
	Order            int
	IsComplete       bool
	Recipient        *string
	AssociatedToolID *string
}

// ProcessedOutput is the structured parse of raw model text produced by the
// external ContextBuilder.process.
type ProcessedOutput struct {
	Channels  []Channel
	ToolCalls []ToolRequest
}

// FinalChannel returns the final channel, if present.
func (p ProcessedOutput) FinalChannel() (Channel, bool) {
	for _, c := range p.Channels {
		if c.Type == ChannelFinal {
			return c, true
		}
	}
	return Channel{}, false
}

// SteeringMode is a tagged union of caller-issued out-of-band controls.
type SteeringMode struct {
	Kind      SteeringKind
	NewPrompt string // only meaningful when Kind == SteeringRedirect
}

type SteeringKind string

const (
	SteeringInactive     SteeringKind = "inactive"
	SteeringHardStop     SteeringKind = "hard_stop"
	SteeringSoftInterupt SteeringKind = "soft_interrupt"
	SteeringRedirect     SteeringKind = "redirect"
)

// SteeringRequest is one submission to the Steering Coordinator's mailbox.
type SteeringRequest struct {
	ID   string
	Mode SteeringMode
}

// RuntimeState is the Model State Coordinator's state machine position.
type RuntimeState string

const (
	StateNotLoaded  RuntimeState = "not_loaded"
	StateLoading    RuntimeState = "loading"
	StateLoaded     RuntimeState = "loaded"
	StateGenerating RuntimeState = "generating"
	StateError      RuntimeState = "error"
)

// RuntimeTransition is an event in the C5 state machine (§4.1).
type RuntimeTransition string

const (
	TransitionLoad             RuntimeTransition = "load"
	TransitionCompleteLoad     RuntimeTransition = "complete_load"
	TransitionFailLoad         RuntimeTransition = "fail_load"
	TransitionStartGeneration  RuntimeTransition = "start_generation"
	TransitionStopGeneration   RuntimeTransition = "stop_generation"
	TransitionUnload           RuntimeTransition = "unload"
	TransitionReset            RuntimeTransition = "reset"
)

// ContextConfiguration is the chat-scoped configuration fetched from the
// Database before each context build.
type ContextConfiguration struct {
	SystemInstruction string
	ContextMessages   []ContextMessage
	MaxPrompt         int
	MemoryContext     *string
	SkillContext      *string
	WorkspaceContext  *string
	AllowedTools      map[string]struct{}
	HasToolPolicy     bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ContextMessage is one entry in ContextConfiguration.ContextMessages; a
// message id matching the current generation's MessageID has its UserInput
// replaced with the live prompt during context assembly (spec §4.5 step 5).
type ContextMessage struct {
	MessageID string
	UserInput string
}

// BackendKind is the tagged backend variant of SendableModel.
type BackendKind string

const (
	BackendMLX    BackendKind = "mlx"
	BackendGGUF   BackendKind = "gguf"
	BackendCoreML BackendKind = "coreml"
	BackendRemote BackendKind = "remote"
)

// LocationKind tags how SendableModel.Location should be interpreted.
type LocationKind string

const (
	LocationRemoteRepo LocationKind = "remote_repo"
	LocationLocalFile  LocationKind = "local_file"
)

// SendableModel is a serializable descriptor of a model the Coordinator can
// load.
type SendableModel struct {
	ID             string
	Backend        BackendKind
	Location       string
	LocationKind   LocationKind
	LocationLocal  *string // resolved local path, when LocationKind == LocationLocalFile
	LocationBookmark []byte // security-scoped bookmark, optional
	Metadata       *ModelMetadata
}

type ModelMetadata struct {
	ContextLength *int
}

// BuildParameters is the output of the Context Assembler (C7), the input
// handed to the external ContextBuilder.build.
type BuildParameters struct {
	Action  Action
	Config  ContextConfiguration
	Prompt  string
}

// GenerationState is the Orchestrator's per-run loop state. It is passed by
// value through the loop and never shared across goroutines (spec §3).
// Once IsComplete becomes true no further transition method mutates it.
type GenerationState struct {
	Request              GenerationRequest
	IterationCount       int
	ToolResults          []ToolResponse
	PendingToolCalls     []ToolRequest
	LastMetrics          *ChunkMetrics
	ContextUtilization   *float64
	IsComplete           bool
	MemoryFlushPerformed bool

	// LastOutput is the most recent ProcessedOutput, consulted by the
	// decision chain's "tool calls present" handler.
	LastOutput *ProcessedOutput
}

// NewGenerationState builds the zero-value loop state for a request.
func NewGenerationState(req GenerationRequest) GenerationState {
	return GenerationState{Request: req}
}

// withStreamComplete records the output of a finished stream turn.
func (s GenerationState) withStreamComplete(out ProcessedOutput, metrics *ChunkMetrics) GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.LastOutput = &out
	next.LastMetrics = metrics
	if metrics != nil && metrics.Usage != nil && metrics.Usage.ContextUtilization != nil {
		next.ContextUtilization = metrics.Usage.ContextUtilization
	}
	next.IterationCount++
	return next
}

// continueWithTools records pending tool calls; their results are added
// later by withToolResults.
func (s GenerationState) continueWithTools(requests []ToolRequest) GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.PendingToolCalls = requests
	return next
}

// withToolResults appends tool responses and clears pending calls.
func (s GenerationState) withToolResults(responses []ToolResponse) GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.ToolResults = append(append([]ToolResponse{}, next.ToolResults...), responses...)
	next.PendingToolCalls = nil
	return next
}

// continueWithPrompt resets tool results and pending tool calls. It does not
// record the next prompt: the orchestrator's loop keeps that prompt itself
// and passes it to the next context build.
func (s GenerationState) continueWithPrompt() GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.ToolResults = nil
	next.PendingToolCalls = nil
	return next
}

// markComplete finalizes the loop state.
func (s GenerationState) markComplete() GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.IsComplete = true
	return next
}

// markMemoryFlushPerformed records that the flush sentinel has been used, so
// the context-pressure decision handler will not fire again.
func (s GenerationState) markMemoryFlushPerformed() GenerationState {
	if s.IsComplete {
		return s
	}
	next := s
	next.MemoryFlushPerformed = true
	return next
}
