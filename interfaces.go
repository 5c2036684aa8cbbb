package edgeagent

import "context"

// This file declares the external collaborator contracts (spec §6). They
// are consumed, not implemented, by this package; concrete implementations
// live in store/sqlite, store/postgres, workspace/*, tooling/sandbox and are
// injected at the process entry point (cmd/edgeagentd).

// Database is an opaque command executor over chats, messages, channels,
// tool responses, metrics, model records and tool policies.
type Database interface {
	GetLanguageModel(ctx context.Context, chatID string) (SendableModel, error)
	GetImageModel(ctx context.Context, chatID string) (SendableModel, error)
	GetImageConfiguration(ctx context.Context, chatID, prompt string) (ImageConfiguration, error)
	HasAttachments(ctx context.Context, chatID string) (bool, error)
	AttachmentFileTitles(ctx context.Context, chatID string) ([]string, error)
	FetchContextData(ctx context.Context, chatID string) (ContextConfiguration, error)
	TransitionRuntimeState(ctx context.Context, modelID string, transition RuntimeTransition) error
	DeleteModelLocation(ctx context.Context, modelID string) error

	Create(ctx context.Context, msg MessageRecord) error
	UpdateProcessedOutput(ctx context.Context, messageID string, out ProcessedOutput) error
	UpdateStreamingFinalChannel(ctx context.Context, messageID, content string, isComplete bool) error
	AppendFinalChannelContent(ctx context.Context, messageID, delta string) error
	UpdateToolResponses(ctx context.Context, messageID string, responses []ToolResponse) error
	Add(ctx context.Context, messageID string, metrics ChunkMetrics) error
	AddResponse(ctx context.Context, messageID string, image ImageProgress) error
	AddImageResponse(ctx context.Context, messageID string, image ImageProgress) error
}

// MessageRecord is the row Create persists for a new generation turn.
type MessageRecord struct {
	ID     string
	ChatID string
	Role   string
	Prompt string
}

// ImageConfiguration describes how to drive the ImageGenerator for a chat.
type ImageConfiguration struct {
	Prompt string
	Size   int
}

// ImageProgress is one frame of a streamed image-generation run.
type ImageProgress struct {
	Step       int
	TotalSteps int
	ImageBytes []byte // nil unless this frame carries an image
	IsFinal    bool
}

// ContextBuilder renders final prompt text from BuildParameters and parses
// raw model output back into structured channels.
type ContextBuilder interface {
	Build(ctx context.Context, params BuildParameters) (string, error)
	Process(ctx context.Context, rawOutput string, model SendableModel) (ProcessedOutput, error)
}

// Chunk is one unit of streamed model output.
type Chunk struct {
	Text    string
	Metrics *ChunkMetrics
}

// LLMSession is a uniform streaming interface over a loaded text backend
// (MLX/GGUF/remote).
type LLMSession interface {
	Preload(ctx context.Context, config SendableModel) (<-chan Progress, error)
	Stream(ctx context.Context, input string) (<-chan Chunk, error)
	Unload(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Progress is a preload progress update.
type Progress struct {
	Fraction float64
}

// ImageGenerator is the uniform streaming interface over the image backend.
type ImageGenerator interface {
	Load(ctx context.Context, model SendableModel) error
	Generate(ctx context.Context, model SendableModel, config ImageConfiguration) (<-chan ImageProgress, error)
	Unload(ctx context.Context, model SendableModel) error
	Stop(ctx context.Context, model SendableModel) error
}

// Tooling executes parsed tool requests and can register a semantic-search
// tool over a chat's attachments.
type Tooling interface {
	ExecuteTools(ctx context.Context, requests []ToolRequest) ([]ToolResponse, error)
	ConfigureSemanticSearch(ctx context.Context, db Database, chatID string, fileTitles []string) error
}

// WorkspaceContext, WorkspaceMemory and WorkspaceSkills are optional,
// nullable file-backed providers merged into ContextConfiguration by the
// Context Assembler (spec §4.5 step 3). A nil loader is treated as "no
// workspace content" rather than an error.
type WorkspaceContext interface {
	LoadContext(ctx context.Context, chatID string) (string, error)
}

type WorkspaceMemory interface {
	LoadMemory(ctx context.Context, chatID string) (string, error)
}

type WorkspaceSkills interface {
	LoadSkills(ctx context.Context, chatID string) (string, error)
}
