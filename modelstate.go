package edgeagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
)

// transitionTable is the exhaustive state machine of spec §4.1. A missing
// entry means the transition is rejected with InvalidStateTransitionError.
var transitionTable = map[RuntimeState]map[RuntimeTransition]RuntimeState{
	StateNotLoaded: {
		TransitionLoad:  StateLoading,
		TransitionReset: StateNotLoaded,
	},
	StateLoading: {
		TransitionCompleteLoad: StateLoaded,
		TransitionFailLoad:     StateError,
		TransitionUnload:       StateNotLoaded,
		TransitionReset:        StateNotLoaded,
	},
	StateLoaded: {
		TransitionStartGeneration: StateGenerating,
		TransitionUnload:          StateNotLoaded,
		TransitionReset:           StateNotLoaded,
	},
	StateGenerating: {
		TransitionStopGeneration: StateLoaded,
		TransitionUnload:         StateNotLoaded,
		TransitionReset:          StateNotLoaded,
	},
	StateError: {
		TransitionLoad:  StateLoading,
		TransitionReset: StateNotLoaded,
	},
}

// memoryTier maps total physical memory (bytes) to a preferred batch size,
// per spec §4.1 compute-sizing policy.
type memoryTier struct {
	belowBytes uint64
	batchSize  int
}

var memoryTiers = []memoryTier{
	{belowBytes: 8 << 30, batchSize: 512},
	{belowBytes: 16 << 30, batchSize: 1024},
	{belowBytes: 32 << 30, batchSize: 2048},
	// >= 32GiB falls through to 4096, handled in preferredBatchSize.
}

func preferredBatchSize(totalPhysicalMemoryBytes uint64) int {
	for _, t := range memoryTiers {
		if totalPhysicalMemoryBytes < t.belowBytes {
			return t.batchSize
		}
	}
	return 4096
}

// computeSizing returns {contextSize, batchSize} for a model, per spec
// §4.1: contextSize = max(1, metadata.contextLength ?? 2048); batchSize =
// min(preferred, contextSize).
func computeSizing(model SendableModel, totalPhysicalMemoryBytes uint64) (contextSize, batchSize int) {
	contextSize = 2048
	if model.Metadata != nil && model.Metadata.ContextLength != nil {
		contextSize = *model.Metadata.ContextLength
	}
	if contextSize < 1 {
		contextSize = 1
	}
	preferred := preferredBatchSize(totalPhysicalMemoryBytes)
	batchSize = preferred
	if contextSize < batchSize {
		batchSize = contextSize
	}
	return contextSize, batchSize
}

// PhysicalMemoryFunc reports total physical memory in bytes, for compute
// sizing. Overridable in tests; defaults to a fixed 16GiB assumption since
// the standard library has no portable way to query this.
type PhysicalMemoryFunc func() uint64

func defaultPhysicalMemory() uint64 { return 16 << 30 }

// ResolvedLocation is the outcome of local-path resolution for a local-file
// SendableModel.
type ResolvedLocation struct {
	Path    string
	release func() // releases any security-scoped access; nil if none acquired
}

// Release releases any security-scoped resource acquired while resolving
// this location. Safe to call multiple times.
func (r *ResolvedLocation) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.release()
	r.release = nil
}

// BookmarkResolver resolves a stored security-scoped bookmark to a path and
// an access-release function. A nil resolver means bookmarks are never used
// (plain paths only), appropriate for platforms without such a facility.
type BookmarkResolver func(bookmark []byte) (path string, release func() error, err error)

// ModelStateCoordinator is the exclusive owner of at most one loaded model
// at a time (C5). It owns the runtime state machine, backend selection,
// compute sizing, local-path resolution and teardown.
type ModelStateCoordinator struct {
	db       Database
	logger   *slog.Logger
	physMem  PhysicalMemoryFunc
	resolveBookmark BookmarkResolver

	backends map[BackendKind]func() (LLMSession, error)
	remoteSessionFactory func(SendableModel) (LLMSession, error)

	mu            sync.Mutex
	state         RuntimeState
	currentModel  *SendableModel
	currentSession LLMSession
	resolved      *ResolvedLocation
}

// CoordinatorOption configures a ModelStateCoordinator.
type CoordinatorOption func(*ModelStateCoordinator)

func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *ModelStateCoordinator) { c.logger = l }
}

func WithPhysicalMemoryFunc(f PhysicalMemoryFunc) CoordinatorOption {
	return func(c *ModelStateCoordinator) { c.physMem = f }
}

func WithBookmarkResolver(r BookmarkResolver) CoordinatorOption {
	return func(c *ModelStateCoordinator) { c.resolveBookmark = r }
}

// WithGGUFSession / WithMLXSession register the session factory used for
// the gguf backend and the mlx|coreml backends respectively (spec §4.1
// backend-selection policy).
func WithGGUFSession(factory func() (LLMSession, error)) CoordinatorOption {
	return func(c *ModelStateCoordinator) { c.backends[BackendGGUF] = factory }
}

func WithMLXSession(factory func() (LLMSession, error)) CoordinatorOption {
	return func(c *ModelStateCoordinator) {
		c.backends[BackendMLX] = factory
		c.backends[BackendCoreML] = factory
	}
}

// WithRemoteSession registers the factory used for the remote backend. If
// unset, routing a remote model yields RemoteSessionNotConfiguredError. The
// remote backend is the one session kind that talks over a network, so its
// factory is the natural place to apply WithRetry:
//
//	WithRemoteSession(func(m SendableModel) (LLMSession, error) {
//	    return WithRetry(remotesession.New(m)), nil
//	})
func WithRemoteSession(factory func(SendableModel) (LLMSession, error)) CoordinatorOption {
	return func(c *ModelStateCoordinator) { c.remoteSessionFactory = factory }
}

// NewModelStateCoordinator constructs a Coordinator in the NotLoaded state.
func NewModelStateCoordinator(db Database, opts ...CoordinatorOption) *ModelStateCoordinator {
	c := &ModelStateCoordinator{
		db:       db,
		logger:   nopLogger,
		physMem:  defaultPhysicalMemory,
		backends: make(map[BackendKind]func() (LLMSession, error)),
		state:    StateNotLoaded,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// transition applies event to the current state, rejecting invalid edges
// without side effects.
func (c *ModelStateCoordinator) transition(event RuntimeTransition) (RuntimeState, error) {
	edges, ok := transitionTable[c.state]
	if !ok {
		return c.state, &InvalidStateTransitionError{From: c.state, Event: event}
	}
	next, ok := edges[event]
	if !ok {
		return c.state, &InvalidStateTransitionError{From: c.state, Event: event}
	}
	from := c.state
	c.state = next
	c.logger.Debug("edgeagent: runtime transition", "from", from, "event", event, "to", next)
	return next, nil
}

// State returns the current runtime state.
func (c *ModelStateCoordinator) State() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// selectBackend implements the spec §4.1 backend-selection policy.
func (c *ModelStateCoordinator) selectBackend(model SendableModel) (LLMSession, error) {
	switch model.Backend {
	case BackendGGUF:
		f, ok := c.backends[BackendGGUF]
		if !ok {
			return nil, fmt.Errorf("edgeagent: no gguf session factory configured")
		}
		return f()
	case BackendMLX, BackendCoreML:
		f, ok := c.backends[model.Backend]
		if !ok {
			return nil, fmt.Errorf("edgeagent: no mlx session factory configured")
		}
		return f()
	case BackendRemote:
		if c.remoteSessionFactory == nil {
			return nil, &RemoteSessionNotConfiguredError{ModelID: model.ID}
		}
		return c.remoteSessionFactory(model)
	default:
		return nil, fmt.Errorf("edgeagent: unknown backend %q", model.Backend)
	}
}

// resolveLocalPath resolves a local-file model location, preferring a
// stored security-scoped bookmark when present, and verifies the resolved
// file exists.
func (c *ModelStateCoordinator) resolveLocalPath(model SendableModel) (*ResolvedLocation, error) {
	if len(model.LocationBookmark) > 0 && c.resolveBookmark != nil {
		path, release, err := c.resolveBookmark(model.LocationBookmark)
		if err != nil {
			return nil, &ModelLocationNotResolvedError{ModelID: model.ID}
		}
		if _, statErr := os.Stat(path); statErr != nil {
			if release != nil {
				_ = release()
			}
			return nil, &ModelFileMissingError{ModelID: model.ID, Path: path}
		}
		return &ResolvedLocation{Path: path, release: func() {
			if release != nil {
				_ = release()
			}
		}}, nil
	}

	if model.LocationLocal != nil && *model.LocationLocal != "" {
		path := *model.LocationLocal
		if _, err := os.Stat(path); err != nil {
			return nil, &ModelFileMissingError{ModelID: model.ID, Path: path}
		}
		return &ResolvedLocation{Path: path}, nil
	}

	return nil, &ModelLocationNotResolvedError{ModelID: model.ID}
}

// validateLocation implements the resource-error checks of spec §4.1/§7
// before a load attempt proceeds.
func validateLocation(model SendableModel) error {
	if model.Location == "" {
		return &EmptyModelLocationError{ModelID: model.ID}
	}
	if model.LocationKind == LocationRemoteRepo {
		if _, err := url.ParseRequestURI(model.Location); err != nil {
			return &InvalidModelLocationURLError{ModelID: model.ID, Location: model.Location}
		}
	}
	return nil
}

// Load fetches the chat's current language model descriptor, compares it to
// the currently loaded model, and unloads+preloads if different. A no-op if
// the same model is already loaded.
func (c *ModelStateCoordinator) Load(ctx context.Context, chatID string) error {
	model, err := c.db.GetLanguageModel(ctx, chatID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	same := c.currentModel != nil && c.currentModel.ID == model.ID && c.state == StateLoaded
	c.mu.Unlock()
	if same {
		return nil
	}

	if err := c.Unload(ctx); err != nil {
		return err
	}

	return c.preload(ctx, model)
}

func (c *ModelStateCoordinator) preload(ctx context.Context, model SendableModel) error {
	if err := validateLocation(model); err != nil {
		if _, ok := err.(*EmptyModelLocationError); !ok {
			if mfm, ok := err.(*ModelFileMissingError); ok {
				_ = c.db.DeleteModelLocation(ctx, mfm.ModelID)
			}
		}
		return err
	}

	var resolved *ResolvedLocation
	if model.LocationKind == LocationLocalFile {
		r, err := c.resolveLocalPath(model)
		if err != nil {
			if mfm, ok := err.(*ModelFileMissingError); ok {
				_ = c.db.DeleteModelLocation(ctx, mfm.ModelID)
			}
			return err
		}
		resolved = r
	} else {
		// remote-repo locations with nothing downloaded yet are a download
		// error, not a coordinator concern beyond reporting it.
		if model.LocationLocal == nil {
			return &ModelNotDownloadedError{ModelID: model.ID}
		}
	}

	c.mu.Lock()
	if _, err := c.transition(TransitionLoad); err != nil {
		c.mu.Unlock()
		if resolved != nil {
			resolved.Release()
		}
		return err
	}
	c.mu.Unlock()
	_ = c.db.TransitionRuntimeState(ctx, model.ID, TransitionLoad)

	session, err := c.selectBackend(model)
	if err != nil {
		c.failLoad(ctx, model.ID, resolved)
		return err
	}

	if _, perr := session.Preload(ctx, model); perr != nil {
		c.failLoad(ctx, model.ID, resolved)
		return perr
	}

	c.mu.Lock()
	if _, err := c.transition(TransitionCompleteLoad); err != nil {
		c.mu.Unlock()
		return err
	}
	c.currentModel = &model
	c.currentSession = session
	c.resolved = resolved
	c.mu.Unlock()
	_ = c.db.TransitionRuntimeState(ctx, model.ID, TransitionCompleteLoad)
	return nil
}

// failLoad transitions Loading -> Error and releases any acquired scoped
// resource, per spec §4.1 failure policy.
func (c *ModelStateCoordinator) failLoad(ctx context.Context, modelID string, resolved *ResolvedLocation) {
	c.mu.Lock()
	_, _ = c.transition(TransitionFailLoad)
	c.mu.Unlock()
	_ = c.db.TransitionRuntimeState(ctx, modelID, TransitionFailLoad)
	if resolved != nil {
		resolved.Release()
	}
}

// Unload is a no-op if idle, otherwise unloads the backend session,
// transitions to NotLoaded and releases any scoped resource.
func (c *ModelStateCoordinator) Unload(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateNotLoaded {
		c.mu.Unlock()
		return nil
	}
	session := c.currentSession
	resolved := c.resolved
	modelID := ""
	if c.currentModel != nil {
		modelID = c.currentModel.ID
	}
	c.mu.Unlock()

	if session != nil {
		_ = session.Unload(ctx)
	}

	c.mu.Lock()
	_, err := c.transition(TransitionUnload)
	c.currentModel = nil
	c.currentSession = nil
	c.resolved = nil
	c.mu.Unlock()
	if modelID != "" {
		_ = c.db.TransitionRuntimeState(ctx, modelID, TransitionUnload)
	}
	if resolved != nil {
		resolved.Release()
	}
	return err
}

// Stream fails with an "edgeagent: model not loaded" error if no model is
// loaded; otherwise transitions Loaded -> Generating before the first
// chunk and back to Loaded on completion or error.
func (c *ModelStateCoordinator) Stream(ctx context.Context, input string) (<-chan Chunk, error) {
	c.mu.Lock()
	if c.state != StateLoaded || c.currentSession == nil {
		c.mu.Unlock()
		return nil, errors.New("edgeagent: model not loaded")
	}
	session := c.currentSession
	if _, err := c.transition(TransitionStartGeneration); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	upstream, err := session.Stream(ctx, input)
	if err != nil {
		c.mu.Lock()
		_, _ = c.transition(TransitionStopGeneration)
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			out <- chunk
		}
		c.mu.Lock()
		_, _ = c.transition(TransitionStopGeneration)
		c.mu.Unlock()
	}()
	return out, nil
}

// Stop signals the backend to abort the current generation and records
// stopGeneration.
func (c *ModelStateCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	session := c.currentSession
	generating := c.state == StateGenerating
	c.mu.Unlock()
	if session != nil {
		_ = session.Stop(ctx)
	}
	if !generating {
		return nil
	}
	c.mu.Lock()
	_, err := c.transition(TransitionStopGeneration)
	c.mu.Unlock()
	return err
}

// Teardown is the explicit destruction path: best-effort stop and unload,
// recording the final unload transition durably. Spec §9 replaces the
// source's deinit-cleanup-via-cyclic-reference pattern with this explicit
// call; it must be invoked by the owner (the Orchestrator) rather than
// relying on garbage collection.
func (c *ModelStateCoordinator) Teardown(ctx context.Context) {
	_ = c.Stop(ctx)
	_ = c.Unload(ctx)
}
