package edgeagent

import (
	"context"
	"errors"
	"os"
	"testing"
)

// modelStateFakeDB overrides fakeDB's GetLanguageModel so Load() tests can
// control which model is returned, and records state-transition calls.
type modelStateFakeDB struct {
	*fakeDB
	model        SendableModel
	modelErr     error
	transitions  []RuntimeTransition
	deletedModel string
}

func newModelStateFakeDB() *modelStateFakeDB {
	return &modelStateFakeDB{fakeDB: newFakeDB()}
}

func (d *modelStateFakeDB) GetLanguageModel(ctx context.Context, chatID string) (SendableModel, error) {
	if d.modelErr != nil {
		return SendableModel{}, d.modelErr
	}
	return d.model, nil
}

func (d *modelStateFakeDB) TransitionRuntimeState(ctx context.Context, modelID string, transition RuntimeTransition) error {
	d.transitions = append(d.transitions, transition)
	return nil
}

func (d *modelStateFakeDB) DeleteModelLocation(ctx context.Context, modelID string) error {
	d.deletedModel = modelID
	return nil
}

// fakeSession is a controllable LLMSession.
type fakeSession struct {
	preloadErr error
	streamErr  error
	unloaded   bool
	stopped    bool
	chunks     []Chunk
}

func (f *fakeSession) Preload(ctx context.Context, config SendableModel) (<-chan Progress, error) {
	if f.preloadErr != nil {
		return nil, f.preloadErr
	}
	ch := make(chan Progress, 1)
	ch <- Progress{Fraction: 1}
	close(ch)
	return ch, nil
}

func (f *fakeSession) Stream(ctx context.Context, input string) (<-chan Chunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeSession) Unload(ctx context.Context) error { f.unloaded = true; return nil }
func (f *fakeSession) Stop(ctx context.Context) error   { f.stopped = true; return nil }

func TestComputeSizing_DefaultsWhenNoMetadata(t *testing.T) {
	ctxSize, batch := computeSizing(SendableModel{}, 16<<30)
	if ctxSize != 2048 {
		t.Errorf("got context size %d, want 2048", ctxSize)
	}
	if batch != 2048 {
		t.Errorf("got batch size %d, want 2048 for 16GiB tier", batch)
	}
}

func TestComputeSizing_BatchCappedByContextLength(t *testing.T) {
	cl := 512
	ctxSize, batch := computeSizing(SendableModel{Metadata: &ModelMetadata{ContextLength: &cl}}, 32<<30)
	if ctxSize != 512 {
		t.Errorf("got context size %d, want 512", ctxSize)
	}
	if batch != 512 {
		t.Errorf("got batch size %d, want capped at context size 512", batch)
	}
}

func TestComputeSizing_ContextLengthFloorsAtOne(t *testing.T) {
	cl := -5
	ctxSize, _ := computeSizing(SendableModel{Metadata: &ModelMetadata{ContextLength: &cl}}, 16<<30)
	if ctxSize != 1 {
		t.Errorf("got context size %d, want floor of 1", ctxSize)
	}
}

func TestPreferredBatchSize_Tiers(t *testing.T) {
	cases := []struct {
		bytes uint64
		want  int
	}{
		{4 << 30, 512},
		{8 << 30, 1024},
		{16 << 30, 2048},
		{64 << 30, 4096},
	}
	for _, c := range cases {
		if got := preferredBatchSize(c.bytes); got != c.want {
			t.Errorf("preferredBatchSize(%d) = %d, want %d", c.bytes, got, c.want)
		}
	}
}

func TestModelStateCoordinator_InitialStateNotLoaded(t *testing.T) {
	c := NewModelStateCoordinator(newModelStateFakeDB())
	if c.State() != StateNotLoaded {
		t.Errorf("got %q, want not_loaded", c.State())
	}
}

func TestModelStateCoordinator_Transition_RejectsInvalidEdge(t *testing.T) {
	c := NewModelStateCoordinator(newModelStateFakeDB())
	_, err := c.transition(TransitionCompleteLoad)
	if err == nil {
		t.Fatal("expected invalid transition error from not_loaded on complete_load")
	}
	var target *InvalidStateTransitionError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *InvalidStateTransitionError", err)
	}
	if target.From != StateNotLoaded || target.Event != TransitionCompleteLoad {
		t.Errorf("got %+v", target)
	}
}

func TestModelStateCoordinator_Load_Success(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	if err != nil {
		t.Fatal(err)
	}
	path := tmp.Name()
	tmp.Close()

	db := newModelStateFakeDB()
	db.model = SendableModel{ID: "m1", Backend: BackendGGUF, Location: path, LocationKind: LocationLocalFile, LocationLocal: &path}

	session := &fakeSession{}
	c := NewModelStateCoordinator(db, WithGGUFSession(func() (LLMSession, error) { return session, nil }))

	if err := c.Load(context.Background(), "chat1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateLoaded {
		t.Errorf("got %q, want loaded", c.State())
	}
}

func TestModelStateCoordinator_Load_NoOpWhenSameModelAlreadyLoaded(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	if err != nil {
		t.Fatal(err)
	}
	path := tmp.Name()
	tmp.Close()

	db := newModelStateFakeDB()
	db.model = SendableModel{ID: "m1", Backend: BackendGGUF, Location: path, LocationKind: LocationLocalFile, LocationLocal: &path}

	calls := 0
	c := NewModelStateCoordinator(db, WithGGUFSession(func() (LLMSession, error) {
		calls++
		return &fakeSession{}, nil
	}))

	if err := c.Load(context.Background(), "chat1"); err != nil {
		t.Fatalf("unexpected error on first load: %v", err)
	}
	if err := c.Load(context.Background(), "chat1"); err != nil {
		t.Fatalf("unexpected error on second load: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected session factory to be called once, got %d", calls)
	}
}

func TestModelStateCoordinator_Load_MissingFileDeletesLocationAndErrors(t *testing.T) {
	db := newModelStateFakeDB()
	missing := "/nonexistent/path/model.gguf"
	db.model = SendableModel{ID: "m1", Backend: BackendGGUF, Location: missing, LocationKind: LocationLocalFile, LocationLocal: &missing}

	c := NewModelStateCoordinator(db, WithGGUFSession(func() (LLMSession, error) { return &fakeSession{}, nil }))

	err := c.Load(context.Background(), "chat1")
	if err == nil {
		t.Fatal("expected an error for a missing model file")
	}
	var target *ModelFileMissingError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *ModelFileMissingError", err)
	}
	if db.deletedModel != "m1" {
		t.Error("expected the dangling model location to be deleted")
	}
}

func TestModelStateCoordinator_Load_EmptyLocationErrors(t *testing.T) {
	db := newModelStateFakeDB()
	db.model = SendableModel{ID: "m1", Backend: BackendGGUF}

	c := NewModelStateCoordinator(db, WithGGUFSession(func() (LLMSession, error) { return &fakeSession{}, nil }))

	err := c.Load(context.Background(), "chat1")
	var target *EmptyModelLocationError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *EmptyModelLocationError", err)
	}
}

func TestModelStateCoordinator_Load_RemoteWithoutDownloadErrors(t *testing.T) {
	db := newModelStateFakeDB()
	db.model = SendableModel{ID: "m1", Backend: BackendRemote, Location: "https://example.com/model", LocationKind: LocationRemoteRepo}

	c := NewModelStateCoordinator(db, WithRemoteSession(func(m SendableModel) (LLMSession, error) { return &fakeSession{}, nil }))

	err := c.Load(context.Background(), "chat1")
	var target *ModelNotDownloadedError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *ModelNotDownloadedError", err)
	}
}

func TestModelStateCoordinator_SelectBackend_RemoteNotConfigured(t *testing.T) {
	c := NewModelStateCoordinator(newModelStateFakeDB())
	_, err := c.selectBackend(SendableModel{ID: "m1", Backend: BackendRemote})
	var target *RemoteSessionNotConfiguredError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *RemoteSessionNotConfiguredError", err)
	}
}

func TestModelStateCoordinator_Unload_NoOpWhenNotLoaded(t *testing.T) {
	c := NewModelStateCoordinator(newModelStateFakeDB())
	if err := c.Unload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateNotLoaded {
		t.Errorf("got %q, want not_loaded", c.State())
	}
}

func TestModelStateCoordinator_Stream_ErrorsWhenNotLoaded(t *testing.T) {
	c := NewModelStateCoordinator(newModelStateFakeDB())
	if _, err := c.Stream(context.Background(), "hello"); err == nil {
		t.Fatal("expected an error when no model is loaded")
	}
}

func TestValidateLocation_RejectsInvalidRemoteURL(t *testing.T) {
	err := validateLocation(SendableModel{ID: "m1", Location: "://bad", LocationKind: LocationRemoteRepo})
	var target *InvalidModelLocationURLError
	if !errors.As(err, &target) {
		t.Fatalf("got %T, want *InvalidModelLocationURLError", err)
	}
}

func TestValidateLocation_AcceptsValidRemoteURL(t *testing.T) {
	err := validateLocation(SendableModel{ID: "m1", Location: "https://example.com/repo", LocationKind: LocationRemoteRepo})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
