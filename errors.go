package edgeagent

import "fmt"

// Error taxonomy (spec §7). Each kind is a concrete struct rather than a
// bespoke sentinel so callers can errors.As into the one they care about,
// following the teacher's ErrLLM/ErrHTTP convention. Cancellation is not a
// type here: callers check errors.Is(err, context.Canceled).

// ContextLimitExceededError reports context pressure that a memory flush
// could not recover.
type ContextLimitExceededError struct {
	Utilization float64
}

func (e *ContextLimitExceededError) Error() string {
	return fmt.Sprintf("edgeagent: context limit exceeded (utilization=%.2f)", e.Utilization)
}

// EmptyModelLocationError reports a SendableModel with no Location set.
type EmptyModelLocationError struct{ ModelID string }

func (e *EmptyModelLocationError) Error() string {
	return fmt.Sprintf("edgeagent: model %s has an empty location", e.ModelID)
}

// InvalidModelLocationURLError reports a remote-repo location that fails to parse.
type InvalidModelLocationURLError struct {
	ModelID  string
	Location string
}

func (e *InvalidModelLocationURLError) Error() string {
	return fmt.Sprintf("edgeagent: model %s has an invalid location url %q", e.ModelID, e.Location)
}

// ModelFileMissingError reports a local-file location whose file does not
// exist on disk. Per spec §4.1, receiving this deletes the stored
// local-path binding.
type ModelFileMissingError struct {
	ModelID string
	Path    string
}

func (e *ModelFileMissingError) Error() string {
	return fmt.Sprintf("edgeagent: model %s file missing at %q", e.ModelID, e.Path)
}

// ModelLocationNotResolvedError reports a local-file model with neither a
// bookmark nor a plain path.
type ModelLocationNotResolvedError struct{ ModelID string }

func (e *ModelLocationNotResolvedError) Error() string {
	return fmt.Sprintf("edgeagent: model %s location could not be resolved", e.ModelID)
}

// ModelNotDownloadedError reports a remote-repo model that has no local
// cache yet.
type ModelNotDownloadedError struct{ ModelID string }

func (e *ModelNotDownloadedError) Error() string {
	return fmt.Sprintf("edgeagent: model %s is not downloaded", e.ModelID)
}

// NoChatLoadedError reports generate() called before load(chatId).
type NoChatLoadedError struct{}

func (e *NoChatLoadedError) Error() string { return "edgeagent: no chat loaded" }

// RemoteSessionNotConfiguredError reports a remote backend with no session.
type RemoteSessionNotConfiguredError struct{ ModelID string }

func (e *RemoteSessionNotConfiguredError) Error() string {
	return fmt.Sprintf("edgeagent: remote session not configured for model %s", e.ModelID)
}

// ToolingNotConfiguredError reports tool calls with no Tooling collaborator.
type ToolingNotConfiguredError struct{}

func (e *ToolingNotConfiguredError) Error() string { return "edgeagent: tooling not configured" }

// TooManyIterationsError reports the iteration cap handler firing.
type TooManyIterationsError struct {
	MaxIterations int
}

func (e *TooManyIterationsError) Error() string {
	return fmt.Sprintf("edgeagent: maximum iterations reached (%d)", e.MaxIterations)
}

// InvalidStateTransitionError reports a rejected C5 state-machine edge.
type InvalidStateTransitionError struct {
	From  RuntimeState
	Event RuntimeTransition
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("edgeagent: invalid transition %q from state %q", e.Event, e.From)
}

// failureMessage renders the human-readable note appended to a message's
// final channel on any uncaught, non-cancellation error (spec §7).
func failureMessage(err error) string {
	if err == nil {
		return "**Generation failed**"
	}
	msg := err.Error()
	if msg == "" {
		return "**Generation failed**"
	}
	return fmt.Sprintf("**Generation failed**\n\n%s", msg)
}
