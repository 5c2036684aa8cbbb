package main

import (
	"context"
	"fmt"

	edgeagent "github.com/edgeagent/runtime"
)

// localSession is a deterministic, in-process stand-in for a real MLX/GGUF/
// remote backend. It lets edgeagentd preload and stream without any model
// weights on disk, so the binary is runnable the moment the database has a
// chat row — wired under all three backend kinds in main so whichever
// SendableModel.Backend a chat happens to carry still loads.
type localSession struct{}

func newLocalSession() (edgeagent.LLMSession, error) { return localSession{}, nil }

func (localSession) Preload(ctx context.Context, config edgeagent.SendableModel) (<-chan edgeagent.Progress, error) {
	ch := make(chan edgeagent.Progress, 1)
	ch <- edgeagent.Progress{Fraction: 1}
	close(ch)
	return ch, nil
}

func (localSession) Stream(ctx context.Context, input string) (<-chan edgeagent.Chunk, error) {
	ch := make(chan edgeagent.Chunk, 1)
	ch <- edgeagent.Chunk{Text: fmt.Sprintf("local smoke echo: %s", input)}
	close(ch)
	return ch, nil
}

func (localSession) Unload(ctx context.Context) error { return nil }
func (localSession) Stop(ctx context.Context) error   { return nil }

// localTooling answers every tool request with a placeholder result instead
// of dispatching to a sandbox, so chats with a tool policy still complete a
// generation locally.
type localTooling struct{}

func (localTooling) ExecuteTools(ctx context.Context, requests []edgeagent.ToolRequest) ([]edgeagent.ToolResponse, error) {
	responses := make([]edgeagent.ToolResponse, len(requests))
	for i, req := range requests {
		responses[i] = edgeagent.ToolResponse{
			RequestID: req.ID,
			Result:    fmt.Sprintf("tool %q not available in local smoke mode", req.Name),
		}
	}
	return responses, nil
}

func (localTooling) ConfigureSemanticSearch(ctx context.Context, db edgeagent.Database, chatID string, fileTitles []string) error {
	return nil
}

// localBuilder renders the prompt verbatim and parses raw model output back
// as a single final channel, standing in for the template/channel-parsing
// engine a real deployment supplies.
type localBuilder struct{}

func (localBuilder) Build(ctx context.Context, params edgeagent.BuildParameters) (string, error) {
	if params.Config.SystemInstruction == "" {
		return params.Prompt, nil
	}
	return params.Config.SystemInstruction + "\n\n" + params.Prompt, nil
}

func (localBuilder) Process(ctx context.Context, rawOutput string, model edgeagent.SendableModel) (edgeagent.ProcessedOutput, error) {
	return edgeagent.ProcessedOutput{
		Channels: []edgeagent.Channel{
			{ID: "final", Type: edgeagent.ChannelFinal, Content: rawOutput, IsComplete: true},
		},
	}, nil
}
