// Package sandbox implements edgeagent.Tooling by running each tool
// invocation inside a short-lived Docker container, generalizing the
// teacher's subprocess-per-invocation idiom from "run Python code" to
// "run any declared tool binary" (spec §4.7).
//
// The tool's name selects the binary to run inside the container
// (registered via WithTool); its JSON arguments are passed on stdin and
// its stdout becomes the tool result. Every invocation gets its own
// container so one tool's state never leaks into another's.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	edgeagent "github.com/edgeagent/runtime"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ToolBinary describes how a tool name maps to an executable inside the
// sandbox image.
type ToolBinary struct {
	// Command is the argv used to invoke the tool, e.g. []string{"/usr/local/bin/search"}.
	Command []string
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithImage overrides the default sandbox image.
func WithImage(image string) Option {
	return func(s *Sandbox) { s.image = image }
}

// WithTimeout overrides the default per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithLogger sets a structured logger for the sandbox.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithTool registers the binary a tool name dispatches to. A request for a
// tool name with no registered binary gets a ToolResponse whose Error says
// so; no container is started for it.
func WithTool(name string, bin ToolBinary) Option {
	return func(s *Sandbox) { s.tools[name] = bin }
}

// Sandbox implements edgeagent.Tooling by executing each ToolRequest in a
// fresh, resource-bounded container.
type Sandbox struct {
	cli     *client.Client
	image   string
	timeout time.Duration
	logger  *slog.Logger
	tools   map[string]ToolBinary

	mu             sync.RWMutex
	attachmentsIdx map[string][]string // chatID -> file titles, for the search tool to consult
}

var _ edgeagent.Tooling = (*Sandbox)(nil)

// New creates a Sandbox using an already-configured Docker client (e.g.
// client.NewClientWithOpts(client.FromEnv)). The caller owns the client
// and is responsible for closing it.
func New(cli *client.Client, opts ...Option) *Sandbox {
	s := &Sandbox{
		cli:            cli,
		image:          "edgeagent/tool-sandbox:latest",
		timeout:        30 * time.Second,
		logger:         nopLogger,
		tools:          make(map[string]ToolBinary),
		attachmentsIdx: make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExecuteTools runs every request sequentially, each in its own
// container, and collects their responses. A container or timeout
// failure produces a ToolResponse with a non-empty Error rather than
// aborting the remaining requests, so one broken tool doesn't take down
// a whole batch.
func (s *Sandbox) ExecuteTools(ctx context.Context, requests []edgeagent.ToolRequest) ([]edgeagent.ToolResponse, error) {
	responses := make([]edgeagent.ToolResponse, len(requests))
	for i, req := range requests {
		responses[i] = s.executeOne(ctx, req)
	}
	return responses, nil
}

func (s *Sandbox) executeOne(ctx context.Context, req edgeagent.ToolRequest) edgeagent.ToolResponse {
	bin, ok := s.tools[req.Name]
	if !ok {
		return edgeagent.ToolResponse{
			RequestID: req.ID,
			ToolName:  req.Name,
			Error:     fmt.Sprintf("sandbox: no binary registered for tool %q", req.Name),
		}
	}
	if req.HasToolPolicy && !allowedTool(req.Name, req.AllowedToolNames) {
		return edgeagent.ToolResponse{
			RequestID: req.ID,
			ToolName:  req.Name,
			Error:     fmt.Sprintf("sandbox: tool %q not in chat's allowed-tool policy", req.Name),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.runContainer(ctx, bin, req.Arguments)
	if err != nil {
		return edgeagent.ToolResponse{RequestID: req.ID, ToolName: req.Name, Error: err.Error()}
	}
	return edgeagent.ToolResponse{RequestID: req.ID, ToolName: req.Name, Result: result}
}

func allowedTool(name string, allowed []string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

// runContainer creates, starts, waits for and removes one container,
// returning its captured stdout as the tool result.
func (s *Sandbox) runContainer(ctx context.Context, bin ToolBinary, argsJSON string) (string, error) {
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:        s.image,
		Cmd:          bin.Command,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
		ExposedPorts: nat.PortSet{},
	}, &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   512 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	defer func() {
		_ = s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	attach, err := s.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: attach container: %w", err)
	}
	defer attach.Close()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}

	if _, err := io.WriteString(attach.Conn, argsJSON); err == nil {
		_ = attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("sandbox: wait container: %w", err)
		}
	case status := <-statusCh:
		<-copyDone
		if status.StatusCode != 0 {
			out := strings.TrimSpace(stderr.String())
			if out == "" {
				out = strings.TrimSpace(stdout.String())
			}
			return "", fmt.Errorf("sandbox: tool exited %d: %s", status.StatusCode, out)
		}
	case <-ctx.Done():
		return "", fmt.Errorf("sandbox: %w", ctx.Err())
	}

	s.logger.Debug("sandbox: tool invocation complete", "container", resp.ID)
	return strings.TrimSpace(stdout.String()), nil
}

// ConfigureSemanticSearch records a chat's attachment titles so a
// registered search-style tool binary can be pointed at them; it does
// not itself index content; indexing is left to whatever tool binary
// WithTool registers for the chat's search tool name.
func (s *Sandbox) ConfigureSemanticSearch(ctx context.Context, db edgeagent.Database, chatID string, fileTitles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachmentsIdx[chatID] = append([]string(nil), fileTitles...)
	return nil
}

// AttachmentTitles returns the file titles last configured for chatID via
// ConfigureSemanticSearch, for a tool binary's own benefit.
func (s *Sandbox) AttachmentTitles(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.attachmentsIdx[chatID]...)
}
