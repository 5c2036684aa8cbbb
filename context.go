package edgeagent

import (
	"context"
	"strings"

	"github.com/edgeagent/runtime/internal/textnorm"
)

// ContextAssembler produces BuildParameters from GenerationState (C7),
// following the six steps of spec §4.5.
type ContextAssembler struct {
	db      Database
	builder ContextBuilder
	tooling Tooling // optional; nil disables step 1's semantic-search registration

	workspaceCtx    WorkspaceContext // optional
	workspaceMemory WorkspaceMemory  // optional
	workspaceSkills WorkspaceSkills  // optional
}

// AssemblerOption configures a ContextAssembler.
type AssemblerOption func(*ContextAssembler)

func WithAssemblerTooling(t Tooling) AssemblerOption {
	return func(a *ContextAssembler) { a.tooling = t }
}

func WithWorkspaceContext(w WorkspaceContext) AssemblerOption {
	return func(a *ContextAssembler) { a.workspaceCtx = w }
}

func WithWorkspaceMemory(w WorkspaceMemory) AssemblerOption {
	return func(a *ContextAssembler) { a.workspaceMemory = w }
}

func WithWorkspaceSkills(w WorkspaceSkills) AssemblerOption {
	return func(a *ContextAssembler) { a.workspaceSkills = w }
}

// NewContextAssembler constructs an Assembler over db and builder.
func NewContextAssembler(db Database, builder ContextBuilder, opts ...AssemblerOption) *ContextAssembler {
	a := &ContextAssembler{db: db, builder: builder}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble runs the six steps of spec §4.5 and returns the rendered prompt
// string from the external ContextBuilder.
func (a *ContextAssembler) Assemble(ctx context.Context, state GenerationState, livePrompt string) (string, BuildParameters, error) {
	action := state.Request.Action

	// Step 1: optionally augment for semantic search. The action's own tool
	// set is never mutated by this step (spec §4.5 step 1) — registration
	// only configures the external Tooling collaborator.
	if a.tooling != nil {
		hasAttachments, err := a.db.HasAttachments(ctx, state.Request.ChatID)
		if err == nil && hasAttachments {
			titles, err := a.db.AttachmentFileTitles(ctx, state.Request.ChatID)
			if err == nil {
				_ = a.tooling.ConfigureSemanticSearch(ctx, a.db, state.Request.ChatID, titles)
			}
		}
	}

	// Step 2: fetch base ContextConfiguration.
	config, err := a.db.FetchContextData(ctx, state.Request.ChatID)
	if err != nil {
		return "", BuildParameters{}, err
	}

	// Step 3: merge workspace-provided context/memory/skills.
	config = a.mergeWorkspace(ctx, state.Request.ChatID, config)

	// Step 4: apply tool policy.
	if config.HasToolPolicy {
		action = action.withToolSet(intersectToolSets(action.ToolSet, config.AllowedTools))
	}

	// Step 5: apply prompt override for the matching context message.
	config.ContextMessages = overridePrompt(config.ContextMessages, state.Request.MessageID, livePrompt)

	params := BuildParameters{Action: action, Config: config, Prompt: livePrompt}

	// Step 6: delegate to the external context builder.
	rendered, err := a.builder.Build(ctx, params)
	if err != nil {
		return "", BuildParameters{}, err
	}
	return rendered, params, nil
}

// mergeWorkspace implements step 3's three merge rules. A nil loader is
// treated as "no workspace content", never an error.
func (a *ContextAssembler) mergeWorkspace(ctx context.Context, chatID string, base ContextConfiguration) ContextConfiguration {
	next := base

	if a.workspaceCtx != nil {
		if wc, err := a.workspaceCtx.LoadContext(ctx, chatID); err == nil && wc != "" {
			normalized := textnorm.Normalize(wc)
			next.WorkspaceContext = &normalized
		}
	}

	if a.workspaceMemory != nil {
		if wm, err := a.workspaceMemory.LoadMemory(ctx, chatID); err == nil && wm != "" {
			merged := mergeMemory(base.MemoryContext, textnorm.Normalize(wm))
			next.MemoryContext = &merged
		}
	}

	if a.workspaceSkills != nil {
		if ws, err := a.workspaceSkills.LoadSkills(ctx, chatID); err == nil && ws != "" {
			merged := mergeSkills(base.SkillContext, textnorm.Normalize(ws))
			next.SkillContext = &merged
		}
	}

	return next
}

// mergeMemory appends secondary (workspace) lines not already present in the
// primary (base) memory, by identity, preserving primary items first —
// spec §4.5 step 3's memoryContext rule.
func mergeMemory(base *string, workspace string) string {
	var baseLines []string
	if base != nil {
		baseLines = splitNonEmptyLines(*base)
	}
	seen := make(map[string]struct{}, len(baseLines))
	for _, l := range baseLines {
		seen[l] = struct{}{}
	}
	merged := append([]string{}, baseLines...)
	for _, l := range splitNonEmptyLines(workspace) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		merged = append(merged, l)
	}
	return strings.Join(merged, "\n")
}

// mergeSkills unions skill context by case-insensitive skill name, base
// skills first — spec §4.5 step 3's skillContext rule. Skill entries are
// "name: body" lines; unions are computed on the name prefix.
func mergeSkills(base *string, workspace string) string {
	var baseLines []string
	if base != nil {
		baseLines = splitNonEmptyLines(*base)
	}
	seen := make(map[string]struct{}, len(baseLines))
	for _, l := range baseLines {
		seen[strings.ToLower(skillName(l))] = struct{}{}
	}
	merged := append([]string{}, baseLines...)
	for _, l := range splitNonEmptyLines(workspace) {
		key := strings.ToLower(skillName(l))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, l)
	}
	return strings.Join(merged, "\n")
}

func skillName(line string) string {
	if idx := strings.Index(line, ":"); idx >= 0 {
		return strings.TrimSpace(line[:idx])
	}
	return strings.TrimSpace(line)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// intersectToolSets implements spec §4.5 step 4: the action's tool set
// intersected with allowedTools.
func intersectToolSets(action, allowed map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for id := range action {
		if _, ok := allowed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// overridePrompt implements spec §4.5 step 5: the contextMessages entry
// whose message id matches the current generation gets its UserInput
// replaced with the live prompt.
func overridePrompt(messages []ContextMessage, messageID, livePrompt string) []ContextMessage {
	out := make([]ContextMessage, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.MessageID == messageID {
			out[i].UserInput = livePrompt
		}
	}
	return out
}
