// Package postgres implements edgeagent.Database using PostgreSQL, for
// deployments that run the orchestrator against a shared database instead
// of a local SQLite file. The Store accepts an externally-owned
// *pgxpool.Pool via constructor injection; the caller creates and closes
// the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	edgeagent "github.com/edgeagent/runtime"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements edgeagent.Database backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ edgeagent.Database = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times; every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			location TEXT NOT NULL,
			location_kind TEXT NOT NULL,
			location_local TEXT,
			location_bookmark BYTEA,
			context_length INTEGER,
			runtime_state TEXT NOT NULL DEFAULT 'notLoaded'
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			language_model_id TEXT,
			image_model_id TEXT,
			system_instruction TEXT,
			max_prompt INTEGER NOT NULL DEFAULT 4096,
			memory_context TEXT,
			skill_context TEXT,
			workspace_context TEXT,
			allowed_tools JSONB,
			has_tool_policy BOOLEAN NOT NULL DEFAULT false,
			image_size INTEGER NOT NULL DEFAULT 1024,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_messages (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			user_input TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			chat_id TEXT NOT NULL,
			title TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			prompt TEXT NOT NULL,
			final_channel TEXT,
			is_complete BOOLEAN NOT NULL DEFAULT false,
			channels JSONB,
			tool_calls JSONB,
			tool_responses JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_metrics (
			message_id TEXT NOT NULL,
			elapsed_ms BIGINT,
			generated_tokens INTEGER,
			prompt_tokens INTEGER,
			context_utilization DOUBLE PRECISION,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_frames (
			message_id TEXT NOT NULL,
			step INTEGER,
			total_steps INTEGER,
			image_bytes BYTEA,
			is_final BOOLEAN NOT NULL DEFAULT false,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_context_messages_chat ON context_messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_chat ON attachments(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_message ON message_metrics(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_image_frames_message ON image_frames(message_id)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) scanModel(row pgx.Row) (edgeagent.SendableModel, error) {
	var m edgeagent.SendableModel
	var backend, locationKind string
	var locationLocal *string
	var bookmark []byte
	var contextLength *int

	if err := row.Scan(&m.ID, &backend, &m.Location, &locationKind, &locationLocal, &bookmark, &contextLength); err != nil {
		return edgeagent.SendableModel{}, err
	}
	m.Backend = edgeagent.BackendKind(backend)
	m.LocationKind = edgeagent.LocationKind(locationKind)
	m.LocationLocal = locationLocal
	if len(bookmark) > 0 {
		m.LocationBookmark = bookmark
	}
	if contextLength != nil {
		m.Metadata = &edgeagent.ModelMetadata{ContextLength: contextLength}
	}
	return m, nil
}

func (s *Store) GetLanguageModel(ctx context.Context, chatID string) (edgeagent.SendableModel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT m.id, m.backend, m.location, m.location_kind, m.location_local, m.location_bookmark, m.context_length
		FROM models m JOIN chats c ON c.language_model_id = m.id
		WHERE c.id = $1`, chatID)
	return s.scanModel(row)
}

func (s *Store) GetImageModel(ctx context.Context, chatID string) (edgeagent.SendableModel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT m.id, m.backend, m.location, m.location_kind, m.location_local, m.location_bookmark, m.context_length
		FROM models m JOIN chats c ON c.image_model_id = m.id
		WHERE c.id = $1`, chatID)
	return s.scanModel(row)
}

func (s *Store) GetImageConfiguration(ctx context.Context, chatID, prompt string) (edgeagent.ImageConfiguration, error) {
	var size int
	err := s.pool.QueryRow(ctx, `SELECT image_size FROM chats WHERE id = $1`, chatID).Scan(&size)
	if err != nil {
		return edgeagent.ImageConfiguration{}, fmt.Errorf("postgres: image configuration: %w", err)
	}
	return edgeagent.ImageConfiguration{Prompt: prompt, Size: size}, nil
}

func (s *Store) HasAttachments(ctx context.Context, chatID string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE chat_id = $1`, chatID).Scan(&count)
	return count > 0, err
}

func (s *Store) AttachmentFileTitles(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT title FROM attachments WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

func (s *Store) FetchContextData(ctx context.Context, chatID string) (edgeagent.ContextConfiguration, error) {
	var cfg edgeagent.ContextConfiguration
	var systemInstruction, memoryContext, skillContext, workspaceContext *string
	var allowedToolsJSON []byte
	var hasToolPolicy bool
	var maxPrompt int
	var createdAt, updatedAt int64

	err := s.pool.QueryRow(ctx, `
		SELECT system_instruction, max_prompt, memory_context, skill_context, workspace_context, allowed_tools, has_tool_policy, created_at, updated_at
		FROM chats WHERE id = $1`, chatID,
	).Scan(&systemInstruction, &maxPrompt, &memoryContext, &skillContext, &workspaceContext, &allowedToolsJSON, &hasToolPolicy, &createdAt, &updatedAt)
	if err != nil {
		return edgeagent.ContextConfiguration{}, fmt.Errorf("postgres: fetch context data: %w", err)
	}

	if systemInstruction != nil {
		cfg.SystemInstruction = *systemInstruction
	}
	cfg.MaxPrompt = maxPrompt
	cfg.HasToolPolicy = hasToolPolicy
	cfg.CreatedAt = time.Unix(createdAt, 0)
	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	cfg.MemoryContext = memoryContext
	cfg.SkillContext = skillContext
	cfg.WorkspaceContext = workspaceContext
	cfg.AllowedTools = make(map[string]struct{})
	if len(allowedToolsJSON) > 0 {
		var names []string
		if err := json.Unmarshal(allowedToolsJSON, &names); err == nil {
			for _, n := range names {
				cfg.AllowedTools[n] = struct{}{}
			}
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_input FROM context_messages WHERE chat_id = $1 ORDER BY position ASC`, chatID)
	if err != nil {
		return edgeagent.ContextConfiguration{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var m edgeagent.ContextMessage
		if err := rows.Scan(&m.MessageID, &m.UserInput); err != nil {
			return edgeagent.ContextConfiguration{}, err
		}
		cfg.ContextMessages = append(cfg.ContextMessages, m)
	}
	return cfg, rows.Err()
}

func (s *Store) TransitionRuntimeState(ctx context.Context, modelID string, transition edgeagent.RuntimeTransition) error {
	_, err := s.pool.Exec(ctx, `UPDATE models SET runtime_state = $1 WHERE id = $2`, string(transition), modelID)
	return err
}

func (s *Store) DeleteModelLocation(ctx context.Context, modelID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE models SET location_local = NULL, location_bookmark = NULL WHERE id = $1`, modelID)
	return err
}

func (s *Store) Create(ctx context.Context, msg edgeagent.MessageRecord) error {
	now := time.Now().Unix()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, role, prompt, is_complete, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, $5, $5)
		ON CONFLICT (id) DO UPDATE SET prompt = excluded.prompt, updated_at = excluded.updated_at`,
		msg.ID, msg.ChatID, msg.Role, msg.Prompt, now)
	return err
}

func (s *Store) UpdateProcessedOutput(ctx context.Context, messageID string, out edgeagent.ProcessedOutput) error {
	channelsJSON, err := json.Marshal(out.Channels)
	if err != nil {
		return err
	}
	toolsJSON, err := json.Marshal(out.ToolCalls)
	if err != nil {
		return err
	}
	final, _ := out.FinalChannel()
	_, err = s.pool.Exec(ctx, `
		UPDATE messages SET channels = $1, tool_calls = $2, final_channel = $3, is_complete = $4, updated_at = $5
		WHERE id = $6`,
		channelsJSON, toolsJSON, final.Content, final.IsComplete, time.Now().Unix(), messageID)
	return err
}

func (s *Store) UpdateStreamingFinalChannel(ctx context.Context, messageID, content string, isComplete bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET final_channel = $1, is_complete = $2, updated_at = $3 WHERE id = $4`,
		content, isComplete, time.Now().Unix(), messageID)
	return err
}

func (s *Store) AppendFinalChannelContent(ctx context.Context, messageID, delta string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET final_channel = COALESCE(final_channel, '') || $1, updated_at = $2 WHERE id = $3`,
		delta, time.Now().Unix(), messageID)
	return err
}

func (s *Store) UpdateToolResponses(ctx context.Context, messageID string, responses []edgeagent.ToolResponse) error {
	data, err := json.Marshal(responses)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE messages SET tool_responses = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now().Unix(), messageID)
	return err
}

func (s *Store) Add(ctx context.Context, messageID string, metrics edgeagent.ChunkMetrics) error {
	var elapsedMs int64
	if metrics.Timing != nil {
		elapsedMs = metrics.Timing.ElapsedMs
	}
	var generatedTokens, promptTokens int
	var contextUtilization *float64
	if metrics.Usage != nil {
		generatedTokens = metrics.Usage.GeneratedTokens
		promptTokens = metrics.Usage.PromptTokens
		contextUtilization = metrics.Usage.ContextUtilization
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_metrics (message_id, elapsed_ms, generated_tokens, prompt_tokens, context_utilization, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		messageID, elapsedMs, generatedTokens, promptTokens, contextUtilization, time.Now().Unix())
	return err
}

func (s *Store) AddResponse(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	return s.insertImageFrame(ctx, messageID, image)
}

func (s *Store) AddImageResponse(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	return s.insertImageFrame(ctx, messageID, image)
}

func (s *Store) insertImageFrame(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO image_frames (message_id, step, total_steps, image_bytes, is_final, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		messageID, image.Step, image.TotalSteps, image.ImageBytes, image.IsFinal, time.Now().Unix())
	return err
}
