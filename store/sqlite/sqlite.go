// Package sqlite implements edgeagent.Database using pure-Go SQLite. Zero
// CGO required, matching the teacher's store/sqlite package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	edgeagent "github.com/edgeagent/runtime"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// nopLogger discards all output; the default when no logger is configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// logs when it is opened and when Init starts and completes; if not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements edgeagent.Database backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ edgeagent.Database = (*Store)(nil)

// New opens a Store using a local SQLite file at dbPath. It opens a single
// shared connection (SetMaxOpenConns(1)) so concurrent callers serialize
// through one connection, matching the teacher's store/sqlite, which
// eliminates SQLITE_BUSY from concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			location TEXT NOT NULL,
			location_kind TEXT NOT NULL,
			location_local TEXT,
			location_bookmark BLOB,
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
			allowed_tools TEXT,
			has_tool_policy INTEGER NOT NULL DEFAULT 0,
			image_size INTEGER NOT NULL DEFAULT 1024,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
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
			is_complete INTEGER NOT NULL DEFAULT 0,
			channels TEXT,
			tool_calls TEXT,
			tool_responses TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_metrics (
			message_id TEXT NOT NULL,
			elapsed_ms INTEGER,
			generated_tokens INTEGER,
			prompt_tokens INTEGER,
			context_utilization REAL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_frames (
			message_id TEXT NOT NULL,
			step INTEGER,
			total_steps INTEGER,
			image_bytes BLOB,
			is_final INTEGER NOT NULL DEFAULT 0,
			recorded_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_context_messages_chat ON context_messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_chat ON attachments(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_message ON message_metrics(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_image_frames_message ON image_frames(message_id)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create index: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) scanModel(row *sql.Row) (edgeagent.SendableModel, error) {
	var m edgeagent.SendableModel
	var backend, locationKind string
	var locationLocal sql.NullString
	var bookmark []byte
	var contextLength sql.NullInt64

	if err := row.Scan(&m.ID, &backend, &m.Location, &locationKind, &locationLocal, &bookmark, &contextLength); err != nil {
		return edgeagent.SendableModel{}, err
	}
	m.Backend = edgeagent.BackendKind(backend)
	m.LocationKind = edgeagent.LocationKind(locationKind)
	if locationLocal.Valid {
		v := locationLocal.String
		m.LocationLocal = &v
	}
	if len(bookmark) > 0 {
		m.LocationBookmark = bookmark
	}
	if contextLength.Valid {
		v := int(contextLength.Int64)
		m.Metadata = &edgeagent.ModelMetadata{ContextLength: &v}
	}
	return m, nil
}

func (s *Store) GetLanguageModel(ctx context.Context, chatID string) (edgeagent.SendableModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.backend, m.location, m.location_kind, m.location_local, m.location_bookmark, m.context_length
		FROM models m JOIN chats c ON c.language_model_id = m.id
		WHERE c.id = ?`, chatID)
	return s.scanModel(row)
}

func (s *Store) GetImageModel(ctx context.Context, chatID string) (edgeagent.SendableModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.backend, m.location, m.location_kind, m.location_local, m.location_bookmark, m.context_length
		FROM models m JOIN chats c ON c.image_model_id = m.id
		WHERE c.id = ?`, chatID)
	return s.scanModel(row)
}

func (s *Store) GetImageConfiguration(ctx context.Context, chatID, prompt string) (edgeagent.ImageConfiguration, error) {
	var size int
	err := s.db.QueryRowContext(ctx, `SELECT image_size FROM chats WHERE id = ?`, chatID).Scan(&size)
	if err != nil {
		return edgeagent.ImageConfiguration{}, fmt.Errorf("sqlite: image configuration: %w", err)
	}
	return edgeagent.ImageConfiguration{Prompt: prompt, Size: size}, nil
}

func (s *Store) HasAttachments(ctx context.Context, chatID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE chat_id = ?`, chatID).Scan(&count)
	return count > 0, err
}

func (s *Store) AttachmentFileTitles(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM attachments WHERE chat_id = ?`, chatID)
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
	var systemInstruction, memoryContext, skillContext, workspaceContext sql.NullString
	var allowedToolsJSON sql.NullString
	var hasToolPolicy int
	var maxPrompt int
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT system_instruction, max_prompt, memory_context, skill_context, workspace_context, allowed_tools, has_tool_policy, created_at, updated_at
		FROM chats WHERE id = ?`, chatID,
	).Scan(&systemInstruction, &maxPrompt, &memoryContext, &skillContext, &workspaceContext, &allowedToolsJSON, &hasToolPolicy, &createdAt, &updatedAt)
	if err != nil {
		return edgeagent.ContextConfiguration{}, fmt.Errorf("sqlite: fetch context data: %w", err)
	}

	cfg.SystemInstruction = systemInstruction.String
	cfg.MaxPrompt = maxPrompt
	cfg.HasToolPolicy = hasToolPolicy != 0
	cfg.CreatedAt = time.Unix(createdAt, 0)
	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	if memoryContext.Valid {
		cfg.MemoryContext = &memoryContext.String
	}
	if skillContext.Valid {
		cfg.SkillContext = &skillContext.String
	}
	if workspaceContext.Valid {
		cfg.WorkspaceContext = &workspaceContext.String
	}
	cfg.AllowedTools = make(map[string]struct{})
	if allowedToolsJSON.Valid {
		var names []string
		if err := json.Unmarshal([]byte(allowedToolsJSON.String), &names); err == nil {
			for _, n := range names {
				cfg.AllowedTools[n] = struct{}{}
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_input FROM context_messages WHERE chat_id = ? ORDER BY position ASC`, chatID)
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
	_, err := s.db.ExecContext(ctx, `UPDATE models SET runtime_state = ? WHERE id = ?`, string(transition), modelID)
	return err
}

func (s *Store) DeleteModelLocation(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE models SET location_local = NULL, location_bookmark = NULL WHERE id = ?`, modelID)
	return err
}

func (s *Store) Create(ctx context.Context, msg edgeagent.MessageRecord) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, prompt, is_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET prompt = excluded.prompt, updated_at = excluded.updated_at`,
		msg.ID, msg.ChatID, msg.Role, msg.Prompt, now, now)
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
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET channels = ?, tool_calls = ?, final_channel = ?, is_complete = ?, updated_at = ?
		WHERE id = ?`,
		string(channelsJSON), string(toolsJSON), final.Content, boolToInt(final.IsComplete), time.Now().Unix(), messageID)
	return err
}

func (s *Store) UpdateStreamingFinalChannel(ctx context.Context, messageID, content string, isComplete bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET final_channel = ?, is_complete = ?, updated_at = ? WHERE id = ?`,
		content, boolToInt(isComplete), time.Now().Unix(), messageID)
	return err
}

func (s *Store) AppendFinalChannelContent(ctx context.Context, messageID, delta string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET final_channel = COALESCE(final_channel, '') || ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().Unix(), messageID)
	return err
}

func (s *Store) UpdateToolResponses(ctx context.Context, messageID string, responses []edgeagent.ToolResponse) error {
	data, err := json.Marshal(responses)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET tool_responses = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().Unix(), messageID)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_metrics (message_id, elapsed_ms, generated_tokens, prompt_tokens, context_utilization, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, elapsedMs, generatedTokens, promptTokens, nullableFloat(contextUtilization), time.Now().Unix())
	return err
}

func (s *Store) AddResponse(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	return s.insertImageFrame(ctx, messageID, image)
}

func (s *Store) AddImageResponse(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	return s.insertImageFrame(ctx, messageID, image)
}

func (s *Store) insertImageFrame(ctx context.Context, messageID string, image edgeagent.ImageProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_frames (message_id, step, total_steps, image_bytes, is_final, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, image.Step, image.TotalSteps, image.ImageBytes, boolToInt(image.IsFinal), time.Now().Unix())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
