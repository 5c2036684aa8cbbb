package edgeagent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MessagePersistor is the durable write surface for messages, channels,
// tool results and metrics (C4). It wraps a Database with the streaming
// throttle bookkeeping described in spec §4.8: the first persistent update
// for a message runs the full context-builder parse to materialize stable
// channel ids, subsequent updates within the throttle window are skipped,
// and the final write is always a full parse regardless of throttle state.
//
// Per spec §5, streaming writes to the same message id are serialized;
// here that is a per-message mutex rather than a single global one, so
// concurrent generations for different messages never block each other.
type MessagePersistor struct {
	db     Database
	logger *slog.Logger

	throttleInterval time.Duration

	mu    sync.Mutex
	state map[string]*messageStreamState
}

type messageStreamState struct {
	mu           sync.Mutex
	firstWritten bool
	lastWriteAt  time.Time // monotonic-bearing time.Time; never compared to wall clock
}

// PersistorOption configures a MessagePersistor.
type PersistorOption func(*MessagePersistor)

// WithPersistorLogger sets a structured logger; defaults to a no-op logger.
func WithPersistorLogger(l *slog.Logger) PersistorOption {
	return func(p *MessagePersistor) { p.logger = l }
}

// NewMessagePersistor constructs a Persistor over db, throttling streaming
// writes to at most one per throttleInterval (spec default 150ms).
func NewMessagePersistor(db Database, throttleInterval time.Duration, opts ...PersistorOption) *MessagePersistor {
	p := &MessagePersistor{
		db:               db,
		logger:           nopLogger,
		throttleInterval: throttleInterval,
		state:            make(map[string]*messageStreamState),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MessagePersistor) streamState(messageID string) *messageStreamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.state[messageID]
	if !ok {
		s = &messageStreamState{}
		p.state[messageID] = s
	}
	return s
}

// forgetMessage drops bookkeeping for a completed message so the map does
// not grow unbounded across a long-lived Orchestrator.
func (p *MessagePersistor) forgetMessage(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, messageID)
}

// CreateMessage persists the initial row for a new generation turn.
func (p *MessagePersistor) CreateMessage(ctx context.Context, msg MessageRecord) error {
	if err := p.db.Create(ctx, msg); err != nil {
		p.logger.Warn("edgeagent: persist create message failed", "message_id", msg.ID, "err", err)
		return err
	}
	return nil
}

// StreamUpdate is called on every accumulated-text update during streaming.
// It enforces the throttle and chooses between a full parse (first write) or
// a final-channel-only extraction (subsequent writes), per spec §4.8.
// Persistence failures here are logged and swallowed: raw text keeps
// accumulating upstream and the unconditional FinalizeMessage call still
// runs a full parse at the end.
func (p *MessagePersistor) StreamUpdate(ctx context.Context, cb ContextBuilder, messageID, rawAccumulated string, model SendableModel) {
	st := p.streamState(messageID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.firstWritten {
		out, err := cb.Process(ctx, rawAccumulated, model)
		if err != nil {
			p.logger.Warn("edgeagent: initial parse failed", "message_id", messageID, "err", err)
			return
		}
		if err := p.db.UpdateProcessedOutput(ctx, messageID, out); err != nil {
			p.logger.Warn("edgeagent: persist processed output failed", "message_id", messageID, "err", err)
		}
		st.firstWritten = true
		st.lastWriteAt = time.Now()
		return
	}

	if time.Since(st.lastWriteAt) < p.throttleInterval {
		return
	}
	st.lastWriteAt = time.Now()

	content := extract(rawAccumulated)
	if err := p.db.UpdateStreamingFinalChannel(ctx, messageID, content, false); err != nil {
		p.logger.Warn("edgeagent: persist streaming update failed", "message_id", messageID, "err", err)
	}
}

// FinalizeMessage performs the unconditional, terminal parse-and-persist
// once a stream turn completes, marking the final channel complete.
func (p *MessagePersistor) FinalizeMessage(ctx context.Context, cb ContextBuilder, messageID, rawAccumulated string, model SendableModel) (ProcessedOutput, error) {
	defer p.forgetMessage(messageID)

	out, err := cb.Process(ctx, rawAccumulated, model)
	if err != nil {
		p.logger.Warn("edgeagent: final parse failed", "message_id", messageID, "err", err)
		return ProcessedOutput{}, err
	}
	if err := p.db.UpdateProcessedOutput(ctx, messageID, out); err != nil {
		p.logger.Warn("edgeagent: persist final processed output failed", "message_id", messageID, "err", err)
	}
	if final, ok := out.FinalChannel(); ok {
		if err := p.db.UpdateStreamingFinalChannel(ctx, messageID, final.Content, true); err != nil {
			p.logger.Warn("edgeagent: persist final channel completion failed", "message_id", messageID, "err", err)
		}
	}
	return out, nil
}

// PersistFailureNote appends a human-readable failure line to the message's
// final channel, preserving any prior partial output (spec §7). A failure
// to persist the note itself is logged, not thrown.
func (p *MessagePersistor) PersistFailureNote(ctx context.Context, messageID string, cause error) {
	if err := p.db.AppendFinalChannelContent(ctx, messageID, "\n\n"+failureMessage(cause)); err != nil {
		p.logger.Error("edgeagent: persist failure note failed", "message_id", messageID, "err", err)
	}
}

// PersistToolResponses writes tool responses before the next iteration
// begins. Failures are logged and swallowed per spec §7.
func (p *MessagePersistor) PersistToolResponses(ctx context.Context, messageID string, responses []ToolResponse) {
	if err := p.db.UpdateToolResponses(ctx, messageID, responses); err != nil {
		p.logger.Warn("edgeagent: persist tool responses failed", "message_id", messageID, "err", err)
	}
}

// PersistMetrics writes chunk metrics for a completed turn.
func (p *MessagePersistor) PersistMetrics(ctx context.Context, messageID string, metrics ChunkMetrics) {
	if err := p.db.Add(ctx, messageID, metrics); err != nil {
		p.logger.Warn("edgeagent: persist metrics failed", "message_id", messageID, "err", err)
	}
}

// PersistImageFrame persists one image-generation progress frame.
func (p *MessagePersistor) PersistImageFrame(ctx context.Context, messageID string, frame ImageProgress) {
	var err error
	if frame.IsFinal {
		err = p.db.AddImageResponse(ctx, messageID, frame)
	} else {
		err = p.db.AddResponse(ctx, messageID, frame)
	}
	if err != nil {
		p.logger.Warn("edgeagent: persist image frame failed", "message_id", messageID, "err", err)
	}
}
