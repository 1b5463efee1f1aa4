// Package conversation keeps the bookkeeping of one live session: it tracks
// the active turn, enriches typed messages with long-term memory, forwards
// captured media to the session and routes model audio to playback.
//
// A [Manager] never lets memory slow down the conversation. Lookups run under
// a hard timeout and degrade to "no context"; saves are queued to a single
// background worker in turn order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/live"
	"github.com/MrWong99/murmur/pkg/memory"
	"github.com/MrWong99/murmur/pkg/video"
)

// ErrEmptyMessage is returned by [Manager.SendText] for blank input.
var ErrEmptyMessage = errors.New("conversation: empty message")

const (
	defaultSearchTimeout = 2 * time.Second
	defaultSaveTimeout   = 10 * time.Second
	defaultToolTimeout   = 10 * time.Second
)

// Session is the part of [*live.Client] the manager drives.
type Session interface {
	State() live.State
	Send(text string) error
	SendRealtimeInput(parts ...live.Part) error
	SendToolResponse(responses ...live.FunctionResponse) error
	Subscribe(kind live.EventKind, fn live.Handler) (unsubscribe func())
}

var _ Session = (*live.Client)(nil)

// Player receives model audio. [*playback.Scheduler] implements it.
type Player interface {
	Enqueue(pcm []byte) error
	Interrupt()
}

// Tool answers a function call from the model. The returned map becomes the
// function response payload.
type Tool func(ctx context.Context, args map[string]any) (map[string]any, error)

// Turn is a snapshot of one exchange between the user and the model.
type Turn struct {
	ID             uuid.UUID
	UserText       string
	AssistantText  string
	ToolInProgress bool
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithPlayer routes model audio to p.
func WithPlayer(p Player) Option {
	return func(m *Manager) { m.player = p }
}

// WithMemory enables long-term memory backed by store. The store is wrapped
// in a [MemoryGuard].
func WithMemory(store memory.Store) Option {
	return func(m *Manager) { m.rawStore = store }
}

// WithUserID scopes memory operations. Defaults to [memory.DefaultUserID].
func WithUserID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.userID = id
		}
	}
}

// WithSearchTimeout bounds the memory lookup done before each message.
// Defaults to 2s.
func WithSearchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.searchTimeout = d
		}
	}
}

// WithSaveTimeout bounds each background memory save. Defaults to 10s.
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithTool registers fn under name. Calls to unregistered tools are answered
// with an error payload.
func WithTool(name string, fn Tool) Option {
	return func(m *Manager) { m.tools[name] = fn }
}

// WithOnTurn registers fn to receive every completed turn.
func WithOnTurn(fn func(Turn)) Option {
	return func(m *Manager) { m.onTurn = fn }
}

// WithOnInputLevel registers fn to receive the peak level of every captured
// audio chunk.
func WithOnInputLevel(fn func(float64)) Option {
	return func(m *Manager) { m.onLevel = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the active [Turn] of a session.
type Manager struct {
	session       Session
	player        Player
	rawStore      memory.Store
	guard         *MemoryGuard
	userID        string
	searchTimeout time.Duration
	saveTimeout   time.Duration
	tools         map[string]Tool
	onTurn        func(Turn)
	onLevel       func(float64)
	metrics       *observe.Metrics
	logger        *slog.Logger

	mu        sync.Mutex
	turnID    uuid.UUID
	user      strings.Builder
	assistant strings.Builder
	tool      bool
	// next holds text typed while a reply streams. It opens the next turn.
	next strings.Builder

	started bool
	unsubs  []func()
	saver   *saver
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Manager for session. Call [Manager.Start] to begin handling
// events.
func New(session Session, opts ...Option) *Manager {
	m := &Manager{
		session:       session,
		userID:        memory.DefaultUserID,
		searchTimeout: defaultSearchTimeout,
		saveTimeout:   defaultSaveTimeout,
		tools:         make(map[string]Tool),
		turnID:        uuid.New(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.rawStore != nil {
		m.guard = NewMemoryGuard(m.rawStore, m.metrics, m.logger)
	}
	return m
}

// Start subscribes to the session. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.guard != nil {
		m.saver = newSaver(m.guard, m.userID, m.saveTimeout, m.logger)
	}

	s := m.session
	m.unsubs = append(m.unsubs,
		s.Subscribe(live.KindContent, m.handle),
		s.Subscribe(live.KindTurnComplete, m.handle),
		s.Subscribe(live.KindInterrupted, m.handle),
		s.Subscribe(live.KindAudio, m.handle),
		s.Subscribe(live.KindToolCall, m.handle),
		s.Subscribe(live.KindClose, m.handle),
		s.Subscribe(live.KindError, m.handle),
	)
}

// Close unsubscribes, waits for running tool calls and flushes queued memory
// saves.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	unsubs, sv, cancel := m.unsubs, m.saver, m.cancel
	m.unsubs, m.saver = nil, nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	cancel()
	m.wg.Wait()
	if sv != nil {
		sv.close()
	}
}

// Turn returns a snapshot of the active turn.
func (m *Manager) Turn() Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// ToolInProgress reports whether the model is currently using a tool.
func (m *Manager) ToolInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tool
}

// MemoryDegraded reports whether the last memory operation failed. It is
// false when memory is disabled.
func (m *Manager) MemoryDegraded() bool {
	return m.guard != nil && m.guard.IsDegraded()
}

// SendText sends a typed user message. When memory is enabled, relevant
// memories found within the search timeout are appended to the message.
// Memory failures never prevent the message from being sent. Text sent while
// the model is replying is recorded as the user side of the following turn.
func (m *Manager) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if m.session.State() != live.StateOpen {
		return live.ErrClosed
	}

	m.mu.Lock()
	buf := &m.user
	if m.assistant.Len() > 0 || m.tool {
		buf = &m.next
	}
	if buf.Len() > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString(text)
	m.mu.Unlock()

	msg := text
	if m.guard != nil {
		sctx, cancel := context.WithTimeout(ctx, m.searchTimeout)
		entries, _ := m.guard.Search(sctx, text, m.userID)
		cancel()
		msg = memory.Compose(text, entries)
		if len(entries) > 0 {
			m.logger.Debug("conversation: added memory context", "memories", len(entries))
		}
	}

	if err := m.session.Send(msg); err != nil {
		return fmt.Errorf("conversation: send: %w", err)
	}
	return nil
}

// SendAudio forwards a captured chunk to the session. While the model is
// using a tool the part carries the interrupt flag. Chunks captured while the
// session is not open are discarded.
func (m *Manager) SendAudio(c audio.Chunk, level float64) {
	if m.onLevel != nil {
		m.onLevel(level)
	}
	if m.session.State() != live.StateOpen {
		return
	}
	if err := m.session.SendRealtimeInput(live.AudioPart(c, m.ToolInProgress())); err != nil {
		m.logger.Debug("conversation: send audio", "err", err)
		return
	}
	m.metrics.RecordRealtimePart(context.Background(), "audio")
}

// SendFrame forwards an encoded video frame while the session is open.
func (m *Manager) SendFrame(f video.Frame) {
	if m.session.State() != live.StateOpen {
		return
	}
	if err := m.session.SendRealtimeInput(live.ImagePart(f.Data)); err != nil {
		m.logger.Debug("conversation: send frame", "err", err)
		return
	}
	m.metrics.RecordRealtimePart(context.Background(), "image")
}

// ── Event handling ────────────────────────────────────────────────────────────

func (m *Manager) handle(ev live.Event) {
	switch e := ev.(type) {
	case live.ContentEvent:
		m.mu.Lock()
		m.assistant.WriteString(e.Turn.Text())
		if e.Turn.HasFunctionCall() {
			m.tool = true
		}
		if e.Turn.HasFunctionResponse() {
			m.tool = false
		}
		m.mu.Unlock()

	case live.TurnCompleteEvent:
		m.completeTurn()

	case live.InterruptedEvent:
		m.mu.Lock()
		m.tool = false
		m.mu.Unlock()
		if m.player != nil {
			m.player.Interrupt()
		}
		m.metrics.PlaybackInterrupts.Add(context.Background(), 1)

	case live.AudioEvent:
		if m.player == nil {
			return
		}
		if err := m.player.Enqueue(e.Data); err != nil {
			m.logger.Debug("conversation: enqueue audio", "err", err)
		}

	case live.ToolCallEvent:
		m.mu.Lock()
		if !m.started {
			m.mu.Unlock()
			return
		}
		m.tool = true
		ctx := m.ctx
		m.wg.Add(1)
		m.mu.Unlock()
		go m.answer(ctx, e.Calls)

	case live.CloseEvent, live.ErrorEvent:
		// A partial turn cannot complete on a closed session.
		m.mu.Lock()
		m.resetTurn()
		m.mu.Unlock()
	}
}

// completeTurn snapshots and resets the active turn, then queues the exchange
// for storage when both sides are non-empty.
func (m *Manager) completeTurn() {
	m.mu.Lock()
	done := m.snapshot()
	next := m.next.String()
	m.resetTurn()
	m.user.WriteString(next)
	sv := m.saver
	m.mu.Unlock()

	m.metrics.Turns.Add(context.Background(), 1)
	m.logger.Debug("conversation: turn complete", "turn_id", done.ID, "assistant_chars", len(done.AssistantText))

	if sv != nil && done.UserText != "" && done.AssistantText != "" {
		sv.enqueue(memory.Exchange(done.UserText, done.AssistantText))
	}
	if m.onTurn != nil {
		m.onTurn(done)
	}
}

// answer runs the requested tools and replies with one response per call.
func (m *Manager) answer(ctx context.Context, calls []live.FunctionCall) {
	defer m.wg.Done()

	responses := make([]live.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		resp := live.FunctionResponse{ID: call.ID, Name: call.Name}
		tool, ok := m.tools[call.Name]
		switch {
		case !ok:
			resp.Response = map[string]any{"error": "unknown tool: " + call.Name}
			m.metrics.RecordToolCall(ctx, call.Name, "unknown")
			m.logger.Warn("conversation: model called unknown tool", "tool", call.Name)
		default:
			tctx, cancel := context.WithTimeout(ctx, defaultToolTimeout)
			out, err := tool(tctx, call.Args)
			cancel()
			if err != nil {
				resp.Response = map[string]any{"error": err.Error()}
				m.metrics.RecordToolCall(ctx, call.Name, "error")
			} else {
				if out == nil {
					out = map[string]any{}
				}
				resp.Response = out
				m.metrics.RecordToolCall(ctx, call.Name, "ok")
			}
		}
		responses = append(responses, resp)
	}

	if err := m.session.SendToolResponse(responses...); err != nil {
		m.logger.Warn("conversation: send tool response", "err", err)
	}
	m.mu.Lock()
	m.tool = false
	m.mu.Unlock()
}

// snapshot copies the active turn. m.mu must be held.
func (m *Manager) snapshot() Turn {
	return Turn{
		ID:             m.turnID,
		UserText:       m.user.String(),
		AssistantText:  m.assistant.String(),
		ToolInProgress: m.tool,
	}
}

// resetTurn starts a fresh turn. m.mu must be held.
func (m *Manager) resetTurn() {
	m.turnID = uuid.New()
	m.user.Reset()
	m.assistant.Reset()
	m.next.Reset()
	m.tool = false
}
