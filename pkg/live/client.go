// Package live implements a streaming session client for the Gemini Live
// BidiGenerateContent protocol.
//
// A [Client] owns one persistent WebSocket connection at a time. It performs
// the setup handshake, forwards text turns and realtime media parts, and
// demultiplexes inbound frames into typed [Event] values that are delivered
// to subscribers strictly in wire order.
//
// The session state machine is Idle → Connecting → Open → Closed. Closed is
// terminal for a connection; a new [Client.Connect] starts a fresh one. The
// client never reconnects on its own.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel            = "gemini-2.0-flash-exp"
	defaultBaseURL          = "wss://generativelanguage.googleapis.com/ws"
	defaultHandshakeTimeout = 10 * time.Second
	defaultOutboxSize       = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Model turns carry inline
	// base64 audio and routinely exceed the websocket default of 32 KiB.
	readLimit = 16 << 20
)

// State is the connection state of a [Client].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is the per-session configuration sent in the setup message. It is
// fixed for the lifetime of a connection.
type Config struct {
	// Model overrides the client's default model for this session.
	Model string

	// ResponseModalities defaults to ["AUDIO"].
	ResponseModalities []string

	// Voice is the prebuilt voice name, e.g. "Aoede".
	Voice string

	SystemInstruction string

	// CaptureSampleRate and OutputSampleRate are recorded for consumers; the
	// protocol itself carries the capture rate in every audio part's MIME type.
	CaptureSampleRate int
	OutputSampleRate  int
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the default model used when [Config.Model] is empty.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHandshakeTimeout bounds the wait for setupComplete. Defaults to 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithOutboxSize sets how many outbound frames may queue before realtime
// parts are dropped. Defaults to 64.
func WithOutboxSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.outboxSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a Gemini Live session client. All methods are safe for concurrent
// use.
type Client struct {
	apiKey           string
	model            string
	baseURL          string
	httpClient       *http.Client
	handshakeTimeout time.Duration
	outboxSize       int
	logger           *slog.Logger

	bus bus

	mu    sync.Mutex
	state State
	conn  *connection
	cfg   Config
}

// connection holds the resources of one Connect attempt.
type connection struct {
	ws     *websocket.Conn // nil until dialed; guarded by Client.mu
	ctx    context.Context
	cancel context.CancelFunc
	outbox chan []byte

	ready     chan struct{} // closed on setupComplete
	readyOnce sync.Once
	done      chan struct{} // closed on shutdown
	closed    atomic.Bool
	cause     error // set before done is closed
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
		outboxSize:       defaultOutboxSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the configuration of the current or most recent session.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Subscribe registers fn for events of the given kind and returns a function
// that removes the subscription.
func (c *Client) Subscribe(kind EventKind, fn Handler) (unsubscribe func()) {
	return c.bus.subscribe(kind, fn)
}

// SubscribeAll registers fn for every event.
func (c *Client) SubscribeAll(fn Handler) (unsubscribe func()) {
	return c.bus.subscribe("", fn)
}

// On registers a handler for the event type E.
func On[E Event](c *Client, fn func(E)) (unsubscribe func()) {
	var zero E
	return c.Subscribe(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Connect dials the service, sends the setup message and waits for
// setupComplete. It returns a [*ConnectionError] on transport failure, a
// [*TimeoutError] when the acknowledgment does not arrive within the
// handshake timeout and [ErrClosed] when [Client.Disconnect] is called
// first. The session is Open when Connect returns nil.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	cc := &connection{
		ctx:    connCtx,
		cancel: connCancel,
		outbox: make(chan []byte, c.outboxSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.conn = cc
	c.cfg = cfg
	c.state = StateConnecting
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	url := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)
	ws, _, err := websocket.Dial(hctx, url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return c.abort(ctx, hctx, cc, "dial", err)
	}
	ws.SetReadLimit(readLimit)

	c.mu.Lock()
	if cc.closed.Load() {
		c.mu.Unlock()
		ws.CloseNow()
		return ErrClosed
	}
	cc.ws = ws
	c.mu.Unlock()

	c.bus.publish(OpenEvent{})

	setup, err := json.Marshal(newSetupMessage(c.model, cfg))
	if err != nil {
		return c.abort(ctx, hctx, cc, "setup", err)
	}
	if err := ws.Write(hctx, websocket.MessageText, setup); err != nil {
		return c.abort(ctx, hctx, cc, "setup", err)
	}
	c.log("client.setup", "sent setup message")

	go c.readLoop(cc)
	go c.writeLoop(cc)
	go c.keepaliveLoop(cc)

	select {
	case <-cc.ready:
		return nil
	case <-cc.done:
		return c.abort(ctx, hctx, cc, "handshake", cc.cause)
	case <-hctx.Done():
		return c.abort(ctx, hctx, cc, "handshake", hctx.Err())
	}
}

// abort classifies a failed handshake, closes the connection and returns the
// error Connect reports.
func (c *Client) abort(ctx, hctx context.Context, cc *connection, op string, err error) error {
	if cc.closed.Load() {
		<-cc.done
		var ce *ConnectionError
		switch {
		case errors.Is(cc.cause, ErrClosed):
			return ErrClosed
		case errors.As(cc.cause, &ce):
			return ce
		default:
			return &ConnectionError{Op: op, Err: cc.cause}
		}
	}

	var ret error
	switch {
	case ctx.Err() != nil:
		ret = &ConnectionError{Op: op, Err: ctx.Err()}
	case errors.Is(hctx.Err(), context.DeadlineExceeded):
		ret = &TimeoutError{After: c.handshakeTimeout}
	default:
		ret = &ConnectionError{Op: op, Err: err}
	}
	c.shutdown(cc, ret, websocket.StatusAbnormalClosure, false)
	return ret
}

// Send submits one user text turn. It does not wait for a reply.
func (c *Client) Send(text string) error {
	msg := clientContentMessage{ClientContent: clientContent{
		Turns:        []contentTurn{{Role: "user", Parts: []textPart{{Text: text}}}},
		TurnComplete: true,
	}}
	if err := c.enqueue(msg, true); err != nil {
		return err
	}
	c.log("client.send", text)
	return nil
}

// SendRealtimeInput forwards parts as a single realtimeInput frame, in the
// given order. Delivery is best-effort: when the outbound queue is full the
// frame is dropped and a log event records it.
func (c *Client) SendRealtimeInput(parts ...Part) error {
	if len(parts) == 0 {
		return nil
	}
	return c.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: parts}}, false)
}

// SendToolResponse answers one or more tool calls.
func (c *Client) SendToolResponse(responses ...FunctionResponse) error {
	if len(responses) == 0 {
		return nil
	}
	if err := c.enqueue(toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: responses}}, true); err != nil {
		return err
	}
	c.log("client.toolResponse", fmt.Sprintf("%d function response(s)", len(responses)))
	return nil
}

// enqueue marshals v onto the outbound queue. When wait is false a full queue
// drops the frame; otherwise enqueue waits for room or for the connection to
// close.
func (c *Client) enqueue(v any, wait bool) error {
	c.mu.Lock()
	cc, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || cc == nil {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}

	if wait {
		select {
		case cc.outbox <- data:
			return nil
		case <-cc.done:
			return ErrClosed
		}
	}
	select {
	case cc.outbox <- data:
	case <-cc.done:
		return ErrClosed
	default:
		c.log("client.drop", "outbound queue full, realtime input dropped")
	}
	return nil
}

// Disconnect closes the session. It is idempotent and safe from any state,
// including during Connect. Socket teardown may finish after it returns.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cc := c.conn
	if cc == nil {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.shutdown(cc, ErrClosed, websocket.StatusNormalClosure, false)
	return nil
}

// shutdown moves cc to Closed exactly once. notify publishes cause as an
// ErrorEvent before the CloseEvent.
func (c *Client) shutdown(cc *connection, cause error, code websocket.StatusCode, notify bool) {
	if !cc.closed.CompareAndSwap(false, true) {
		return
	}
	cc.cause = cause

	c.mu.Lock()
	if c.conn == cc {
		c.state = StateClosed
	}
	ws := cc.ws
	c.mu.Unlock()

	close(cc.done)
	cc.cancel()
	if ws != nil {
		go ws.Close(code, "session closed")
	}

	if notify && cause != nil {
		c.bus.publish(ErrorEvent{Err: cause})
	}
	c.bus.publish(CloseEvent{Code: int(code)})
}

// ── loops ──────────────────────────────────────────────────────────────────────

// readLoop reads frames until the connection fails or is closed and
// publishes the resulting events in arrival order.
func (c *Client) readLoop(cc *connection) {
	for {
		typ, data, err := cc.ws.Read(cc.ctx)
		if err != nil {
			if cc.ctx.Err() != nil {
				return
			}
			code := websocket.CloseStatus(err)
			switch code {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.shutdown(cc, &ConnectionError{Op: "read", Err: err}, code, false)
			case -1:
				c.shutdown(cc, &ConnectionError{Op: "read", Err: err}, websocket.StatusAbnormalClosure, true)
			default:
				c.shutdown(cc, &ConnectionError{Op: "read", Err: err}, code, true)
			}
			return
		}
		if !c.handleFrame(cc, typ, data) {
			return
		}
	}
}

// handleFrame publishes the events of one inbound frame. It returns false
// once the frame closed the connection.
func (c *Client) handleFrame(cc *connection, typ websocket.MessageType, data []byte) bool {
	c.bus.publish(MessageEvent{Raw: data})

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if typ == websocket.MessageBinary {
			c.bus.publish(AudioEvent{Data: data})
		} else {
			c.log("server.malformed", err.Error())
		}
		return true
	}

	if msg.SetupComplete != nil {
		c.mu.Lock()
		if c.conn == cc && c.state == StateConnecting {
			c.state = StateOpen
		}
		c.mu.Unlock()
		c.log("server.setupComplete", "setup complete")
		c.bus.publish(SetupCompleteEvent{})
		cc.readyOnce.Do(func() { close(cc.ready) })
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if !p.InlineData.IsAudio() {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				c.bus.publish(AudioEvent{Data: pcm})
			}
			c.bus.publish(ContentEvent{Turn: *sc.ModelTurn})
		}
		if sc.Interrupted {
			c.log("server.interrupted", "model interrupted")
			c.bus.publish(InterruptedEvent{})
		}
		if sc.TurnComplete {
			c.log("server.turnComplete", "turn complete")
			c.bus.publish(TurnCompleteEvent{})
		}
	}

	if msg.ToolCall != nil {
		c.bus.publish(ToolCallEvent{Calls: msg.ToolCall.FunctionCalls})
	}
	if msg.ToolCallCancellation != nil {
		c.log("server.toolCallCancellation", string(*msg.ToolCallCancellation))
	}

	if msg.Error != nil {
		c.logger.Warn("live: server error", "code", msg.Error.Code, "message", msg.Error.Message)
		c.shutdown(cc, msg.Error, websocket.StatusInternalError, true)
		return false
	}
	return true
}

// writeLoop is the only writer on the socket after setup.
func (c *Client) writeLoop(cc *connection) {
	for {
		select {
		case <-cc.done:
			return
		case data := <-cc.outbox:
			if err := cc.ws.Write(cc.ctx, websocket.MessageText, data); err != nil {
				if cc.ctx.Err() == nil {
					c.shutdown(cc, &ConnectionError{Op: "write", Err: err}, websocket.StatusAbnormalClosure, true)
				}
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (c *Client) keepaliveLoop(cc *connection) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(cc.ctx, keepaliveTimeout)
			if err := cc.ws.Ping(pingCtx); err != nil && cc.ctx.Err() == nil {
				c.logger.Debug("live: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *Client) log(typ, msg string) {
	c.bus.publish(LogEvent{Entry: LogEntry{Time: time.Now(), Type: typ, Message: msg}})
}
