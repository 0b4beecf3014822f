package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qri-io/jsonschema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

var (
	// ErrUnavailable means the channel could not be (re)established within
	// the bounded attempt budget.
	ErrUnavailable = errors.New("channel unavailable")
	// ErrClosed means the channel was shut down locally.
	ErrClosed = errors.New("channel closed")
	// ErrAckTimeout means the server never acknowledged an emit.
	ErrAckTimeout = errors.New("acknowledgement timed out")
)

// State is the channel's connection state, reported through Options.OnState.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Envelope is the wire frame: a named event, an optional correlation id for
// acknowledged emits, and a JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the server's reply to an acknowledged emit.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Handler consumes an inbound event's payload. Handlers run on the read
// loop; they must not block.
type Handler func(payload json.RawMessage)

type handlerEntry struct {
	fn     Handler
	schema *jsonschema.Schema
}

type Options struct {
	URL          string
	DialAttempts int           // bounded attempts per connect cycle; default 5
	RetryDelay   time.Duration // fixed delay between attempts; default 1s
	AckTimeout   time.Duration // default 5s
	OnState      func(State, error)
	Logger       *slog.Logger
}

// Channel is a duplex, reconnecting, named-message client over a websocket.
// Reconnection reuses the same bounded-attempt, fixed-delay policy as the
// initial dial; once the budget is exhausted the channel reports StateFailed
// and stays down until the owner rebuilds it.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]handlerEntry
	pending  map[string]chan Ack
	closed   bool

	send    chan []byte
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options) *Channel {
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]handlerEntry),
		pending:  make(map[string]chan Ack),
		send:     make(chan []byte, sendBuffer),
		closeCh:  make(chan struct{}),
	}
}

// Handle registers fn for inbound events named event.
func (c *Channel) Handle(event string, fn Handler) {
	c.mu.Lock()
	c.handlers[event] = handlerEntry{fn: fn}
	c.mu.Unlock()
}

// HandleSchema registers fn guarded by a JSON schema. Payloads that fail
// validation are logged and dropped before fn ever sees them.
func (c *Channel) HandleSchema(event string, schemaJSON []byte, fn Handler) error {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(schemaJSON, rs); err != nil {
		return fmt.Errorf("compile schema for %s: %w", event, err)
	}
	c.mu.Lock()
	c.handlers[event] = handlerEntry{fn: fn, schema: rs}
	c.mu.Unlock()
	return nil
}

// Connect dials the server and starts the pumps. It blocks until the first
// connection is up or the attempt budget is spent.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.notify(StateFailed, err)
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.notify(StateConnected, nil)

	c.wg.Add(1)
	go c.supervise(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.notify(StateConnecting, nil)
	var lastErr error
	for i := 0; i < c.opts.DialAttempts; i++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("dial failed", "url", c.opts.URL, "attempt", i+1, "err", err)
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closeCh:
			return nil, ErrClosed
		}
	}
	return nil, fmt.Errorf("%w: %d attempts, last: %v", ErrUnavailable, c.opts.DialAttempts, lastErr)
}

// supervise runs the pumps for each connection generation and redials when
// one dies, until the channel is closed or the dial budget runs out.
func (c *Channel) supervise(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.runConn(conn)
		if c.isClosed() {
			return
		}
		next, err := c.dial(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.notify(StateFailed, err)
			}
			return
		}
		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()
		c.notify(StateConnected, nil)
		conn = next
	}
}

// runConn drives one connection until its read side fails.
func (c *Channel) runConn(conn *websocket.Conn) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, done)
	}()

	c.readPump(conn)
	close(done)
	conn.Close()
	wg.Wait()
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.isClosed() {
				c.logger.Warn("read error", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid frame", "err", err)
			continue
		}

		if env.Event == EventAck && env.ID != "" {
			c.deliverAck(env)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write error", "err", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.closeCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Channel) deliverAck(env Envelope) {
	var ack Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		c.logger.Warn("invalid ack payload", "id", env.ID, "err", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Channel) dispatch(env Envelope) {
	c.mu.Lock()
	entry, ok := c.handlers[env.Event]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("unhandled event", "event", env.Event)
		return
	}
	if entry.schema != nil {
		keyErrs, err := entry.schema.ValidateBytes(context.Background(), env.Payload)
		if err != nil || len(keyErrs) > 0 {
			c.logger.Warn("payload failed validation, dropped", "event", env.Event, "err", err, "violations", len(keyErrs))
			return
		}
	}
	entry.fn(env.Payload)
}

// Emit sends a named event fire-and-forget. When the outbound buffer is full
// (channel down or backlogged) the message is dropped with a warning.
func (c *Channel) Emit(event string, payload any) error {
	msg, err := encode(event, "", payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closeCh:
		return ErrClosed
	default:
		c.logger.Warn("outbound buffer full, dropped", "event", event)
		return ErrUnavailable
	}
}

// EmitWithAck sends a named event and waits for the server's acknowledgement.
func (c *Channel) EmitWithAck(ctx context.Context, event string, payload any) (Ack, error) {
	id := uuid.NewString()
	msg, err := encode(event, id, payload)
	if err != nil {
		return Ack{}, err
	}

	ch := make(chan Ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ack{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	select {
	case c.send <- msg:
	case <-c.closeCh:
		cleanup()
		return Ack{}, ErrClosed
	case <-ctx.Done():
		cleanup()
		return Ack{}, ctx.Err()
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-time.After(c.opts.AckTimeout):
		cleanup()
		return Ack{}, ErrAckTimeout
	case <-c.closeCh:
		cleanup()
		return Ack{}, ErrClosed
	case <-ctx.Done():
		cleanup()
		return Ack{}, ctx.Err()
	}
}

func encode(event, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(Envelope{Event: event, ID: id, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return msg, nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) notify(s State, err error) {
	if c.opts.OnState != nil {
		c.opts.OnState(s, err)
	}
}

// Close shuts the channel down and waits for the pumps. Safe to call more
// than once and before Connect.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.notify(StateClosed, nil)
}
