package presence

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/fieldside/dispatch/internal/channel"
	"github.com/fieldside/dispatch/internal/geo"
)

// Status is the presence client's connection state.
type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusConnecting       Status = "connecting"
	StatusConnected        Status = "connected"
	StatusPermissionDenied Status = "permission_denied"
	StatusError            Status = "error"
)

// State is the externally observable presence state. NeedsPermission and
// NeedsCapability flag the two locally recoverable blocking conditions.
type State struct {
	Status          Status
	LastUpdate      time.Time
	LastError       string
	NeedsPermission bool
	NeedsCapability bool
}

type Options struct {
	ServerURL    string
	Interval     time.Duration // reporting cadence; default 10s
	DialAttempts int
	RetryDelay   time.Duration
	AckTimeout   time.Duration
	OnStatus     func(State)
	Logger       *slog.Logger
}

type handlerReg struct {
	event  string
	schema []byte
	fn     channel.Handler
}

// Client owns the realtime channel and the geolocation source. Once started
// it verifies permission and capability, connects the channel, and reports
// one position fix per cadence tick with acknowledgement. Ticks are strictly
// sequential: a new fix is never acquired while the previous tick is still
// being issued.
type Client struct {
	opts   Options
	src    geo.Source
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	token    string
	running  bool
	pipeline bool
	ch       *channel.Channel
	runCtx   context.Context
	cancel   context.CancelFunc
	regs     []handlerReg
	wg       sync.WaitGroup
}

func New(src geo.Source, opts Options) *Client {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		src:    src,
		logger: logger,
		state:  State{Status: StatusDisconnected},
	}
}

// Handle registers an inbound event handler. Registrations survive channel
// teardown and are re-applied on every new channel.
func (c *Client) Handle(event string, fn channel.Handler) {
	c.mu.Lock()
	c.regs = append(c.regs, handlerReg{event: event, fn: fn})
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		ch.Handle(event, fn)
	}
}

// HandleSchema registers a schema-guarded inbound handler.
func (c *Client) HandleSchema(event string, schema []byte, fn channel.Handler) error {
	c.mu.Lock()
	c.regs = append(c.regs, handlerReg{event: event, schema: schema, fn: fn})
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		return ch.HandleSchema(event, schema, fn)
	}
	return nil
}

// Emit writes a named event through the current channel, fire-and-forget.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return channel.ErrUnavailable
	}
	return ch.Emit(event, payload)
}

// State returns a copy of the current presence state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins presence for the given credential. Calling it again with the
// same credential while running is a no-op; a different credential tears the
// prior channel down first.
func (c *Client) Start(token string) {
	c.mu.Lock()
	if c.running && c.token == token {
		c.mu.Unlock()
		return
	}
	alreadyRunning := c.running
	c.mu.Unlock()

	if alreadyRunning {
		c.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running = true
	c.token = token
	c.runCtx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.startPipeline(ctx)
}

// Stop cancels the reporting loop, closes the channel, and releases all
// timers. Safe to call repeatedly and from any state.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.token = ""
	cancel := c.cancel
	ch := c.ch
	c.ch = nil
	c.runCtx = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	c.wg.Wait()
	c.setState(func(s *State) { *s = State{Status: StatusDisconnected} })
}

// SetScope applies the activation rule: the client runs only while the
// worker is authenticated (token non-empty) and the consuming view holds
// focus. Either condition dropping stops it.
func (c *Client) SetScope(token string, focused bool) {
	if token != "" && focused {
		c.Start(token)
		return
	}
	c.Stop()
}

// startPipeline launches the preflight-connect-report goroutine if one is
// not already in flight.
func (c *Client) startPipeline(ctx context.Context) {
	c.mu.Lock()
	if !c.running || c.pipeline {
		c.mu.Unlock()
		return
	}
	c.pipeline = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.pipeline = false
			c.mu.Unlock()
		}()
		c.run(ctx)
	}()
}

func (c *Client) run(ctx context.Context) {
	c.setState(func(s *State) {
		s.Status = StatusConnecting
		s.LastError = ""
	})

	if !c.preflight(ctx) {
		return
	}

	if !c.connect(ctx) {
		return
	}

	c.reportLoop(ctx)
}

// preflight verifies permission and device capability before the first tick.
// A blocked condition parks the client in its side state; RequestPermission,
// RecheckCapability, and HandleForeground are the re-entry points.
func (c *Client) preflight(ctx context.Context) bool {
	perm, err := c.src.PermissionState(ctx)
	if err != nil {
		c.setState(func(s *State) {
			s.Status = StatusError
			s.LastError = err.Error()
		})
		return false
	}
	if perm != geo.PermissionGranted {
		perm, err = c.src.RequestPermission(ctx)
		if err != nil || perm != geo.PermissionGranted {
			c.logger.Info("location permission denied")
			c.setState(func(s *State) {
				s.Status = StatusPermissionDenied
				s.NeedsPermission = true
				s.LastError = geo.ErrPermissionDenied.Error()
			})
			return false
		}
	}

	enabled, err := c.src.CapabilityEnabled(ctx)
	if err != nil {
		c.setState(func(s *State) {
			s.Status = StatusError
			s.LastError = err.Error()
		})
		return false
	}
	if !enabled {
		c.logger.Info("location capability disabled")
		c.setState(func(s *State) {
			s.Status = StatusError
			s.NeedsCapability = true
			s.LastError = geo.ErrCapabilityDisabled.Error()
		})
		return false
	}

	c.setState(func(s *State) {
		s.NeedsPermission = false
		s.NeedsCapability = false
		s.LastError = ""
	})
	return true
}

// connect builds a fresh channel, re-applies handler registrations, and
// dials. A spent dial budget fails silently into the error state.
func (c *Client) connect(ctx context.Context) bool {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	ch := channel.New(channel.Options{
		URL:          dialURL(c.opts.ServerURL, token),
		DialAttempts: c.opts.DialAttempts,
		RetryDelay:   c.opts.RetryDelay,
		AckTimeout:   c.opts.AckTimeout,
		Logger:       c.logger,
		OnState:      c.onChannelState,
	})

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	regs := make([]handlerReg, len(c.regs))
	copy(regs, c.regs)
	old := c.ch
	c.ch = ch
	c.mu.Unlock()

	// a channel left over from a parked pipeline
	if old != nil {
		old.Close()
	}

	for _, r := range regs {
		if r.schema != nil {
			if err := ch.HandleSchema(r.event, r.schema, r.fn); err != nil {
				c.logger.Error("handler schema", "event", r.event, "err", err)
			}
			continue
		}
		ch.Handle(r.event, r.fn)
	}

	if err := ch.Connect(ctx); err != nil {
		c.logger.Warn("channel connect failed", "err", err)
		return false
	}
	return true
}

func (c *Client) onChannelState(st channel.State, err error) {
	switch st {
	case channel.StateConnecting:
		c.setState(func(s *State) { s.Status = StatusConnecting })
	case channel.StateConnected:
		c.setState(func(s *State) {
			s.Status = StatusConnected
			s.LastError = ""
		})
	case channel.StateFailed:
		c.setState(func(s *State) {
			s.Status = StatusError
			if err != nil {
				s.LastError = err.Error()
			}
		})
	case channel.StateClosed:
		// Stop owns the transition to disconnected.
	}
}

// reportLoop emits one fix per tick, first tick immediately. A failed or
// unacknowledged send records the error and waits for the next tick; it is
// never retried mid-interval.
func (c *Client) reportLoop(ctx context.Context) {
	c.reportOnce(ctx)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.reportOnce(ctx) {
				return
			}
		}
	}
}

// reportOnce acquires and emits a single fix. It returns false when the loop
// must park because a permission or capability condition reappeared.
func (c *Client) reportOnce(ctx context.Context) bool {
	fixCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	fix, err := c.src.CurrentFix(fixCtx)
	if err != nil {
		switch {
		case errors.Is(err, geo.ErrPermissionDenied):
			c.setState(func(s *State) {
				s.Status = StatusPermissionDenied
				s.NeedsPermission = true
				s.LastError = err.Error()
			})
			return false
		case errors.Is(err, geo.ErrCapabilityDisabled):
			c.setState(func(s *State) {
				s.Status = StatusError
				s.NeedsCapability = true
				s.LastError = err.Error()
			})
			return false
		case errors.Is(err, context.Canceled):
			return false
		default:
			c.logger.Warn("fix acquisition failed", "err", err)
			c.setState(func(s *State) { s.LastError = err.Error() })
			return true
		}
	}

	c.mu.Lock()
	token := c.token
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return true
	}

	ack, err := ch.EmitWithAck(fixCtx, channel.EventLocationUpdate, channel.LocationUpdate{
		Token:     token,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
	})
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case err != nil:
		c.setState(func(s *State) { s.LastError = err.Error() })
	case !ack.Success:
		c.setState(func(s *State) { s.LastError = ack.Error })
	default:
		c.setState(func(s *State) {
			s.LastUpdate = time.Now()
			s.LastError = ""
		})
	}
	return true
}

// RequestPermission re-runs the permission request after a denial. On grant
// the pipeline restarts automatically.
func (c *Client) RequestPermission(ctx context.Context) error {
	perm, err := c.src.RequestPermission(ctx)
	if err != nil {
		return err
	}
	if perm != geo.PermissionGranted {
		return geo.ErrPermissionDenied
	}
	c.resume(func(s *State) { s.NeedsPermission = false })
	return nil
}

// RecheckCapability re-checks device location services after they were off.
func (c *Client) RecheckCapability(ctx context.Context) error {
	enabled, err := c.src.CapabilityEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return geo.ErrCapabilityDisabled
	}
	c.resume(func(s *State) { s.NeedsCapability = false })
	return nil
}

// HandleForeground re-evaluates both blocking conditions; the host calls it
// whenever the application regains focus.
func (c *Client) HandleForeground(ctx context.Context) {
	c.mu.Lock()
	needsPerm := c.state.NeedsPermission
	needsCap := c.state.NeedsCapability
	c.mu.Unlock()

	if needsPerm {
		if perm, err := c.src.PermissionState(ctx); err == nil && perm == geo.PermissionGranted {
			c.resume(func(s *State) { s.NeedsPermission = false })
			return
		}
	}
	if needsCap {
		if enabled, err := c.src.CapabilityEnabled(ctx); err == nil && enabled {
			c.resume(func(s *State) { s.NeedsCapability = false })
		}
	}
}

// resume clears a blocking flag and relaunches the parked pipeline when the
// client is still in scope.
func (c *Client) resume(clear func(*State)) {
	c.setState(clear)
	c.mu.Lock()
	running := c.running
	blocked := c.state.NeedsPermission || c.state.NeedsCapability
	runCtx := c.runCtx
	c.mu.Unlock()

	if running && !blocked && runCtx != nil {
		c.startPipeline(runCtx)
	}
}

func (c *Client) setState(apply func(*State)) {
	c.mu.Lock()
	apply(&c.state)
	st := c.state
	c.mu.Unlock()
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(st)
	}
}

// dialURL appends the bearer token the server authenticates the socket with.
func dialURL(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || token == "" {
		return base
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
