package offer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldside/dispatch/internal/channel"
	"github.com/fieldside/dispatch/internal/models"
)

// Outcome is the single resolution of an offer.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

var (
	// ErrAlreadyResolved is the benign race: the offer resolved before this
	// call got to it. Callers may ignore it.
	ErrAlreadyResolved = errors.New("offer already resolved")
	// ErrOfferOutstanding means another offer is still pending.
	ErrOfferOutstanding = errors.New("an offer is already outstanding")
)

// Emitter is the slice of the realtime channel the session writes decisions
// through. It never manages the channel's lifecycle.
type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	Tick            time.Duration // countdown granularity; default 1s
	DefaultDeadline int           // ticks; default 15
	Logger          *slog.Logger
}

// Session holds at most one pending offer and resolves it exactly once: the
// first of accept, reject, or countdown expiry wins under a single guarded
// check-and-set; the losers get ErrAlreadyResolved.
type Session struct {
	tick            time.Duration
	defaultDeadline int
	emitter         Emitter
	logger          *slog.Logger

	mu      sync.Mutex
	current *pendingOffer

	onPresented func(models.Offer)
	onResolved  func(models.Offer, Outcome)
	onTick      func(models.Offer, int)
}

type pendingOffer struct {
	offer     models.Offer
	remaining int
	stop      chan struct{}
	done      chan struct{}
}

func NewSession(emitter Emitter, opts Options) *Session {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 15
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		tick:            opts.Tick,
		defaultDeadline: opts.DefaultDeadline,
		emitter:         emitter,
		logger:          logger,
	}
}

// OnPresented registers the callback fired when a countdown starts.
func (s *Session) OnPresented(fn func(models.Offer)) { s.onPresented = fn }

// OnResolved registers the callback fired exactly once per offer.
func (s *Session) OnResolved(fn func(models.Offer, Outcome)) { s.onResolved = fn }

// OnTick registers an optional per-tick callback with the remaining count.
func (s *Session) OnTick(fn func(models.Offer, int)) { s.onTick = fn }

// Pending returns a copy of the outstanding offer, or nil.
func (s *Session) Pending() *models.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	o := s.current.offer
	return &o
}

// Present starts the countdown for a new offer. A second offer while one is
// outstanding is refused; the caller decides whether that means dropping it.
func (s *Session) Present(o models.Offer) error {
	if o.DeadlineTicks <= 0 {
		o.DeadlineTicks = s.defaultDeadline
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return ErrOfferOutstanding
	}
	p := &pendingOffer{
		offer:     o,
		remaining: o.DeadlineTicks,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.current = p
	s.mu.Unlock()

	if s.onPresented != nil {
		s.onPresented(o)
	}
	go s.countdown(p)
	return nil
}

// countdown decrements once per tick and expires the offer at zero. The
// stop channel guarantees no tick fires after resolution.
func (s *Session) countdown(p *pendingOffer) {
	defer close(p.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.current != p {
				s.mu.Unlock()
				return
			}
			p.remaining--
			remaining := p.remaining
			s.mu.Unlock()

			if s.onTick != nil {
				s.onTick(p.offer, remaining)
			}
			if remaining <= 0 {
				s.resolve(p.offer.ID, OutcomeExpired)
				return
			}
		}
	}
}

// Accept resolves the pending offer in the worker's favor and signals the
// server. Only valid while the offer is pending.
func (s *Session) Accept(offerID string) error {
	o, err := s.resolve(offerID, OutcomeAccepted)
	if err != nil {
		return err
	}
	if err := s.emitter.Emit(channel.EventOfferAccept, channel.OfferDecision{OfferID: o.ID}); err != nil {
		// Local resolution stands; the server reconciles on its own timeout.
		s.logger.Warn("accept emit failed", "offer_id", o.ID, "err", err)
	}
	return nil
}

// Reject resolves the pending offer negatively. The rejection message is
// best-effort; delivery failure never blocks local resolution.
func (s *Session) Reject(offerID string) error {
	o, err := s.resolve(offerID, OutcomeRejected)
	if err != nil {
		return err
	}
	if err := s.emitter.Emit(channel.EventOfferReject, channel.OfferDecision{OfferID: o.ID}); err != nil {
		s.logger.Warn("reject emit failed", "offer_id", o.ID, "err", err)
	}
	return nil
}

// resolve is the authoritative check-and-set. Exactly one caller per offer
// gets past the guard; everyone else sees ErrAlreadyResolved.
func (s *Session) resolve(offerID string, outcome Outcome) (models.Offer, error) {
	s.mu.Lock()
	p := s.current
	if p == nil || p.offer.ID != offerID {
		s.mu.Unlock()
		return models.Offer{}, ErrAlreadyResolved
	}
	s.current = nil
	s.mu.Unlock()

	close(p.stop)

	if outcome == OutcomeExpired {
		// Signal the server so it can reassign without waiting out its own
		// timeout. Delivery is best-effort; local resolution already stands.
		if err := s.emitter.Emit(channel.EventOfferReject, channel.OfferDecision{OfferID: p.offer.ID, Reason: "expired"}); err != nil {
			s.logger.Warn("expiry emit failed", "offer_id", p.offer.ID, "err", err)
		}
	}

	s.logger.Info("offer resolved", "offer_id", p.offer.ID, "outcome", string(outcome))
	if s.onResolved != nil {
		s.onResolved(p.offer, outcome)
	}
	return p.offer, nil
}

// Shutdown cancels any pending countdown without resolving the offer.
func (s *Session) Shutdown() {
	s.mu.Lock()
	p := s.current
	s.current = nil
	s.mu.Unlock()
	if p != nil {
		close(p.stop)
		<-p.done
	}
}
