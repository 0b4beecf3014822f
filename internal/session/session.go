package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldside/dispatch/internal/channel"
	"github.com/fieldside/dispatch/internal/lifecycle"
	"github.com/fieldside/dispatch/internal/models"
	"github.com/fieldside/dispatch/internal/offer"
	"github.com/fieldside/dispatch/internal/presence"
	"github.com/fieldside/dispatch/pkg/store"
)

var (
	// ErrNotAuthenticated means no worker is logged in.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrBadCredential means the bearer token's claims are unusable.
	ErrBadCredential = errors.New("bad credential")
)

// Service is the explicit per-process session object: it owns the presence
// client, the offer session, and the job lifecycle for one authenticated
// worker, and is the single writer of the session document. All mutation
// goes through its typed operations.
type Service struct {
	sessions store.SessionStore
	prefs    store.PrefStore
	presence *presence.Client
	offers   *offer.Session
	jobs     *lifecycle.Service
	logger   *slog.Logger

	mu      sync.Mutex
	current *models.Session
	focused bool

	onJobChanged func(models.Job)
}

func New(
	sessions store.SessionStore,
	prefs store.PrefStore,
	pres *presence.Client,
	offers *offer.Session,
	jobs *lifecycle.Service,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		sessions: sessions,
		prefs:    prefs,
		presence: pres,
		offers:   offers,
		jobs:     jobs,
		logger:   logger,
	}

	if err := pres.HandleSchema(channel.EventOfferNew, channel.OfferNewSchema, s.handleOfferNew); err != nil {
		logger.Error("register offer handler", "err", err)
	}
	offers.OnResolved(s.handleOfferResolved)
	jobs.OnChanged(s.handleJobChanged)
	return s
}

// OnJobChanged registers the UI-facing job mutation callback.
func (s *Service) OnJobChanged(fn func(models.Job)) {
	s.mu.Lock()
	s.onJobChanged = fn
	s.mu.Unlock()
}

// Offers exposes the offer session for accept/reject calls and callbacks.
func (s *Service) Offers() *offer.Session { return s.offers }

// Jobs exposes the lifecycle service for capture and stage operations.
func (s *Service) Jobs() *lifecycle.Service { return s.jobs }

// Presence exposes the presence client for state queries and re-requests.
func (s *Service) Presence() *presence.Client { return s.presence }

type tokenClaims struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Category string `json:"category"`
	jwt.RegisteredClaims
}

// Login stores the bearer credential, persists the session document, and
// brings presence into scope. The token's claims identify the worker; the
// signature belongs to the server, so it is not verified here.
func (s *Service) Login(ctx context.Context, token string) (*models.Session, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrBadCredential)
	}
	role := models.Role(claims.Role)
	if role != models.RoleTransport && role != models.RoleInspection {
		return nil, fmt.Errorf("%w: unknown role %q", ErrBadCredential, claims.Role)
	}

	sess := &models.Session{
		WorkerID: claims.Subject,
		Name:     claims.Name,
		Token:    token,
		Role:     role,
		Category: claims.Category,
		Created:  time.Now().UTC().UnixMilli(),
	}
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	s.current = sess
	focused := s.focused
	s.mu.Unlock()

	s.logger.Info("worker logged in", "worker_id", sess.WorkerID, "role", string(sess.Role))
	s.presence.SetScope(token, focused)
	return sess, nil
}

// Resume restores a persisted session after a process restart.
func (s *Service) Resume(ctx context.Context) (*models.Session, error) {
	sess, err := s.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	s.mu.Lock()
	s.current = sess
	focused := s.focused
	s.mu.Unlock()

	s.logger.Info("session resumed", "worker_id", sess.WorkerID)
	s.presence.SetScope(sess.Token, focused)
	return sess, nil
}

// Logout stops presence, discards any pending offer, and clears the session
// document. Jobs are retained for history.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.offers.Shutdown()
	s.presence.Stop()
	if err := s.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Info("worker logged out")
	return nil
}

// Current returns the authenticated session, or nil.
func (s *Service) Current() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetFocused tracks whether the consuming view holds foreground focus and
// re-applies the presence scope rule.
func (s *Service) SetFocused(focused bool) {
	s.mu.Lock()
	s.focused = focused
	token := ""
	if s.current != nil {
		token = s.current.Token
	}
	s.mu.Unlock()
	s.presence.SetScope(token, focused)
}

// SetReceivingOffers persists the inspection-role availability toggle.
func (s *Service) SetReceivingOffers(ctx context.Context, v bool) error {
	if s.Current() == nil {
		return ErrNotAuthenticated
	}
	return s.prefs.SetReceivingOffers(ctx, v)
}

// ReceivingOffers reports the persisted toggle.
func (s *Service) ReceivingOffers(ctx context.Context) (bool, error) {
	return s.prefs.ReceivingOffers(ctx)
}

// handleOfferNew gates an inbound offer: it is dropped while a job is
// active, while another offer is outstanding, or while an inspection worker
// has toggled availability off.
func (s *Service) handleOfferNew(payload json.RawMessage) {
	var msg channel.OfferNew
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("offer payload decode", "err", err)
		return
	}

	sess := s.Current()
	if sess == nil {
		s.logger.Warn("offer while not authenticated, dropped", "offer_id", msg.OfferID)
		return
	}

	ctx := context.Background()
	if sess.Role == models.RoleInspection {
		receiving, err := s.prefs.ReceivingOffers(ctx)
		if err != nil {
			s.logger.Error("read receiving toggle", "err", err)
			return
		}
		if !receiving {
			s.logger.Info("offer dropped, not receiving", "offer_id", msg.OfferID)
			return
		}
	}

	active, err := s.jobs.Active(ctx)
	if err != nil {
		s.logger.Error("active job lookup", "err", err)
		return
	}
	if active != nil {
		s.logger.Info("offer dropped, job in progress", "offer_id", msg.OfferID, "job_id", active.ID)
		return
	}

	o := models.Offer{
		ID:              msg.OfferID,
		Address:         msg.Address,
		ServiceCategory: msg.ServiceCategory,
		DeadlineTicks:   msg.TimeoutSeconds,
	}
	if err := s.offers.Present(o); err != nil {
		s.logger.Info("offer dropped", "offer_id", msg.OfferID, "reason", err)
	}
}

// handleOfferResolved instantiates the job when the worker accepted. Any
// other outcome leaves the worker available for the next offer.
func (s *Service) handleOfferResolved(o models.Offer, outcome offer.Outcome) {
	if outcome != offer.OutcomeAccepted {
		return
	}
	sess := s.Current()
	if sess == nil {
		s.logger.Warn("accept without session", "offer_id", o.ID)
		return
	}
	j := models.JobFromOffer(o, sess.Role)
	if err := s.jobs.Create(context.Background(), j); err != nil {
		s.logger.Error("create job from offer", "offer_id", o.ID, "err", err)
	}
}

func (s *Service) handleJobChanged(j models.Job) {
	s.mu.Lock()
	fn := s.onJobChanged
	s.mu.Unlock()
	if fn != nil {
		fn(j)
	}
	if j.Status.Terminal() {
		// Terminal job reopens the offer gate; nothing to do beyond logging,
		// handleOfferNew checks the store on each inbound offer.
		s.logger.Info("job closed, accepting offers again", "job_id", j.ID, "status", string(j.Status))
	}
}
