package store

import (
	"context"

	"github.com/fieldside/dispatch/internal/models"
)

// Store interfaces for the local persistence the engine depends on. Each
// entity type lives under its own namespace; records are written whole, so
// the last successful write is always the authoritative document. Concrete
// implementations live under internal/.

// SessionStore holds the single authenticated session document.
type SessionStore interface {
	SaveSession(ctx context.Context, s *models.Session) error
	// Load returns nil without error when no session is persisted.
	Load(ctx context.Context) (*models.Session, error)
	Clear(ctx context.Context) error
}

// JobStore holds every job, active and terminal, keyed by id.
type JobStore interface {
	Save(ctx context.Context, j *models.Job) error
	// Get returns nil without error when the id is unknown.
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context) ([]models.Job, error)
	// Active returns the single active job, or nil when none is.
	Active(ctx context.Context) (*models.Job, error)
}

// PrefStore holds per-worker toggles, currently only the inspection-role
// receiving-offers switch.
type PrefStore interface {
	SetReceivingOffers(ctx context.Context, v bool) error
	ReceivingOffers(ctx context.Context) (bool, error)
}
