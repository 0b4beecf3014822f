package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldside/dispatch/internal/db"
	"github.com/fieldside/dispatch/pkg/store"
)

// Store implements the store interfaces on sqlite, persisting each record as
// a whole JSON document in its namespace table.
type Store struct {
	conn   *db.DB
	logger *slog.Logger
}

var _ store.SessionStore = (*Store)(nil)
var _ store.JobStore = (*Store)(nil)
var _ store.PrefStore = (*Store)(nil)

func New(ctx context.Context, conn *db.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{conn: conn, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			doc TEXT NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prefs (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.conn.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}
