package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldside/dispatch/internal/models"
)

// SaveSession overwrites the single session document.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	q := `INSERT INTO session(id, doc, updated) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated = excluded.updated`
	if _, err := s.conn.Exec(ctx, q, string(doc), now()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the persisted session, or nil when none exists.
func (s *Store) Load(ctx context.Context) (*models.Session, error) {
	var doc string
	row := s.conn.QueryRow(ctx, `SELECT doc FROM session WHERE id = 1`)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Clear removes the session document. Clearing an absent session is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, `DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
