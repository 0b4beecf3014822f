package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const keyReceivingOffers = "receivingOffers"

// SetReceivingOffers persists the inspection-role availability toggle.
func (s *Store) SetReceivingOffers(ctx context.Context, v bool) error {
	val, _ := json.Marshal(v)
	q := `INSERT INTO prefs(key, value, updated) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated = excluded.updated`
	if _, err := s.conn.Exec(ctx, q, keyReceivingOffers, string(val), now()); err != nil {
		return fmt.Errorf("set %s: %w", keyReceivingOffers, err)
	}
	return nil
}

// ReceivingOffers reports the persisted toggle; absent means off.
func (s *Store) ReceivingOffers(ctx context.Context) (bool, error) {
	var val string
	row := s.conn.QueryRow(ctx, `SELECT value FROM prefs WHERE key = ?`, keyReceivingOffers)
	if err := row.Scan(&val); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", keyReceivingOffers, err)
	}
	var v bool
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return false, fmt.Errorf("decode %s: %w", keyReceivingOffers, err)
	}
	return v, nil
}
