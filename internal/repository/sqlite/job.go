package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldside/dispatch/internal/models"
)

// Save upserts the whole job document. The status column is duplicated out
// of the document so active/terminal lookups stay a plain query.
func (s *Store) Save(ctx context.Context, j *models.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	q := `INSERT INTO jobs(id, status, doc, updated) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated = excluded.updated`
	if _, err := s.conn.Exec(ctx, q, j.ID, string(j.Status), string(doc), now()); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job by id, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var doc string
	row := s.conn.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(doc)
}

// List returns every job, newest first.
func (s *Store) List(ctx context.Context) ([]models.Job, error) {
	rows, err := s.conn.Query(ctx, `SELECT doc FROM jobs ORDER BY updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Active returns the single active job, or nil when there is none.
func (s *Store) Active(ctx context.Context) (*models.Job, error) {
	var doc string
	row := s.conn.QueryRow(ctx, `SELECT doc FROM jobs WHERE status = ? LIMIT 1`, string(models.JobActive))
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active job: %w", err)
	}
	return decodeJob(doc)
}

func decodeJob(doc string) (*models.Job, error) {
	var j models.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
