package plan

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	steps       TEXT NOT NULL DEFAULT '[]',
	notes       TEXT NOT NULL DEFAULT '[]',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
`

// SQLiteStore persists plans in the plans table. Markdown is rendered on
// demand and never stored.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the plans table exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create plans schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get retrieves a plan by ID.
func (s *SQLiteStore) Get(id string) (*Plan, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, status, steps, notes, created_at, updated_at
		FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Save upserts the plan.
func (s *SQLiteStore) Save(p *Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	notes, err := json.Marshal(p.Notes)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO plans (id, title, description, status, steps, notes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, status=excluded.status,
			steps=excluded.steps, notes=excluded.notes, updated_at=excluded.updated_at`,
		p.ID, p.Title, p.Description, string(p.Status),
		string(steps), string(notes),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a plan by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all plans, most recently updated first.
func (s *SQLiteStore) List() ([]*Plan, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, status, steps, notes, created_at, updated_at
		FROM plans ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*Plan, error) {
	var (
		p            Plan
		status       string
		steps, notes string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &status, &steps, &notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(notes), &p.Notes); err != nil {
		return nil, fmt.Errorf("decode notes of %s: %w", p.ID, err)
	}
	if p.Steps == nil {
		p.Steps = []Step{}
	}
	return &p, nil
}
