package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store for tests and lite deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]Project
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]Project)}
}

func (s *MemoryStore) Create(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project: id %s already exists", p.ID)
	}
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Update(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return ErrNotFound
	}
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const projectSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	amount_eur REAL NOT NULL,
	typology TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Init creates the projects table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, projectSchema)
	return err
}

func (s *SQLStore) Create(ctx context.Context, p Project) error {
	query := `
		INSERT INTO projects (id, name, current_phase, attempt, status, amount_eur, typology, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.CurrentPhase, p.Attempt, string(p.Status), p.AmountEUR, p.Typology,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (Project, error) {
	query := `SELECT id, name, current_phase, attempt, status, amount_eur, typology, created_at, updated_at
		FROM projects WHERE id = $1`
	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) Update(ctx context.Context, p Project) error {
	query := `UPDATE projects SET current_phase = $1, attempt = $2, status = $3, updated_at = $4 WHERE id = $5`
	res, err := s.db.ExecContext(ctx, query,
		p.CurrentPhase, p.Attempt, string(p.Status),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano), p.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("project: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Project, error) {
	query := `SELECT id, name, current_phase, attempt, status, amount_eur, typology, created_at, updated_at
		FROM projects ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var status, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.CurrentPhase, &p.Attempt, &status, &p.AmountEUR, &p.Typology, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, err
	}
	p.Status = Status(status)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Project{}, fmt.Errorf("project: bad created_at %q: %w", createdAt, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Project{}, fmt.Errorf("project: bad updated_at %q: %w", updatedAt, err)
	}
	return p, nil
}
