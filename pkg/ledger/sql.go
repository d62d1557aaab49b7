package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
//
// The (project_id, seq) primary key is what makes optimistic appends safe:
// two racing writers compute the same next sequence, and the loser's INSERT
// fails the uniqueness constraint, surfacing as ErrConcurrentAppendConflict.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLedger wraps an open database handle.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS evidence_ledger (
	project_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	phase TEXT,
	attempt INTEGER,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	created_by TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (project_id, seq)
);
`

// Init creates the ledger table if it does not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) Append(ctx context.Context, in Append) (RecordRef, error) {
	head, headSeq, err := s.Head(ctx, in.ProjectID)
	if err != nil {
		return RecordRef{}, err
	}
	if in.PrevHash != head {
		return RecordRef{}, ErrConcurrentAppendConflict
	}

	rec, err := buildRecord(in, headSeq+1, s.clock())
	if err != nil {
		return RecordRef{}, err
	}

	query := `
		INSERT INTO evidence_ledger
			(project_id, seq, kind, phase, attempt, payload, content_hash, prev_hash, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ProjectID, rec.Seq, string(rec.Kind), rec.Phase, rec.Attempt,
		string(rec.Payload), rec.ContentHash, rec.PrevHash, rec.CreatedBy,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A racing writer may have taken our sequence number. Re-read the
		// head: if it moved, this is a retryable conflict, not a failure.
		newHead, _, headErr := s.Head(ctx, in.ProjectID)
		if headErr == nil && newHead != head {
			return RecordRef{}, ErrConcurrentAppendConflict
		}
		return RecordRef{}, fmt.Errorf("ledger: insert failed: %w", err)
	}

	return RecordRef{ProjectID: rec.ProjectID, Seq: rec.Seq, ContentHash: rec.ContentHash}, nil
}

func (s *SQLLedger) Head(ctx context.Context, projectID string) (string, uint64, error) {
	query := `SELECT content_hash, seq FROM evidence_ledger WHERE project_id = $1 ORDER BY seq DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, projectID)

	var hash string
	var seq uint64
	if err := row.Scan(&hash, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Genesis, 0, nil
		}
		return "", 0, fmt.Errorf("ledger: head query failed: %w", err)
	}
	return hash, seq, nil
}

func (s *SQLLedger) List(ctx context.Context, projectID string, opts ListOptions) ([]Record, error) {
	query := `
		SELECT project_id, seq, kind, phase, attempt, payload, content_hash, prev_hash, created_by, created_at
		FROM evidence_ledger
		WHERE project_id = $1 AND seq > $2
	`
	args := []any{projectID, opts.AfterSeq}
	if opts.Phase != "" {
		query += ` AND phase = $3`
		args = append(args, opts.Phase)
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLLedger) Verify(ctx context.Context, projectID string) error {
	records, err := s.List(ctx, projectID, ListOptions{})
	if err != nil {
		return err
	}
	return verifyChain(projectID, records)
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var kind, payload, createdAt string
	if err := rows.Scan(
		&rec.ProjectID, &rec.Seq, &kind, &rec.Phase, &rec.Attempt,
		&payload, &rec.ContentHash, &rec.PrevHash, &rec.CreatedBy, &createdAt,
	); err != nil {
		return Record{}, fmt.Errorf("ledger: scan failed: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.Payload = []byte(payload)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: bad created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = ts
	return rec, nil
}
