// Package ledger — append-only, hash-chained evidence store.
//
//   - One chain per project; each record's prev_hash must equal the hash
//     of the last record written for that project.
//   - Appends are serialized per project via an optimistic head check;
//     a lost race surfaces as ErrConcurrentAppendConflict and the caller
//     retries with the latest head.
//   - The ledger enforces ordering and integrity, nothing else.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/altum-labs/probanza/pkg/canonicalize"
)

// Genesis is the prev_hash sentinel for the first record of a chain.
const Genesis = "genesis"

// Kind categorizes a ledger record.
type Kind string

const (
	KindEvidence     Kind = "EVIDENCE"
	KindVerdict      Kind = "VERDICT"
	KindGateDecision Kind = "GATE_DECISION"
	KindException    Kind = "EXCEPTION"
	KindPhaseChange  Kind = "PHASE_CHANGE"
)

var (
	// ErrConcurrentAppendConflict indicates another append for the same
	// project raced ahead; retry with the latest head hash.
	ErrConcurrentAppendConflict = errors.New("ledger: concurrent append conflict")

	// ErrIntegrity indicates the hash chain does not validate. This is
	// fatal for the affected project and requires manual investigation.
	ErrIntegrity = errors.New("ledger: hash chain integrity violation")

	// ErrNotFound indicates the requested record or project has no entries.
	ErrNotFound = errors.New("ledger: not found")
)

// Record is an immutable, hash-chained ledger entry.
type Record struct {
	ProjectID   string          `json:"project_id"`
	Seq         uint64          `json:"seq"`
	Kind        Kind            `json:"kind"`
	Phase       string          `json:"phase,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	PrevHash    string          `json:"prev_hash"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RecordRef identifies an appended record.
type RecordRef struct {
	ProjectID   string `json:"project_id"`
	Seq         uint64 `json:"seq"`
	ContentHash string `json:"content_hash"`
}

// Append is the input for one append operation. PrevHash must be the
// caller's view of the chain head (Genesis for an empty chain).
type Append struct {
	ProjectID string
	Kind      Kind
	Phase     string
	Attempt   int
	Payload   any
	CreatedBy string
	PrevHash  string
}

// ListOptions filter a chain read. The zero value reads the full chain.
type ListOptions struct {
	Phase    string // only records for this phase
	AfterSeq uint64 // only records with seq > AfterSeq (restart cursor)
	Limit    int    // max records, 0 = unbounded
}

// Ledger is the durable interface for per-project evidence chains.
type Ledger interface {
	// Append persists a new record atomically and returns its reference.
	// Fails with ErrConcurrentAppendConflict when PrevHash is stale.
	Append(ctx context.Context, in Append) (RecordRef, error)

	// Head returns the current chain head hash and sequence for a project.
	// An empty chain reports (Genesis, 0).
	Head(ctx context.Context, projectID string) (string, uint64, error)

	// List reads records in sequence order. The cursor in ListOptions makes
	// the read restartable.
	List(ctx context.Context, projectID string, opts ListOptions) ([]Record, error)

	// Verify recomputes the full chain for a project and returns
	// ErrIntegrity (wrapped with detail) if it is broken.
	Verify(ctx context.Context, projectID string) error
}

// hashInput is the canonical hash preimage of a record. Field order is
// irrelevant (JCS sorts keys) but the set of fields is part of the format.
type hashInput struct {
	ProjectID string          `json:"project_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Phase     string          `json:"phase,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// ComputeHash returns the content hash for a record (ignoring its
// ContentHash field).
func ComputeHash(r Record) (string, error) {
	return canonicalize.Hash(hashInput{
		ProjectID: r.ProjectID,
		Seq:       r.Seq,
		Kind:      r.Kind,
		Phase:     r.Phase,
		Attempt:   r.Attempt,
		Payload:   r.Payload,
		PrevHash:  r.PrevHash,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	})
}

// buildRecord canonicalizes the payload and assembles a record ready for
// persistence, computing its content hash.
func buildRecord(in Append, seq uint64, at time.Time) (Record, error) {
	payload, err := canonicalize.JCS(in.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	rec := Record{
		ProjectID: in.ProjectID,
		Seq:       seq,
		Kind:      in.Kind,
		Phase:     in.Phase,
		Attempt:   in.Attempt,
		Payload:   payload,
		PrevHash:  in.PrevHash,
		CreatedBy: in.CreatedBy,
		CreatedAt: at.UTC(),
	}
	rec.ContentHash, err = ComputeHash(rec)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// verifyChain walks an ordered record slice and checks linkage and hashes.
func verifyChain(projectID string, records []Record) error {
	prev := Genesis
	var lastSeq uint64
	for _, r := range records {
		if r.Seq != lastSeq+1 {
			return fmt.Errorf("%w: project %s: sequence gap at %d (prev %d)",
				ErrIntegrity, projectID, r.Seq, lastSeq)
		}
		if r.PrevHash != prev {
			return fmt.Errorf("%w: project %s: chain broken at seq %d: expected prev %s, got %s",
				ErrIntegrity, projectID, r.Seq, prev, r.PrevHash)
		}
		computed, err := ComputeHash(r)
		if err != nil {
			return fmt.Errorf("%w: project %s: rehash seq %d: %v", ErrIntegrity, projectID, r.Seq, err)
		}
		if computed != r.ContentHash {
			return fmt.Errorf("%w: project %s: content hash mismatch at seq %d",
				ErrIntegrity, projectID, r.Seq)
		}
		prev = r.ContentHash
		lastSeq = r.Seq
	}
	return nil
}

// AppendWithRetry appends, refreshing the head and retrying on
// ErrConcurrentAppendConflict. Only the conflict error is retried; anything
// else is surfaced as-is.
func AppendWithRetry(ctx context.Context, l Ledger, in Append, maxAttempts int) (RecordRef, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		head, _, err := l.Head(ctx, in.ProjectID)
		if err != nil {
			return RecordRef{}, err
		}
		in.PrevHash = head
		ref, err := l.Append(ctx, in)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ErrConcurrentAppendConflict) {
			return RecordRef{}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return RecordRef{}, ctx.Err()
		}
	}
	return RecordRef{}, fmt.Errorf("ledger: append did not converge after %d attempts: %w", maxAttempts, lastErr)
}
