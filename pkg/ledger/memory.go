package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the in-memory Ledger used for tests and lite deployments
// without a database. Chains live for the lifetime of the process.
type MemoryLedger struct {
	mu     sync.RWMutex
	chains map[string][]Record
	clock  func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		chains: make(map[string][]Record),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, in Append) (RecordRef, error) {
	if err := ctx.Err(); err != nil {
		return RecordRef{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[in.ProjectID]
	head := Genesis
	if n := len(chain); n > 0 {
		head = chain[n-1].ContentHash
	}
	if in.PrevHash != head {
		return RecordRef{}, ErrConcurrentAppendConflict
	}

	rec, err := buildRecord(in, uint64(len(chain))+1, l.clock())
	if err != nil {
		return RecordRef{}, err
	}
	l.chains[in.ProjectID] = append(chain, rec)

	return RecordRef{ProjectID: rec.ProjectID, Seq: rec.Seq, ContentHash: rec.ContentHash}, nil
}

func (l *MemoryLedger) Head(ctx context.Context, projectID string) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.chains[projectID]
	if len(chain) == 0 {
		return Genesis, 0, nil
	}
	last := chain[len(chain)-1]
	return last.ContentHash, last.Seq, nil
}

func (l *MemoryLedger) List(ctx context.Context, projectID string, opts ListOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range l.chains[projectID] {
		if r.Seq <= opts.AfterSeq {
			continue
		}
		if opts.Phase != "" && r.Phase != opts.Phase {
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Tamper rewrites a stored payload in place, bypassing the hash chain.
// Exists so tests can prove Verify catches mutation; never call it
// outside a test.
func (l *MemoryLedger) Tamper(projectID string, seq uint64, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[projectID]
	for i := range chain {
		if chain[i].Seq == seq {
			chain[i].Payload = payload
			return
		}
	}
}

func (l *MemoryLedger) Verify(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return verifyChain(projectID, l.chains[projectID])
}
