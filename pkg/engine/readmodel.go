package engine

import (
	"context"

	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// verdictsForAttempt reads the latest verdict per role for one
// phase-attempt. A later record for the same role supersedes the earlier
// one; the chain's sequence order makes "later" unambiguous.
func (e *Engine) verdictsForAttempt(ctx context.Context, projectID, phase string, attempt int) (map[verdict.Role]verdict.AgentVerdict, error) {
	records, err := e.ledger.List(ctx, projectID, ledger.ListOptions{Phase: phase})
	if err != nil {
		return nil, err
	}
	byRole := make(map[verdict.Role]verdict.AgentVerdict)
	for _, r := range records {
		if r.Kind != ledger.KindVerdict || r.Attempt != attempt {
			continue
		}
		var v verdict.AgentVerdict
		if err := decodePayload(r, &v); err != nil {
			return nil, err
		}
		byRole[v.Role] = v
	}
	return byRole, nil
}

// evidenceForPhase reads the submitted evidence kinds for a phase, in
// chain order.
func (e *Engine) evidenceForPhase(ctx context.Context, projectID, phase string) ([]ledger.Record, map[string]bool, error) {
	records, err := e.ledger.List(ctx, projectID, ledger.ListOptions{Phase: phase})
	if err != nil {
		return nil, nil, err
	}
	evidence := make([]ledger.Record, 0, len(records))
	kinds := make(map[string]bool)
	for _, r := range records {
		if r.Kind != ledger.KindEvidence {
			continue
		}
		var p EvidencePayload
		if err := decodePayload(r, &p); err != nil {
			return nil, nil, err
		}
		evidence = append(evidence, r)
		kinds[p.Kind] = true
	}
	return evidence, kinds, nil
}

// missingChecklist returns checklist kinds with no evidence record yet.
func missingChecklist(checklist []string, kinds map[string]bool) []string {
	missing := make([]string, 0)
	for _, k := range checklist {
		if !kinds[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

// usableException finds the newest granted exception for the given
// transition that no gate decision or phase change has consumed yet.
// Consumption is derived, not stored: an exception is spent once any
// later record references its id.
func (e *Engine) usableException(ctx context.Context, projectID, fromPhase, toPhase string) (*exception.Exception, error) {
	records, err := e.ledger.List(ctx, projectID, ledger.ListOptions{})
	if err != nil {
		return nil, err
	}

	consumed := make(map[string]bool)
	var candidates []exception.Exception
	for _, r := range records {
		switch r.Kind {
		case ledger.KindException:
			var exc exception.Exception
			if err := decodePayload(r, &exc); err != nil {
				return nil, err
			}
			if exc.FromPhase == fromPhase && exc.ToPhase == toPhase {
				candidates = append(candidates, exc)
			}
		case ledger.KindGateDecision:
			var d gate.Decision
			if err := decodePayload(r, &d); err != nil {
				return nil, err
			}
			if d.ExceptionID != "" {
				consumed[d.ExceptionID] = true
			}
		case ledger.KindPhaseChange:
			var pc PhaseChange
			if err := decodePayload(r, &pc); err != nil {
				return nil, err
			}
			if pc.ExceptionID != "" {
				consumed[pc.ExceptionID] = true
			}
		}
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		if !consumed[candidates[i].ID] {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// maxAttempt returns the highest attempt number recorded for a phase.
// A reopened phase continues from here so earlier verdicts never bleed
// into the fresh review.
func (e *Engine) maxAttempt(ctx context.Context, projectID, phase string) (int, error) {
	records, err := e.ledger.List(ctx, projectID, ledger.ListOptions{Phase: phase})
	if err != nil {
		return 0, err
	}
	max := 0
	for _, r := range records {
		if r.Attempt > max {
			max = r.Attempt
		}
	}
	return max, nil
}
