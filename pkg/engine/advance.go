package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/altum-labs/probanza/pkg/agent"
	"github.com/altum-labs/probanza/pkg/audit"
	"github.com/altum-labs/probanza/pkg/canonicalize"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/observability"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// Advance runs one gate-crossing attempt for the project's current phase:
//
//  1. Roles required by the phase with no verdict for this attempt, or
//     whose verdict is INCOMPLETE, are (re)invoked concurrently, each
//     call bounded by the phase timeout.
//  2. Every outcome is chained as a VERDICT record; a timed-out or
//     failed call is chained as INCOMPLETE, never dropped.
//  3. Layer scores are aggregated, the gate decides, and the decision is
//     chained. ALLOW and ALLOW_WITH_EXCEPTION move the phase forward and
//     reset the attempt; BLOCK leaves the project in place for a later
//     retry with more evidence.
//
// Calling Advance again with no new evidence re-invokes nothing and
// yields the same outcome.
func (e *Engine) Advance(ctx context.Context, projectID, actor string) (_ gate.Decision, err error) {
	started := e.clock()

	ctx, span := e.obs.StartSpan(ctx, "engine.advance")
	defer func() {
		observability.SetSpanStatus(ctx, err)
		span.End()
	}()

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return gate.Decision{}, err
	}
	ph, err := e.currentPhase(p)
	if err != nil {
		return gate.Decision{}, err
	}
	span.SetAttributes(observability.AdvanceAttrs(projectID, ph.ID, p.Attempt)...)

	// A broken chain halts everything. Never advance over it.
	if err := e.ledger.Verify(ctx, projectID); err != nil {
		return gate.Decision{}, err
	}

	evidence, kinds, err := e.evidenceForPhase(ctx, projectID, ph.ID)
	if err != nil {
		return gate.Decision{}, err
	}
	byRole, err := e.verdictsForAttempt(ctx, projectID, ph.ID, p.Attempt)
	if err != nil {
		return gate.Decision{}, err
	}

	missing := make([]verdict.Role, 0, len(ph.RequiredRoles))
	for _, role := range ph.RequiredRoles {
		v, ok := byRole[role]
		if !ok || v.Status == verdict.StatusIncomplete {
			missing = append(missing, role)
		}
	}

	if len(missing) > 0 {
		fresh, err := e.fanOut(ctx, p, ph.ID, missing, byRole, evidence)
		if err != nil {
			return gate.Decision{}, err
		}
		for role, v := range fresh {
			byRole[role] = v
		}
	}

	layers := scoring.Aggregate(ph.LayerSpecs(), byRole, e.catalog.IsRedFlag)

	toPhase, hasNext := e.plan.Next(ph.ID)
	if !hasNext {
		toPhase = ClosedState
	}

	exc, err := e.usableException(ctx, projectID, ph.ID, toPhase)
	if err != nil {
		return gate.Decision{}, err
	}

	in := gate.Input{
		ProjectID:       projectID,
		FromPhase:       ph.ID,
		ToPhase:         toPhase,
		Layers:          layers,
		MissingEvidence: missingChecklist(ph.Checklist, kinds),
		Exception:       exc,
		Now:             e.clock(),
	}
	if ph.Guard != "" {
		prg, err := e.gate.CompileGuard(ph.Guard)
		if err != nil {
			return gate.Decision{}, err
		}
		in.Guard = prg
		in.GuardInput = map[string]any{
			"project": map[string]any{
				"id":         p.ID,
				"amount_eur": p.AmountEUR,
				"typology":   p.Typology,
			},
			"consolidated": string(scoring.Consolidate(layers)),
			"from_phase":   ph.ID,
			"to_phase":     toPhase,
		}
	}

	decision := e.gate.Decide(in)

	ref, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: projectID,
		Kind:      ledger.KindGateDecision,
		Phase:     ph.ID,
		Attempt:   p.Attempt,
		Payload:   decision,
		CreatedBy: actor,
	}, appendRetries)
	if err != nil {
		return gate.Decision{}, err
	}
	observability.AddSpanEvent(ctx, "gate.decided",
		observability.AttrGateOutcome.String(string(decision.Outcome)),
		observability.AttrLedgerSeq.Int64(int64(ref.Seq)),
	)

	if err := e.applyDecision(ctx, p, ph.ID, decision, actor); err != nil {
		return gate.Decision{}, err
	}

	e.obs.RecordAdvance(ctx, projectID, ph.ID, string(decision.Outcome), e.clock().Sub(started))
	_ = e.audit.Record(ctx, audit.EventGate, actor, "gate.decide", projectID, ph.ID,
		map[string]any{"outcome": decision.Outcome, "to_phase": toPhase, "decision_id": decision.ID})
	return decision, nil
}

// fanOut invokes the evaluators for the missing roles concurrently and
// chains every outcome. Evaluator failures degrade to INCOMPLETE verdicts;
// only ledger failures abort.
func (e *Engine) fanOut(ctx context.Context, p project.Project, phase string, missing []verdict.Role,
	prior map[verdict.Role]verdict.AgentVerdict, evidence []ledger.Record) (map[verdict.Role]verdict.AgentVerdict, error) {

	snapshot, err := evidenceSnapshot(evidence)
	if err != nil {
		return nil, err
	}
	rulesetVersion := e.catalog.Version().String()

	var mu sync.Mutex
	results := make(map[verdict.Role]verdict.AgentVerdict, len(missing))

	g, gctx := errgroup.WithContext(ctx)
	timeout := e.planPhaseTimeout(phase)
	for _, role := range missing {
		role := role
		g.Go(func() error {
			v := e.evaluateRole(gctx, p, phase, role, snapshot, rulesetVersion, timeout)
			if supersedes, ok := prior[role]; ok {
				v.Supersedes = supersedes.ID
			}

			if _, err := ledger.AppendWithRetry(gctx, e.ledger, ledger.Append{
				ProjectID: p.ID,
				Kind:      ledger.KindVerdict,
				Phase:     phase,
				Attempt:   p.Attempt,
				Payload:   v,
				CreatedBy: string(role),
			}, appendRetries); err != nil {
				return fmt.Errorf("engine: chain verdict for %s/%s: %w", p.ID, role, err)
			}
			observability.AddSpanEvent(gctx, "verdict.chained",
				append(observability.AgentAttrs(p.ID, phase, string(role)),
					observability.AttrRulesetVer.String(rulesetVersion))...)

			mu.Lock()
			results[role] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluateRole runs one bounded evaluator call. Any failure, including a
// missing evaluator, comes back as an INCOMPLETE verdict.
func (e *Engine) evaluateRole(ctx context.Context, p project.Project, phase string, role verdict.Role,
	snapshot json.RawMessage, rulesetVersion string, timeout time.Duration) verdict.AgentVerdict {

	eval, ok := e.evaluators[role]
	if !ok {
		return e.incomplete(p, phase, role, "no evaluator configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := e.clock()
	v, err := eval.Evaluate(callCtx, agent.Request{
		ProjectID:        p.ID,
		Phase:            phase,
		Attempt:          p.Attempt,
		Role:             role,
		EvidenceSnapshot: snapshot,
		RulesetVersion:   rulesetVersion,
	})
	e.obs.RecordAgentCall(ctx, string(role), phase, e.clock().Sub(started), err)

	if err != nil {
		return e.incomplete(p, phase, role, fmt.Sprintf("evaluator call failed: %v", err))
	}
	if v == nil {
		return e.incomplete(p, phase, role, "evaluator returned no verdict")
	}

	out := *v
	out.ProjectID = p.ID
	out.Phase = phase
	out.Attempt = p.Attempt
	out.Role = role
	if out.ID == "" {
		out.ID = newID()
	}
	if out.IssuedAt.IsZero() {
		out.IssuedAt = e.clock().UTC()
	}
	if err := out.Validate(); err != nil {
		return e.incomplete(p, phase, role, fmt.Sprintf("invalid verdict: %v", err))
	}
	if err := e.catalog.Check(out.RuleRefs); err != nil {
		return e.incomplete(p, phase, role, fmt.Sprintf("unknown rule reference: %v", err))
	}
	return out
}

func (e *Engine) incomplete(p project.Project, phase string, role verdict.Role, reason string) verdict.AgentVerdict {
	v := verdict.Incomplete(p.ID, phase, p.Attempt, role, reason, e.clock().UTC())
	v.ID = newID()
	return v
}

func (e *Engine) planPhaseTimeout(phase string) time.Duration {
	if ph, ok := e.plan.Phase(phase); ok {
		return ph.AgentTimeout()
	}
	return 30 * time.Second
}

// evidenceSnapshot builds the canonical evidence view handed to every
// evaluator of one fan-out, so all roles judge the same material.
func evidenceSnapshot(records []ledger.Record) (json.RawMessage, error) {
	type item struct {
		Seq         uint64 `json:"seq"`
		Kind        string `json:"kind"`
		ContentRef  string `json:"content_ref"`
		ContentHash string `json:"content_hash"`
	}
	items := make([]item, 0, len(records))
	for _, r := range records {
		var p EvidencePayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("engine: evidence snapshot seq %d: %w", r.Seq, err)
		}
		items = append(items, item{
			Seq:         r.Seq,
			Kind:        p.Kind,
			ContentRef:  p.ContentRef,
			ContentHash: r.ContentHash,
		})
	}
	return canonicalize.JCS(items)
}

// applyDecision updates the materialized project state after a chained
// gate decision.
func (e *Engine) applyDecision(ctx context.Context, p project.Project, fromPhase string, d gate.Decision, actor string) error {
	switch d.Outcome {
	case gate.OutcomeAllow, gate.OutcomeAllowWithException:
		// A phase visited before (after a reopen) restarts on a fresh
		// attempt so its historical verdicts stay historical.
		prev, err := e.maxAttempt(ctx, p.ID, d.ToPhase)
		if err != nil {
			return err
		}
		attempt := prev + 1

		if _, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
			ProjectID: p.ID,
			Kind:      ledger.KindPhaseChange,
			Phase:     d.ToPhase,
			Attempt:   attempt,
			Payload: PhaseChange{
				FromPhase:   fromPhase,
				ToPhase:     d.ToPhase,
				Reason:      string(d.Outcome),
				ExceptionID: d.ExceptionID,
				DecisionID:  d.ID,
			},
			CreatedBy: actor,
		}, appendRetries); err != nil {
			return err
		}

		if d.ToPhase == ClosedState {
			p.Status = project.StatusClosed
		} else {
			p.CurrentPhase = d.ToPhase
			p.Attempt = attempt
			p.Status = project.StatusActive
		}
	case gate.OutcomeBlock:
		p.Status = project.StatusBlocked
	}

	p.UpdatedAt = e.clock().UTC()
	if err := e.projects.Update(ctx, p); err != nil {
		return err
	}
	if err := e.cache.Invalidate(ctx, p.ID); err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, actor, "cache.invalidate.failed", p.ID, fromPhase,
			map[string]any{"error": err.Error()})
	}
	return nil
}
