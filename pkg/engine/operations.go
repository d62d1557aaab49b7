package engine

import (
	"context"
	"fmt"

	"github.com/altum-labs/probanza/pkg/audit"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// CreateProject registers a new project at the first phase and writes the
// chain's opening phase-change record.
func (e *Engine) CreateProject(ctx context.Context, name string, amountEUR float64, typology, actor string) (project.Project, error) {
	now := e.clock().UTC()
	p := project.Project{
		ID:           newID(),
		Name:         name,
		CurrentPhase: e.plan.First(),
		Attempt:      1,
		Status:       project.StatusActive,
		AmountEUR:    amountEUR,
		Typology:     typology,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.projects.Create(ctx, p); err != nil {
		return project.Project{}, err
	}

	_, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: p.ID,
		Kind:      ledger.KindPhaseChange,
		Phase:     p.CurrentPhase,
		Attempt:   1,
		Payload:   PhaseChange{ToPhase: p.CurrentPhase, Reason: "project created"},
		CreatedBy: actor,
	}, appendRetries)
	if err != nil {
		return project.Project{}, fmt.Errorf("engine: open chain for %s: %w", p.ID, err)
	}

	_ = e.audit.Record(ctx, audit.EventPhase, actor, "project.create", p.ID, p.CurrentPhase,
		map[string]any{"amount_eur": amountEUR, "typology": typology})
	return p, nil
}

// GetProject reads a project by id.
func (e *Engine) GetProject(ctx context.Context, projectID string) (project.Project, error) {
	return e.projects.Get(ctx, projectID)
}

// SubmitEvidence appends one evidence item to the project's chain.
// Evidence may target the current phase or any phase already passed;
// a phase the project has not reached is rejected.
func (e *Engine) SubmitEvidence(ctx context.Context, projectID, phase, kind, contentRef, actor string) (ledger.RecordRef, error) {
	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return ledger.RecordRef{}, err
	}
	if p.Status.Terminal() {
		return ledger.RecordRef{}, fmt.Errorf("%w: %s is %s", ErrProjectTerminal, p.ID, p.Status)
	}

	target := e.plan.Index(phase)
	if target < 0 || target > e.plan.Index(p.CurrentPhase) {
		return ledger.RecordRef{}, fmt.Errorf("%w: %s at %s, evidence for %q",
			ErrInvalidPhaseSkip, projectID, p.CurrentPhase, phase)
	}

	ref, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: projectID,
		Kind:      ledger.KindEvidence,
		Phase:     phase,
		Attempt:   p.Attempt,
		Payload:   EvidencePayload{Kind: kind, ContentRef: contentRef},
		CreatedBy: actor,
	}, appendRetries)
	if err != nil {
		return ledger.RecordRef{}, err
	}

	if err := e.cache.Invalidate(ctx, projectID); err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, actor, "cache.invalidate.failed", projectID, phase,
			map[string]any{"error": err.Error()})
	}
	_ = e.audit.Record(ctx, audit.EventEvidence, actor, "evidence.submit", projectID, phase,
		map[string]any{"kind": kind, "seq": ref.Seq})
	return ref, nil
}

// GetStatus reports the project's phase, consolidated status and the
// roles still owing a verdict for the current attempt. Served from the
// status cache when warm, re-derived from the ledger otherwise.
func (e *Engine) GetStatus(ctx context.Context, projectID string) (project.StatusSnapshot, error) {
	if snap, ok, err := e.cache.Get(ctx, projectID); err == nil && ok {
		return snap, nil
	}

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return project.StatusSnapshot{}, err
	}
	ph, ok := e.plan.Phase(p.CurrentPhase)
	if !ok {
		return project.StatusSnapshot{}, fmt.Errorf("engine: project %s in unknown phase %q", p.ID, p.CurrentPhase)
	}

	byRole, err := e.verdictsForAttempt(ctx, projectID, p.CurrentPhase, p.Attempt)
	if err != nil {
		return project.StatusSnapshot{}, err
	}

	pending := make([]verdict.Role, 0)
	for _, role := range ph.RequiredRoles {
		v, ok := byRole[role]
		if !ok || v.Status == verdict.StatusIncomplete {
			pending = append(pending, role)
		}
	}

	layers := scoring.Aggregate(ph.LayerSpecs(), byRole, e.catalog.IsRedFlag)
	snap := project.StatusSnapshot{
		ProjectID:    projectID,
		Phase:        p.CurrentPhase,
		Status:       p.Status,
		Consolidated: scoring.Consolidate(layers),
		PendingRoles: pending,
		UpdatedAt:    e.clock().UTC(),
	}
	if err := e.cache.Put(ctx, snap); err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, "", "cache.put.failed", projectID, p.CurrentPhase,
			map[string]any{"error": err.Error()})
	}
	return snap, nil
}

// RequestException grants a human override for the project's current
// gate. approverToken is either a bare approver identity or, when the
// policy carries a signing key, a signed assertion. The grant is chained
// immediately; it converts the next blocked advance for this transition
// into ALLOW_WITH_EXCEPTION.
func (e *Engine) RequestException(ctx context.Context, projectID, justification, approverToken string) (exception.Exception, error) {
	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return exception.Exception{}, err
	}
	ph, err := e.currentPhase(p)
	if err != nil {
		return exception.Exception{}, err
	}

	approver := approverToken
	approverRole := ""
	if len(e.excPolicy.SigningKey) > 0 {
		claims, err := e.excPolicy.VerifyApprover(approverToken)
		if err != nil {
			return exception.Exception{}, err
		}
		approver = claims.Subject
		approverRole = claims.Role
	}

	toPhase, ok := e.plan.Next(ph.ID)
	if !ok {
		toPhase = ClosedState
	}

	exc := exception.New(projectID, ph.ID, toPhase, approver, justification, e.clock())
	exc.ApproverRole = approverRole
	if err := e.excPolicy.Validate(exc); err != nil {
		return exception.Exception{}, err
	}

	_, err = ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: projectID,
		Kind:      ledger.KindException,
		Phase:     ph.ID,
		Attempt:   p.Attempt,
		Payload:   exc,
		CreatedBy: approver,
	}, appendRetries)
	if err != nil {
		return exception.Exception{}, err
	}

	p.Status = project.StatusExceptionGranted
	p.UpdatedAt = e.clock().UTC()
	if err := e.projects.Update(ctx, p); err != nil {
		return exception.Exception{}, err
	}
	if err := e.cache.Invalidate(ctx, projectID); err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, approver, "cache.invalidate.failed", projectID, ph.ID,
			map[string]any{"error": err.Error()})
	}

	_ = e.audit.Record(ctx, audit.EventException, approver, "exception.grant", projectID, ph.ID,
		map[string]any{"exception_id": exc.ID, "to_phase": toPhase})
	return exc, nil
}

// Reopen moves a project back to an earlier phase. This is never part of
// normal advancement: it models a later disqualifying fact (e.g. a
// supplier moving to a definitive blacklist after the gate was crossed)
// and therefore demands a granted human exception of its own.
func (e *Engine) Reopen(ctx context.Context, projectID, toPhase, justification, approverToken string) (project.Project, error) {
	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return project.Project{}, err
	}
	ph, err := e.currentPhase(p)
	if err != nil {
		return project.Project{}, err
	}

	target := e.plan.Index(toPhase)
	if target < 0 || target >= e.plan.Index(ph.ID) {
		return project.Project{}, fmt.Errorf("%w: %s -> %s", ErrNotBackward, ph.ID, toPhase)
	}

	approver := approverToken
	approverRole := ""
	if len(e.excPolicy.SigningKey) > 0 {
		claims, err := e.excPolicy.VerifyApprover(approverToken)
		if err != nil {
			return project.Project{}, fmt.Errorf("%w: %v", ErrExceptionRequired, err)
		}
		approver = claims.Subject
		approverRole = claims.Role
	}

	exc := exception.New(projectID, ph.ID, toPhase, approver, justification, e.clock())
	exc.ApproverRole = approverRole
	if err := e.excPolicy.Validate(exc); err != nil {
		return project.Project{}, fmt.Errorf("%w: %v", ErrExceptionRequired, err)
	}

	if _, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: projectID,
		Kind:      ledger.KindException,
		Phase:     ph.ID,
		Attempt:   p.Attempt,
		Payload:   exc,
		CreatedBy: approver,
	}, appendRetries); err != nil {
		return project.Project{}, err
	}

	// The reopened phase starts a fresh attempt past anything already
	// recorded there, so the earlier review's verdicts stay historical.
	prev, err := e.maxAttempt(ctx, projectID, toPhase)
	if err != nil {
		return project.Project{}, err
	}
	attempt := prev + 1

	// The reopen consumes the exception in the same breath: the phase
	// change references it, so it can never unlock a second transition.
	if _, err := ledger.AppendWithRetry(ctx, e.ledger, ledger.Append{
		ProjectID: projectID,
		Kind:      ledger.KindPhaseChange,
		Phase:     toPhase,
		Attempt:   attempt,
		Payload: PhaseChange{
			FromPhase:   ph.ID,
			ToPhase:     toPhase,
			Reason:      "reopened: " + justification,
			ExceptionID: exc.ID,
		},
		CreatedBy: approver,
	}, appendRetries); err != nil {
		return project.Project{}, err
	}

	p.CurrentPhase = toPhase
	p.Attempt = attempt
	p.Status = project.StatusActive
	p.UpdatedAt = e.clock().UTC()
	if err := e.projects.Update(ctx, p); err != nil {
		return project.Project{}, err
	}
	if err := e.cache.Invalidate(ctx, projectID); err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, approver, "cache.invalidate.failed", projectID, toPhase,
			map[string]any{"error": err.Error()})
	}

	_ = e.audit.Record(ctx, audit.EventPhase, approver, "project.reopen", projectID, toPhase,
		map[string]any{"from_phase": ph.ID, "exception_id": exc.ID})
	return p, nil
}
