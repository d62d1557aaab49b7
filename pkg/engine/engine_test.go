package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altum-labs/probanza/pkg/agent"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/phaseplan"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/rules"
	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

func testPlan(t *testing.T) *phaseplan.Plan {
	t.Helper()
	plan, err := phaseplan.New([]phaseplan.Phase{
		{
			ID:            "F0",
			Name:          "Alta",
			RequiredRoles: []verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleSupplierRisk},
			Checklist:     []string{"contract"},
			Weights: []phaseplan.WeightRow{
				{Layer: scoring.LayerFormalCompliance, Role: verdict.RoleFiscalCompliance, Weight: 1},
				{Layer: scoring.LayerMateriality, Role: verdict.RoleSupplierRisk, Weight: 1},
			},
		},
		{
			ID:            "F1",
			Name:          "Racional",
			RequiredRoles: []verdict.Role{verdict.RoleStrategicRationale},
			Checklist:     []string{"rationale_memo"},
			Weights: []phaseplan.WeightRow{
				{Layer: scoring.LayerBusinessRationale, Role: verdict.RoleStrategicRationale, Weight: 1},
			},
		},
		{
			ID:            "F2",
			Name:          "Cierre",
			RequiredRoles: []verdict.Role{verdict.RoleLegal},
			Weights: []phaseplan.WeightRow{
				{Layer: scoring.LayerFormalCompliance, Role: verdict.RoleLegal, Weight: 1},
			},
		},
	})
	require.NoError(t, err)
	return plan
}

// conformeEvaluator answers CONFORME with the given score for any request.
func conformeEvaluator(score float64) agent.Evaluator {
	return agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return &verdict.AgentVerdict{Status: verdict.StatusConforme, Score: score}, nil
	})
}

type countingEvaluator struct {
	mu    sync.Mutex
	calls int
	inner agent.Evaluator
}

func (c *countingEvaluator) Evaluate(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Evaluate(ctx, req)
}

func (c *countingEvaluator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestEngine(t *testing.T, evaluators map[verdict.Role]agent.Evaluator) (*Engine, *ledger.MemoryLedger) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	eng, err := New(Config{
		Projects:   project.NewMemoryStore(),
		Ledger:     led,
		Plan:       testPlan(t),
		Catalog:    rules.Default(),
		Evaluators: evaluators,
	})
	require.NoError(t, err)
	eng.WithClock(func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) })
	return eng, led
}

func allConforme() map[verdict.Role]agent.Evaluator {
	evs := make(map[verdict.Role]agent.Evaluator)
	for _, r := range verdict.Roles {
		evs[r] = conformeEvaluator(90)
	}
	return evs
}

func TestAdvanceAllowsAndIncrementsPhase(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Asesoría estratégica", 80000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, "F0", p.CurrentPhase)

	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "s3://docs/contract.pdf", "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, d.Outcome)
	assert.Equal(t, scoring.ConsolidatedGreen, d.Consolidated)
	assert.Equal(t, "F0", d.FromPhase)
	assert.Equal(t, "F1", d.ToPhase)

	got, err := eng.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "F1", got.CurrentPhase)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, project.StatusActive, got.Status)
}

func TestAdvanceBlocksOnMissingChecklist(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Sin contrato", 10000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, d.Outcome)
	assert.Contains(t, d.Reason, "evidence checklist incomplete")
	assert.Contains(t, d.MissingEvidence, "contract")

	got, err := eng.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "F0", got.CurrentPhase)
	assert.Equal(t, project.StatusBlocked, got.Status)
}

func TestAdvanceTimeoutBecomesIncomplete(t *testing.T) {
	ctx := context.Background()
	evs := allConforme()
	evs[verdict.RoleSupplierRisk] = agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return nil, agent.ErrTimeout
	})
	eng, led := newTestEngine(t, evs)

	p, err := eng.CreateProject(ctx, "Proveedor lento", 30000, "formacion", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "s3://docs/c.pdf", "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, d.Outcome)
	assert.Equal(t, scoring.ConsolidatedRed, d.Consolidated)

	// The failed call is chained as an INCOMPLETE verdict, not dropped.
	records, err := led.List(ctx, p.ID, ledger.ListOptions{Phase: "F0"})
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.Kind != ledger.KindVerdict {
			continue
		}
		var v verdict.AgentVerdict
		require.NoError(t, decodePayload(r, &v))
		if v.Role == verdict.RoleSupplierRisk {
			found = true
			assert.Equal(t, verdict.StatusIncomplete, v.Status)
		}
	}
	assert.True(t, found, "INCOMPLETE verdict must be chained")
}

func TestAdvanceRedFlagOverridesAverages(t *testing.T) {
	ctx := context.Background()
	evs := allConforme()
	evs[verdict.RoleSupplierRisk] = agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return &verdict.AgentVerdict{
			Status:   verdict.StatusNoConforme,
			Score:    95,
			RuleRefs: []string{"SUPPLIER-DEFINITIVE"},
		}, nil
	})
	eng, _ := newTestEngine(t, evs)

	p, err := eng.CreateProject(ctx, "Proveedor vetado", 30000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, d.Outcome)
	assert.Equal(t, scoring.ConsolidatedRed, d.Consolidated)

	var redFlagged bool
	for _, ls := range d.LayerScores {
		if len(ls.RedFlagRules) > 0 {
			redFlagged = true
			assert.Equal(t, verdict.StatusNoConforme, ls.Status)
		}
	}
	assert.True(t, redFlagged, "red flag must surface in a layer score")
}

func TestAdvanceIsIdempotentWithoutNewEvidence(t *testing.T) {
	ctx := context.Background()
	counting := &countingEvaluator{inner: conformeEvaluator(40)}
	evs := allConforme()
	evs[verdict.RoleFiscalCompliance] = counting
	// Supplier risk blocks, so the project stays in F0 and advance can
	// legitimately run twice against the same phase-attempt.
	evs[verdict.RoleSupplierRisk] = agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return &verdict.AgentVerdict{Status: verdict.StatusNoConforme, Score: 10}, nil
	})
	eng, _ := newTestEngine(t, evs)

	p, err := eng.CreateProject(ctx, "Repetido", 5000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	first, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	second, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Consolidated, second.Consolidated)
	assert.Equal(t, 1, counting.count(), "valid verdicts must not be re-invoked")
}

func TestAdvanceExceptionOverridesBlock(t *testing.T) {
	ctx := context.Background()
	evs := allConforme()
	evs[verdict.RoleSupplierRisk] = agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return &verdict.AgentVerdict{Status: verdict.StatusNoConforme, Score: 20}, nil
	})
	eng, _ := newTestEngine(t, evs)

	p, err := eng.CreateProject(ctx, "Con excepción", 15000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	blocked, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, gate.OutcomeBlock, blocked.Outcome)

	exc, err := eng.RequestException(ctx, p.ID,
		"Supplier concern reviewed with procurement; contract carries indemnity clauses covering the risk.",
		"cfo@example.com")
	require.NoError(t, err)
	assert.Equal(t, "F0", exc.FromPhase)
	assert.Equal(t, "F1", exc.ToPhase)

	overridden, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllowWithException, overridden.Outcome)
	assert.Equal(t, gate.DecidedByHumanOverride, overridden.DecidedBy)
	assert.Equal(t, exc.ID, overridden.ExceptionID)

	got, err := eng.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "F1", got.CurrentPhase)

	// The exception unlocked exactly one crossing; it must not be
	// reusable on a later block of the same transition.
	back, err := eng.Reopen(ctx, p.ID, "F0",
		"Supplier moved to the definitive blacklist after the gate was crossed; phase must be redone.",
		"cfo@example.com")
	require.NoError(t, err)
	require.Equal(t, "F0", back.CurrentPhase)

	again, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, again.Outcome, "consumed exception must not override again")
}

func TestSubmitEvidencePhaseSkipRejected(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Salto", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	_, err = eng.SubmitEvidence(ctx, p.ID, "F2", "contract", "ref", "reviewer-1")
	assert.ErrorIs(t, err, ErrInvalidPhaseSkip)

	_, err = eng.SubmitEvidence(ctx, p.ID, "F9", "contract", "ref", "reviewer-1")
	assert.ErrorIs(t, err, ErrInvalidPhaseSkip)
}

func TestConcurrentEvidenceSubmissionsAllChain(t *testing.T) {
	ctx := context.Background()
	eng, led := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Carrera", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	require.NoError(t, led.Verify(ctx, p.ID))
	records, err := led.List(ctx, p.ID, ledger.ListOptions{Phase: "F0"})
	require.NoError(t, err)
	var evidence int
	for _, r := range records {
		if r.Kind == ledger.KindEvidence {
			evidence++
		}
	}
	assert.Equal(t, writers, evidence, "no submission may be lost")
}

func TestGetStatusReportsPendingRoles(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Estado", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	snap, err := eng.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "F0", snap.Phase)
	assert.Equal(t, scoring.ConsolidatedRed, snap.Consolidated, "no verdicts yet means RED")
	assert.ElementsMatch(t, []verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleSupplierRisk}, snap.PendingRoles)

	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)

	snap, err = eng.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "F1", snap.Phase)
	assert.ElementsMatch(t, []verdict.Role{verdict.RoleStrategicRationale}, snap.PendingRoles)
}

func TestAdvanceClosesProjectAfterLastPhase(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Hasta el final", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F1", "rationale_memo", "ref", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeAllow, d.Outcome)
	assert.Equal(t, ClosedState, d.ToPhase)

	got, err := eng.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusClosed, got.Status)

	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	assert.ErrorIs(t, err, ErrProjectTerminal)
}

func TestReopenRequiresBackwardTarget(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Reapertura", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	_, err = eng.Reopen(ctx, p.ID, "F2",
		"This justification is long enough to pass the policy length check easily.", "cfo@example.com")
	assert.ErrorIs(t, err, ErrNotBackward)

	_, err = eng.Reopen(ctx, p.ID, "F0",
		"This justification is long enough to pass the policy length check easily.", "cfo@example.com")
	assert.ErrorIs(t, err, ErrNotBackward, "reopening the current phase is not backward")
}

func TestRequestExceptionRejectsShortJustification(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Breve", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	_, err = eng.RequestException(ctx, p.ID, "too short", "cfo@example.com")
	require.Error(t, err)
}

func TestRequestExceptionVerifiesSignedApprover(t *testing.T) {
	ctx := context.Background()
	key := []byte("test-signing-key")
	led := ledger.NewMemoryLedger()
	eng, err := New(Config{
		Projects:   project.NewMemoryStore(),
		Ledger:     led,
		Plan:       testPlan(t),
		Evaluators: allConforme(),
		Exceptions: exception.Policy{
			MinJustificationLen: 40,
			Issuer:              "probanza-test",
			SigningKey:          key,
		},
	})
	require.NoError(t, err)

	p, err := eng.CreateProject(ctx, "Firmado", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)

	_, err = eng.RequestException(ctx, p.ID,
		"Justification long enough to satisfy the policy minimum length requirement.",
		"not-a-signed-assertion")
	assert.ErrorIs(t, err, exception.ErrInvalidApprover)
}

func TestAdvanceHaltsOnBrokenChain(t *testing.T) {
	ctx := context.Background()
	eng, led := newTestEngine(t, allConforme())

	p, err := eng.CreateProject(ctx, "Manipulado", 1000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	led.Tamper(p.ID, 2, []byte(`{"kind":"contract","content_ref":"forged"}`))

	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	assert.True(t, errors.Is(err, ledger.ErrIntegrity), "advance must halt on a broken chain, got %v", err)
}

func TestNilEvaluatorResultBecomesIncomplete(t *testing.T) {
	ctx := context.Background()
	evs := allConforme()
	evs[verdict.RoleSupplierRisk] = agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return nil, nil
	})
	eng, led := newTestEngine(t, evs)

	p, err := eng.CreateProject(ctx, "Evaluador mudo", 30000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	d, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OutcomeBlock, d.Outcome)

	records, err := led.List(ctx, p.ID, ledger.ListOptions{Phase: "F0"})
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.Kind != ledger.KindVerdict {
			continue
		}
		var v verdict.AgentVerdict
		require.NoError(t, decodePayload(r, &v))
		if v.Role == verdict.RoleSupplierRisk {
			found = true
			assert.Equal(t, verdict.StatusIncomplete, v.Status)
			assert.Contains(t, v.RationaleRef, "no verdict")
		}
	}
	assert.True(t, found, "a nil evaluator result must chain as INCOMPLETE")
}

// conflictOnceLedger loses the first append race, then behaves.
type conflictOnceLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	rejected bool
}

func (c *conflictOnceLedger) Append(ctx context.Context, in ledger.Append) (ledger.RecordRef, error) {
	c.mu.Lock()
	first := !c.rejected
	c.rejected = true
	c.mu.Unlock()
	if first {
		return ledger.RecordRef{}, ledger.ErrConcurrentAppendConflict
	}
	return c.Ledger.Append(ctx, in)
}

type conflictCounter struct {
	mu sync.Mutex
	n  int
}

func (c *conflictCounter) RecordLedgerConflict(ctx context.Context, projectID string) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestMeteredLedgerCountsAppendConflicts(t *testing.T) {
	ctx := context.Background()
	counter := &conflictCounter{}
	ml := meteredLedger{
		Ledger:    &conflictOnceLedger{Ledger: ledger.NewMemoryLedger()},
		conflicts: counter,
	}

	ref, err := ledger.AppendWithRetry(ctx, ml, ledger.Append{
		ProjectID: "p-1",
		Kind:      ledger.KindEvidence,
		Phase:     "F0",
		Attempt:   1,
		Payload:   EvidencePayload{Kind: "contract", ContentRef: "ref"},
		CreatedBy: "reviewer-1",
	}, appendRetries)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ref.Seq)
	assert.Equal(t, 1, counter.n, "the lost race must be counted exactly once")
}
