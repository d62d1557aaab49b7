package defense

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altum-labs/probanza/pkg/agent"
	"github.com/altum-labs/probanza/pkg/engine"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/phaseplan"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/rules"
	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

func compilerPlan(t *testing.T) *phaseplan.Plan {
	t.Helper()
	plan, err := phaseplan.New([]phaseplan.Phase{
		{
			ID:            "F0",
			Name:          "Alta",
			RequiredRoles: []verdict.Role{verdict.RoleFiscalCompliance},
			Checklist:     []string{"contract"},
			Weights: []phaseplan.WeightRow{
				{Layer: scoring.LayerFormalCompliance, Role: verdict.RoleFiscalCompliance, Weight: 1},
			},
		},
		{
			ID:            "F1",
			Name:          "Racional",
			RequiredRoles: []verdict.Role{verdict.RoleStrategicRationale},
			Weights: []phaseplan.WeightRow{
				{Layer: scoring.LayerBusinessRationale, Role: verdict.RoleStrategicRationale, Weight: 1},
			},
		},
	})
	require.NoError(t, err)
	return plan
}

func fixedEvaluator(status verdict.Status, score float64) agent.Evaluator {
	return agent.EvaluatorFunc(func(ctx context.Context, req agent.Request) (*verdict.AgentVerdict, error) {
		return &verdict.AgentVerdict{Status: status, Score: score}, nil
	})
}

func setup(t *testing.T, evaluators map[verdict.Role]agent.Evaluator) (*engine.Engine, *ledger.MemoryLedger, *Compiler) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	plan := compilerPlan(t)
	eng, err := engine.New(engine.Config{
		Projects:   project.NewMemoryStore(),
		Ledger:     led,
		Plan:       plan,
		Catalog:    rules.Default(),
		Evaluators: evaluators,
	})
	require.NoError(t, err)
	eng.WithClock(func() time.Time { return time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC) })
	return eng, led, NewCompiler(led, plan, rules.Default())
}

func TestCompileIsByteDeterministic(t *testing.T) {
	ctx := context.Background()
	eng, _, comp := setup(t, map[verdict.Role]agent.Evaluator{
		verdict.RoleFiscalCompliance:   fixedEvaluator(verdict.StatusConforme, 85),
		verdict.RoleStrategicRationale: fixedEvaluator(verdict.StatusConforme, 70),
	})

	p, err := eng.CreateProject(ctx, "Determinista", 20000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)

	file1, data1, err := comp.Compile(ctx, p.ID)
	require.NoError(t, err)
	_, data2, err := comp.Compile(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(data1, data2), "unchanged chain must compile to identical bytes")
	assert.Equal(t, p.ID, file1.ProjectID)
	assert.NotEmpty(t, file1.ChainHead)
}

func TestCompileDefensibilityIsWeakestPassedLayer(t *testing.T) {
	ctx := context.Background()
	eng, _, comp := setup(t, map[verdict.Role]agent.Evaluator{
		verdict.RoleFiscalCompliance:   fixedEvaluator(verdict.StatusConforme, 92),
		verdict.RoleStrategicRationale: fixedEvaluator(verdict.StatusConforme, 61),
	})

	p, err := eng.CreateProject(ctx, "Mínimo", 20000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	_, err = eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)

	file, _, err := comp.Compile(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 61, file.Defensibility, 0.001, "defensibility is the weakest passed layer")
}

func TestCompileRecordsBlockAndOverride(t *testing.T) {
	ctx := context.Background()
	eng, _, comp := setup(t, map[verdict.Role]agent.Evaluator{
		verdict.RoleFiscalCompliance:   fixedEvaluator(verdict.StatusNoConforme, 30),
		verdict.RoleStrategicRationale: fixedEvaluator(verdict.StatusConforme, 70),
	})

	p, err := eng.CreateProject(ctx, "Anulado", 20000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	blocked, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, gate.OutcomeBlock, blocked.Outcome)

	exc, err := eng.RequestException(ctx, p.ID,
		"Fiscal concern accepted by the board after outside counsel reviewed the deduction basis.",
		"cfo@example.com")
	require.NoError(t, err)

	overridden, err := eng.Advance(ctx, p.ID, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, gate.OutcomeAllowWithException, overridden.Outcome)

	file, _, err := comp.Compile(ctx, p.ID)
	require.NoError(t, err)

	var f0 *PhaseSection
	for i := range file.Phases {
		if file.Phases[i].Phase == "F0" {
			f0 = &file.Phases[i]
		}
	}
	require.NotNil(t, f0)
	require.Len(t, f0.Decisions, 2, "both the block and the override must appear")
	assert.Equal(t, gate.OutcomeBlock, f0.Decisions[0].Outcome)
	assert.Equal(t, gate.OutcomeAllowWithException, f0.Decisions[1].Outcome)
	assert.Equal(t, exc.ID, f0.Decisions[1].ExceptionID)
	require.Len(t, f0.Exceptions, 1)
	assert.Equal(t, "cfo@example.com", f0.Exceptions[0].Approver)
	assert.True(t, f0.Passed)
}

func TestCompileHaltsOnBrokenChain(t *testing.T) {
	ctx := context.Background()
	eng, led, comp := setup(t, map[verdict.Role]agent.Evaluator{
		verdict.RoleFiscalCompliance: fixedEvaluator(verdict.StatusConforme, 85),
	})

	p, err := eng.CreateProject(ctx, "Roto", 20000, "consultoria", "reviewer-1")
	require.NoError(t, err)
	_, err = eng.SubmitEvidence(ctx, p.ID, "F0", "contract", "ref", "reviewer-1")
	require.NoError(t, err)

	led.Tamper(p.ID, 2, []byte(`{"kind":"contract","content_ref":"forged"}`))

	_, _, err = comp.Compile(ctx, p.ID)
	assert.ErrorIs(t, err, ledger.ErrIntegrity)
}

func TestFileArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	arch, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"project_id":"p-1"}`)
	head := "sha256:abc123"

	ok, err := arch.Exists(ctx, "p-1", head)
	require.NoError(t, err)
	assert.False(t, ok)

	hash1, err := arch.Put(ctx, "p-1", head, data)
	require.NoError(t, err)
	hash2, err := arch.Put(ctx, "p-1", head, data)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2, "archiving twice is idempotent")

	got, err := arch.Get(ctx, "p-1", head)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err = arch.Exists(ctx, "p-1", head)
	require.NoError(t, err)
	assert.True(t, ok)
}
