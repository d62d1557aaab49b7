package phaseplan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

func TestDefaultPlanOrdering(t *testing.T) {
	plan := Default()
	require.Len(t, plan.Phases(), 10)
	assert.Equal(t, "F0", plan.First())

	next, ok := plan.Next("F0")
	require.True(t, ok)
	assert.Equal(t, "F1", next)

	_, ok = plan.Next("F9")
	assert.False(t, ok)
	assert.True(t, plan.IsLast("F9"))

	assert.Equal(t, -1, plan.Index("F10"))
	assert.Equal(t, 4, plan.Index("F4"))
}

func TestLayerSpecsDerivation(t *testing.T) {
	plan := Default()
	f7, ok := plan.Phase("F7")
	require.True(t, ok)

	specs := f7.LayerSpecs()
	require.Len(t, specs, 2)

	assert.Equal(t, scoring.LayerFormalCompliance, specs[0].Layer)
	assert.ElementsMatch(t,
		[]verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleLegal},
		specs[0].Required)
	assert.Equal(t, 2.0, specs[0].Weights[verdict.RoleFiscalCompliance])

	assert.Equal(t, scoring.LayerMateriality, specs[1].Layer)
	assert.Equal(t, []verdict.Role{verdict.RoleSupplierRisk}, specs[1].Required)
}

func TestAgentTimeoutDefault(t *testing.T) {
	p := Phase{}
	assert.Equal(t, 30*time.Second, p.AgentTimeout())
	p.TimeoutSeconds = 90
	assert.Equal(t, 90*time.Second, p.AgentTimeout())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]Phase{{ID: "F0"}, {ID: "F0"}})
	assert.Error(t, err, "duplicate phase id")

	_, err = New([]Phase{{ID: "F0", RequiredRoles: []verdict.Role{"nonsense"}}})
	assert.Error(t, err, "unknown role")

	_, err = New([]Phase{{ID: "F0", Weights: []WeightRow{
		{Layer: scoring.LayerMateriality, Role: verdict.RoleLegal, Weight: -1},
	}}})
	assert.Error(t, err, "negative weight")
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	content := `
phases:
  - id: "F0"
    name: "Intake"
    required_roles: ["strategic_rationale"]
    checklist: ["project_charter"]
    weights:
      - layer: "BUSINESS_RATIONALE"
        role: "strategic_rationale"
        weight: 1
    timeout_seconds: 20
  - id: "F1"
    name: "Contrato"
    required_roles: ["legal"]
    checklist: ["signed_contract"]
    weights:
      - layer: "FORMAL_COMPLIANCE"
        role: "legal"
        weight: 1
    guard: "project.amount < 5000000.0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	plan, err := Load(path)
	require.NoError(t, err)
	require.Len(t, plan.Phases(), 2)

	f1, ok := plan.Phase("F1")
	require.True(t, ok)
	assert.Equal(t, "project.amount < 5000000.0", f1.Guard)
	assert.Equal(t, 20*time.Second, mustPhase(t, plan, "F0").AgentTimeout())
}

func mustPhase(t *testing.T, plan *Plan, id string) Phase {
	t.Helper()
	p, ok := plan.Phase(id)
	require.True(t, ok)
	return p
}
