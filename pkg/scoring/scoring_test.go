package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/altum-labs/probanza/pkg/verdict"
)

func mkVerdict(id string, role verdict.Role, status verdict.Status, score float64, refs ...string) verdict.AgentVerdict {
	return verdict.AgentVerdict{
		ID:        id,
		ProjectID: "p-1",
		Phase:     "F2",
		Attempt:   1,
		Role:      role,
		Status:    status,
		Score:     score,
		RuleRefs:  refs,
	}
}

func formalSpec() LayerSpec {
	return LayerSpec{
		Layer:    LayerFormalCompliance,
		Required: []verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleLegal},
		Weights: map[verdict.Role]float64{
			verdict.RoleFiscalCompliance: 2,
			verdict.RoleLegal:            1,
		},
	}
}

func TestAggregateLayerWeightedAverage(t *testing.T) {
	byRole := map[verdict.Role]verdict.AgentVerdict{
		verdict.RoleFiscalCompliance: mkVerdict("v1", verdict.RoleFiscalCompliance, verdict.StatusConforme, 90),
		verdict.RoleLegal:            mkVerdict("v2", verdict.RoleLegal, verdict.StatusConforme, 60),
	}
	ls := AggregateLayer(formalSpec(), byRole, nil)

	assert.Equal(t, verdict.StatusConforme, ls.Status)
	assert.InDelta(t, 80.0, ls.Score, 0.001) // (2*90 + 1*60) / 3
	assert.Equal(t, []string{"v1", "v2"}, ls.Contributing)
	assert.Empty(t, ls.MissingRoles)
}

func TestAggregateLayerMissingRequired(t *testing.T) {
	byRole := map[verdict.Role]verdict.AgentVerdict{
		verdict.RoleFiscalCompliance: mkVerdict("v1", verdict.RoleFiscalCompliance, verdict.StatusConforme, 95),
	}
	ls := AggregateLayer(formalSpec(), byRole, nil)

	assert.Equal(t, verdict.StatusIncomplete, ls.Status)
	assert.Equal(t, []verdict.Role{verdict.RoleLegal}, ls.MissingRoles)
}

func TestAggregateLayerRedFlagOverride(t *testing.T) {
	spec := LayerSpec{
		Layer:    LayerMateriality,
		Required: []verdict.Role{verdict.RoleSupplierRisk, verdict.RoleEconomicBenefit},
	}
	byRole := map[verdict.Role]verdict.AgentVerdict{
		verdict.RoleSupplierRisk:    mkVerdict("v1", verdict.RoleSupplierRisk, verdict.StatusNoConforme, 10, "SUPPLIER-DEFINITIVE"),
		verdict.RoleEconomicBenefit: mkVerdict("v2", verdict.RoleEconomicBenefit, verdict.StatusConforme, 100),
	}
	isRedFlag := func(id string) bool { return id == "SUPPLIER-DEFINITIVE" }

	ls := AggregateLayer(spec, byRole, isRedFlag)
	assert.Equal(t, verdict.StatusNoConforme, ls.Status)
	assert.Equal(t, []string{"SUPPLIER-DEFINITIVE"}, ls.RedFlagRules)
	// The average is high but the status must not soften.
	assert.InDelta(t, 55.0, ls.Score, 0.001)
}

func TestAggregateLayerNoConformeWithoutRedFlag(t *testing.T) {
	spec := LayerSpec{
		Layer:    LayerBusinessRationale,
		Required: []verdict.Role{verdict.RoleStrategicRationale},
	}
	byRole := map[verdict.Role]verdict.AgentVerdict{
		verdict.RoleStrategicRationale: mkVerdict("v1", verdict.RoleStrategicRationale, verdict.StatusNoConforme, 20, "LIS-18"),
	}
	ls := AggregateLayer(spec, byRole, func(string) bool { return false })
	assert.Equal(t, verdict.StatusNoConforme, ls.Status)
	assert.Empty(t, ls.RedFlagRules)
}

func TestConsolidateMapping(t *testing.T) {
	mk := func(statuses ...verdict.Status) []LayerScore {
		out := make([]LayerScore, len(statuses))
		for i, s := range statuses {
			out[i] = LayerScore{Layer: Layers[i%len(Layers)], Status: s}
		}
		return out
	}

	assert.Equal(t, ConsolidatedGreen, Consolidate(mk(verdict.StatusConforme, verdict.StatusConforme, verdict.StatusConforme)))
	assert.Equal(t, ConsolidatedYellow, Consolidate(mk(verdict.StatusConforme, verdict.StatusCondicionada, verdict.StatusConforme)))
	assert.Equal(t, ConsolidatedRed, Consolidate(mk(verdict.StatusConforme, verdict.StatusCondicionada, verdict.StatusNoConforme)))
	assert.Equal(t, ConsolidatedRed, Consolidate(mk(verdict.StatusIncomplete)))
	assert.Equal(t, ConsolidatedRed, Consolidate(nil))
}

func TestConsolidateNeverBetterThanWorstLayer(t *testing.T) {
	// every combination of three statuses
	statuses := []verdict.Status{
		verdict.StatusConforme, verdict.StatusCondicionada,
		verdict.StatusNoConforme, verdict.StatusIncomplete,
	}
	tier := func(s verdict.Status) Consolidated {
		switch s {
		case verdict.StatusConforme:
			return ConsolidatedGreen
		case verdict.StatusCondicionada:
			return ConsolidatedYellow
		default:
			return ConsolidatedRed
		}
	}
	rank := map[Consolidated]int{ConsolidatedGreen: 0, ConsolidatedYellow: 1, ConsolidatedRed: 2}

	for _, a := range statuses {
		for _, b := range statuses {
			for _, c := range statuses {
				layers := []LayerScore{
					{Layer: LayerFormalCompliance, Status: a},
					{Layer: LayerMateriality, Status: b},
					{Layer: LayerBusinessRationale, Status: c},
				}
				got := Consolidate(layers)
				for _, s := range []verdict.Status{a, b, c} {
					if rank[got] < rank[tier(s)] {
						t.Fatalf("consolidated %s better than layer status %s in %v", got, s, layers)
					}
				}
			}
		}
	}
}
