// Package scoring combines independent agent verdicts into layer scores and
// a consolidated tri-color status.
//
// Aggregation is conservative by construction: ties and mixes always resolve
// to the worse status, and a red-flag violation overrides any numeric average.
// Everything here is a pure function over data read from the ledger.
package scoring

import (
	"sort"

	"github.com/altum-labs/probanza/pkg/verdict"
)

// LayerKind is one of the three validation dimensions.
type LayerKind string

const (
	LayerFormalCompliance  LayerKind = "FORMAL_COMPLIANCE"
	LayerMateriality       LayerKind = "MATERIALITY"
	LayerBusinessRationale LayerKind = "BUSINESS_RATIONALE"
)

// Layers lists all layer kinds in stable order.
var Layers = []LayerKind{LayerFormalCompliance, LayerMateriality, LayerBusinessRationale}

// LayerSpec declares which roles feed a layer and with what weight.
// A zero or missing weight counts as 1.0.
type LayerSpec struct {
	Layer    LayerKind
	Required []verdict.Role
	Weights  map[verdict.Role]float64
}

// LayerScore is the aggregation of the verdicts belonging to one layer.
type LayerScore struct {
	Layer        LayerKind      `json:"layer"`
	Status       verdict.Status `json:"status"`
	Score        float64        `json:"score"`
	Contributing []string       `json:"contributing_verdicts"`
	MissingRoles []verdict.Role `json:"missing_roles,omitempty"`
	RedFlagRules []string       `json:"red_flag_rules,omitempty"`
}

// Consolidated is the tri-color status of a phase.
type Consolidated string

const (
	ConsolidatedGreen  Consolidated = "GREEN"
	ConsolidatedYellow Consolidated = "YELLOW"
	ConsolidatedRed    Consolidated = "RED"
)

// AggregateLayer computes one layer's score from the verdicts keyed by role.
// isRedFlag classifies rule references; nil means no rule is a red flag.
func AggregateLayer(spec LayerSpec, byRole map[verdict.Role]verdict.AgentVerdict, isRedFlag func(string) bool) LayerScore {
	score := LayerScore{
		Layer:        spec.Layer,
		Status:       verdict.StatusConforme,
		Contributing: []string{},
	}

	var weightSum, weighted float64
	for _, role := range spec.Required {
		v, ok := byRole[role]
		if !ok {
			score.MissingRoles = append(score.MissingRoles, role)
			continue
		}
		score.Contributing = append(score.Contributing, v.ID)
		score.Status = verdict.Worst(score.Status, v.Status)

		w := spec.Weights[role]
		if w <= 0 {
			w = 1.0
		}
		weightSum += w
		weighted += w * v.Score

		if v.Status == verdict.StatusNoConforme && isRedFlag != nil {
			for _, ref := range v.RuleRefs {
				if isRedFlag(ref) {
					score.RedFlagRules = append(score.RedFlagRules, ref)
				}
			}
		}
	}

	if weightSum > 0 {
		score.Score = weighted / weightSum
	}
	sort.Strings(score.Contributing)
	sort.Strings(score.RedFlagRules)

	// A missing required verdict makes the layer INCOMPLETE regardless of
	// what the present verdicts say, unless a red flag already forces worse.
	if len(score.MissingRoles) > 0 {
		score.Status = verdict.Worst(score.Status, verdict.StatusIncomplete)
	}
	// Red flag overrides any average.
	if len(score.RedFlagRules) > 0 {
		score.Status = verdict.StatusNoConforme
	}
	return score
}

// Aggregate computes all layer scores for a phase in stable layer order.
func Aggregate(specs []LayerSpec, byRole map[verdict.Role]verdict.AgentVerdict, isRedFlag func(string) bool) []LayerScore {
	out := make([]LayerScore, 0, len(specs))
	for _, spec := range specs {
		out = append(out, AggregateLayer(spec, byRole, isRedFlag))
	}
	return out
}

// Consolidate maps layer scores to the phase tri-color status.
// An empty layer set is RED: no validated layers means nothing is defensible.
func Consolidate(layers []LayerScore) Consolidated {
	if len(layers) == 0 {
		return ConsolidatedRed
	}
	worst := verdict.StatusConforme
	for _, l := range layers {
		worst = verdict.Worst(worst, l.Status)
	}
	switch worst {
	case verdict.StatusConforme:
		return ConsolidatedGreen
	case verdict.StatusCondicionada:
		return ConsolidatedYellow
	default:
		return ConsolidatedRed
	}
}
