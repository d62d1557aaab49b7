// Package phaseplan holds the ordered phase configuration a project is
// reviewed against: required agent roles, minimum evidence checklists and
// the per-role weight tables used by the scoring aggregator.
//
// The plan is configuration data, not runtime-mutable state. It is loaded
// once (YAML or built-in default) and shared read-only.
package phaseplan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// WeightRow assigns a role to a validation layer with a scoring weight.
// Membership and weight live together so a role cannot silently contribute
// to a layer it was never configured for.
type WeightRow struct {
	Layer  scoring.LayerKind `yaml:"layer" json:"layer"`
	Role   verdict.Role      `yaml:"role" json:"role"`
	Weight float64           `yaml:"weight" json:"weight"`
}

// Phase is one ordered review stage.
type Phase struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	RequiredRoles  []verdict.Role `yaml:"required_roles" json:"required_roles"`
	Checklist      []string       `yaml:"checklist" json:"checklist"` // minimum evidence kinds
	Weights        []WeightRow    `yaml:"weights" json:"weights"`
	Guard          string         `yaml:"guard,omitempty" json:"guard,omitempty"` // optional CEL expression
	TimeoutSeconds int            `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// AgentTimeout returns the bounded deadline for one evaluator call.
func (p Phase) AgentTimeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LayerSpecs derives the scoring inputs for this phase. A layer's required
// roles are the weight-table roles that are also phase-required.
func (p Phase) LayerSpecs() []scoring.LayerSpec {
	required := make(map[verdict.Role]bool, len(p.RequiredRoles))
	for _, r := range p.RequiredRoles {
		required[r] = true
	}

	specs := make([]scoring.LayerSpec, 0, len(scoring.Layers))
	for _, layer := range scoring.Layers {
		spec := scoring.LayerSpec{Layer: layer, Weights: make(map[verdict.Role]float64)}
		for _, row := range p.Weights {
			if row.Layer != layer || !required[row.Role] {
				continue
			}
			spec.Required = append(spec.Required, row.Role)
			spec.Weights[row.Role] = row.Weight
		}
		if len(spec.Required) > 0 {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Plan is the ordered set of phases.
type Plan struct {
	phases []Phase
	index  map[string]int
}

type planFile struct {
	Phases []Phase `yaml:"phases"`
}

// New validates and builds a plan from an ordered phase list.
func New(phases []Phase) (*Plan, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("phaseplan: empty plan")
	}
	index := make(map[string]int, len(phases))
	for i, p := range phases {
		if p.ID == "" {
			return nil, fmt.Errorf("phaseplan: phase %d has empty id", i)
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("phaseplan: duplicate phase id %s", p.ID)
		}
		for _, r := range p.RequiredRoles {
			if !r.Valid() {
				return nil, fmt.Errorf("phaseplan: phase %s requires unknown role %q", p.ID, r)
			}
		}
		for _, w := range p.Weights {
			if !w.Role.Valid() {
				return nil, fmt.Errorf("phaseplan: phase %s weight row for unknown role %q", p.ID, w.Role)
			}
			if w.Weight < 0 {
				return nil, fmt.Errorf("phaseplan: phase %s negative weight for role %s", p.ID, w.Role)
			}
		}
		index[p.ID] = i
	}
	return &Plan{phases: phases, index: index}, nil
}

// Load reads a plan from a YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phaseplan: load %q: %w", path, err)
	}
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("phaseplan: parse %q: %w", path, err)
	}
	return New(f.Phases)
}

// First returns the entry phase id.
func (pl *Plan) First() string { return pl.phases[0].ID }

// Phase returns the configuration for id.
func (pl *Plan) Phase(id string) (Phase, bool) {
	i, ok := pl.index[id]
	if !ok {
		return Phase{}, false
	}
	return pl.phases[i], true
}

// Index returns the ordinal position of a phase, or -1 if unknown.
func (pl *Plan) Index(id string) int {
	i, ok := pl.index[id]
	if !ok {
		return -1
	}
	return i
}

// Next returns the phase after id. ok is false when id is the last phase
// (the project closes) or unknown.
func (pl *Plan) Next(id string) (string, bool) {
	i, ok := pl.index[id]
	if !ok || i+1 >= len(pl.phases) {
		return "", false
	}
	return pl.phases[i+1].ID, true
}

// IsLast reports whether id is the terminal review phase.
func (pl *Plan) IsLast(id string) bool {
	i, ok := pl.index[id]
	return ok && i == len(pl.phases)-1
}

// Phases returns the ordered phase list.
func (pl *Plan) Phases() []Phase { return pl.phases }
