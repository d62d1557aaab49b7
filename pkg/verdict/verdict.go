// Package verdict — canonical, immutable representation of one agent's
// output for one project/phase.
//
//   - A verdict is never edited in place; a superseding re-evaluation
//     creates a new verdict that references the old one.
//   - Status ordering is conservative: aggregation code must never treat
//     a mix of statuses as better than its worst member.
package verdict

import (
	"fmt"
	"time"

	"github.com/altum-labs/probanza/pkg/canonicalize"
)

// Status is the outcome of a single agent evaluation.
type Status string

const (
	StatusConforme     Status = "CONFORME"
	StatusCondicionada Status = "CONDICIONADA"
	StatusNoConforme   Status = "NO_CONFORME"
	StatusIncomplete   Status = "INCOMPLETE"
)

// rank orders statuses from best to worst. INCOMPLETE ranks below
// NO_CONFORME: a missing answer blocks, but a definitive non-conformity
// is the stronger signal.
var rank = map[Status]int{
	StatusConforme:     0,
	StatusCondicionada: 1,
	StatusIncomplete:   2,
	StatusNoConforme:   3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Worst returns the more conservative of the two statuses.
func Worst(a, b Status) Status {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Role identifies an independent evaluator dimension.
type Role string

const (
	RoleStrategicRationale Role = "strategic_rationale"
	RoleEconomicBenefit    Role = "economic_benefit"
	RoleFiscalCompliance   Role = "fiscal_compliance"
	RoleSupplierRisk       Role = "supplier_risk"
	RoleLegal              Role = "legal"
	RoleDefenseCompiler    Role = "defense_compiler"
)

// Roles lists all known agent roles in stable order.
var Roles = []Role{
	RoleStrategicRationale,
	RoleEconomicBenefit,
	RoleFiscalCompliance,
	RoleSupplierRisk,
	RoleLegal,
	RoleDefenseCompiler,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// AgentVerdict is one agent role's structured output for a phase attempt.
type AgentVerdict struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Phase        string    `json:"phase"`
	Attempt      int       `json:"attempt"`
	Role         Role      `json:"agent_role"`
	Status       Status    `json:"status"`
	Score        float64   `json:"score"`
	RuleRefs     []string  `json:"rule_refs,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	RationaleRef string    `json:"rationale_ref,omitempty"`
	Supersedes   string    `json:"supersedes,omitempty"`
}

// Validate checks structural invariants. It does not judge content.
func (v *AgentVerdict) Validate() error {
	if v.ProjectID == "" {
		return fmt.Errorf("verdict: missing project_id")
	}
	if v.Phase == "" {
		return fmt.Errorf("verdict: missing phase")
	}
	if !v.Role.Valid() {
		return fmt.Errorf("verdict: unknown agent_role %q", v.Role)
	}
	if !v.Status.Valid() {
		return fmt.Errorf("verdict: unknown status %q", v.Status)
	}
	if v.Score < 0 || v.Score > 100 {
		return fmt.Errorf("verdict: score %.2f out of range [0,100]", v.Score)
	}
	if v.Attempt < 1 {
		return fmt.Errorf("verdict: attempt must be >= 1, got %d", v.Attempt)
	}
	return nil
}

// CanonicalHash returns the sha256 digest of the verdict's canonical form.
func (v *AgentVerdict) CanonicalHash() (string, error) {
	return canonicalize.Hash(v)
}

// Incomplete builds the placeholder verdict persisted when an agent call
// times out or fails. reason is recorded as the rationale reference so the
// defense file shows why the role has no substantive answer.
func Incomplete(projectID, phase string, attempt int, role Role, reason string, at time.Time) AgentVerdict {
	return AgentVerdict{
		ProjectID:    projectID,
		Phase:        phase,
		Attempt:      attempt,
		Role:         role,
		Status:       StatusIncomplete,
		Score:        0,
		IssuedAt:     at,
		RationaleRef: reason,
	}
}
