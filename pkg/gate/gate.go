// Package gate decides whether a project may cross a phase boundary.
//
// Decide is a pure function over aggregated layer scores, evidence
// checklist state and an optional human exception. Policy lives in
// configuration (phase weight tables, red-flag sets, optional CEL guard
// expressions); the engine itself never invents an exception.
package gate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/scoring"
)

// Outcome is the result of one transition attempt.
type Outcome string

const (
	OutcomeAllow              Outcome = "ALLOW"
	OutcomeBlock              Outcome = "BLOCK"
	OutcomeAllowWithException Outcome = "ALLOW_WITH_EXCEPTION"
)

// DecidedBy records whether the decision was systemic or a human override.
type DecidedBy string

const (
	DecidedBySystem        DecidedBy = "system"
	DecidedByHumanOverride DecidedBy = "human-override"
)

// Decision is written once per transition attempt. An ALLOW is always
// traceable to the layer scores that satisfied the policy.
type Decision struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	FromPhase       string               `json:"from_phase"`
	ToPhase         string               `json:"to_phase"`
	Outcome         Outcome              `json:"outcome"`
	Reason          string               `json:"reason"`
	Consolidated    scoring.Consolidated `json:"consolidated_status"`
	LayerScores     []scoring.LayerScore `json:"layer_scores"`
	MissingEvidence []string             `json:"missing_evidence,omitempty"`
	ExceptionID     string               `json:"exception_id,omitempty"`
	DecidedAt       time.Time            `json:"decided_at"`
	DecidedBy       DecidedBy            `json:"decided_by"`
}

// Input carries everything Decide needs. Exception, when non-nil, must be a
// validated, unconsumed override for this exact transition.
type Input struct {
	ProjectID       string
	FromPhase       string
	ToPhase         string
	Layers          []scoring.LayerScore
	MissingEvidence []string
	Exception       *exception.Exception
	Guard           cel.Program    // optional compiled guard, nil = no guard
	GuardInput      map[string]any // activation for the guard
	Now             time.Time
}

// Engine compiles and caches per-phase CEL guard expressions.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine creates a gate engine with the standard guard environment.
// Guards see the project (amount, typology), the consolidated status and
// the transition endpoints.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("project", cel.DynType),
		cel.Variable("consolidated", cel.StringType),
		cel.Variable("from_phase", cel.StringType),
		cel.Variable("to_phase", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: cel environment: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

// CompileGuard compiles a CEL guard expression, caching the program.
func (e *Engine) CompileGuard(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate: compile guard %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("gate: program guard %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Decide applies the default gate policy:
//
//	ALLOW  iff consolidated is GREEN or YELLOW, the minimum evidence
//	       checklist is satisfied, and the guard (if any) passes.
//	BLOCK  otherwise — unless a valid human exception converts the block
//	       into ALLOW_WITH_EXCEPTION.
func (e *Engine) Decide(in Input) Decision {
	d := Decision{
		ID:              uuid.New().String(),
		ProjectID:       in.ProjectID,
		FromPhase:       in.FromPhase,
		ToPhase:         in.ToPhase,
		Consolidated:    scoring.Consolidate(in.Layers),
		LayerScores:     in.Layers,
		MissingEvidence: in.MissingEvidence,
		DecidedAt:       in.Now.UTC(),
		DecidedBy:       DecidedBySystem,
	}

	blockReasons := make([]string, 0, 2)
	if d.Consolidated == scoring.ConsolidatedRed {
		blockReasons = append(blockReasons, fmt.Sprintf("consolidated status %s", d.Consolidated))
	}
	if len(in.MissingEvidence) > 0 {
		blockReasons = append(blockReasons,
			fmt.Sprintf("evidence checklist incomplete: %s", strings.Join(in.MissingEvidence, ", ")))
	}

	if len(blockReasons) == 0 && in.Guard != nil {
		// Guards fail closed: an evaluation error blocks like a false result.
		out, _, err := in.Guard.Eval(in.GuardInput)
		if err != nil {
			blockReasons = append(blockReasons, fmt.Sprintf("guard evaluation failed: %v", err))
		} else if allowed, ok := out.Value().(bool); !ok || !allowed {
			blockReasons = append(blockReasons, "guard expression denied transition")
		}
	}

	if len(blockReasons) == 0 {
		d.Outcome = OutcomeAllow
		d.Reason = fmt.Sprintf("consolidated status %s with complete evidence checklist", d.Consolidated)
		return d
	}

	if in.Exception != nil && !in.Exception.Consumed() {
		d.Outcome = OutcomeAllowWithException
		d.DecidedBy = DecidedByHumanOverride
		d.ExceptionID = in.Exception.ID
		d.Reason = fmt.Sprintf("blocked (%s) overridden by %s: %s",
			strings.Join(blockReasons, "; "), in.Exception.Approver, in.Exception.Justification)
		return d
	}

	d.Outcome = OutcomeBlock
	d.Reason = strings.Join(blockReasons, "; ")
	return d
}
