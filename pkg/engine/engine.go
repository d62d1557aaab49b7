// Package engine is the phase orchestration core.
//
// It owns the review state machine: evidence intake, concurrent agent
// fan-out per phase, scoring aggregation, gate decisions and phase
// transitions. The evidence ledger is the single source of truth; the
// project store and status cache are materializations the engine keeps
// consistent with it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/altum-labs/probanza/pkg/agent"
	"github.com/altum-labs/probanza/pkg/audit"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/observability"
	"github.com/altum-labs/probanza/pkg/phaseplan"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/rules"
	"github.com/altum-labs/probanza/pkg/verdict"
)

const appendRetries = 5

var (
	// ErrInvalidPhaseSkip rejects writes against a phase the project has
	// not reached.
	ErrInvalidPhaseSkip = errors.New("engine: phase not reached by project")

	// ErrProjectTerminal rejects operations on closed or cancelled projects.
	ErrProjectTerminal = errors.New("engine: project is in a terminal state")

	// ErrNoEvaluator indicates a required role has no configured evaluator.
	ErrNoEvaluator = errors.New("engine: no evaluator configured for role")

	// ErrExceptionRequired indicates a reopen was attempted without a
	// valid human override.
	ErrExceptionRequired = errors.New("engine: reopen requires a granted exception")

	// ErrNotBackward rejects a reopen that does not target an earlier phase.
	ErrNotBackward = errors.New("engine: reopen must target an earlier phase")
)

// PhaseChange is the ledger payload for a phase transition.
type PhaseChange struct {
	FromPhase   string `json:"from_phase"`
	ToPhase     string `json:"to_phase"`
	Reason      string `json:"reason"`
	ExceptionID string `json:"exception_id,omitempty"`
	DecisionID  string `json:"decision_id,omitempty"`
}

// EvidencePayload is the ledger payload for one submitted evidence item.
type EvidencePayload struct {
	Kind       string `json:"kind"`
	ContentRef string `json:"content_ref"`
}

// ClosedState is the terminal pseudo-phase recorded when the last gate
// is crossed.
const ClosedState = "CLOSED"

// Engine coordinates all review operations for all projects. It is safe
// for concurrent use; per-project ordering is enforced by the ledger's
// optimistic append, not by engine-level locks.
type Engine struct {
	projects   project.Store
	ledger     ledger.Ledger
	plan       *phaseplan.Plan
	gate       *gate.Engine
	catalog    *rules.Catalog
	evaluators map[verdict.Role]agent.Evaluator
	excPolicy  exception.Policy
	audit      audit.Logger
	cache      project.StatusCache
	obs        *observability.Provider
	clock      func() time.Time
}

// Config wires an Engine. Projects, Ledger, Plan and Evaluators are
// required; the rest defaults.
type Config struct {
	Projects   project.Store
	Ledger     ledger.Ledger
	Plan       *phaseplan.Plan
	Catalog    *rules.Catalog
	Evaluators map[verdict.Role]agent.Evaluator
	Exceptions exception.Policy
	Audit      audit.Logger
	Cache      project.StatusCache
	Telemetry  *observability.Provider
}

// New creates an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.Projects == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("engine: project store and ledger are required")
	}
	if cfg.Plan == nil {
		cfg.Plan = phaseplan.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = rules.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Cache == nil {
		cfg.Cache = project.NewMemoryStatusCache()
	}
	if cfg.Exceptions.MinJustificationLen == 0 {
		cfg.Exceptions = exception.DefaultPolicy()
	}
	ge, err := gate.NewEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{
		projects:   cfg.Projects,
		ledger:     meteredLedger{Ledger: cfg.Ledger, conflicts: cfg.Telemetry},
		plan:       cfg.Plan,
		gate:       ge,
		catalog:    cfg.Catalog,
		evaluators: cfg.Evaluators,
		excPolicy:  cfg.Exceptions,
		audit:      cfg.Audit,
		cache:      cfg.Cache,
		obs:        cfg.Telemetry,
		clock:      time.Now,
	}, nil
}

// conflictRecorder receives one call per lost optimistic append race.
type conflictRecorder interface {
	RecordLedgerConflict(ctx context.Context, projectID string)
}

// meteredLedger counts ErrConcurrentAppendConflict losses so retry churn
// under contention is visible on the append_conflicts counter.
type meteredLedger struct {
	ledger.Ledger
	conflicts conflictRecorder
}

func (m meteredLedger) Append(ctx context.Context, in ledger.Append) (ledger.RecordRef, error) {
	ref, err := m.Ledger.Append(ctx, in)
	if errors.Is(err, ledger.ErrConcurrentAppendConflict) && m.conflicts != nil {
		m.conflicts.RecordLedgerConflict(ctx, in.ProjectID)
	}
	return ref, err
}

// WithClock overrides the time source. Used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Plan exposes the phase plan the engine runs.
func (e *Engine) Plan() *phaseplan.Plan { return e.plan }

// decodePayload unmarshals a ledger record payload into out.
func decodePayload(r ledger.Record, out any) error {
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("engine: decode %s payload seq %d: %w", r.Kind, r.Seq, err)
	}
	return nil
}

// currentPhase resolves the project's phase definition and rejects
// terminal projects.
func (e *Engine) currentPhase(p project.Project) (phaseplan.Phase, error) {
	if p.Status.Terminal() {
		return phaseplan.Phase{}, fmt.Errorf("%w: %s is %s", ErrProjectTerminal, p.ID, p.Status)
	}
	ph, ok := e.plan.Phase(p.CurrentPhase)
	if !ok {
		return phaseplan.Phase{}, fmt.Errorf("engine: project %s in unknown phase %q", p.ID, p.CurrentPhase)
	}
	return ph, nil
}

func newID() string { return uuid.New().String() }
