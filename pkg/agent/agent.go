// Package agent is the boundary to the external verdict-producing
// capability. The core never reasons about evidence itself; it asks an
// evaluator for a structured verdict and treats the call as slow, lossy
// and untrusted.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/altum-labs/probanza/pkg/verdict"
)

var (
	// ErrTimeout indicates the evaluator did not answer within the phase's
	// bounded deadline. The caller records an INCOMPLETE verdict.
	ErrTimeout = errors.New("agent: evaluator call timed out")

	// ErrCallFailed indicates a transport or evaluator failure. Recovered
	// locally the same way as a timeout.
	ErrCallFailed = errors.New("agent: evaluator call failed")
)

// Request is one evaluation task for one agent role.
type Request struct {
	ProjectID        string          `json:"project_id"`
	Phase            string          `json:"phase"`
	Attempt          int             `json:"attempt"`
	Role             verdict.Role    `json:"agent_role"`
	EvidenceSnapshot json.RawMessage `json:"evidence_snapshot"`
	RulesetVersion   string          `json:"ruleset_version"`
}

// Evaluator produces a verdict for a request. Implementations are expected
// to honor ctx cancellation and deadlines.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*verdict.AgentVerdict, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req Request) (*verdict.AgentVerdict, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req Request) (*verdict.AgentVerdict, error) {
	return f(ctx, req)
}
