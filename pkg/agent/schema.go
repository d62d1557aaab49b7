package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/altum-labs/probanza/pkg/verdict"
)

// verdictSchema is the wire contract an evaluator must honor. Responses
// that do not validate are treated as call failures, never as verdicts.
const verdictSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["project_id", "phase", "agent_role", "status", "score"],
	"properties": {
		"id": {"type": "string"},
		"project_id": {"type": "string", "minLength": 1},
		"phase": {"type": "string", "minLength": 1},
		"attempt": {"type": "integer", "minimum": 1},
		"agent_role": {
			"type": "string",
			"enum": ["strategic_rationale", "economic_benefit", "fiscal_compliance",
				"supplier_risk", "legal", "defense_compiler"]
		},
		"status": {
			"type": "string",
			"enum": ["CONFORME", "CONDICIONADA", "NO_CONFORME", "INCOMPLETE"]
		},
		"score": {"type": "number", "minimum": 0, "maximum": 100},
		"rule_refs": {"type": "array", "items": {"type": "string"}},
		"issued_at": {"type": "string"},
		"rationale_ref": {"type": "string"}
	}
}`

var compiledVerdictSchema = jsonschema.MustCompileString("verdict.schema.json", verdictSchema)

// ParseVerdict validates raw evaluator output against the wire schema and
// decodes it into an AgentVerdict.
func ParseVerdict(raw []byte) (*verdict.AgentVerdict, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: response is not JSON: %v", ErrCallFailed, err)
	}
	if err := compiledVerdictSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: response failed schema validation: %v", ErrCallFailed, err)
	}

	var v verdict.AgentVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decode verdict: %v", ErrCallFailed, err)
	}
	return &v, nil
}
