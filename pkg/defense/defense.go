// Package defense compiles the consolidated defense file for a project.
//
// The defense file is derived, never authoritative: it is recomputed from
// the evidence ledger on demand and compiling the same chain twice yields
// byte-identical output, so the artifact can be externally timestamped or
// certified.
package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/altum-labs/probanza/pkg/canonicalize"
	"github.com/altum-labs/probanza/pkg/engine"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/gate"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/phaseplan"
	"github.com/altum-labs/probanza/pkg/rules"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// EvidenceEntry is one submitted evidence item as it appears in the file.
type EvidenceEntry struct {
	Seq         uint64 `json:"seq"`
	Kind        string `json:"kind"`
	ContentRef  string `json:"content_ref"`
	ContentHash string `json:"content_hash"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
}

// PhaseSection groups a phase's full history in chain order.
type PhaseSection struct {
	Phase      string                 `json:"phase"`
	Name       string                 `json:"name,omitempty"`
	Evidence   []EvidenceEntry        `json:"evidence"`
	Verdicts   []verdict.AgentVerdict `json:"verdicts"`
	Decisions  []gate.Decision        `json:"decisions"`
	Exceptions []exception.Exception  `json:"exceptions,omitempty"`
	Passed     bool                   `json:"passed"`
}

// File is the compiled defense artifact.
type File struct {
	ProjectID      string         `json:"project_id"`
	RulesetVersion string         `json:"ruleset_version"`
	ChainHead      string         `json:"chain_head"`
	ChainLength    uint64         `json:"chain_length"`
	Phases         []PhaseSection `json:"phases"`
	Defensibility  float64        `json:"defensibility_score"`
}

// Compiler builds defense files from the ledger.
type Compiler struct {
	ledger  ledger.Ledger
	plan    *phaseplan.Plan
	catalog *rules.Catalog
}

// NewCompiler creates a Compiler. Plan and catalog default when nil.
func NewCompiler(l ledger.Ledger, plan *phaseplan.Plan, catalog *rules.Catalog) *Compiler {
	if plan == nil {
		plan = phaseplan.Default()
	}
	if catalog == nil {
		catalog = rules.Default()
	}
	return &Compiler{ledger: l, plan: plan, catalog: catalog}
}

// Compile reads the full chain, verifies it, and assembles the file. A
// broken chain is fatal: compilation halts with the integrity error
// rather than producing a partial artifact.
//
// The returned bytes are the canonical (JCS) encoding of the file and are
// identical across compilations of the same chain state.
func (c *Compiler) Compile(ctx context.Context, projectID string) (*File, []byte, error) {
	if err := c.ledger.Verify(ctx, projectID); err != nil {
		return nil, nil, err
	}

	records, err := c.ledger.List(ctx, projectID, ledger.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("defense: project %s: %w", projectID, ledger.ErrNotFound)
	}

	file := &File{
		ProjectID:      projectID,
		RulesetVersion: c.catalog.Version().String(),
		ChainHead:      records[len(records)-1].ContentHash,
		ChainLength:    records[len(records)-1].Seq,
	}

	sections, order, err := c.groupByPhase(records)
	if err != nil {
		return nil, nil, err
	}

	minScore := -1.0
	for _, phase := range order {
		sec := sections[phase]
		for _, d := range sec.Decisions {
			if d.Outcome != gate.OutcomeAllow && d.Outcome != gate.OutcomeAllowWithException {
				continue
			}
			sec.Passed = true
			for _, ls := range d.LayerScores {
				if minScore < 0 || ls.Score < minScore {
					minScore = ls.Score
				}
			}
		}
		file.Phases = append(file.Phases, *sec)
	}
	// The file is only as strong as its weakest validated layer.
	if minScore > 0 {
		file.Defensibility = minScore
	}

	data, err := canonicalize.JCS(file)
	if err != nil {
		return nil, nil, err
	}
	return file, data, nil
}

// groupByPhase splits the chain into per-phase sections, chronological
// within each phase, phases ordered by first appearance in the chain.
func (c *Compiler) groupByPhase(records []ledger.Record) (map[string]*PhaseSection, []string, error) {
	sections := make(map[string]*PhaseSection)
	order := make([]string, 0)

	sectionFor := func(phase string) *PhaseSection {
		if sec, ok := sections[phase]; ok {
			return sec
		}
		sec := &PhaseSection{
			Phase:    phase,
			Evidence: make([]EvidenceEntry, 0),
			Verdicts: make([]verdict.AgentVerdict, 0),
		}
		if def, ok := c.plan.Phase(phase); ok {
			sec.Name = def.Name
		}
		sections[phase] = sec
		order = append(order, phase)
		return sec
	}

	for _, r := range records {
		sec := sectionFor(r.Phase)
		switch r.Kind {
		case ledger.KindEvidence:
			var p engine.EvidencePayload
			if err := json.Unmarshal(r.Payload, &p); err != nil {
				return nil, nil, fmt.Errorf("defense: evidence seq %d: %w", r.Seq, err)
			}
			sec.Evidence = append(sec.Evidence, EvidenceEntry{
				Seq:         r.Seq,
				Kind:        p.Kind,
				ContentRef:  p.ContentRef,
				ContentHash: r.ContentHash,
				CreatedBy:   r.CreatedBy,
				CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		case ledger.KindVerdict:
			var v verdict.AgentVerdict
			if err := json.Unmarshal(r.Payload, &v); err != nil {
				return nil, nil, fmt.Errorf("defense: verdict seq %d: %w", r.Seq, err)
			}
			sec.Verdicts = append(sec.Verdicts, v)
		case ledger.KindGateDecision:
			var d gate.Decision
			if err := json.Unmarshal(r.Payload, &d); err != nil {
				return nil, nil, fmt.Errorf("defense: decision seq %d: %w", r.Seq, err)
			}
			sec.Decisions = append(sec.Decisions, d)
		case ledger.KindException:
			var exc exception.Exception
			if err := json.Unmarshal(r.Payload, &exc); err != nil {
				return nil, nil, fmt.Errorf("defense: exception seq %d: %w", r.Seq, err)
			}
			sec.Exceptions = append(sec.Exceptions, exc)
		}
	}

	return sections, order, nil
}
