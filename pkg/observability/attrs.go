// Package observability provides review-engine instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the review engine.
var (
	AttrProjectID   = attribute.Key("probanza.project.id")
	AttrPhase       = attribute.Key("probanza.phase")
	AttrAttempt     = attribute.Key("probanza.attempt")
	AttrAgentRole   = attribute.Key("probanza.agent.role")
	AttrGateOutcome = attribute.Key("probanza.gate.outcome")
	AttrLedgerSeq   = attribute.Key("probanza.ledger.seq")
	AttrRulesetVer  = attribute.Key("probanza.ruleset.version")
)

// AdvanceAttrs creates attributes for an advance operation.
func AdvanceAttrs(projectID, phase string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProjectID.String(projectID),
		AttrPhase.String(phase),
		AttrAttempt.Int(attempt),
	}
}

// AgentAttrs creates attributes for one evaluator call.
func AgentAttrs(projectID, phase, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProjectID.String(projectID),
		AttrPhase.String(phase),
		AttrAgentRole.String(role),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}
