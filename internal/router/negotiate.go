package router

import (
	"fmt"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
)

// Negotiation is the outcome of one input-collection turn.
type Negotiation struct {
	// Complete is true when every required field resolved to a value.
	Complete bool
	// Inputs is the final validated set (Complete) or the merged partial
	// set to persist for the next turn (!Complete).
	Inputs map[string]any
	// Errors maps each unresolved required field to a user-facing message.
	Errors map[string]string
}

// Negotiator collects a batch's declared inputs across conversation turns.
// It is pure: state comes in via the conversation's pending set, new values
// come from the registry's intent extractors, and the caller persists
// whatever comes back.
type Negotiator struct {
	reg *Registry
}

// NewNegotiator returns a negotiator using the catalog's field extractors.
func NewNegotiator(reg *Registry) *Negotiator {
	return &Negotiator{reg: reg}
}

// Negotiate extracts parameters from the utterance, merges them over the
// pending values cached for this intent (new values win), applies schema
// defaults, and validates required fields. Pending values collected for a
// different intent never participate: the caller hands in state keyed by
// intent via ConversationState.PendingFor.
func (n *Negotiator) Negotiate(batch model.Batch, state model.ConversationState, intent, text string) Negotiation {
	merged := map[string]any{}
	for k, v := range state.PendingFor(intent) {
		// Drop stale keys the current schema does not declare.
		if _, ok := batch.InputSchema.Properties[k]; ok {
			merged[k] = v
		}
	}
	for k, v := range n.reg.Extract(intent, text) {
		if _, ok := batch.InputSchema.Properties[k]; ok {
			merged[k] = v
		}
	}

	errs := map[string]string{}
	for _, field := range batch.InputSchema.Required {
		if _, ok := merged[field]; ok {
			continue
		}
		if def, ok := batch.InputDefaults[field]; ok {
			merged[field] = def
			continue
		}
		label := field
		if p, ok := batch.InputSchema.Properties[field]; ok && p.Title != "" {
			label = p.Title
		}
		errs[field] = fmt.Sprintf("%s is required", label)
	}

	if len(errs) > 0 {
		return Negotiation{Inputs: merged, Errors: errs}
	}

	// Optional fields with defaults are filled in too, so the dispatched
	// run carries the full effective parameter set.
	for k, def := range batch.InputDefaults {
		if _, ok := merged[k]; !ok {
			merged[k] = def
		}
	}
	return Negotiation{Complete: true, Inputs: merged}
}
