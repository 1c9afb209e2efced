package router

import "strings"

// Classification tiers, recorded in the intent_classified event payload.
// TierContinuation marks a mid-negotiation turn that resumed the pending
// intent without a fresh match.
const (
	TierPattern      = "pattern"
	TierKeyword      = "keyword"
	TierContinuation = "continuation"
)

// Classification is the result of a successful intent match.
type Classification struct {
	Intent string
	Tier   string
}

// Classifier maps free text to an intent label using the registry's ordered
// pattern table, with a keyword containment pass as a lower-precision
// fallback. Pure function over the input text.
type Classifier struct {
	reg *Registry
}

// NewClassifier returns a classifier over the given intent catalog.
func NewClassifier(reg *Registry) *Classifier {
	return &Classifier{reg: reg}
}

// Classify returns the first matching intent, or ok=false when neither tier
// matches. A miss is not an error: the pipeline answers with smalltalk.
func (c *Classifier) Classify(text string) (Classification, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{}, false
	}

	for _, spec := range c.reg.Specs() {
		for _, re := range spec.Patterns {
			if re.MatchString(trimmed) {
				return Classification{Intent: spec.Name, Tier: TierPattern}, true
			}
		}
	}

	lower := strings.ToLower(trimmed)
	for _, spec := range c.reg.Specs() {
		for _, kw := range spec.Keywords {
			if strings.Contains(lower, kw) {
				return Classification{Intent: spec.Name, Tier: TierKeyword}, true
			}
		}
	}

	return Classification{}, false
}
