// Package model defines the core domain types for the Ulta command console.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, string enums) and avoid
// interface{} wherever possible.
package model

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PolicyMode controls what happens when a command policy matches a request.
type PolicyMode string

const (
	// PolicyModeAuto lets the matched request proceed without interaction.
	PolicyModeAuto PolicyMode = "auto"
	// PolicyModeConfirm suspends the request until a human confirms it.
	PolicyModeConfirm PolicyMode = "confirm"
	// PolicyModeForbid blocks the matched request unconditionally.
	PolicyModeForbid PolicyMode = "forbid"
)

// MatchType selects how a policy pattern is compared against an intent.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
	MatchWildcard MatchType = "wildcard"
)

// RiskLevel is a coarse operator-facing risk classification shared by
// policies and batches.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// CommandPolicy is a tenant-scoped rule evaluated by the router's policy
// gate. Policies are authored in the admin console and read-only to the
// router.
type CommandPolicy struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	Name      string     `json:"name"`
	Pattern   string     `json:"pattern"`
	MatchType MatchType  `json:"match_type"`
	Mode      PolicyMode `json:"mode"`
	Risk      RiskLevel  `json:"risk"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Matches reports whether the policy applies to the given intent or raw
// request text. Exact and wildcard patterns are compared against the intent
// label only; regex patterns are also tried against the full text so that
// free-form policies ("forbid anything mentioning rm -rf") keep working.
//
// An invalid regex or wildcard pattern never matches. Authoring-time
// validation rejects such patterns; tolerating them here keeps one bad row
// from wedging the whole gate.
func (p CommandPolicy) Matches(intent, text string) bool {
	switch p.MatchType {
	case MatchExact:
		return strings.EqualFold(p.Pattern, intent)
	case MatchWildcard:
		ok, err := path.Match(strings.ToLower(p.Pattern), strings.ToLower(intent))
		return err == nil && ok
	case MatchRegex:
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(intent) || re.MatchString(text)
	default:
		return false
	}
}

// Validate checks authoring-time constraints on a policy.
func (p CommandPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Pattern == "" {
		return fmt.Errorf("policy pattern is required")
	}
	switch p.MatchType {
	case MatchExact, MatchWildcard:
	case MatchRegex:
		if _, err := regexp.Compile("(?i)" + p.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
	default:
		return fmt.Errorf("invalid match_type %q", p.MatchType)
	}
	switch p.Mode {
	case PolicyModeAuto, PolicyModeConfirm, PolicyModeForbid:
	default:
		return fmt.Errorf("invalid mode %q", p.Mode)
	}
	switch p.Risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return fmt.Errorf("invalid risk %q", p.Risk)
	}
	return nil
}
