// Package router implements the conversational command pipeline: one user
// utterance in, exactly one terminal outcome out. Stages run sequentially
// (classify, policy gate, resolve, negotiate inputs, preflight, dispatch)
// and every decision is recorded as an append-only chat event.
package router

import (
	"fmt"
	"regexp"
)

// FieldExtractor pulls one structured parameter out of free text. The first
// capture group is the extracted value; a pattern without groups uses the
// whole match.
type FieldExtractor struct {
	Field   string
	Pattern *regexp.Regexp
}

// IntentSpec declares one recognizable intent: how to detect it and which
// batch implements it. An empty Batch is legal — the intent is recognized
// but not wired to an operation, and resolution fails closed.
type IntentSpec struct {
	Name       string
	Patterns   []*regexp.Regexp
	Keywords   []string
	Batch      string
	Extractors []FieldExtractor
}

// Registry is the injected intent catalog. Order matters: the classifier
// returns the first intent whose pattern matches, so more specific intents
// must be listed before broader ones.
type Registry struct {
	specs  []IntentSpec
	byName map[string]*IntentSpec
}

// NewRegistry builds a registry from an ordered spec list. Duplicate intent
// names are rejected; everything else is the caller's responsibility.
func NewRegistry(specs []IntentSpec) (*Registry, error) {
	r := &Registry{
		specs:  specs,
		byName: make(map[string]*IntentSpec, len(specs)),
	}
	for i := range specs {
		s := &specs[i]
		if s.Name == "" {
			return nil, fmt.Errorf("router: intent spec %d has no name", i)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("router: duplicate intent %q", s.Name)
		}
		r.byName[s.Name] = s
	}
	return r, nil
}

// Specs returns the ordered intent list.
func (r *Registry) Specs() []IntentSpec {
	return r.specs
}

// BatchFor returns the batch name implementing an intent, or "" if the
// intent is not wired to one.
func (r *Registry) BatchFor(intent string) string {
	if s, ok := r.byName[intent]; ok {
		return s.Batch
	}
	return ""
}

// Extract runs the intent's field extractors over text and returns the
// captured values. Unknown intents extract nothing.
func (r *Registry) Extract(intent, text string) map[string]any {
	out := map[string]any{}
	s, ok := r.byName[intent]
	if !ok {
		return out
	}
	for _, ex := range s.Extractors {
		m := ex.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out[ex.Field] = m[1]
		} else {
			out[ex.Field] = m[0]
		}
	}
	return out
}

var (
	reDomain  = regexp.MustCompile(`(?i)\b((?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,})\b`)
	reEmail   = regexp.MustCompile(`(?i)\b([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})\b`)
	reService = regexp.MustCompile(`(?i)\b(?:restart|reload|start|stop)\s+(?:the\s+)?([a-z0-9_-]+?)(?:\s+service)?\b`)
	rePackage = regexp.MustCompile(`(?i)\binstall\s+(?:the\s+)?(?:package\s+)?([a-z0-9._+-]+)\b`)
)

// DefaultRegistry is the stock intent catalog shipped with the console.
// Deployments replace or extend it through the server constructor.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]IntentSpec{
		{
			Name: "install_wordpress",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\binstall\s+wordpress\b`),
				regexp.MustCompile(`(?i)\bset\s*up\s+(?:a\s+)?wordpress\b`),
			},
			Keywords: []string{"wordpress"},
			Batch:    "install_wordpress",
			Extractors: []FieldExtractor{
				{Field: "domain", Pattern: reDomain},
				{Field: "admin_email", Pattern: reEmail},
			},
		},
		{
			Name: "restart_service",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:restart|reload)\s+(?:the\s+)?[a-z0-9_-]+`),
			},
			Keywords: []string{"restart"},
			Batch:    "restart_service",
			Extractors: []FieldExtractor{
				{Field: "service", Pattern: reService},
			},
		},
		{
			Name: "check_cpu",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:check|show|what.?s)\s+(?:the\s+)?cpu\b`),
				regexp.MustCompile(`(?i)\bcpu\s+(?:usage|load)\b`),
			},
			Keywords: []string{"cpu"},
			Batch:    "check_cpu",
		},
		{
			Name: "check_disk",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:check|show)\s+(?:the\s+)?disk\b`),
				regexp.MustCompile(`(?i)\bdisk\s+(?:space|usage)\b`),
			},
			Keywords: []string{"disk"},
			Batch:    "check_disk",
		},
		{
			Name: "update_packages",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:update|upgrade)\s+(?:all\s+)?(?:the\s+)?packages\b`),
				regexp.MustCompile(`(?i)\bsystem\s+update\b`),
			},
			Keywords: []string{"upgrade"},
			Batch:    "update_packages",
		},
		{
			Name: "install_package",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\binstall\s+(?:the\s+)?(?:package\s+)?[a-z0-9._+-]+`),
			},
			Batch: "install_package",
			Extractors: []FieldExtractor{
				{Field: "package", Pattern: rePackage},
			},
		},
	})
	if err != nil {
		panic(err) // static catalog, validated at init
	}
	return r
}
