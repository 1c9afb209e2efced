package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConcurrencyScope selects the population a batch's in-flight run count is
// measured over.
type ConcurrencyScope string

const (
	// ScopeAgent limits concurrent runs per target agent.
	ScopeAgent ConcurrencyScope = "agent"
	// ScopeTenant limits concurrent runs across the whole tenant.
	ScopeTenant ConcurrencyScope = "tenant"
)

// InputSchema is the declared parameter contract of a batch: a minimal
// JSON-schema subset (properties + required). The router validates
// negotiated inputs against it; the widget renders a form from it.
type InputSchema struct {
	Properties map[string]InputProperty `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

// InputProperty describes one declared batch parameter.
type InputProperty struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Format      string `json:"format,omitempty"`
}

// Preflight holds the live-environment checks evaluated immediately before
// a run is dispatched. Zero-valued thresholds are not checked.
type Preflight struct {
	MinMemoryMB int     `json:"min_memory_mb,omitempty"`
	MinDiskGB   float64 `json:"min_disk_gb,omitempty"`
	MaxCPUPct   float64 `json:"max_cpu_pct,omitempty"`
}

// Batch is the catalog unit of an allow-listed executable operation.
// The router only ever dispatches a batch's active version.
type Batch struct {
	ID              uuid.UUID        `json:"id"`
	TenantID        uuid.UUID        `json:"tenant_id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Risk            RiskLevel        `json:"risk"`
	OSTargets       []string         `json:"os_targets"`
	InputSchema     InputSchema      `json:"input_schema"`
	InputDefaults   map[string]any   `json:"input_defaults"`
	Preflight       Preflight        `json:"preflight"`
	MaxTimeoutSec   int              `json:"max_timeout_sec"`
	Scope           ConcurrencyScope `json:"concurrency_scope"`
	MaxConcurrent   int              `json:"max_concurrent"`
	ActiveVersionID *uuid.UUID       `json:"active_version_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SupportsOS reports whether the batch targets the given agent OS.
func (b Batch) SupportsOS(os string) bool {
	for _, t := range b.OSTargets {
		if t == os {
			return true
		}
	}
	return false
}

// Validate checks authoring-time constraints on a batch.
func (b Batch) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if len(b.OSTargets) == 0 {
		return fmt.Errorf("batch must declare at least one os target")
	}
	switch b.Scope {
	case ScopeAgent, ScopeTenant:
	default:
		return fmt.Errorf("invalid concurrency_scope %q", b.Scope)
	}
	if b.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	switch b.Risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return fmt.Errorf("invalid risk %q", b.Risk)
	}
	return nil
}

// VersionStatus is the lifecycle state of one batch script version.
type VersionStatus string

const (
	VersionDraft    VersionStatus = "draft"
	VersionActive   VersionStatus = "active"
	VersionArchived VersionStatus = "archived"
)

// BatchVersion is one immutable, content-addressed revision of a batch
// script. Version history is append-only; activation flips the parent
// batch's active_version_id.
type BatchVersion struct {
	ID            uuid.UUID     `json:"id"`
	BatchID       uuid.UUID     `json:"batch_id"`
	Version       int           `json:"version"`
	Content       string        `json:"content"`
	ContentSHA256 string        `json:"content_sha256"`
	Status        VersionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}
