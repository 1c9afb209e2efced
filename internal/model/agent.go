package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the reported lifecycle state of a remote agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
	AgentOffline AgentStatus = "offline"
)

// Heartbeat is the periodic telemetry snapshot reported by a remote agent.
// The preflight evaluator reads it to decide whether a batch may run.
type Heartbeat struct {
	CPUPct     float64 `json:"cpu_pct"`
	MemUsedPct float64 `json:"mem_used_pct"`
	MemFreeMB  int     `json:"mem_free_mb"`
	DiskFreeGB float64 `json:"disk_free_gb"`
	UptimeSec  int64   `json:"uptime_sec,omitempty"`
}

// Agent is a remote machine registered under a tenant. Conversations and
// runs always target exactly one agent.
type Agent struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	Hostname    string      `json:"hostname"`
	OS          string      `json:"os"`
	Status      AgentStatus `json:"status"`
	Heartbeat   *Heartbeat  `json:"heartbeat,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,253}[a-zA-Z0-9])?$`)

// ValidateHostname checks that a hostname conforms to RFC 1123 shape.
func ValidateHostname(h string) error {
	if h == "" {
		return fmt.Errorf("hostname is required")
	}
	if !hostnameRe.MatchString(h) {
		return fmt.Errorf("invalid hostname %q", h)
	}
	return nil
}

// ValidateOS checks an OS label against the small set the agent fleet reports.
func ValidateOS(os string) error {
	switch os {
	case "ubuntu", "debian", "centos", "almalinux", "windows":
		return nil
	}
	return fmt.Errorf("unsupported os %q", os)
}
