package model

// Role is the RBAC role carried in a console JWT.
type Role string

const (
	// RoleAdmin manages policies, batches, and agents for a tenant.
	RoleAdmin Role = "admin"
	// RoleOperator uses the chat router and reads runs/conversations.
	RoleOperator Role = "operator"
	// RoleAgent is the machine identity used by remote agents to report
	// heartbeats and run completion.
	RoleAgent Role = "agent"
	// RoleReader has read-only access to the console.
	RoleReader Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleOperator:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
