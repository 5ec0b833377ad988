package auth

import "github.com/ecociel/labelling/domain"

// Action is a caller-triggered operation the permission table can gate.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionSubmit  Action = "submit"
	ActionVerdict Action = "verdict"
	ActionDelete  Action = "delete"
)

// PermDeleteTask grants delete regardless of role.
const PermDeleteTask = "task:delete"

// allowedActions maps (role, action) to permission. Keeping the mapping as
// data instead of conditionals in each handler.
var allowedActions = map[string]map[Action]bool{
	domain.RoleAdmin: {
		ActionCreate: true,
		ActionUpdate: true,
		ActionDelete: true,
	},
	domain.RoleSuperAdmin: {
		ActionCreate: true,
		ActionUpdate: true,
		ActionDelete: true,
	},
	domain.RoleLabeller: {
		ActionSubmit: true,
	},
	domain.RoleReviewer: {
		ActionVerdict: true,
	},
}

// Allowed reports whether the principal may perform the action. The explicit
// delete permission overrides the role table for ActionDelete.
func Allowed(p Principal, action Action) bool {
	if action == ActionDelete && p.HasPermission(PermDeleteTask) {
		return true
	}
	return allowedActions[p.Role][action]
}
