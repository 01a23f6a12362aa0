// Package rbac maps privilege grants to the actions the workbench
// gates: proposing edits, reviewing them, and administering users.
package rbac

type Privilege string
type Action string

const (
	PrivilegeBaseUser Privilege = "base_user"
	PrivilegeEditor   Privilege = "editor"
	PrivilegeReviewer Privilege = "reviewer"
	PrivilegeAdmin    Privilege = "admin"
)

const (
	ActionRead    Action = "read"
	ActionPropose Action = "propose"
	ActionEdit    Action = "edit"
	ActionReview  Action = "review"
	ActionAdmin   Action = "admin"
)

func can(privilege Privilege, action Action) bool {
	switch privilege {
	case PrivilegeAdmin:
		return true
	case PrivilegeReviewer:
		return action == ActionRead || action == ActionPropose || action == ActionEdit || action == ActionReview
	case PrivilegeEditor:
		return action == ActionRead || action == ActionPropose || action == ActionEdit
	case PrivilegeBaseUser:
		return action == ActionRead || action == ActionPropose
	default:
		return false
	}
}

// Can reports whether any of the user's privileges permits the action.
// Privileges are additive; revoking base_user strips proposing even if
// nothing else is held.
func Can(privileges []string, action Action) bool {
	for _, privilege := range privileges {
		if can(Normalize(privilege), action) {
			return true
		}
	}
	return false
}

func Normalize(privilege string) Privilege {
	switch Privilege(privilege) {
	case PrivilegeBaseUser, PrivilegeEditor, PrivilegeReviewer, PrivilegeAdmin:
		return Privilege(privilege)
	default:
		return ""
	}
}
