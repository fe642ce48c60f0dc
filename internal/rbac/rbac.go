package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers listing, info, history and presence.
	ActionRead Action = "read"
	// ActionWrite covers every tree or content mutation.
	ActionWrite Action = "write"
	// ActionAdmin covers session diagnostics.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a credential role to a known role. Credentials without a
// role are editors; unknown roles are downgraded to viewers.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	case "":
		return RoleEditor
	default:
		return RoleViewer
	}
}

// ParseRole accepts only the known role names.
func ParseRole(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role), true
	default:
		return "", false
	}
}
