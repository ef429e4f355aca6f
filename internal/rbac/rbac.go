package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionCreate Action = "create"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionCreate || action == ActionAdmin
	case RoleContributor:
		return action == ActionRead || action == ActionWrite || action == ActionCreate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored workspace role onto a known role. Manager is a
// per-board role and is never granted workspace-wide.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Visibility of a board.
const (
	VisibilityPrivate = "private"
	VisibilityTeam    = "team"
	VisibilityPublic  = "public"
)

func ValidVisibility(v string) bool {
	return v == VisibilityPrivate || v == VisibilityTeam || v == VisibilityPublic
}

// BoardRole resolves the caller's effective role on a board. The empty role
// means the board is invisible to the caller.
func BoardRole(workspaceRole Role, isManager bool, visibility string) Role {
	if workspaceRole == RoleAdmin {
		return RoleAdmin
	}
	if isManager {
		return RoleManager
	}
	switch visibility {
	case VisibilityPublic:
		if workspaceRole == RoleContributor {
			return RoleContributor
		}
		return RoleViewer
	case VisibilityTeam:
		if workspaceRole == RoleContributor {
			return RoleContributor
		}
	}
	return ""
}
