package store

import (
	"fmt"

	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
)

// Target is a record CheckAccess can evaluate.
type Target interface {
	accessTarget()
}

func (Project) accessTarget() {}
func (Task) accessTarget()    {}

func isManager(caller Caller, p Project) bool {
	return p.ManagerUserID != nil && *p.ManagerUserID == caller.UserID
}

func projectRole(caller Caller, p Project) rbac.Role {
	return rbac.BoardRole(caller.Role, isManager(caller, p), p.Visibility)
}

// taskRole extends the board role with assignee access to a single card.
func taskRole(caller Caller, p Project, t Task) rbac.Role {
	role := projectRole(caller, p)
	if t.AssigneeUserID != nil && *t.AssigneeUserID == caller.UserID && !rbac.Can(role, rbac.ActionWrite) {
		role = rbac.RoleContributor
	}
	return role
}

func decide(role rbac.Role, action rbac.Action, what string, id int64) error {
	if rbac.Can(role, action) {
		return nil
	}
	return fmt.Errorf("%s %s %d: %w", action, what, id, ErrAccessDenied)
}

// CanCreateBoard reports whether the caller's workspace role allows new boards.
func CanCreateBoard(caller Caller) bool {
	return rbac.Can(caller.Role, rbac.ActionCreate)
}

func readableVisibilities(caller Caller) []string {
	if caller.Role == rbac.RoleContributor {
		return []string{rbac.VisibilityPublic, rbac.VisibilityTeam}
	}
	return []string{rbac.VisibilityPublic}
}

// projectReadFilter selects the boards the caller can read. Admins see all.
func projectReadFilter(caller Caller) query.Expr {
	if caller.Role == rbac.RoleAdmin {
		return nil
	}
	return query.Any(
		query.Where("visibility", query.OpIn, readableVisibilities(caller)),
		query.Eq("manager_user_id", caller.UserID),
	)
}

// taskReadFilter selects the cards the caller can read. Tasks and messages
// both expose the project_* fields it relies on.
func taskReadFilter(caller Caller) query.Expr {
	if caller.Role == rbac.RoleAdmin {
		return nil
	}
	return query.Any(
		query.Where("project_visibility", query.OpIn, readableVisibilities(caller)),
		query.Eq("project_manager_user_id", caller.UserID),
		query.Eq("assignee_user_id", caller.UserID),
	)
}

func checkAccess(caller Caller, target Target, action rbac.Action, project func(int64) (Project, error)) error {
	switch t := target.(type) {
	case Project:
		return decide(projectRole(caller, t), action, "board", t.ID)
	case Task:
		p, err := project(t.ProjectID)
		if err != nil {
			return err
		}
		return decide(taskRole(caller, p, t), action, "card", t.ID)
	default:
		return fmt.Errorf("unsupported access target %T", target)
	}
}
