package auth

import (
	"fmt"

	"boostflow/internal/domain"
)

// ForbiddenError indicates the viewer may not perform an action on the order
// snapshot it was evaluated against.
type ForbiddenError struct {
	Action  string
	BoostID string
	Status  domain.Status
}

func (e ForbiddenError) Error() string {
	if e.BoostID == "" {
		return fmt.Sprintf("action %s not permitted", e.Action)
	}
	return fmt.Sprintf("action %s not permitted on order %s in status %s", e.Action, e.BoostID, e.Status)
}

// ForbiddenRoleError indicates a missing role.
type ForbiddenRoleError struct {
	Role domain.Role
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// RequireRole returns ForbiddenRoleError unless viewer holds role.
func RequireRole(viewer *domain.Viewer, role domain.Role) error {
	if !viewer.Authenticated() || viewer.Banned || !viewer.HasRole(role) {
		return ForbiddenRoleError{Role: role}
	}
	return nil
}

// ParseRoles converts claim strings to roles, dropping unknown values.
func ParseRoles(in []string) []domain.Role {
	var roles []domain.Role
	for _, r := range in {
		switch role := domain.Role(r); role {
		case domain.RoleClient, domain.RolePartner, domain.RoleAdmin:
			roles = append(roles, role)
		}
	}
	return roles
}
