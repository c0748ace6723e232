package service

import "github.com/noah-isme/school-portal-api/internal/models"

// Actor identifies the authenticated caller inside service operations.
// Handlers build it from the JWT claims; services use it for ownership
// and assignment checks that are finer-grained than route-level RBAC.
type Actor struct {
	UserID string
	Role   models.UserRole
}

// Privileged reports whether the actor bypasses student-facing gates.
func (a Actor) Privileged() bool {
	return a.Role == models.RoleAdmin || a.Role == models.RoleStaff
}
