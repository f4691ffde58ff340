// Package access describes who is acting on a request.
package access

import (
	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// Viewer is the authenticated user a read or write is performed for. Every
// query in the CRM is scoped to Viewer.OrganizationID.
type Viewer struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           models.Role
}

func (v Viewer) IsAdmin() bool {
	return v.Role.IsAdmin()
}

func (v Viewer) IsSuperadmin() bool {
	return v.Role == models.RoleSuperadmin
}

func (v Viewer) Valid() bool {
	return v.UserID != uuid.Nil && v.OrganizationID != uuid.Nil && v.Role.Valid()
}

// ViewerOf builds the viewer for a loaded user row.
func ViewerOf(u *models.User) Viewer {
	return Viewer{UserID: u.ID, OrganizationID: u.OrganizationID, Role: u.Role}
}
