package notifications

import (
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// CanSee is the visibility rule: admins see every notification of their
// organization, members only the ones addressed to them. Organization-wide
// notifications (no user) are therefore admin-only.
func CanSee(v access.Viewer, n models.Notification) bool {
	if n.OrganizationID != v.OrganizationID {
		return false
	}
	if v.IsAdmin() {
		return true
	}
	return n.UserID != nil && *n.UserID == v.UserID
}

// VisibleTo is CanSee as a query scope.
func VisibleTo(v access.Viewer) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("notifications.organization_id = ?", v.OrganizationID)
		if !v.IsAdmin() {
			db = db.Where("notifications.user_id = ?", v.UserID)
		}
		return db
	}
}
