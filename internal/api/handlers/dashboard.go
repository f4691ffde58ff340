package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/notifications"
)

type DashboardHandler struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{db: db, now: time.Now}
}

type StageCount struct {
	StageID  uuid.UUID `json:"stage_id"`
	Name     string    `json:"name"`
	Contacts int64     `json:"contacts"`
}

type FunnelStats struct {
	FunnelID uuid.UUID    `json:"funnel_id"`
	Name     string       `json:"name"`
	Stages   []StageCount `json:"stages"`
}

type DashboardStats struct {
	ContactsTotal        int64                              `json:"contacts_total"`
	ContactsNew30d       int64                              `json:"contacts_new_30d"`
	AppointmentsToday    int64                              `json:"appointments_today"`
	AppointmentsUpcoming int64                              `json:"appointments_upcoming_7d"`
	AppointmentsByStatus map[models.AppointmentStatus]int64 `json:"appointments_by_status"`
	Funnels              []FunnelStats                      `json:"funnels"`
	UnreadNotifications  int64                              `json:"unread_notifications"`
	UnreadChatMessages   int64                              `json:"unread_chat_messages"`
}

// location is the organization's timezone; "today" is counted in it.
func (h *DashboardHandler) location(r *http.Request, orgID uuid.UUID) *time.Location {
	var org models.Organization
	if err := h.db.WithContext(r.Context()).Select("timezone").First(&org, "id = ?", orgID).Error; err != nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(org.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Stats handles GET /api/v1/dashboard/stats
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	orgID := v.OrganizationID
	db := h.db.WithContext(r.Context())

	now := h.now().In(h.location(r, orgID))
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UTC()
	dayEnd := dayStart.AddDate(0, 0, 1)
	nowUTC := now.UTC()

	stats := DashboardStats{
		AppointmentsByStatus: make(map[models.AppointmentStatus]int64),
		Funnels:              []FunnelStats{},
	}

	contacts := db.Model(&models.Contact{}).Where("organization_id = ?", orgID)
	if err := contacts.Session(&gorm.Session{}).Count(&stats.ContactsTotal).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	if err := contacts.Session(&gorm.Session{}).
		Where("created_at >= ?", nowUTC.AddDate(0, 0, -30)).
		Count(&stats.ContactsNew30d).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	active := []models.AppointmentStatus{models.AppointmentScheduled, models.AppointmentConfirmed}
	appts := db.Model(&models.Appointment{}).Where("organization_id = ?", orgID)
	if err := appts.Session(&gorm.Session{}).
		Where("starts_at >= ? AND starts_at < ? AND status IN ?", dayStart, dayEnd, active).
		Count(&stats.AppointmentsToday).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	if err := appts.Session(&gorm.Session{}).
		Where("starts_at >= ? AND starts_at < ? AND status IN ?", nowUTC, nowUTC.AddDate(0, 0, 7), active).
		Count(&stats.AppointmentsUpcoming).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	var byStatus []struct {
		Status models.AppointmentStatus
		N      int64
	}
	if err := appts.Session(&gorm.Session{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	for _, s := range byStatus {
		stats.AppointmentsByStatus[s.Status] = s.N
	}

	funnels, err := h.funnelStats(db, orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	stats.Funnels = funnels

	if err := db.Model(&models.Notification{}).
		Scopes(notifications.VisibleTo(v)).
		Where("is_read = ?", false).
		Count(&stats.UnreadNotifications).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	if err := db.Model(&models.ChatMessage{}).
		Where("organization_id = ? AND direction = ? AND is_read = ?", orgID, models.DirectionInbound, false).
		Count(&stats.UnreadChatMessages).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// funnelStats counts placements per stage, stages and funnels in position
// order. Empty stages are reported with zero.
func (h *DashboardHandler) funnelStats(db *gorm.DB, orgID uuid.UUID) ([]FunnelStats, error) {
	var funnels []models.Funnel
	if err := db.Where("organization_id = ?", orgID).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Order("position ASC").
		Find(&funnels).Error; err != nil {
		return nil, err
	}

	var counts []struct {
		StageID uuid.UUID
		N       int64
	}
	if err := db.Model(&models.FunnelContact{}).
		Select("stage_id, COUNT(*) AS n").
		Where("organization_id = ?", orgID).
		Group("stage_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	perStage := make(map[uuid.UUID]int64, len(counts))
	for _, c := range counts {
		perStage[c.StageID] = c.N
	}

	out := make([]FunnelStats, len(funnels))
	for i, f := range funnels {
		fs := FunnelStats{FunnelID: f.ID, Name: f.Name, Stages: make([]StageCount, len(f.Stages))}
		for j, st := range f.Stages {
			fs.Stages[j] = StageCount{StageID: st.ID, Name: st.Name, Contacts: perStage[st.ID]}
		}
		out[i] = fs
	}
	return out, nil
}
