// Package appointments schedules contacts with the organization's team and
// tells the right people when the calendar changes.
package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

var (
	ErrNotFound         = errors.New("appointment not found")
	ErrContactNotFound  = errors.New("contact not found")
	ErrServiceNotFound  = errors.New("service not found")
	ErrAssigneeNotFound = errors.New("assigned user not found")
	ErrInvalidTimeRange = errors.New("appointment must end after it starts")
	ErrInvalidStatus    = errors.New("invalid appointment status")
)

// Notifier stores a notification and announces it.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

type Service struct {
	db       *gorm.DB
	notifier Notifier
	logger   *slog.Logger
}

func NewService(db *gorm.DB, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{db: db, notifier: notifier, logger: logger}
}

type Filter struct {
	From         *time.Time
	To           *time.Time
	Status       models.AppointmentStatus
	ContactID    *uuid.UUID
	AssignedToID *uuid.UUID
	Offset       int
	Limit        int
}

type Input struct {
	ContactID    uuid.UUID
	ServiceID    *uuid.UUID
	AssignedToID *uuid.UUID
	StartsAt     time.Time
	EndsAt       time.Time // zero means StartsAt plus the service duration
	Status       models.AppointmentStatus
	Notes        string
}

// UpdateInput changes only the non-nil fields. ClearService and
// ClearAssignee unset the optional references.
type UpdateInput struct {
	ContactID     *uuid.UUID
	ServiceID     *uuid.UUID
	ClearService  bool
	AssignedToID  *uuid.UUID
	ClearAssignee bool
	StartsAt      *time.Time
	EndsAt        *time.Time
	Status        *models.AppointmentStatus
	Notes         *string
}

func (s *Service) scoped(ctx context.Context, v access.Viewer) *gorm.DB {
	return s.db.WithContext(ctx).Where("appointments.organization_id = ?", v.OrganizationID)
}

func (s *Service) List(ctx context.Context, v access.Viewer, f Filter) ([]models.Appointment, int64, error) {
	q := s.scoped(ctx, v).Model(&models.Appointment{})
	if f.From != nil {
		q = q.Where("starts_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("starts_at < ?", f.To.UTC())
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ContactID != nil {
		q = q.Where("contact_id = ?", *f.ContactID)
	}
	if f.AssignedToID != nil {
		q = q.Where("assigned_to_id = ?", *f.AssignedToID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []models.Appointment
	q = q.Preload("Contact").Preload("Service").Preload("AssignedTo").Order("starts_at ASC, id ASC")
	if f.Limit > 0 {
		q = q.Offset(f.Offset).Limit(f.Limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *Service) Get(ctx context.Context, v access.Viewer, id uuid.UUID) (*models.Appointment, error) {
	var a models.Appointment
	err := s.scoped(ctx, v).
		Preload("Contact").Preload("Service").Preload("AssignedTo").
		First(&a, "appointments.id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Service) exists(ctx context.Context, model any, orgID, id uuid.UUID, extra ...string) (bool, error) {
	q := s.db.WithContext(ctx).Model(model).Where("organization_id = ? AND id = ?", orgID, id)
	for _, cond := range extra {
		q = q.Where(cond)
	}
	var n int64
	err := q.Count(&n).Error
	return n > 0, err
}

// checkRefs verifies that every referenced row lives in the viewer's
// organization. It returns the service when one is referenced.
func (s *Service) checkRefs(ctx context.Context, v access.Viewer, contactID uuid.UUID, serviceID, assigneeID *uuid.UUID) (*models.Service, error) {
	ok, err := s.exists(ctx, &models.Contact{}, v.OrganizationID, contactID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContactNotFound
	}

	if assigneeID != nil {
		ok, err := s.exists(ctx, &models.User{}, v.OrganizationID, *assigneeID, "is_active = true")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAssigneeNotFound
		}
	}

	if serviceID == nil {
		return nil, nil
	}
	var svc models.Service
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", v.OrganizationID, *serviceID).
		First(&svc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

func (s *Service) Create(ctx context.Context, v access.Viewer, in Input) (*models.Appointment, error) {
	if in.Status == "" {
		in.Status = models.AppointmentScheduled
	}
	if !in.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	svc, err := s.checkRefs(ctx, v, in.ContactID, in.ServiceID, in.AssignedToID)
	if err != nil {
		return nil, err
	}
	if in.EndsAt.IsZero() && svc != nil && svc.DurationMinutes > 0 {
		in.EndsAt = in.StartsAt.Add(time.Duration(svc.DurationMinutes) * time.Minute)
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, ErrInvalidTimeRange
	}

	a := &models.Appointment{
		OrganizationID: v.OrganizationID,
		ContactID:      in.ContactID,
		ServiceID:      in.ServiceID,
		AssignedToID:   in.AssignedToID,
		CreatedByID:    v.UserID,
		StartsAt:       in.StartsAt.UTC(),
		EndsAt:         in.EndsAt.UTC(),
		Status:         in.Status,
		Notes:          in.Notes,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}

	created, err := s.Get(ctx, v, a.ID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, v, created, models.NotificationAppointmentCreated, "New appointment")
	return created, nil
}

func (s *Service) Update(ctx context.Context, v access.Viewer, id uuid.UUID, in UpdateInput) (*models.Appointment, error) {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}

	if in.ContactID != nil {
		a.ContactID = *in.ContactID
	}
	if in.ClearService {
		a.ServiceID = nil
	} else if in.ServiceID != nil {
		a.ServiceID = in.ServiceID
	}
	if in.ClearAssignee {
		a.AssignedToID = nil
	} else if in.AssignedToID != nil {
		a.AssignedToID = in.AssignedToID
	}
	rescheduled := false
	if in.StartsAt != nil && !in.StartsAt.Equal(a.StartsAt) {
		a.StartsAt = in.StartsAt.UTC()
		rescheduled = true
	}
	if in.EndsAt != nil {
		a.EndsAt = in.EndsAt.UTC()
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, ErrInvalidStatus
		}
		a.Status = *in.Status
	}
	if in.Notes != nil {
		a.Notes = *in.Notes
	}

	if _, err := s.checkRefs(ctx, v, a.ContactID, a.ServiceID, a.AssignedToID); err != nil {
		return nil, err
	}
	if !a.EndsAt.After(a.StartsAt) {
		return nil, ErrInvalidTimeRange
	}

	updates := map[string]any{
		"contact_id":     a.ContactID,
		"service_id":     a.ServiceID,
		"assigned_to_id": a.AssignedToID,
		"starts_at":      a.StartsAt,
		"ends_at":        a.EndsAt,
		"status":         a.Status,
		"notes":          a.Notes,
	}
	// A moved appointment is due a new reminder.
	if rescheduled {
		updates["reminded_at"] = nil
	}
	if err := s.scoped(ctx, v).Model(&models.Appointment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, v, updated, models.NotificationAppointmentUpdated, "Appointment updated")
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, v access.Viewer, id uuid.UUID) error {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return err
	}
	if err := s.scoped(ctx, v).Delete(&models.Appointment{}, "appointments.id = ?", id).Error; err != nil {
		return err
	}
	s.notify(ctx, v, a, models.NotificationAppointmentDeleted, "Appointment cancelled")
	return nil
}

// recipient is the user a change to a is announced to: the assignee unless
// they made the change themselves, otherwise the organization's admins.
func recipient(actor uuid.UUID, a *models.Appointment) *uuid.UUID {
	if a.AssignedToID != nil && *a.AssignedToID != actor {
		id := *a.AssignedToID
		return &id
	}
	return nil
}

func describe(a *models.Appointment) string {
	who := "a contact"
	if a.Contact != nil {
		who = a.Contact.FullName()
	}
	what := ""
	if a.Service != nil {
		what = " for " + a.Service.Name
	}
	return fmt.Sprintf("%s%s on %s", who, what, a.StartsAt.Format("2006-01-02 15:04 MST"))
}

func payload(a *models.Appointment) datatypes.JSON {
	data, _ := json.Marshal(map[string]any{
		"appointment_id": a.ID,
		"contact_id":     a.ContactID,
		"starts_at":      a.StartsAt,
		"status":         a.Status,
	})
	return datatypes.JSON(data)
}

// notify is best effort: the appointment change is already committed.
func (s *Service) notify(ctx context.Context, v access.Viewer, a *models.Appointment, typ, title string) {
	n := &models.Notification{
		OrganizationID: a.OrganizationID,
		UserID:         recipient(v.UserID, a),
		Type:           typ,
		Title:          title,
		Message:        describe(a),
		Data:           payload(a),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error("appointment notification failed", "appointment_id", a.ID, "type", typ, "error", err)
	}
}
