package appointments

import (
	"context"
	"fmt"
	"time"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// SendReminders notifies about every open appointment that starts within
// lead of now and has not been reminded yet. Each appointment is claimed with
// a conditional update so overlapping runs never remind twice. A claim whose
// notification could not be stored is released so a later run retries it.
func (s *Service) SendReminders(ctx context.Context, now time.Time, lead time.Duration) (int, error) {
	now = now.UTC().Truncate(time.Microsecond)

	var due []models.Appointment
	err := s.db.WithContext(ctx).
		Preload("Contact").Preload("Service").
		Where("reminded_at IS NULL AND status IN ? AND starts_at > ? AND starts_at <= ?",
			[]models.AppointmentStatus{models.AppointmentScheduled, models.AppointmentConfirmed},
			now, now.Add(lead)).
		Order("starts_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("finding due appointments: %w", err)
	}

	sent := 0
	for i := range due {
		a := &due[i]
		claim := s.db.WithContext(ctx).Model(&models.Appointment{}).
			Where("id = ? AND reminded_at IS NULL", a.ID).
			Update("reminded_at", now)
		if claim.Error != nil {
			return sent, fmt.Errorf("claiming appointment %s: %w", a.ID, claim.Error)
		}
		if claim.RowsAffected == 0 {
			continue
		}

		n := &models.Notification{
			OrganizationID: a.OrganizationID,
			UserID:         a.AssignedToID,
			Type:           models.NotificationAppointmentReminder,
			Title:          "Upcoming appointment",
			Message:        describe(a),
			Data:           payload(a),
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.release(ctx, a, now)
			return sent, fmt.Errorf("reminding appointment %s: %w", a.ID, err)
		}
		sent++
	}

	if sent > 0 {
		s.logger.Info("appointment reminders created", "count", sent)
	}
	return sent, nil
}

// release clears a claim taken at claimedAt. It runs even when ctx is done.
func (s *Service) release(ctx context.Context, a *models.Appointment, claimedAt time.Time) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Appointment{}).
		Where("id = ? AND reminded_at = ?", a.ID, claimedAt).
		Update("reminded_at", nil).Error
	if err != nil {
		s.logger.Warn("releasing reminder claim", "appointment_id", a.ID, "error", err)
	}
}
