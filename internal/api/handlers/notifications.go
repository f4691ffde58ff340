package handlers

import (
	"errors"
	"net/http"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/notifications"
)

type NotificationHandler struct {
	tracker *notifications.Tracker
}

func NewNotificationHandler(tracker *notifications.Tracker) *NotificationHandler {
	return &NotificationHandler{tracker: tracker}
}

type NotificationsResponse struct {
	Items       []models.Notification `json:"items"`
	UnreadCount int                   `json:"unread_count"`
	Marked      *int                  `json:"marked,omitempty"`
}

func snapshotResponse(s notifications.Snapshot) NotificationsResponse {
	return NotificationsResponse{Items: s.Items, UnreadCount: s.UnreadCount()}
}

func writeNotificationError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, notifications.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	writeError(w, http.StatusInternalServerError, fallback)
}

// List handles GET /api/v1/notifications. Every call reloads from the store
// and replaces the viewer's loaded set.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	snap, err := h.tracker.List(r.Context(), v)
	if err != nil {
		writeNotificationError(w, err, "Failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	n, err := h.tracker.UnreadCount(r.Context(), v)
	if err != nil {
		writeNotificationError(w, err, "Failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

// MarkAsRead handles PUT /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "notification")
	if !ok {
		return
	}
	snap, err := h.tracker.MarkAsRead(r.Context(), v, id)
	if err != nil {
		writeNotificationError(w, err, "Failed to mark notification as read")
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// MarkAllAsRead handles PUT /api/v1/notifications/read-all. Only the
// notifications of the loaded set are marked.
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	snap, marked, err := h.tracker.MarkAllAsRead(r.Context(), v)
	if err != nil {
		writeNotificationError(w, err, "Failed to mark notifications as read")
		return
	}
	resp := snapshotResponse(snap)
	resp.Marked = &marked
	writeJSON(w, http.StatusOK, resp)
}
