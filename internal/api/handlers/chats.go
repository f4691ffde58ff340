package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

const maxAttachmentBytes = 16 << 20

type ChatHandler struct {
	chat   *chat.Service
	logger *slog.Logger
}

func NewChatHandler(c *chat.Service, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chat: c, logger: logger}
}

type CreateConnectionRequest struct {
	Channel           models.ChannelType `json:"channel"`
	ExternalAccountID string             `json:"external_account_id"`
	Name              string             `json:"name"`
	AccessToken       string             `json:"access_token"`
}

func (r CreateConnectionRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if !r.Channel.Valid() {
		errors["channel"] = "Channel must be whatsapp, messenger or instagram"
	}
	if r.ExternalAccountID == "" {
		errors["external_account_id"] = "External account ID is required"
	}
	if r.AccessToken == "" {
		errors["access_token"] = "Access token is required"
	}
	return errors
}

type UpdateConnectionRequest struct {
	IsActive *bool `json:"is_active"`
}

func (r UpdateConnectionRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if r.IsActive == nil {
		errors["is_active"] = "is_active is required"
	}
	return errors
}

type SendMessageRequest struct {
	Body      string `json:"body"`
	MediaKey  string `json:"media_key,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

func (r SendMessageRequest) Validate() map[string]string {
	errors := make(map[string]string)
	switch r.MediaType {
	case "", "image", "audio", "video", "document":
	default:
		errors["media_type"] = "Media type must be image, audio, video or document"
	}
	return errors
}

func writeChatError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, chat.ErrInvalidChannel),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrUnsupportedChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrConnectionExists),
		errors.Is(err, chat.ErrConnectionInactive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrAttachmentsDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// ListConnections handles GET /api/v1/chat/connections
func (h *ChatHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	conns, err := h.chat.ListConnections(r.Context(), v)
	if err != nil {
		writeChatError(w, err, "Failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

// CreateConnection handles POST /api/v1/chat/connections
func (h *ChatHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	var req CreateConnectionRequest
	if !decodeValid(w, r, &req) {
		return
	}
	conn, err := h.chat.CreateConnection(r.Context(), v, chat.ConnectionInput{
		Channel:           req.Channel,
		ExternalAccountID: req.ExternalAccountID,
		Name:              req.Name,
		AccessToken:       req.AccessToken,
	})
	if err != nil {
		writeChatError(w, err, "Failed to create connection")
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// UpdateConnection handles PATCH /api/v1/chat/connections/{id}
func (h *ChatHandler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "connection")
	if !ok {
		return
	}
	var req UpdateConnectionRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := h.chat.SetConnectionActive(r.Context(), v, id, *req.IsActive); err != nil {
		writeChatError(w, err, "Failed to update connection")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Connection updated"})
}

// DeleteConnection handles DELETE /api/v1/chat/connections/{id}
func (h *ChatHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "connection")
	if !ok {
		return
	}
	if err := h.chat.DeleteConnection(r.Context(), v, id); err != nil {
		writeChatError(w, err, "Failed to delete connection")
		return
	}
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Connection deleted"})
}

// ListConversations handles GET /api/v1/chat/conversations
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	convs, err := h.chat.ListConversations(r.Context(), v)
	if err != nil {
		writeChatError(w, err, "Failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// Messages handles GET /api/v1/chat/conversations/{id}/messages. before
// (RFC 3339) pages back through history; limit caps the page.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "conversation")
	if !ok {
		return
	}
	before, err := parseTimeParam(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid before cursor")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = chat.DefaultMessageLimit
	}

	msgs, err := h.chat.Messages(r.Context(), v, id, before, limit)
	if err != nil {
		writeChatError(w, err, "Failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send handles POST /api/v1/chat/conversations/{id}/messages. The message is
// accepted as pending; delivery happens in the worker.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "conversation")
	if !ok {
		return
	}
	var req SendMessageRequest
	if !decodeValid(w, r, &req) {
		return
	}
	msg, err := h.chat.SendMessage(r.Context(), v, id, chat.SendInput{
		Body:      req.Body,
		MediaKey:  req.MediaKey,
		MediaType: req.MediaType,
	})
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			h.logger.Warn("sending chat message", "identity_id", id, "error", err)
		}
		writeChatError(w, err, "Failed to send message")
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// MarkRead handles PUT /api/v1/chat/conversations/{id}/read
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id", "conversation")
	if !ok {
		return
	}
	n, err := h.chat.MarkConversationRead(r.Context(), v, id)
	if err != nil {
		writeChatError(w, err, "Failed to mark conversation read")
		return
	}
	writeJSON(w, http.StatusOK, dto.CountResponse{Count: n})
}

// Upload handles POST /api/v1/chat/attachments as multipart form data with
// a single "file" part.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"file": "File is required"},
		})
		return
	}
	defer file.Close()

	att, err := h.chat.UploadAttachment(r.Context(), v, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeChatError(w, err, "Failed to store attachment")
		return
	}
	writeJSON(w, http.StatusCreated, att)
}
