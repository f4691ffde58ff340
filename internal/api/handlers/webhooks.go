package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
)

const maxWebhookBytes = 4 << 20

// WebhookHandler receives Meta (WhatsApp Cloud, Messenger, Instagram)
// callbacks. It sits outside the auth middleware.
type WebhookHandler struct {
	chat        *chat.Service
	verifyToken string
	appSecret   string // empty skips signature checks; config requires it outside development
	logger      *slog.Logger
}

func NewWebhookHandler(c *chat.Service, verifyToken, appSecret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{chat: c, verifyToken: verifyToken, appSecret: appSecret, logger: logger}
}

// Verify answers the subscription handshake: GET with hub.mode=subscribe,
// hub.verify_token and hub.challenge, echoing the challenge.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// Receive handles POST /webhooks/meta. Malformed payloads are acknowledged
// with 400; storage failures with 500 so Meta redelivers.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if h.appSecret != "" && !chat.VerifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("rejected webhook with bad signature", "ip", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	wh, err := chat.ParseMetaWebhook(body)
	if err != nil {
		h.logger.Warn("unparseable webhook", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	res, err := h.chat.Ingest(r.Context(), wh)
	if err != nil {
		h.logger.Error("ingesting webhook", "error", err, "stored", res.Stored)
		writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}
	h.logger.Debug("webhook ingested", "stored", res.Stored, "skipped", res.Skipped, "statuses", res.Statuses)
	writeJSON(w, http.StatusOK, res)
}
