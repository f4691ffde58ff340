package chat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// Inbound is a message a contact sent to one of the connected accounts.
type Inbound struct {
	Channel    models.ChannelType
	AccountID  string // WhatsApp phone number id, page id or Instagram account id
	SenderID   string
	SenderName string
	MessageID  string
	Body       string
	MediaType  string
	Timestamp  time.Time
	Raw        json.RawMessage
}

// StatusUpdate is a delivery receipt for an outbound message.
type StatusUpdate struct {
	Channel   models.ChannelType
	MessageID string
	Status    models.MessageStatus
	Error     string
	Timestamp time.Time
}

type Webhook struct {
	Messages []Inbound
	Statuses []StatusUpdate
}

type metaEnvelope struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Changes   []waChange      `json:"changes"`
	Messaging []messagingItem `json:"messaging"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Errors    []struct {
			Code  int    `json:"code"`
			Title string `json:"title"`
		} `json:"errors"`
	} `json:"statuses"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Button   struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive struct {
		ButtonReply struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

func (m waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type messagingItem struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type string `json:"type"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		Mids []string `json:"mids"`
	} `json:"delivery"`
}

// ParseMetaWebhook normalizes a WhatsApp Cloud, Messenger or Instagram
// webhook body. Unknown objects and fields are ignored.
func ParseMetaWebhook(body []byte) (*Webhook, error) {
	var env metaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	wh := &Webhook{}
	switch env.Object {
	case "whatsapp_business_account":
		for _, entry := range env.Entry {
			for _, change := range entry.Changes {
				if change.Field == "messages" {
					parseWhatsApp(wh, change.Value)
				}
			}
		}
	case "page", "instagram":
		channel := models.ChannelMessenger
		if env.Object == "instagram" {
			channel = models.ChannelInstagram
		}
		for _, entry := range env.Entry {
			for _, item := range entry.Messaging {
				parseMessaging(wh, channel, entry.ID, item)
			}
		}
	}
	return wh, nil
}

func unixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func parseWhatsApp(wh *Webhook, v waValue) {
	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}

	for _, raw := range v.Messages {
		var m waMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" || m.From == "" {
			continue
		}
		in := Inbound{
			Channel:    models.ChannelWhatsApp,
			AccountID:  v.Metadata.PhoneNumberID,
			SenderID:   m.From,
			SenderName: names[m.From],
			MessageID:  m.ID,
			Timestamp:  unixSeconds(m.Timestamp),
			Raw:        raw,
		}
		switch m.Type {
		case "text":
			in.Body = m.Text.Body
		case "button":
			in.Body = m.Button.Text
		case "interactive":
			in.Body = m.Interactive.ButtonReply.Title
			if in.Body == "" {
				in.Body = m.Interactive.ListReply.Title
			}
		default:
			in.MediaType = m.Type
			if media := m.media(); media != nil {
				in.Body = media.Caption
			}
		}
		wh.Messages = append(wh.Messages, in)
	}

	for _, st := range v.Statuses {
		status, ok := statusOf(st.Status)
		if !ok {
			continue
		}
		u := StatusUpdate{
			Channel:   models.ChannelWhatsApp,
			MessageID: st.ID,
			Status:    status,
			Timestamp: unixSeconds(st.Timestamp),
		}
		if len(st.Errors) > 0 {
			u.Error = fmt.Sprintf("%d: %s", st.Errors[0].Code, st.Errors[0].Title)
		}
		wh.Statuses = append(wh.Statuses, u)
	}
}

func parseMessaging(wh *Webhook, channel models.ChannelType, accountID string, item messagingItem) {
	ts := time.Time{}
	if item.Timestamp > 0 {
		ts = time.UnixMilli(item.Timestamp).UTC()
	}

	if item.Delivery != nil {
		for _, mid := range item.Delivery.Mids {
			wh.Statuses = append(wh.Statuses, StatusUpdate{Channel: channel, MessageID: mid, Status: models.MessageDelivered, Timestamp: ts})
		}
	}

	m := item.Message
	if m == nil || m.IsEcho || m.Mid == "" {
		return
	}
	in := Inbound{
		Channel:   channel,
		AccountID: accountID,
		SenderID:  item.Sender.ID,
		MessageID: m.Mid,
		Body:      m.Text,
		Timestamp: ts,
	}
	if len(m.Attachments) > 0 {
		in.MediaType = m.Attachments[0].Type
	}
	in.Raw, _ = json.Marshal(item)
	wh.Messages = append(wh.Messages, in)
}

func statusOf(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageSent, true
	case "delivered":
		return models.MessageDelivered, true
	case "read":
		return models.MessageRead, true
	case "failed":
		return models.MessageFailed, true
	}
	return "", false
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// IngestResult counts what a webhook changed.
type IngestResult struct {
	Stored   int `json:"stored"`
	Skipped  int `json:"skipped"`
	Statuses int `json:"statuses"`
}

// Ingest stores inbound messages and applies receipts. Messages for accounts
// nobody connected, or already stored, are skipped.
func (s *Service) Ingest(ctx context.Context, wh *Webhook) (IngestResult, error) {
	var res IngestResult
	for _, in := range wh.Messages {
		stored, err := s.IngestInbound(ctx, in)
		if err != nil {
			return res, err
		}
		if stored != nil {
			res.Stored++
		} else {
			res.Skipped++
		}
	}
	for _, st := range wh.Statuses {
		applied, err := s.ApplyStatus(ctx, st)
		if err != nil {
			return res, err
		}
		if applied {
			res.Statuses++
		}
	}
	return res, nil
}

// IngestInbound stores one inbound message, creating the contact and the
// identity on first contact. It returns nil for skipped messages.
func (s *Service) IngestInbound(ctx context.Context, in Inbound) (*models.ChatMessage, error) {
	var conn models.ChannelConnection
	err := s.db.WithContext(ctx).
		Where("channel = ? AND external_account_id = ? AND is_active = ?", in.Channel, in.AccountID, true).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("inbound message for unknown account", "channel", in.Channel, "account_id", in.AccountID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dup int64
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("organization_id = ? AND external_message_id = ?", conn.OrganizationID, in.MessageID).
		Count(&dup).Error; err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, nil
	}

	sentAt := in.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	msg := &models.ChatMessage{
		OrganizationID:    conn.OrganizationID,
		Direction:         models.DirectionInbound,
		Body:              in.Body,
		MediaType:         in.MediaType,
		ExternalMessageID: in.MessageID,
		Status:            models.MessageReceived,
		SentAt:            sentAt,
	}
	if len(in.Raw) > 0 {
		msg.Raw = datatypes.JSON(in.Raw)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ident, err := identityFor(tx, &conn, in)
		if err != nil {
			return err
		}
		msg.IdentityID = ident.ID
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		updates := map[string]any{"last_message_at": sentAt}
		if in.SenderName != "" {
			updates["display_name"] = in.SenderName
		}
		return tx.Model(&models.ChatIdentity{}).Where("id = ?", ident.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("storing inbound message: %w", err)
	}

	s.publish(ctx, msg)
	return msg, nil
}

// identityFor finds the sender's identity on the connection or creates it
// together with a new contact.
func identityFor(tx *gorm.DB, conn *models.ChannelConnection, in Inbound) (*models.ChatIdentity, error) {
	var ident models.ChatIdentity
	err := tx.Where("connection_id = ? AND external_id = ?", conn.ID, in.SenderID).First(&ident).Error
	if err == nil {
		return &ident, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	first, last := in.SenderID, ""
	if in.SenderName != "" {
		first, last, _ = strings.Cut(strings.TrimSpace(in.SenderName), " ")
	}
	contact := models.Contact{
		OrganizationID: conn.OrganizationID,
		FirstName:      first,
		LastName:       strings.TrimSpace(last),
	}
	if in.Channel == models.ChannelWhatsApp {
		contact.Phone = "+" + strings.TrimPrefix(in.SenderID, "+")
	}
	if err := tx.Create(&contact).Error; err != nil {
		return nil, err
	}

	ident = models.ChatIdentity{
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		ContactID:      contact.ID,
		Channel:        in.Channel,
		ExternalID:     in.SenderID,
		DisplayName:    in.SenderName,
	}
	if err := tx.Create(&ident).Error; err != nil {
		return nil, err
	}
	return &ident, nil
}

var statusRank = map[models.MessageStatus]int{
	models.MessagePending:   0,
	models.MessageSent:      1,
	models.MessageDelivered: 2,
	models.MessageRead:      3,
}

// ApplyStatus moves an outbound message forward along
// pending, sent, delivered, read. Receipts arriving out of order never move
// it back; a failure is accepted until the message was read.
func (s *Service) ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	var msg models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("external_message_id = ? AND direction = ?", u.MessageID, models.DirectionOutbound).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	current, known := statusRank[msg.Status]
	switch {
	case msg.Status == u.Status:
		return false, nil
	case u.Status == models.MessageFailed:
		if msg.Status == models.MessageRead {
			return false, nil
		}
	case !known || statusRank[u.Status] <= current:
		return false, nil
	}

	updates := map[string]any{"status": u.Status}
	if u.Error != "" {
		updates["error"] = u.Error
	}
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
		return false, err
	}
	msg.Status = u.Status
	if u.Error != "" {
		msg.Error = u.Error
	}
	s.publish(ctx, &msg)
	return true, nil
}
