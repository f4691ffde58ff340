package handlers_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/dto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/handlers"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/storage"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/testutil"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret"
	testPhoneID     = "109876543210"
	inboundPayload  = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "109876543210"},
        "contacts": [{"profile": {"name": "Lucia Ramos"}, "wa_id": "5511999990000"}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.H1", "timestamp": "1767225600", "type": "text", "text": {"body": "Hola"}},
          {"from": "5511999990000", "id": "wamid.H2", "timestamp": "1767225660", "type": "text", "text": {"body": "Tienen turno?"}}
        ]
      }
    }]
  }]
}`
)

type chatQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *chatQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (q *chatQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type chatTestEnv struct {
	router http.Handler
	tc     *testutil.TestSetup
	svc    *chat.Service
	queue  *chatQueue
}

func setupChatTestRouter(t *testing.T, blobs storage.Blob) *chatTestEnv {
	tc := testutil.NewTestContext(t)
	enc, err := crypto.NewEncryptor("")
	require.NoError(t, err)

	q := &chatQueue{}
	svc := chat.NewService(chat.Deps{
		DB:        tc.DB,
		Encryptor: enc,
		Queue:     q,
		Blobs:     blobs,
		Logger:    util.DiscardLogger(),
	})
	handler := handlers.NewChatHandler(svc, util.DiscardLogger())
	webhooks := handlers.NewWebhookHandler(svc, testVerifyToken, testAppSecret, util.DiscardLogger())

	r := chi.NewRouter()
	r.Get("/webhooks/meta", webhooks.Verify)
	r.Post("/webhooks/meta", webhooks.Receive)
	r.Route("/api/v1/chat", func(r chi.Router) {
		r.Use(middleware.Auth(tc.JWTService, tc.Users))
		r.Get("/connections", handler.ListConnections)
		r.Post("/connections", handler.CreateConnection)
		r.Patch("/connections/{id}", handler.UpdateConnection)
		r.Delete("/connections/{id}", handler.DeleteConnection)
		r.Get("/conversations", handler.ListConversations)
		r.Get("/conversations/{id}/messages", handler.Messages)
		r.Post("/conversations/{id}/messages", handler.Send)
		r.Put("/conversations/{id}/read", handler.MarkRead)
		r.Post("/attachments", handler.Upload)
	})
	return &chatTestEnv{router: r, tc: tc, svc: svc, queue: q}
}

func signedWebhook(t *testing.T, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write([]byte(body))
	req, err := http.NewRequest("POST", "/webhooks/meta", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func (e *chatTestEnv) connect(t *testing.T) models.ChannelConnection {
	t.Helper()
	body := map[string]string{
		"channel":             "whatsapp",
		"external_account_id": testPhoneID,
		"name":                "Front desk",
		"access_token":        "EAAG-secret",
	}
	rr := serve(e.router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/chat/connections", body, e.tc.Token))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var conn models.ChannelConnection
	testutil.ParseJSONResponse(t, rr, &conn)
	return conn
}

func (e *chatTestEnv) conversation(t *testing.T) chat.Conversation {
	t.Helper()
	rr := serve(e.router, signedWebhook(t, inboundPayload))
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = serve(e.router, testutil.AuthenticatedRequest(t, "GET", "/api/v1/chat/conversations", nil, e.tc.Token))
	testutil.AssertStatus(t, rr, http.StatusOK)
	var convs []chat.Conversation
	testutil.ParseJSONResponse(t, rr, &convs)
	require.Len(t, convs, 1)
	return convs[0]
}

func TestWebhookHandler_Verify(t *testing.T) {
	env := setupChatTestRouter(t, nil)

	t.Run("echoes the challenge", func(t *testing.T) {
		req := testutil.UnauthenticatedRequest(t, "GET", "/webhooks/meta?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=1158201444", nil)
		rr := serve(env.router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.Equal(t, "1158201444", rr.Body.String())
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	})

	tests := []struct {
		name  string
		query string
	}{
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=1"},
		{"no params", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env.router, testutil.UnauthenticatedRequest(t, "GET", "/webhooks/meta?"+tt.query, nil))
			testutil.AssertStatus(t, rr, http.StatusForbidden)
		})
	}
}

func TestWebhookHandler_Receive(t *testing.T) {
	env := setupChatTestRouter(t, nil)
	env.connect(t)

	t.Run("rejects unsigned payloads", func(t *testing.T) {
		req, err := http.NewRequest("POST", "/webhooks/meta", strings.NewReader(inboundPayload))
		require.NoError(t, err)
		req.Header.Set("X-Hub-Signature-256", "sha256=00")
		rr := serve(env.router, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)

		var stored int64
		require.NoError(t, env.tc.DB.Model(&models.ChatMessage{}).Count(&stored).Error)
		assert.Zero(t, stored)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		rr := serve(env.router, signedWebhook(t, `{"object":`))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("stores inbound messages once", func(t *testing.T) {
		rr := serve(env.router, signedWebhook(t, inboundPayload))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var res chat.IngestResult
		testutil.ParseJSONResponse(t, rr, &res)
		assert.Equal(t, 2, res.Stored)

		rr = serve(env.router, signedWebhook(t, inboundPayload))
		testutil.AssertStatus(t, rr, http.StatusOK)
		testutil.ParseJSONResponse(t, rr, &res)
		assert.Zero(t, res.Stored)
		assert.Equal(t, 2, res.Skipped)
	})

	t.Run("unknown accounts are skipped", func(t *testing.T) {
		payload := strings.ReplaceAll(inboundPayload, testPhoneID, "999")
		rr := serve(env.router, signedWebhook(t, payload))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var res chat.IngestResult
		testutil.ParseJSONResponse(t, rr, &res)
		assert.Zero(t, res.Stored)
		assert.Equal(t, 2, res.Skipped)
	})
}

func TestChatHandler_Connections(t *testing.T) {
	env := setupChatTestRouter(t, nil)
	conn := env.connect(t)
	assert.Equal(t, models.ChannelWhatsApp, conn.Channel)
	assert.True(t, conn.IsActive)

	t.Run("token is never returned", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "GET", "/api/v1/chat/connections", nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.NotContains(t, rr.Body.String(), "EAAG-secret")
		var conns []models.ChannelConnection
		testutil.ParseJSONResponse(t, rr, &conns)
		require.Len(t, conns, 1)
	})

	t.Run("validation", func(t *testing.T) {
		body := map[string]string{"channel": "telegram"}
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/chat/connections", body, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		var resp dto.ErrorResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Contains(t, resp.Details, "channel")
		assert.Contains(t, resp.Details, "external_account_id")
		assert.Contains(t, resp.Details, "access_token")
	})

	t.Run("members cannot connect", func(t *testing.T) {
		_, memberToken := env.tc.AddUser(t, models.RoleMember)
		body := map[string]string{"channel": "messenger", "external_account_id": "PAGE1", "access_token": "x"}
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", "/api/v1/chat/connections", body, memberToken))
		testutil.AssertStatus(t, rr, http.StatusForbidden)
	})

	t.Run("deactivate", func(t *testing.T) {
		body := map[string]bool{"is_active": false}
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "PATCH", "/api/v1/chat/connections/"+conn.ID.String(), body, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)

		var stored models.ChannelConnection
		require.NoError(t, env.tc.DB.First(&stored, "id = ?", conn.ID).Error)
		assert.False(t, stored.IsActive)
	})

	t.Run("update requires is_active", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "PATCH", "/api/v1/chat/connections/"+conn.ID.String(), map[string]string{}, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("delete", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/chat/connections/"+conn.ID.String(), nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)

		rr = serve(env.router, testutil.AuthenticatedRequest(t, "DELETE", "/api/v1/chat/connections/"+uuid.New().String(), nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})
}

func TestChatHandler_Conversations(t *testing.T) {
	env := setupChatTestRouter(t, nil)
	env.connect(t)
	conv := env.conversation(t)
	assert.EqualValues(t, 2, conv.Unread)
	assert.Equal(t, "5511999990000", conv.ExternalID)
	base := "/api/v1/chat/conversations/" + conv.ID.String()

	t.Run("messages oldest first", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "GET", base+"/messages", nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var msgs []models.ChatMessage
		testutil.ParseJSONResponse(t, rr, &msgs)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Hola", msgs[0].Body)
		assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	})

	t.Run("bad cursor", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "GET", base+"/messages?before=yesterday", nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("mark read", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "PUT", base+"/read", nil, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusOK)
		var resp dto.CountResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.EqualValues(t, 2, resp.Count)

		rr = serve(env.router, testutil.AuthenticatedRequest(t, "PUT", base+"/read", nil, env.tc.Token))
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Zero(t, resp.Count)
	})

	t.Run("send queues delivery", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", base+"/messages", map[string]string{"body": "  Si, manana  "}, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusAccepted)
		var msg models.ChatMessage
		testutil.ParseJSONResponse(t, rr, &msg)
		assert.Equal(t, "Si, manana", msg.Body)
		assert.Equal(t, models.MessagePending, msg.Status)
		assert.Equal(t, models.DirectionOutbound, msg.Direction)
		assert.Equal(t, 1, env.queue.count())
	})

	t.Run("empty message", func(t *testing.T) {
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", base+"/messages", map[string]string{"body": " "}, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("bad media type", func(t *testing.T) {
		body := map[string]string{"body": "x", "media_type": "sticker"}
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", base+"/messages", body, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("attachments disabled", func(t *testing.T) {
		body := map[string]string{"media_key": "orgs/" + env.tc.Org.ID.String() + "/chat/a.jpg", "media_type": "image"}
		rr := serve(env.router, testutil.AuthenticatedRequest(t, "POST", base+"/messages", body, env.tc.Token))
		testutil.AssertStatus(t, rr, http.StatusNotImplemented)
	})

	t.Run("other organizations cannot see it", func(t *testing.T) {
		other := testutil.CreateTestOrg(t, env.tc.DB)
		outsider := testutil.CreateTestUser(t, env.tc.DB, other, models.RoleAdmin)
		token := testutil.GenerateTestToken(t, env.tc.JWTService, outsider)

		rr := serve(env.router, testutil.AuthenticatedRequest(t, "GET", base+"/messages", nil, token))
		testutil.AssertStatus(t, rr, http.StatusNotFound)
	})
}

func TestChatHandler_Upload(t *testing.T) {
	multipartBody := func(t *testing.T) (*bytes.Buffer, string) {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="receipt.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte("\x89PNG fake"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return buf, mw.FormDataContentType()
	}

	t.Run("stores under the organization prefix", func(t *testing.T) {
		env := setupChatTestRouter(t, storage.NewMemory())
		body, contentType := multipartBody(t)
		req, err := http.NewRequest("POST", "/api/v1/chat/attachments", body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+env.tc.Token)

		rr := serve(env.router, req)
		testutil.AssertStatus(t, rr, http.StatusCreated)
		var att chat.Attachment
		testutil.ParseJSONResponse(t, rr, &att)
		assert.True(t, strings.HasPrefix(att.Key, "orgs/"+env.tc.Org.ID.String()+"/chat/"))
		assert.True(t, strings.HasSuffix(att.Key, ".png"))
		assert.Equal(t, "image", att.MediaType)
		assert.NotEmpty(t, att.URL)
	})

	t.Run("disabled without storage", func(t *testing.T) {
		env := setupChatTestRouter(t, nil)
		body, contentType := multipartBody(t)
		req, err := http.NewRequest("POST", "/api/v1/chat/attachments", body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+env.tc.Token)

		rr := serve(env.router, req)
		testutil.AssertStatus(t, rr, http.StatusNotImplemented)
	})

	t.Run("file is required", func(t *testing.T) {
		env := setupChatTestRouter(t, storage.NewMemory())
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		require.NoError(t, mw.WriteField("note", "no file"))
		require.NoError(t, mw.Close())
		req, err := http.NewRequest("POST", "/api/v1/chat/attachments", buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+env.tc.Token)

		rr := serve(env.router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		var resp dto.ErrorResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Contains(t, resp.Details, "file")
	})
}
