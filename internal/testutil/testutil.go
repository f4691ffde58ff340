package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/access"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

const TestPassword = "testpassword123"

// SetupTestDB creates an in-memory SQLite database with every table migrated.
// The pool is pinned to one connection: each new connection to :memory:
// would otherwise see an empty database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func CreateTestOrg(t *testing.T, db *gorm.DB) *models.Organization {
	t.Helper()

	org := &models.Organization{
		Name: "Test Organization",
		Slug: "test-org-" + uuid.New().String()[:8],
	}
	if err := db.Create(org).Error; err != nil {
		t.Fatalf("failed to create test organization: %v", err)
	}
	return org
}

func CreateTestUser(t *testing.T, db *gorm.DB, org *models.Organization, role models.Role) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(TestPassword)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &models.User{
		Email:          "test-" + uuid.New().String()[:8] + "@example.com",
		PasswordHash:   hash,
		FirstName:      "Test",
		LastName:       string(role),
		OrganizationID: org.ID,
		Role:           role,
		IsActive:       true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	user.Organization = org
	return user
}

func CreateTestJWTService() *auth.JWTService {
	return auth.NewJWTService("test-secret-key-for-testing", 24*time.Hour)
}

func GenerateTestToken(t *testing.T, jwtService *auth.JWTService, user *models.User) string {
	t.Helper()

	token, err := jwtService.GenerateToken(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

func CreateTestContact(t *testing.T, db *gorm.DB, orgID uuid.UUID, firstName string) *models.Contact {
	t.Helper()

	c := &models.Contact{
		OrganizationID: orgID,
		FirstName:      firstName,
		LastName:       "Doe",
		Phone:          "+5511" + uuid.New().String()[:8],
		Email:          firstName + "-" + uuid.New().String()[:6] + "@example.com",
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("failed to create test contact: %v", err)
	}
	return c
}

// CreateTestFunnel creates a funnel whose stages take positions 0..n-1 in
// the order given.
func CreateTestFunnel(t *testing.T, db *gorm.DB, orgID uuid.UUID, name string, stages ...string) *models.Funnel {
	t.Helper()

	f := &models.Funnel{OrganizationID: orgID, Name: name}
	if err := db.Omit("Stages").Create(f).Error; err != nil {
		t.Fatalf("failed to create test funnel: %v", err)
	}
	for i, s := range stages {
		st := models.FunnelStage{FunnelID: f.ID, Name: s, Position: i}
		if err := db.Create(&st).Error; err != nil {
			t.Fatalf("failed to create test stage: %v", err)
		}
		f.Stages = append(f.Stages, st)
	}
	return f
}

func PlaceTestContact(t *testing.T, db *gorm.DB, f *models.Funnel, stage models.FunnelStage, contact *models.Contact, position int) *models.FunnelContact {
	t.Helper()

	fc := &models.FunnelContact{
		OrganizationID: f.OrganizationID,
		FunnelID:       f.ID,
		ContactID:      contact.ID,
		StageID:        stage.ID,
		Position:       position,
	}
	if err := db.Omit("Contact").Create(fc).Error; err != nil {
		t.Fatalf("failed to place test contact: %v", err)
	}
	return fc
}

// CreateTestNotification targets userID, or the whole organization when nil.
func CreateTestNotification(t *testing.T, db *gorm.DB, orgID uuid.UUID, userID *uuid.UUID, title string, read bool) *models.Notification {
	t.Helper()

	n := &models.Notification{
		OrganizationID: orgID,
		UserID:         userID,
		Type:           models.NotificationAppointmentCreated,
		Title:          title,
		Message:        title + " message",
		IsRead:         read,
	}
	if read {
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	if err := db.Create(n).Error; err != nil {
		t.Fatalf("failed to create test notification: %v", err)
	}
	return n
}

// AuthenticatedRequest creates an HTTP request with a bearer token
func AuthenticatedRequest(t *testing.T, method, path string, body interface{}, token string) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func UnauthenticatedRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	return AuthenticatedRequest(t, method, path, body, "")
}

func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, rr.Code, rr.Body.String())
	}
}

func ParseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response body: %v. Body: %s", err, rr.Body.String())
	}
}

func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestSetup holds the common test dependencies. User is the organization's
// superadmin.
type TestSetup struct {
	DB         *gorm.DB
	JWTService *auth.JWTService
	Users      *auth.Service
	Org        *models.Organization
	User       *models.User
	Token      string
}

func NewTestContext(t *testing.T) *TestSetup {
	t.Helper()

	db := SetupTestDB(t)
	jwtService := CreateTestJWTService()
	org := CreateTestOrg(t, db)
	user := CreateTestUser(t, db, org, models.RoleSuperadmin)

	return &TestSetup{
		DB:         db,
		JWTService: jwtService,
		Users:      auth.NewService(db, jwtService),
		Org:        org,
		User:       user,
		Token:      GenerateTestToken(t, jwtService, user),
	}
}

// AddUser creates another user in the setup's organization and returns it
// with a token.
func (ts *TestSetup) AddUser(t *testing.T, role models.Role) (*models.User, string) {
	t.Helper()
	u := CreateTestUser(t, ts.DB, ts.Org, role)
	return u, GenerateTestToken(t, ts.JWTService, u)
}

func (ts *TestSetup) Viewer() access.Viewer {
	return access.ViewerOf(ts.User)
}
