package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user is inactive")
)

type Service struct {
	db  *gorm.DB
	jwt *JWTService
}

func NewService(db *gorm.DB, jwt *JWTService) *Service {
	return &Service{db: db, jwt: jwt}
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	OrgName   string // defaults to "<first name>'s Team"
}

type LoginInput struct {
	Email    string
	Password string
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an organization and its first user, a superadmin.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResponse, error) {
	email := normalizeEmail(input.Email)

	var existing models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	if input.OrgName == "" {
		input.OrgName = input.FirstName + "'s Team"
	}
	slug, err := generateSlug(input.OrgName)
	if err != nil {
		return nil, err
	}
	org := models.Organization{Name: input.OrgName, Slug: slug}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		user = models.User{
			Email:          email,
			PasswordHash:   hash,
			FirstName:      input.FirstName,
			LastName:       input.LastName,
			OrganizationID: org.ID,
			Role:           models.RoleSuperadmin,
			IsActive:       true,
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := s.jwt.GenerateToken(user.ID, org.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	user.Organization = &org

	return &AuthResponse{Token: token, User: &user}, nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (*AuthResponse, error) {
	var user models.User
	if err := s.db.WithContext(ctx).
		Preload("Organization").
		Where("email = ?", normalizeEmail(input.Email)).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !CheckPassword(input.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}

	token, err := s.jwt.GenerateToken(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: &user}, nil
}

func (s *Service) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).
		Preload("Organization").
		First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// generateSlug lowercases the name and appends a random suffix for
// uniqueness.
func generateSlug(name string) (string, error) {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "org"
	}
	suffix, err := crypto.RandomToken(4)
	if err != nil {
		return "", err
	}
	return slug + "-" + strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(suffix)), nil
}
