package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database/models"
)

// Authenticator defines the user authentication operations.
type Authenticator interface {
	Register(ctx context.Context, input RegisterInput) (*AuthResponse, error)
	Login(ctx context.Context, input LoginInput) (*AuthResponse, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TokenService defines the JWT operations.
type TokenService interface {
	GenerateToken(userID, orgID uuid.UUID, email string, role models.Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

var (
	_ Authenticator = (*Service)(nil)
	_ TokenService  = (*JWTService)(nil)
)
