package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/pkg/validate"
	"golang.org/x/crypto/bcrypt"
)

// DynamoDB attribute names used in partial update maps.
const (
	fieldPhone          = "phone"
	fieldPhoneConfirmed = "phone_confirmed"
	fieldFirstName      = "first_name"
	fieldLastName       = "last_name"
	fieldBirthday       = "birthday"
	fieldPasswordHash   = "password_hash"
)

// UpdateProfileRequest changes the mutable profile fields. Username and email
// are guarded by uniqueness keys and can't be changed here.
type UpdateProfileRequest struct {
	Phone     *string `json:"phone" validate:"omitempty,e164"`
	FirstName *string `json:"first_name" validate:"omitempty,min=1"`
	LastName  *string `json:"last_name" validate:"omitempty,min=1"`
	Birthday  *string `json:"birthday"` // expected format: YYYY-MM-DD
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

type Service interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	Update(ctx context.Context, userID string, req UpdateProfileRequest) (*domain.User, error)
	ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest) error
}

type userStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

type sessionStore interface {
	SoftDeleteByUser(ctx context.Context, userID string) error
}

type service struct {
	repo        userStore
	sessionRepo sessionStore
	hashCost    int
}

type ServiceDeps struct {
	UserRepo    userStore
	SessionRepo sessionStore
	HashCost    int
}

func NewService(deps ServiceDeps) Service {
	if deps.HashCost == 0 {
		deps.HashCost = bcrypt.DefaultCost
	}
	return &service{
		repo:        deps.UserRepo,
		sessionRepo: deps.SessionRepo,
		hashCost:    deps.HashCost,
	}
}

func (s *service) Get(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.Get(ctx, userID)
}

func (s *service) Update(ctx context.Context, userID string, req UpdateProfileRequest) (*domain.User, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if req.Phone != nil {
		updates[fieldPhone] = *req.Phone
		updates[fieldPhoneConfirmed] = false
	}
	if req.FirstName != nil {
		updates[fieldFirstName] = *req.FirstName
	}
	if req.LastName != nil {
		updates[fieldLastName] = *req.LastName
	}
	if req.Birthday != nil {
		t, err := time.Parse("2006-01-02", *req.Birthday)
		if err != nil {
			return nil, fmt.Errorf("birthday must be in YYYY-MM-DD format: %w", domain.ErrValidation)
		}
		updates[fieldBirthday] = t
	}
	if len(updates) == 0 {
		return s.repo.Get(ctx, userID)
	}
	if err := s.repo.Update(ctx, userID, updates); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, userID)
}

// ChangePassword replaces the credential and signs out every session of the
// user, including the caller's.
func (s *service) ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	u, err := s.repo.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return fmt.Errorf("current password is incorrect: %w", domain.ErrUnauthorized)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.hashCost)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, userID, map[string]interface{}{fieldPasswordHash: string(hash)}); err != nil {
		return err
	}
	if err := s.sessionRepo.SoftDeleteByUser(ctx, userID); err != nil {
		slog.Warn("failed to disable sessions after password change", "user_id", userID, "err", err)
	}
	return nil
}
