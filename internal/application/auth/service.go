// Package auth confirms phone numbers and recovers accounts with one-time codes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-chem-api/internal/application/otp"
	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/pkg/validate"
	"golang.org/x/crypto/bcrypt"
)

const (
	fieldPhoneConfirmed = "phone_confirmed"
	fieldPasswordHash   = "password_hash"
)

type PasswordRecoveryRequest struct {
	Identifier string `json:"identifier" validate:"required"`
}

// ResetPasswordRequest completes recovery: the code proves control of the
// contact and NewPassword replaces the old credential.
type ResetPasswordRequest struct {
	Identifier  string   `json:"identifier" validate:"required"`
	Code        otp.Code `json:"code" validate:"required"`
	NewPassword string   `json:"new_password" validate:"required,min=8,max=72"`
	DeviceUUID  *string  `json:"device_uuid"`
}

type ValidatePhoneRequest struct {
	Code otp.Code `json:"code" validate:"required"`
}

type Service interface {
	RequestPasswordRecovery(ctx context.Context, req PasswordRecoveryRequest) error
	ResetPassword(ctx context.Context, req ResetPasswordRequest) (*session.AuthResult, error)
	RequestPhoneConfirmation(ctx context.Context, userID string) error
	ValidatePhoneCode(ctx context.Context, userID string, req ValidatePhoneRequest) error
}

type userStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByPhone(ctx context.Context, phone string) (*domain.User, error)
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

type sessionStore interface {
	SoftDeleteByUser(ctx context.Context, userID string) error
}

type codeVerifier interface {
	Issue(ctx context.Context, identifier string) (string, error)
	Consume(ctx context.Context, identifier string, candidate otp.Code) (bool, error)
}

type sessionStarter interface {
	Start(ctx context.Context, u *domain.User, deviceUUID *string) (*session.AuthResult, error)
}

type ServiceDeps struct {
	UserRepo      userStore
	SessionRepo   sessionStore
	Sessions      sessionStarter
	PhoneCodes    codeVerifier
	RecoveryCodes codeVerifier
	ViaPhone      bool // recovery codes go to the phone instead of the email address
	HashCost      int
}

type service struct {
	userRepo      userStore
	sessionRepo   sessionStore
	sessions      sessionStarter
	phoneCodes    codeVerifier
	recoveryCodes codeVerifier
	viaPhone      bool
	hashCost      int
}

func NewService(deps ServiceDeps) Service {
	if deps.HashCost == 0 {
		deps.HashCost = bcrypt.DefaultCost
	}
	return &service{
		userRepo:      deps.UserRepo,
		sessionRepo:   deps.SessionRepo,
		sessions:      deps.Sessions,
		phoneCodes:    deps.PhoneCodes,
		recoveryCodes: deps.RecoveryCodes,
		viaPhone:      deps.ViaPhone,
		hashCost:      deps.HashCost,
	}
}

// RequestPasswordRecovery sends a recovery code when the identifier belongs
// to an account. Unknown identifiers succeed silently so the endpoint can't
// be used to probe for accounts.
func (s *service) RequestPasswordRecovery(ctx context.Context, req PasswordRecoveryRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	u, err := s.lookup(ctx, req.Identifier)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Info("password recovery requested for unknown account")
		return nil
	}
	if err != nil {
		return err
	}
	if !u.Enable {
		return nil
	}
	_, err = s.recoveryCodes.Issue(ctx, req.Identifier)
	return err
}

func (s *service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (*session.AuthResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	ok, err := s.recoveryCodes.Consume(ctx, req.Identifier, req.Code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInvalidOrExpiredCode
	}
	u, err := s.lookup(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.hashCost)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.Update(ctx, u.UserID, map[string]interface{}{fieldPasswordHash: string(hash)}); err != nil {
		return nil, err
	}
	if err := s.sessionRepo.SoftDeleteByUser(ctx, u.UserID); err != nil {
		slog.Warn("failed to disable sessions after password reset", "user_id", u.UserID, "err", err)
	}
	u.PasswordHash = string(hash)
	return s.sessions.Start(ctx, u, req.DeviceUUID)
}

func (s *service) lookup(ctx context.Context, identifier string) (*domain.User, error) {
	if s.viaPhone {
		return s.userRepo.GetByPhone(ctx, identifier)
	}
	return s.userRepo.GetByEmail(ctx, identifier)
}

func (s *service) RequestPhoneConfirmation(ctx context.Context, userID string) error {
	u, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.Phone == nil || *u.Phone == "" {
		return fmt.Errorf("no phone number on account: %w", domain.ErrValidation)
	}
	if u.PhoneConfirmed {
		return nil
	}
	_, err = s.phoneCodes.Issue(ctx, *u.Phone)
	return err
}

func (s *service) ValidatePhoneCode(ctx context.Context, userID string, req ValidatePhoneRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	u, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.Phone == nil || *u.Phone == "" {
		return fmt.Errorf("no phone number on account: %w", domain.ErrValidation)
	}
	ok, err := s.phoneCodes.Consume(ctx, *u.Phone, req.Code)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidOrExpiredCode
	}
	return s.userRepo.Update(ctx, userID, map[string]interface{}{fieldPhoneConfirmed: true})
}
