// Package registration implements signup in two steps: Begin parks the
// profile and sends a code, Complete commits the profile once the code is
// confirmed.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chem-api/internal/application/otp"
	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/pkg/id"
	"github.com/go-chem-api/internal/pkg/validate"
	"github.com/go-chem-api/internal/staging"
	"golang.org/x/crypto/bcrypt"
)

type CompleteRequest struct {
	Identifier string   `json:"identifier" validate:"required"`
	Code       otp.Code `json:"code" validate:"required"`
	DeviceUUID *string  `json:"device_uuid"`
}

type BeginResult struct {
	Identifier string `json:"identifier"`
	Channel    string `json:"channel"`
	ExpiresIn  int    `json:"expires_in"`
}

// Complete returns an AuthResult without a Bearer when the account was
// created but no session could be started.
type Service interface {
	Begin(ctx context.Context, req domain.RegisterRequest) (*BeginResult, error)
	Complete(ctx context.Context, req CompleteRequest) (*session.AuthResult, error)
}

type userStore interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
}

type codeVerifier interface {
	Issue(ctx context.Context, identifier string) (string, error)
	Consume(ctx context.Context, identifier string, candidate otp.Code) (bool, error)
	Restore(ctx context.Context, identifier string, code otp.Code) error
}

type sessionStarter interface {
	Start(ctx context.Context, u *domain.User, deviceUUID *string) (*session.AuthResult, error)
}

type ServiceDeps struct {
	UserRepo userStore
	Staging  staging.Store
	Codes    codeVerifier
	Sessions sessionStarter
	ViaPhone bool // verify the phone number instead of the email address
	StageTTL time.Duration
	HashCost int
}

type service struct {
	users    userStore
	staging  staging.Store
	codes    codeVerifier
	sessions sessionStarter
	viaPhone bool
	ttl      time.Duration
	hashCost int
	now      func() time.Time
}

func NewService(deps ServiceDeps) Service {
	if deps.StageTTL <= 0 {
		deps.StageTTL = 300 * time.Second
	}
	if deps.HashCost == 0 {
		deps.HashCost = bcrypt.DefaultCost
	}
	return &service{
		users:    deps.UserRepo,
		staging:  deps.Staging,
		codes:    deps.Codes,
		sessions: deps.Sessions,
		viaPhone: deps.ViaPhone,
		ttl:      deps.StageTTL,
		hashCost: deps.HashCost,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Begin(ctx context.Context, req domain.RegisterRequest) (*BeginResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Password != req.PasswordConfirmation {
		return nil, fmt.Errorf("password confirmation does not match: %w", domain.ErrValidation)
	}
	contact, channel := req.Email, "email"
	if s.viaPhone {
		if req.Phone == nil || *req.Phone == "" {
			return nil, fmt.Errorf("phone is required: %w", domain.ErrValidation)
		}
		contact, channel = *req.Phone, "sms"
	}
	var birthday time.Time
	if req.Birthday != "" {
		var err error
		birthday, err = time.Parse("2006-01-02", req.Birthday)
		if err != nil {
			return nil, fmt.Errorf("birthday must be in YYYY-MM-DD format: %w", domain.ErrValidation)
		}
	}

	if err := s.checkFree(ctx, "username", req.Username, s.users.GetByUsername); err != nil {
		return nil, err
	}
	if err := s.checkFree(ctx, "email", req.Email, s.users.GetByEmail); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, err
	}
	staged, err := json.Marshal(domain.StagedRegistration{
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		Phone:        req.Phone,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Birthday:     birthday,
		StagedAt:     s.now(),
	})
	if err != nil {
		return nil, err
	}
	// A newer Begin for the same contact replaces both the profile and the code.
	if err := s.staging.Put(ctx, staging.RegistrationKey(contact), staged, s.ttl); err != nil {
		return nil, fmt.Errorf("stage registration: %w", err)
	}
	if _, err := s.codes.Issue(ctx, contact); err != nil {
		return nil, err
	}
	return &BeginResult{Identifier: contact, Channel: channel, ExpiresIn: int(s.ttl.Seconds())}, nil
}

func (s *service) checkFree(ctx context.Context, field, value string, lookup func(context.Context, string) (*domain.User, error)) error {
	_, err := lookup(ctx, value)
	switch {
	case err == nil:
		return &domain.ConflictError{Field: field}
	case errors.Is(err, domain.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *service) Complete(ctx context.Context, req CompleteRequest) (*session.AuthResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	ok, err := s.codes.Consume(ctx, req.Identifier, req.Code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInvalidOrExpiredCode
	}

	regKey := staging.RegistrationKey(req.Identifier)
	raw, ok, err := s.staging.Get(ctx, regKey)
	if err != nil {
		s.restoreCode(ctx, req)
		return nil, err
	}
	if !ok {
		return nil, domain.ErrSessionExpired
	}
	var staged domain.StagedRegistration
	if err := json.Unmarshal(raw, &staged); err != nil {
		return nil, fmt.Errorf("decode staged registration: %w", err)
	}

	u := staged.NewUser(id.New(), s.now(), s.viaPhone)
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			s.restoreCode(ctx, req)
		}
		return nil, err
	}

	if err := s.staging.Delete(ctx, regKey); err != nil {
		slog.Warn("failed to delete staged registration", "key", regKey, "user_id", u.UserID, "err", err)
	}
	res, err := s.sessions.Start(ctx, u, req.DeviceUUID)
	if err != nil {
		// The account exists now; the caller can still log in normally.
		slog.Warn("registration committed without a session", "user_id", u.UserID, "err", err)
		return &session.AuthResult{}, nil
	}
	return res, nil
}

// restoreCode re-stages a consumed code so the caller can retry after a
// storage failure that happened before anything was committed.
func (s *service) restoreCode(ctx context.Context, req CompleteRequest) {
	if err := s.codes.Restore(ctx, req.Identifier, req.Code); err != nil {
		slog.Warn("failed to restore verification code", "identifier", req.Identifier, "err", err)
	}
}
