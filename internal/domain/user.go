package domain

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	UserID         string    `json:"id" dynamodbav:"user_id"`
	Username       string    `json:"username" dynamodbav:"username"`
	Email          string    `json:"email" dynamodbav:"email"`
	Phone          *string   `json:"phone" dynamodbav:"phone"`
	PasswordHash   string    `json:"-" dynamodbav:"password_hash"`
	Role           string    `json:"role" dynamodbav:"role"`
	FirstName      string    `json:"first_name" dynamodbav:"first_name"`
	LastName       string    `json:"last_name" dynamodbav:"last_name"`
	Birthday       time.Time `json:"birthday" dynamodbav:"birthday"`
	EmailConfirmed bool      `json:"email_confirmed" dynamodbav:"email_confirmed"`
	PhoneConfirmed bool      `json:"phone_confirmed" dynamodbav:"phone_confirmed"`
	Enable         bool      `json:"enable" dynamodbav:"enable"`
	CreatedAt      time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updated" dynamodbav:"updated_at"`
}

// RegisterRequest is the first leg of the two-phase signup.
type RegisterRequest struct {
	Username             string  `json:"username" validate:"required,min=3,max=32"`
	Password             string  `json:"password" validate:"required,min=8,max=72"`
	PasswordConfirmation string  `json:"password_confirmation" validate:"required"`
	Email                string  `json:"email" validate:"required,email"`
	Phone                *string `json:"phone" validate:"omitempty,e164"`
	FirstName            string  `json:"first_name" validate:"required"`
	LastName             string  `json:"last_name" validate:"required"`
	Birthday             string  `json:"birthday"` // expected format: YYYY-MM-DD
}

// StagedRegistration is the candidate profile parked in the staging store
// until its verification code is confirmed. The credential is already hashed.
type StagedRegistration struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Phone        *string   `json:"phone,omitempty"`
	PasswordHash string    `json:"password_hash"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Birthday     time.Time `json:"birthday"`
	StagedAt     time.Time `json:"staged_at"`
}

// NewUser builds the durable user committed from a verified registration.
// The contact used for verification is marked confirmed.
func (s *StagedRegistration) NewUser(userID string, now time.Time, viaPhone bool) *User {
	return &User{
		UserID:         userID,
		Username:       s.Username,
		Email:          s.Email,
		Phone:          s.Phone,
		PasswordHash:   s.PasswordHash,
		Role:           RoleUser,
		FirstName:      s.FirstName,
		LastName:       s.LastName,
		Birthday:       s.Birthday,
		PhoneConfirmed: viaPhone,
		EmailConfirmed: !viaPhone,
		Enable:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
