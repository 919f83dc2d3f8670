package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// SafeUser is the user as returned to clients. The password hash never leaves the service.
type SafeUser struct {
	UserID         string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Phone          *string   `json:"phone"`
	Role           string    `json:"role"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Birthday       string    `json:"birthday"`
	EmailConfirmed bool      `json:"email_confirmed"`
	PhoneConfirmed bool      `json:"phone_confirmed"`
	CreatedAt      time.Time `json:"created"`
}

// PublicUser is what other users get to see.
type PublicUser struct {
	UserID    string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type SafeSession struct {
	SessionID string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created"`
}

// AuthEnvelope wraps login, register and refresh responses.
type AuthEnvelope struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	Session      *SafeSession `json:"session,omitempty"`
	User         *SafeUser    `json:"user,omitempty"`
}

// SessionEnvelope wraps current-session responses.
type SessionEnvelope struct {
	Session *SafeSession `json:"session"`
	User    *SafeUser    `json:"user,omitempty"`
}

// JobEnvelope is a prediction job as returned to its owner.
type JobEnvelope struct {
	JobID       string          `json:"id"`
	Token       string          `json:"token"`
	DomainKey   string          `json:"domain_key"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ResultURL   *string         `json:"result_url,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created"`
	UpdatedAt   time.Time       `json:"updated"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type JobListEnvelope struct {
	Data  []JobEnvelope `json:"data"`
	Count int           `json:"count"`
}

func toSafeUser(u *domain.User) *SafeUser {
	if u == nil {
		return nil
	}
	return &SafeUser{
		UserID:         u.UserID,
		Username:       u.Username,
		Email:          u.Email,
		Phone:          u.Phone,
		Role:           u.Role,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Birthday:       u.Birthday.Format("2006-01-02"),
		EmailConfirmed: u.EmailConfirmed,
		PhoneConfirmed: u.PhoneConfirmed,
		CreatedAt:      u.CreatedAt,
	}
}

func toPublicUser(u *domain.User) *PublicUser {
	return &PublicUser{UserID: u.UserID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

func toSafeSession(s *domain.Session) *SafeSession {
	if s == nil {
		return nil
	}
	return &SafeSession{SessionID: s.SessionID, UserID: s.UserID, DeviceID: s.DeviceID, CreatedAt: s.CreatedAt}
}

func toAuthEnvelope(res *session.AuthResult) AuthEnvelope {
	env := AuthEnvelope{AccessToken: res.Bearer, RefreshToken: res.RefreshToken}
	if res.Session != nil {
		env.Session = toSafeSession(res.Session)
		env.User = toSafeUser(res.Session.User)
	}
	return env
}

func toJobEnvelope(j *domain.Job) JobEnvelope {
	return JobEnvelope{
		JobID:       j.JobID,
		Token:       j.Token,
		DomainKey:   j.DomainKey,
		Status:      string(j.Status),
		Result:      j.Result,
		ResultURL:   j.ResultURL,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

var kindStatus = map[domain.Kind]int{
	domain.KindValidation:           http.StatusUnprocessableEntity,
	domain.KindConflict:             http.StatusConflict,
	domain.KindInvalidOrExpiredCode: http.StatusBadRequest,
	domain.KindSessionExpired:       http.StatusGone,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindUnauthorized:         http.StatusUnauthorized,
	domain.KindForbidden:            http.StatusForbidden,
	domain.KindInvalidTransition:    http.StatusConflict,
	domain.KindStorageUnavailable:   http.StatusServiceUnavailable,
	domain.KindUpstream:             http.StatusBadGateway,
}

// dependencyText is the only text a dependency failure puts on the wire.
var dependencyText = map[domain.Kind]string{
	domain.KindStorageUnavailable: domain.ErrStorageUnavailable.Error(),
	domain.KindUpstream:           domain.ErrUpstream.Error(),
}

// httpError maps a service error to its status code. Internal and dependency
// errors are logged and reported without detail.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		slog.ErrorContext(r.Context(), "unhandled error", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, MessageEnvelope{Error: "internal error", Kind: string(domain.KindInternal)})
		return
	}
	if status >= http.StatusInternalServerError {
		slog.WarnContext(r.Context(), "dependency failure", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, status, MessageEnvelope{Error: dependencyText[kind], Kind: string(kind)})
		return
	}
	writeJSON(w, status, MessageEnvelope{Error: err.Error(), Kind: string(kind)})
}
