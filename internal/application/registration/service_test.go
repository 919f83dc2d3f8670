package registration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chem-api/internal/application/otp"
	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- fakes ---

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (b *inbox) Deliver(_ context.Context, destination, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.codes == nil {
		b.codes = map[string]string{}
	}
	b.codes[destination] = code
	return nil
}

func (b *inbox) last(destination string) otp.Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	return otp.Code(b.codes[destination])
}

type fakeUsers struct {
	mu        sync.Mutex
	byName    map[string]*domain.User
	byEmail   map[string]*domain.User
	createErr error
	created   int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: map[string]*domain.User{}, byEmail: map[string]*domain.User{}}
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byName[strings.ToLower(username)]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byEmail[strings.ToLower(email)]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeUsers) Create(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.byName[strings.ToLower(u.Username)]; ok {
		return &domain.ConflictError{Field: "username"}
	}
	if _, ok := f.byEmail[strings.ToLower(u.Email)]; ok {
		return &domain.ConflictError{Field: "email"}
	}
	f.byName[strings.ToLower(u.Username)] = u
	f.byEmail[strings.ToLower(u.Email)] = u
	f.created++
	return nil
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) Start(ctx context.Context, u *domain.User, deviceUUID *string) (*session.AuthResult, error) {
	args := m.Called(ctx, u, deviceUUID)
	if r, _ := args.Get(0).(*session.AuthResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- helpers ---

type fixture struct {
	svc      *service
	users    *fakeUsers
	store    *staging.MemoryStore
	inbox    *inbox
	sessions *mockSessions
	clock    *clock
}

func newFixture(viaPhone bool) *fixture {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := staging.NewMemoryStoreWithClock(clk.Now)
	box := &inbox{}
	users := newFakeUsers()
	sessions := &mockSessions{}
	sessions.On("Start", mock.Anything, mock.Anything, mock.Anything).
		Return(&session.AuthResult{Bearer: "bearer", RefreshToken: "refresh", Session: &domain.Session{SessionID: "s1"}}, nil).
		Maybe()

	svc := NewService(ServiceDeps{
		UserRepo: users,
		Staging:  store,
		Codes:    otp.NewVerifier(store, box, otp.Options{Purpose: otp.PurposeSignup}),
		Sessions: sessions,
		ViaPhone: viaPhone,
		HashCost: bcrypt.MinCost,
	}).(*service)
	svc.now = clk.Now
	return &fixture{svc: svc, users: users, store: store, inbox: box, sessions: sessions, clock: clk}
}

func strPtr(s string) *string { return &s }

func aliceRequest() domain.RegisterRequest {
	return domain.RegisterRequest{
		Username:             "alice",
		Password:             "correct-horse",
		PasswordConfirmation: "correct-horse",
		Email:                "alice@example.com",
		Phone:                strPtr("+15551234567"),
		FirstName:            "Alice",
		LastName:             "Liddell",
		Birthday:             "1990-05-04",
	}
}

// --- Begin ---

func TestBegin_StagesProfileAndSendsCode(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()

	res, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", res.Identifier)
	assert.Equal(t, "sms", res.Channel)
	assert.Equal(t, 300, res.ExpiresIn)

	raw, ok, err := f.store.Get(ctx, staging.RegistrationKey("+15551234567"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "correct-horse")
	assert.Len(t, string(f.inbox.last("+15551234567")), 6)
	assert.Zero(t, f.users.created)
}

func TestBegin_EmailChannel(t *testing.T) {
	f := newFixture(false)
	req := aliceRequest()
	req.Phone = nil

	res, err := f.svc.Begin(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", res.Identifier)
	assert.Equal(t, "email", res.Channel)
	assert.NotEmpty(t, f.inbox.last("alice@example.com"))
}

func TestBegin_PhoneRequiredForSMS(t *testing.T) {
	f := newFixture(true)
	req := aliceRequest()
	req.Phone = nil

	_, err := f.svc.Begin(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestBegin_PasswordMismatch(t *testing.T) {
	f := newFixture(true)
	req := aliceRequest()
	req.PasswordConfirmation = "something-else"

	_, err := f.svc.Begin(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Empty(t, f.inbox.last("+15551234567"))
}

func TestBegin_InvalidBirthday(t *testing.T) {
	f := newFixture(true)
	req := aliceRequest()
	req.Birthday = "04/05/1990"

	_, err := f.svc.Begin(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestBegin_UsernameTaken(t *testing.T) {
	f := newFixture(true)
	require.NoError(t, f.users.Create(context.Background(), &domain.User{UserID: "u0", Username: "alice", Email: "other@example.com"}))

	_, err := f.svc.Begin(context.Background(), aliceRequest())
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "username", ce.Field)
}

func TestBegin_EmailTaken(t *testing.T) {
	f := newFixture(true)
	require.NoError(t, f.users.Create(context.Background(), &domain.User{UserID: "u0", Username: "bob", Email: "alice@example.com"}))

	_, err := f.svc.Begin(context.Background(), aliceRequest())
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "email", ce.Field)
}

func TestBegin_DeliveryFailure(t *testing.T) {
	f := newFixture(true)
	f.inbox.err = errors.New("sns throttled")

	_, err := f.svc.Begin(context.Background(), aliceRequest())
	assert.True(t, errors.Is(err, domain.ErrUpstream))
}

// --- Complete ---

func TestComplete_CommitsVerifiedProfile(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)

	res, err := f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: f.inbox.last("+15551234567")})
	require.NoError(t, err)
	assert.Equal(t, "bearer", res.Bearer)

	u, err := f.users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.PhoneConfirmed)
	assert.False(t, u.EmailConfirmed)
	assert.True(t, u.Enable)
	assert.Equal(t, domain.RoleUser, u.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("correct-horse")))
	assert.Equal(t, time.Date(1990, 5, 4, 0, 0, 0, 0, time.UTC), u.Birthday)

	_, ok, err := f.store.Get(ctx, staging.RegistrationKey("+15551234567"))
	require.NoError(t, err)
	assert.False(t, ok, "staged profile removed after commit")
	f.sessions.AssertNumberOfCalls(t, "Start", 1)
}

func TestComplete_WrongCode(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)

	good := f.inbox.last("+15551234567")
	bad := otp.Code("000000")
	if good == bad {
		bad = "000001"
	}
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: bad})
	assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode))
	assert.Zero(t, f.users.created)

	// A wrong guess does not burn the real code.
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: good})
	assert.NoError(t, err)
}

func TestComplete_CodeExpired(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: f.inbox.last("+15551234567")})
	assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode))
	assert.Zero(t, f.users.created)
}

func TestComplete_StagedProfileLapsed(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, staging.RegistrationKey("+15551234567")))

	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: f.inbox.last("+15551234567")})
	assert.True(t, errors.Is(err, domain.ErrSessionExpired))
	assert.Zero(t, f.users.created)
}

func TestComplete_CodeIsSingleUse(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	code := f.inbox.last("+15551234567")

	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode))
	assert.Equal(t, 1, f.users.created)
}

func TestComplete_ConcurrentCallersCreateOneUser(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	code := f.inbox.last("+15551234567")

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode), err)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.users.created)
}

func TestComplete_SecondBeginInvalidatesFirstCode(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	first := f.inbox.last("+15551234567")

	req := aliceRequest()
	req.FirstName = "Alicia"
	_, err = f.svc.Begin(ctx, req)
	require.NoError(t, err)
	second := f.inbox.last("+15551234567")

	if first != second {
		_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: first})
		assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode))
	}
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: second})
	require.NoError(t, err)

	u, err := f.users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", u.FirstName)
}

func TestComplete_StorageFailureRestoresCode(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	code := f.inbox.last("+15551234567")

	f.users.createErr = domain.Unavailable("transact write", errors.New("connection reset"))
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))

	f.users.createErr = nil
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	assert.NoError(t, err)
	assert.Equal(t, 1, f.users.created)
}

func TestComplete_ConflictAtCommit(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)

	// Someone else took the username between Begin and Complete.
	require.NoError(t, f.users.Create(ctx, &domain.User{UserID: "u0", Username: "alice", Email: "x@example.com"}))
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: f.inbox.last("+15551234567")})
	assert.True(t, errors.Is(err, domain.ErrConflict))
	f.sessions.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_SessionFailureStillCommits(t *testing.T) {
	f := newFixture(true)
	f.sessions.ExpectedCalls = nil
	f.sessions.On("Start", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.Unavailable("put session", errors.New("throttled")))
	ctx := context.Background()
	_, err := f.svc.Begin(ctx, aliceRequest())
	require.NoError(t, err)
	code := f.inbox.last("+15551234567")

	res, err := f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	require.NoError(t, err)
	assert.Empty(t, res.Bearer)
	assert.Nil(t, res.Session)
	assert.Equal(t, 1, f.users.created)

	// Retrying cannot create a second account.
	_, err = f.svc.Complete(ctx, CompleteRequest{Identifier: "+15551234567", Code: code})
	assert.True(t, errors.Is(err, domain.ErrInvalidOrExpiredCode))
	assert.Equal(t, 1, f.users.created)
}

func TestComplete_MissingFields(t *testing.T) {
	f := newFixture(true)
	_, err := f.svc.Complete(context.Background(), CompleteRequest{Identifier: "+15551234567"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
