// Package otp issues and checks six-digit one-time codes held in the
// staging store.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/staging"
)

// Purposes partition the code namespace so a signup code can't confirm a phone.
const (
	PurposeSignup   = "signup"
	PurposePhone    = "phone"
	PurposeRecovery = "recovery"
)

const (
	minCode = 100000
	maxCode = 999999
)

// Channel delivers a code to a phone number or mailbox.
type Channel interface {
	Deliver(ctx context.Context, destination, code string) error
}

// Verifier binds one purpose to a staging store and delivery channel.
type Verifier struct {
	store           staging.Store
	channel         Channel
	purpose         string
	ttl             time.Duration
	deliveryTimeout time.Duration
}

type Options struct {
	Purpose         string
	TTL             time.Duration
	DeliveryTimeout time.Duration
}

func NewVerifier(store staging.Store, channel Channel, opts Options) *Verifier {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	return &Verifier{
		store:           store,
		channel:         channel,
		purpose:         opts.Purpose,
		ttl:             opts.TTL,
		deliveryTimeout: opts.DeliveryTimeout,
	}
}

// Issue stores a fresh code for identifier, replacing any earlier one, and
// sends it. A failed send leaves the code staged.
func (v *Verifier) Issue(ctx context.Context, identifier string) (string, error) {
	code, err := generate()
	if err != nil {
		return "", err
	}
	if err := v.store.Put(ctx, v.key(identifier), []byte(code), v.ttl); err != nil {
		return "", fmt.Errorf("stage code: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, v.deliveryTimeout)
	defer cancel()
	if err := v.channel.Deliver(dctx, identifier, code); err != nil {
		return "", fmt.Errorf("deliver code: %w: %w", domain.ErrUpstream, err)
	}
	return code, nil
}

// Verify reports whether candidate matches the live code without using it up.
func (v *Verifier) Verify(ctx context.Context, identifier string, candidate Code) (bool, error) {
	stored, ok, err := v.store.Get(ctx, v.key(identifier))
	if err != nil || !ok {
		return false, err
	}
	return string(stored) == candidate.String(), nil
}

// Consume checks and removes the code in one step. Of several concurrent
// callers with the right code exactly one sees true.
func (v *Verifier) Consume(ctx context.Context, identifier string, candidate Code) (bool, error) {
	if candidate == "" {
		return false, nil
	}
	return v.store.DeleteIfEqual(ctx, v.key(identifier), []byte(candidate.String()))
}

// Restore puts a consumed code back, for callers whose follow-up step failed.
func (v *Verifier) Restore(ctx context.Context, identifier string, code Code) error {
	return v.store.Put(ctx, v.key(identifier), []byte(code.String()), v.ttl)
}

func (v *Verifier) key(identifier string) string {
	return staging.CodeKey(v.purpose, identifier)
}

func generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+minCode), nil
}
