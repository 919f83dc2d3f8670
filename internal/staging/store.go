// Package staging defines the short-lived key/value store that holds intent
// (pending registrations, one-time codes, job leases) before it is committed
// to durable storage or discarded.
//
// An expired key and a key that was never written are indistinguishable:
// both come back with ok == false. A backend that cannot be reached returns
// an error wrapping domain.ErrStorageUnavailable instead.
package staging

import (
	"context"
	"time"
)

// Store is implemented by the Redis, DynamoDB and in-memory backends.
// Expiry is enforced by the backend itself; callers never sweep.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// PutIfAbsent writes only when key is unset or expired.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeleteIfEqual atomically removes key when it currently holds value.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)
}

// Key prefixes for the entries the application stages.
const (
	prefixRegistration = "registration:pending:"
	prefixCode         = "otp:"
	prefixLease        = "job:lease:"
)

// RegistrationKey is where a pending signup for contact is parked.
func RegistrationKey(contact string) string { return prefixRegistration + contact }

// CodeKey is where the one-time code for (purpose, identifier) lives.
func CodeKey(purpose, identifier string) string { return prefixCode + purpose + ":" + identifier }

// LeaseKey guards a single execution of a job.
func LeaseKey(jobID string) string { return prefixLease + jobID }
