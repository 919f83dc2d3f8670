package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsULID(t *testing.T) {
	_, err := ulid.ParseStrict(New())
	require.NoError(t, err)
	assert.NotEqual(t, New(), New())
}

func TestNewToken_IsUUID(t *testing.T) {
	tok := NewToken()
	u, err := uuid.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
}
