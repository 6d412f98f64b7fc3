package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/internal/models"
)

func TestCheckWithoutSecretAcceptsAnything(t *testing.T) {
	a := New("", time.Hour)
	assert.False(t, a.Enabled())

	claims, err := a.Check("")
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func TestCheckSharedSecret(t *testing.T) {
	a := New("s3cr3t", time.Hour)

	_, err := a.Check("s3cr3t")
	require.NoError(t, err)

	_, err = a.Check("wrong")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))

	_, err = a.Check("")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))

	// Exact match only
	_, err = a.Check("s3cr3t ")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestIssueAndCheckToken(t *testing.T) {
	a := New("s3cr3t", time.Hour)

	token, expires, err := a.Issue("device_a", "desktop")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := a.Check(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "device_a", claims.DeviceID)
	assert.Equal(t, "desktop", claims.ClientType)
}

func TestTokenSignedWithOtherSecretIsRejected(t *testing.T) {
	token, _, err := New("other", time.Hour).Issue("device_a", "web")
	require.NoError(t, err)

	_, err = New("s3cr3t", time.Hour).Check(token)
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestExpiredTokenIsRejected(t *testing.T) {
	a := New("s3cr3t", time.Minute)
	token, _, err := a.Issue("device_a", "web")
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = a.Parse(token)
	assert.Error(t, err)
}
