package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator(t *testing.T) {
	opts := DefaultOptions([]byte("unit-test-secret"))
	opts.Issuer = "ppchat"
	auth, err := NewJWTAuthenticator(opts)
	require.NoError(t, err)

	token, exp, err := Generate(opts, "user-a")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	userID, err := auth.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", userID)

	t.Run("wrong secret", func(t *testing.T) {
		other := DefaultOptions([]byte("other-secret"))
		other.Issuer = "ppchat"
		forged, _, err := Generate(other, "user-a")
		require.NoError(t, err)
		_, err = auth.Authenticate(context.Background(), forged)
		assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		o := opts
		o.Issuer = "someone-else"
		tok, _, err := Generate(o, "user-a")
		require.NoError(t, err)
		_, err = auth.Authenticate(context.Background(), tok)
		assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		o := opts
		o.TTL = -time.Minute
		tok, _, err := Generate(o, "user-a")
		require.NoError(t, err)
		_, err = auth.Authenticate(context.Background(), tok)
		assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := auth.Authenticate(context.Background(), "  ")
		assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	})
}

func TestNewJWTAuthenticatorValidation(t *testing.T) {
	_, err := NewJWTAuthenticator(Options{Alg: "RS256", Secret: []byte("x")})
	assert.Error(t, err)
	_, err = NewJWTAuthenticator(Options{Alg: "HS256"})
	assert.Error(t, err)
}
