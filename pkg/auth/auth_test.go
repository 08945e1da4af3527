package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newProvider(now func() time.Time) *Provider {
	return NewProvider(NewHasher(bcrypt.MinCost), WithClock(now), WithTokenTTL(time.Hour))
}

func TestNewHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost)
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost)
	assert.Equal(t, 12, NewHasher(12).Cost)
}

func TestRegisterLoginVerifyLogout(t *testing.T) {
	ctx := context.Background()
	p := newProvider(time.Now)

	u, err := p.Register(ctx, " Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEmpty(t, u.ID)

	tok, err := p.Login(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, tok.UserID)

	got, err := p.Verify(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	require.NoError(t, p.Logout(ctx, tok.Value))
	_, err = p.Verify(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Logging out twice is fine.
	assert.NoError(t, p.Logout(ctx, tok.Value))
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	p := newProvider(time.Now)

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"bad email", "not-an-email", "long enough", ErrInvalidEmail},
		{"short password", "bob@example.com", "short", ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Register(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := p.Register(ctx, "bob@example.com", "long enough")
	require.NoError(t, err)
	_, err = p.Register(ctx, "BOB@example.com", "another one")
	assert.ErrorIs(t, err, ErrEmailAlreadyRegistered)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	p := newProvider(time.Now)
	_, err := p.Register(ctx, "carol@example.com", "password123")
	require.NoError(t, err)

	_, err = p.Login(ctx, "carol@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Login(ctx, "nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerify_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newProvider(func() time.Time { return now })

	_, err := p.Register(ctx, "dave@example.com", "password123")
	require.NoError(t, err)
	tok, err := p.Login(ctx, "dave@example.com", "password123")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = p.Verify(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
