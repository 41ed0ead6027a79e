package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", "cipherchat")
	tok, err := v.Sign(Identity{UserID: "u1", DisplayName: "Ann", Email: "ann@example.com", PhotoURL: "https://img/ann"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", DisplayName: "Ann", Email: "ann@example.com", PhotoURL: "https://img/ann"}, id)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret", "cipherchat")

	expired, _ := v.Sign(Identity{UserID: "u1"}, -time.Minute)
	otherSecret, _ := NewVerifier("other", "cipherchat").Sign(Identity{UserID: "u1"}, time.Hour)
	otherIssuer, _ := NewVerifier("test-secret", "someone-else").Sign(Identity{UserID: "u1"}, time.Hour)
	noSubject, _ := v.Sign(Identity{}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "cipherchat"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"garbage":      "not.a.jwt",
		"empty":        "",
		"expired":      expired,
		"wrong secret": otherSecret,
		"wrong issuer": otherIssuer,
		"no subject":   noSubject,
		"alg none":     none,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestDisplayNameFallsBackToEmail(t *testing.T) {
	v := NewVerifier("s", "")
	tok, err := v.Sign(Identity{UserID: "u2", Email: "bo@example.com"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "bo@example.com", id.DisplayName)
}
