package myMiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/identity"
)

func TestAuthMiddleware(t *testing.T) {
	verifier := identity.NewVerifier("secret", "")
	valid, err := verifier.Sign(identity.Identity{UserID: "u123", DisplayName: "Ann"}, time.Hour)
	require.NoError(t, err)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			t.Error("Expected identity in context")
		}
		assert.Equal(t, "u123", id.UserID)
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		header         string
		query          string
		expectedStatus int
	}{
		{name: "Bearer header", header: "Bearer " + valid, expectedStatus: http.StatusOK},
		{name: "Lowercase scheme", header: "bearer " + valid, expectedStatus: http.StatusOK},
		{name: "Query fallback", query: "?token=" + valid, expectedStatus: http.StatusOK},
		{name: "Missing token", expectedStatus: http.StatusUnauthorized},
		{name: "Invalid token", header: "Bearer nope", expectedStatus: http.StatusUnauthorized},
		{name: "Wrong scheme", header: "Basic " + valid, expectedStatus: http.StatusUnauthorized},
	}

	mw := NewAuthMiddleware(verifier)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			mw.Handle(nextHandler).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestIdentityFromEmptyContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := IdentityFrom(req.Context())
	assert.False(t, ok)
}
