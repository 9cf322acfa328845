package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvmatch/cvmatch/pkg/observability"
)

func obsContext(userID uuid.UUID) context.Context {
	return observability.WithUserID(context.Background(), userID.String())
}

func TestSharedSecretVerifier(t *testing.T) {
	userID := uuid.New()
	v := NewSharedSecretVerifier("s3cret")

	got, err := v.VerifyToken(context.Background(), "s3cret."+userID.String())
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = v.VerifyToken(context.Background(), "wrong."+userID.String())
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = v.VerifyToken(context.Background(), "s3cret.not-a-uuid")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = v.VerifyToken(context.Background(), "no-separator")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSharedSecretVerifier_EmptySecretRejectsEverything(t *testing.T) {
	v := NewSharedSecretVerifier("")
	_, err := v.VerifyToken(context.Background(), "."+uuid.NewString())
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRequireAuth(t *testing.T) {
	userID := uuid.New()
	verifier := NewSharedSecretVerifier("s3cret")

	var gotUserID string
	handler := requireAuth(verifier, func(w http.ResponseWriter, r *http.Request) {
		gotUserID = observability.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	// No Authorization header.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Invalid token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong."+userID.String())
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token reaches the handler with the user in context.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer s3cret."+userID.String())
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, userID.String(), gotUserID)
}

func TestWithRequestContext_AssignsCorrelationID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	withRequestContext(inner, observability.NewLogger(observability.DefaultLogConfig())).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}

func TestWithRequestContext_PropagatesUpstreamCorrelationID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-upstream")

	rec := httptest.NewRecorder()
	withRequestContext(inner, observability.NewLogger(observability.DefaultLogConfig())).ServeHTTP(rec, req)

	assert.Equal(t, "corr-upstream", seen)
}
