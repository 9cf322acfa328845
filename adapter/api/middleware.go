package api

import (
	"context"
	"crypto/hmac"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/pkg/observability"
)

// ErrTokenInvalid is returned by a TokenVerifier when the presented
// bearer token does not authenticate a user.
var ErrTokenInvalid = errors.New("token invalid")

// TokenVerifier authenticates a bearer token and resolves the user it
// belongs to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (uuid.UUID, error)
}

// SharedSecretVerifier accepts tokens of the form "<secret>.<user-uuid>".
// It is meant for deployments where the API sits behind a gateway that
// already authenticated the user; a production deployment plugs in an
// identity provider implementation instead.
type SharedSecretVerifier struct {
	secret string
}

// NewSharedSecretVerifier creates a verifier for the given shared secret.
func NewSharedSecretVerifier(secret string) *SharedSecretVerifier {
	return &SharedSecretVerifier{secret: secret}
}

// VerifyToken implements TokenVerifier.
func (v *SharedSecretVerifier) VerifyToken(_ context.Context, token string) (uuid.UUID, error) {
	if v.secret == "" {
		return uuid.Nil, ErrTokenInvalid
	}
	secret, rawID, ok := strings.Cut(token, ".")
	if !ok {
		return uuid.Nil, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(secret), []byte(v.secret)) {
		return uuid.Nil, ErrTokenInvalid
	}
	userID, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return userID, nil
}

// requireAuth wraps a handler with bearer token authentication and
// places the authenticated user id in the request context.
func requireAuth(verifier TokenVerifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		userID, err := verifier.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid bearer token")
			return
		}
		ctx := observability.WithUserID(r.Context(), userID.String())
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// authenticatedUserID extracts the user id placed by requireAuth.
func authenticatedUserID(r *http.Request) (uuid.UUID, error) {
	raw := observability.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, ErrTokenInvalid
	}
	return uuid.Parse(raw)
}

// withRequestContext assigns correlation and request ids to every
// request and logs its completion.
func withRequestContext(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.NewRequestContext(r.Context(), r.Header.Get("X-Correlation-ID"))
		w.Header().Set("X-Correlation-ID", observability.CorrelationIDFromContext(ctx))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
