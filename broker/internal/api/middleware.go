package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/auth"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// *auth.Claims are stored after successful JWT validation.
	contextKeyUser contextKey = iota

	// contextKeyRunner is the context key under which the authenticated
	// runner's id is stored after successful runner-key validation.
	contextKeyRunner
)

// Authenticate is a middleware that validates the JWT Bearer token issued by
// the out-of-scope UI layer. On success it stores the parsed claims in the
// request context so downstream handlers can retrieve them via claimsFromCtx
// and enforce project/key ownership. On failure it writes a 401 and stops
// the chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateRunner is a middleware for the runner→broker process
// registration endpoints (spec §6): it validates the same bearer runner key
// presented at attach time, rather than a UI-issued JWT, and stores the
// resolved runner id in context.
func AuthenticateRunner(keys *runnerkey.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			_, _, err := keys.Authenticate(r.Context(), parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			runnerID, err := uuid.Parse(r.Header.Get("X-Runner-Id"))
			if err != nil {
				ErrBadRequest(w, "missing or invalid X-Runner-Id header")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyRunner, runnerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// runnerFromCtx retrieves the runner id stored by AuthenticateRunner.
func runnerFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKeyRunner).(uuid.UUID)
	return id, ok
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate middleware.
// Returns nil if no claims are present (i.e. the request is unauthenticated).
// Handler functions use this to access the current user's ID for ownership
// checks against the project/runner-key being acted on.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}
