package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// CallbackSecretHeader carries the execution host's shared secret.
const CallbackSecretHeader = "X-Callback-Secret"

// AccessTokenHeader carries a minted access token.
const AccessTokenHeader = "X-Access-Token"

// AuthMiddleware creates a middleware that checks for a bearer token or query param token.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessionAuthorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session token")
		})
	}
}

// CallbackAuth admits requests carrying the shared callback secret. With no
// secret configured every callback is rejected.
func CallbackAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !equal(r.Header.Get(CallbackSecretHeader), secret) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid callback secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// sessionAuthorized checks the bearer header or the token query parameter.
// An empty configured token disables session auth.
func sessionAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if q := r.URL.Query().Get("token"); q != "" && equal(q, token) {
		return true
	}
	return equal(bearer(r), token)
}

// accessToken extracts a minted token from the dedicated header, a bearer
// header that is not the session token, or the access_token parameter. A
// request presenting one is always checked against the token's scope, even
// when session auth is disabled.
func accessToken(r *http.Request, sessionToken string) string {
	if v := r.Header.Get(AccessTokenHeader); v != "" {
		return v
	}
	if v := bearer(r); v != "" && !equal(v, sessionToken) {
		return v
	}
	return r.URL.Query().Get("access_token")
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

func equal(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
