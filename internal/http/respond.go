// Package http holds the gateway's HTTP handlers: the SMS webhook, the
// synchronous chat endpoint and the health check.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/identity"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a pipeline error onto an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	if errors.Is(err, identity.ErrInvalidSender) {
		return http.StatusBadRequest, "invalid sender"
	}
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		return http.StatusUnauthorized, "unauthorized"
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests, "rate limited"
	case apperr.KindStorage:
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= 500 {
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireToken rejects requests whose bearer token does not match token.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && extractBearerToken(r) != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
