package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// callerHeader carries the acting agent's identity. Ownership checks in the
// service layer collapse foreign callers to not-found.
const callerHeader = "X-Caller-Id"

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerID extracts the caller identity, writing a 400 when the header is
// absent. Handlers bail out when the returned ok is false.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := strings.TrimSpace(r.Header.Get(callerHeader))
	if caller == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s header is required", callerHeader)
		return "", false
	}
	return caller, true
}
