package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

// authorizeBearer checks a static bearer token. An empty expected token
// disables auth entirely, which is the local-development default.
func authorizeBearer(header, expected string) *authError {
	if expected == "" {
		return nil
	}
	if header == "" {
		return &authError{http.StatusUnauthorized, "unauthorized", "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{http.StatusUnauthorized, "unauthorized", "Authorization header must use the Bearer scheme"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return &authError{http.StatusForbidden, "forbidden", "invalid token"}
	}
	return nil
}
