package httpapi

import (
	"net/http"
	"strings"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/auth"
)

type TokenVerifier interface {
	Verify(token string) (auth.Caller, error)
}

// AuthMiddleware resolves the bearer token into an auth.Caller on the request
// context. Public endpoints pass through untouched.
func AuthMiddleware(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, string(apperr.Unauthenticated), "missing bearer token")
			return
		}
		caller, err := verifier.Verify(token)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, string(apperr.Unauthenticated), "invalid token")
			return
		}
		recordSubject(r, caller)
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
