package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"twingrid.org/internal/auth"
	"twingrid.org/internal/twin"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), userID, claims.Email, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFromContext rebuilds the caller identity placed by withAuth.
func actorFromContext(r *http.Request) (twin.Actor, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return twin.Actor{}, false
	}
	email, ok := auth.EmailFromContext(r.Context())
	if !ok {
		return twin.Actor{}, false
	}
	return twin.Actor{ID: userID, Email: email}, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
