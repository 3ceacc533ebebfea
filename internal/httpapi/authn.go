package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sikaplan.org/internal/operator"
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

// withAuth enforces bearer-token authentication when a secret is configured.
// The token subject becomes the operator identity recorded on transactions.
func (a *API) withAuth(next http.Handler) http.Handler {
	if !a.opts.AuthEnabled {
		return next
	}
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

		claims, err := operator.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, operator.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := operator.ContextWithOperator(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// performedBy resolves who executed an operation: the authenticated operator
// wins over whatever the request body claims.
func (a *API) performedBy(r *http.Request, bodyValue string) string {
	if id, ok := operator.FromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(bodyValue)
}

// requireRole answers 403 unless the operator carries the role. Without a
// configured secret there are no operators and the check is skipped.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	if !a.opts.AuthEnabled {
		return true
	}
	if operator.HasRole(r.Context(), role) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "operation requires role "+role)
	return false
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
