package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/js-dojo/internal/apperror"
)

// contextKey is unexported so no other package can read or shadow the
// subject stored in a request context.
type contextKey string

const subjectKey contextKey = "subject"

// TokenCookie is read when a request has no Authorization header. Browsers
// cannot set headers on websocket upgrades, so /api/ws relies on it.
const TokenCookie = "token"

var errUnsupportedScheme = errors.New("auth: unsupported authorization scheme")

// RequireAuth rejects requests without a valid bearer token with 401 and
// stores the token's subject in the context of the rest.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := extractSubject(r, tokens)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="js-dojo"`)
				apperror.WriteHTTP(w, apperror.Unauthorized("valid authentication required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
		})
	}
}

// ContextWithSubject returns a copy of ctx carrying subject.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext returns the authenticated subject, or ("", false) for
// anonymous requests.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok && sub != ""
}

// extractSubject reads "Authorization: Bearer <jwt>", falling back to the
// token cookie, and validates it.
func extractSubject(r *http.Request, tokens *TokenService) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", errUnsupportedScheme
		}
		return tokens.Validate(strings.TrimSpace(token))
	}

	cookie, err := r.Cookie(TokenCookie)
	if err != nil {
		return "", err
	}
	return tokens.Validate(cookie.Value)
}
