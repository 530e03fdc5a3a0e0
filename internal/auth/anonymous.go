package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ClientCookie identifies an unauthenticated browser across requests.
const ClientCookie = "dojo_client"

const clientKey contextKey = "client"

// clientCookieMaxAge keeps an anonymous identity for a month of practice.
const clientCookieMaxAge = 30 * 24 * 60 * 60

// AnonymousClients gives every request without an authenticated subject a
// private client id, so anonymous visitors never share slots or journal
// entries.
//
// HOW IT WORKS:
//  1. A request that already carries a subject passes through untouched.
//  2. A valid dojo_client cookie is reused as the client id.
//  3. Otherwise a random UUID is minted and sent back as an HttpOnly cookie.
//
// WHY A RANDOM UUID?
// The id is the only thing that separates one visitor's slots from
// another's. A sortable id (xid, ULID) leaks its creation time and is
// guessable from its neighbours; a v4 UUID is 122 random bits.
//
// The rate limiter keys on SubjectFromContext, not on the client id, so a
// caller who drops the cookie still shares its IP's bucket.
func AnonymousClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SubjectFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		id := ""
		if c, err := r.Cookie(ClientCookie); err == nil {
			if parsed, err := uuid.Parse(c.Value); err == nil {
				id = parsed.String()
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookie,
				Value:    id,
				Path:     "/api",
				MaxAge:   clientCookieMaxAge,
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClient(r.Context(), id)))
	})
}

// ContextWithClient returns a copy of ctx carrying an anonymous client id.
func ContextWithClient(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientKey, id)
}

// ClientFromContext returns the anonymous client id set by AnonymousClients.
func ClientFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientKey).(string)
	return id, ok && id != ""
}
