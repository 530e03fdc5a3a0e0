package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymousClients(t *testing.T) {
	var seen string
	var seenOK bool
	h := AnonymousClients(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenOK = ClientFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(prepare func(r *http.Request)) *httptest.ResponseRecorder {
		seen, seenOK = "", false
		r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		if prepare != nil {
			prepare(r)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		return rr
	}

	t.Run("mints a cookie for a new visitor", func(t *testing.T) {
		rr := serve(nil)

		require.True(t, seenOK)
		_, err := uuid.Parse(seen)
		require.NoError(t, err)

		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, ClientCookie, cookies[0].Name)
		assert.Equal(t, seen, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("two visitors get different ids", func(t *testing.T) {
		serve(nil)
		first := seen
		serve(nil)
		assert.NotEqual(t, first, seen)
	})

	t.Run("reuses a valid cookie", func(t *testing.T) {
		id := uuid.NewString()
		rr := serve(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: ClientCookie, Value: id}) })

		assert.Equal(t, id, seen)
		assert.Empty(t, rr.Result().Cookies(), "no new cookie for a known visitor")
	})

	t.Run("replaces a malformed cookie", func(t *testing.T) {
		rr := serve(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: ClientCookie, Value: "anonymous"}) })

		assert.NotEqual(t, "anonymous", seen)
		require.Len(t, rr.Result().Cookies(), 1)
	})

	t.Run("authenticated requests are left alone", func(t *testing.T) {
		rr := serve(func(r *http.Request) {
			*r = *r.WithContext(ContextWithSubject(context.Background(), "alice"))
		})

		assert.False(t, seenOK)
		assert.Empty(t, rr.Result().Cookies())
	})
}
