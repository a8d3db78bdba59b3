package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureUser(t *testing.T, isDev bool, req *http.Request) string {
	t.Helper()
	var got string
	h := Middleware(isDev)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestMiddlewareReadsTrustedHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "google-oauth2|12345")
	assert.Equal(t, "google-oauth2|12345", captureUser(t, false, req))
}

func TestMiddlewareRejectsMalformedIDs(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "bad id with spaces")
	assert.Empty(t, captureUser(t, false, req))
}

func TestMiddlewareQueryParamOnlyInDevelopment(t *testing.T) {
	t.Parallel()

	assert.Empty(t, captureUser(t, false, httptest.NewRequest(http.MethodGet, "/?user_id=u1", nil)))
	assert.Equal(t, "u1", captureUser(t, true, httptest.NewRequest(http.MethodGet, "/?user_id=u1", nil)))
}

func TestRequireUser(t *testing.T) {
	t.Parallel()

	h := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req.WithContext(WithUserID(req.Context(), "u1")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
