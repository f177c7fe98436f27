package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *Store {
	return NewStore(nil, []byte(strings.Repeat("h", 32)), []byte(strings.Repeat("b", 32)))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore()

	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 42))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	var gotID int64
	var called bool
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotID, _ = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
	assert.Equal(t, int64(42), gotID)
}

func TestRequireAuthRejects(t *testing.T) {
	s := testStore()
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "courtsched_session", Value: "tampered"})
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A cookie minted under different keys is rejected too.
	other := NewStore(nil, []byte(strings.Repeat("x", 32)), []byte(strings.Repeat("y", 32)))
	orec := httptest.NewRecorder()
	require.NoError(t, other.SetSession(orec, httptest.NewRequest(http.MethodPost, "/login", nil), 1))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(orec.Result().Cookies()[0])
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
