package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livemd/auth"
	"livemd/store"
)

func newAuthHandler(t *testing.T) (*AuthHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAuthHandler(auth.New(store.New(db), "test-secret")), mock
}

func TestStatus(t *testing.T) {
	h, _ := newAuthHandler(t)
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"running"}`, rec.Body.String())
}

func TestLoginThenValidate(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	mock.ExpectQuery("SELECT passwordHash FROM Users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"passwordHash"}).AddRow(hash))

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login?username=alice&password=hunter2", nil), nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)

	// A subsequent validate with that cookie reports the logged-in user.
	validateReq := httptest.NewRequest(http.MethodGet, "/api/validateLogin", nil)
	validateReq.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ValidateLogin(rec, validateReq, nil)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["hasSession"])
	assert.Equal(t, true, resp["isSessionValid"])
	assert.Equal(t, true, resp["isLoggedIn"])
	assert.Equal(t, "alice", resp["username"])
}

func TestLoginWrongPasswordRedirectsToRetry(t *testing.T) {
	h, mock := newAuthHandler(t)
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	mock.ExpectQuery("SELECT passwordHash FROM Users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"passwordHash"}).AddRow(hash))

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login?username=alice&password=nope", nil), nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?retry=true", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies(), "no session on failed login")
}

func TestLoginUnknownUserRedirectsIdentically(t *testing.T) {
	h, mock := newAuthHandler(t)
	mock.ExpectQuery("SELECT passwordHash FROM Users").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"passwordHash"}))

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login?username=nobody&password=x", nil), nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?retry=true", rec.Header().Get("Location"))
}

func TestLoginValidationErrorsAreItemized(t *testing.T) {
	h, _ := newAuthHandler(t)
	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login", nil), nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Errors []fieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, "username", resp.Errors[0].Field)
	assert.Equal(t, "password", resp.Errors[1].Field)
}

func TestLoginStorageFailure(t *testing.T) {
	h, mock := newAuthHandler(t)
	mock.ExpectQuery("SELECT passwordHash FROM Users").
		WithArgs("alice").
		WillReturnError(assert.AnError)

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login?username=alice&password=x", nil), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestValidateWithoutCookie(t *testing.T) {
	h, _ := newAuthHandler(t)
	rec := httptest.NewRecorder()
	h.ValidateLogin(rec, httptest.NewRequest(http.MethodGet, "/api/validateLogin", nil), nil)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["hasSession"])
	assert.Equal(t, false, resp["isLoggedIn"])
	assert.NotContains(t, resp, "username")
}

func TestLogoutClearsSession(t *testing.T) {
	h, _ := newAuthHandler(t)
	rec := httptest.NewRecorder()
	h.Logout(rec, httptest.NewRequest(http.MethodPost, "/api/logout", nil), nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}
