// Package auth validates credentials and manages the signed session cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"livemd/store"
)

const (
	// CookieName is the session cookie's name.
	CookieName = "session"

	// SessionLifetime is fixed; sessions expire regardless of activity.
	SessionLifetime = 24 * time.Hour

	bcryptCost = 10
)

// dummyHash keeps the bcrypt cost of an unknown-user login in line with a
// wrong-password login.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Service struct {
	store  *store.Store
	secret []byte
}

func New(st *store.Store, secret string) *Service {
	return &Service{store: st, secret: []byte(secret)}
}

// Login checks username/password against the stored hash. It reports match
// or no-match without distinguishing an unknown user from a wrong password;
// only storage failures surface as errors.
func (s *Service) Login(username, password string) (bool, error) {
	hash, err := s.store.GetPasswordHash(username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so unknown users cost the same as
		// known users with a wrong password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// IssueCookie mints the signed session cookie for username, valid 24h.
func (s *Service) IssueCookie(username string) (*http.Cookie, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(SessionLifetime)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(SessionLifetime / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// ClearCookie returns a cookie that deletes the session on the client.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Session is the result of validating a request's session cookie.
type Session struct {
	HasCookie bool
	Valid     bool
	Username  string
}

// Validate inspects the request's session cookie without mutating anything.
func (s *Service) Validate(r *http.Request) Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return Session{}
	}

	sess := Session{HasCookie: true}
	token, err := jwt.ParseWithClaims(cookie.Value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return sess
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return sess
	}
	sess.Valid = true
	sess.Username = claims.Subject
	return sess
}
