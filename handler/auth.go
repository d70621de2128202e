package handler

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"livemd/auth"
	"livemd/pkg/logger"
)

type AuthHandler struct {
	Auth *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{Auth: authSvc}
}

// Status reports liveness.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Login authenticates username/password query parameters. Bad credentials
// redirect to the retry page without revealing whether the user exists.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")

	var errs []fieldError
	if username == "" {
		errs = append(errs, fieldError{Field: "username", Message: "username cannot be empty"})
	}
	if password == "" {
		errs = append(errs, fieldError{Field: "password", Message: "password cannot be empty"})
	}
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	match, err := h.Auth.Login(username, password)
	if err != nil {
		logger.Sugar.Errorf("Unexpected error occurred when trying to fetch correct password for a user: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !match {
		http.Redirect(w, r, "/login?retry=true", http.StatusFound)
		return
	}

	cookie, err := h.Auth.IssueCookie(username)
	if err != nil {
		logger.Sugar.Errorf("Failed to issue session cookie: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, "/", http.StatusFound)
}

// ValidateLogin reports session presence and validity without mutation.
func (h *AuthHandler) ValidateLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess := h.Auth.Validate(r)
	resp := map[string]interface{}{
		"hasSession":     sess.HasCookie,
		"isSessionValid": sess.Valid,
		"isLoggedIn":     sess.Valid && sess.Username != "",
	}
	if sess.Valid && sess.Username != "" {
		resp["username"] = sess.Username
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout clears the session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	http.SetCookie(w, auth.ClearCookie())
	http.Redirect(w, r, "/login", http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Sugar.Errorf("Failed to encode response: %v", err)
	}
}
