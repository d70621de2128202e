package middleware

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"livemd/auth"
)

type contextKey string

// UsernameKey holds the authenticated username in the request context.
const UsernameKey contextKey = "username"

// Username extracts the authenticated username from the request context.
func Username(r *http.Request) string {
	username, _ := r.Context().Value(UsernameKey).(string)
	return username
}

// RequireSession rejects requests without a valid session before the wrapped
// handler runs. For WebSocket routes the 401 terminates the transport before
// any payload is exchanged.
func RequireSession(authSvc *auth.Service, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sess := authSvc.Validate(r)
		if !sess.Valid {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UsernameKey, sess.Username)
		next(w, r.WithContext(ctx), ps)
	}
}
