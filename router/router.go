package router

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"livemd/auth"
	"livemd/handler"
	"livemd/middleware"
	"livemd/socket"
)

// Setup wires the HTTP surface: auth endpoints, document REST endpoints and
// the per-document sync WebSocket.
func Setup(authSvc *auth.Service, authHandler *handler.AuthHandler, docHandler *handler.DocumentHandler, gateway *socket.Gateway) http.Handler {
	r := httprouter.New()

	r.GET("/api/status", authHandler.Status)
	r.POST("/api/login", authHandler.Login)
	r.GET("/api/validateLogin", authHandler.ValidateLogin)
	r.POST("/api/logout", authHandler.Logout)

	r.POST("/api/documents/create", middleware.RequireSession(authSvc, docHandler.Create))
	r.GET("/api/documents", middleware.RequireSession(authSvc, docHandler.List))
	r.POST("/api/documents/visibility", middleware.RequireSession(authSvc, docHandler.SetVisibility))

	// WebSocket upgrade; a missing or invalid session terminates the
	// transport before any payload is exchanged.
	r.GET("/api/documents/:documentId", middleware.RequireSession(authSvc,
		func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
			gateway.ServeWs(w, req, middleware.Username(req), ps.ByName("documentId"))
		}))

	return r
}
