// Package socket is the session-authenticated sync gateway: it decides which
// connections may exchange replicated-document updates for which document and
// relays updates and presence between them.
package socket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"livemd/access"
	"livemd/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The browser WebSocket API cannot set Origin-independent headers; the
	// session cookie is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway drives each connection through
// AUTHENTICATING → AUTHORIZING → SYNCING → ACTIVE. Authentication happens in
// the session middleware before ServeWs runs; a rejection at any stage
// terminates the transport before any document content is exchanged.
type Gateway struct {
	registry *Registry
	access   *access.Service

	// recheckEvery is the interval at which live connections re-evaluate
	// their access. Tests shorten it.
	recheckEvery time.Duration
}

func NewGateway(registry *Registry, accessSvc *access.Service) *Gateway {
	return &Gateway{registry: registry, access: accessSvc, recheckEvery: recheckPeriod}
}

// ServeWs authorizes (username, documentID) and, on success, upgrades the
// transport, joins the room and starts the relay pumps. username comes from
// the already-validated session; an empty username never reaches this point.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request, username, documentID string) {
	allowed, err := g.access.CanAccess(username, documentID)
	if err != nil {
		// Unknown store state: reject rather than proceed.
		logger.Sugar.Errorf("Access check failed for %s on document %s: %v", username, documentID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		logger.Sugar.Infof("Rejected attempt to establish websocket connection on a document that the user does not have access to.")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	room, err := g.registry.GetOrCreateRoom(documentID)
	if err != nil {
		logger.Sugar.Errorf("Failed to load document %s: %v", documentID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Errorf("Upgrade failed: %v", err)
		return
	}

	logger.Sugar.Debugf("Granting access for documentId=%s to username=%s", documentID, username)

	recheck := func() bool {
		ok, err := g.access.CanAccess(username, documentID)
		return err == nil && ok
	}
	client := newClient(room, conn, username, recheck)
	client.recheckEvery = g.recheckEvery

	// Reads start only after the join handshake is queued, so nothing a
	// peer sends can be applied before authorization completed.
	room.Join(client)
	go client.writePump()
	go client.readPump()
}

// RevokeStale re-checks every live connection on a document, closing those
// whose access no longer holds. Called when visibility changes.
func (g *Gateway) RevokeStale(documentID string) {
	room := g.registry.Lookup(documentID)
	if room == nil {
		return
	}
	room.EvictUnauthorized(func(username string) bool {
		ok, err := g.access.CanAccess(username, documentID)
		return err == nil && ok
	})
}
