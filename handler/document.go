package handler

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"livemd/middleware"
	"livemd/pkg/logger"
	"livemd/socket"
	"livemd/store"
)

// DocumentHandler owns the REST side of document lifecycle: creation,
// listing and visibility. The WebSocket gateway never creates documents.
type DocumentHandler struct {
	Store   *store.Store
	Gateway *socket.Gateway
}

func NewDocumentHandler(st *store.Store, gateway *socket.Gateway) *DocumentHandler {
	return &DocumentHandler{Store: st, Gateway: gateway}
}

type createDocRequest struct {
	DocumentID string `json:"document_id"`
	IsPublic   bool   `json:"is_public"`
}

type visibilityRequest struct {
	DocumentID string `json:"document_id"`
	IsPublic   bool   `json:"is_public"`
}

// Create registers a new document owned by the session user. An omitted id
// gets a generated one.
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	username := middleware.Username(r)

	var req createDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []fieldError{{Field: "body", Message: "invalid JSON body"}},
		})
		return
	}
	if req.DocumentID == "" {
		id, err := generateDocID()
		if err != nil {
			logger.Sugar.Errorf("Failed to generate document id: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		req.DocumentID = id
	}

	err := h.Store.CreateDocument(req.DocumentID, username, req.IsPublic)
	if errors.Is(err, store.ErrExists) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document already exists"})
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"document_id": req.DocumentID})
}

// List returns the documents owned by the session user.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	username := middleware.Username(r)
	docs, err := h.Store.ListDocumentsByOwner(username)
	if err != nil {
		logger.Sugar.Errorf("Failed to list documents for %s: %v", username, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// SetVisibility flips a document's public flag. Owner only. Live connections
// that lose access are closed right away rather than waiting for the
// periodic re-check.
func (h *DocumentHandler) SetVisibility(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	username := middleware.Username(r)

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []fieldError{{Field: "document_id", Message: "document_id cannot be empty"}},
		})
		return
	}

	err := h.Store.SetVisibility(req.DocumentID, username, req.IsPublic)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "document not found or not owned by you"})
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to update visibility for %s: %v", req.DocumentID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.Gateway.RevokeStale(req.DocumentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"document_id": req.DocumentID, "is_public": req.IsPublic})
}

func generateDocID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:]), nil
}
