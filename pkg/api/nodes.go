package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/model"
	"gamehost/pkg/store"
)

type nodeRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	URL        string `json:"url" validate:"required,url"`
	Credential string `json:"credential"`
	Disabled   bool   `json:"disabled"`
}

// nodeCreated is the only response that reveals the credential, so it can be
// configured on the node.
type nodeCreated struct {
	model.Node
	Credential string `json:"credential"`
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !decode(w, r, &req) {
		return
	}
	cred := req.Credential
	if cred == "" {
		var err error
		if cred, err = auth.NewCredential(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate credential")
			return
		}
	}
	n := model.Node{
		ID:         uuid.NewString(),
		Name:       req.Name,
		URL:        req.URL,
		Credential: cred,
		Health:     model.HealthConnectionError,
		Disabled:   req.Disabled,
	}
	userID := claimsFrom(r).UserID
	if err := h.Store.CreateNode(r.Context(), n); err != nil {
		h.audit(r.Context(), userID, "", "create node "+n.Name, false)
		writeError(w, http.StatusInternalServerError, "failed to persist node")
		return
	}
	h.Nodes.Add(n)
	h.audit(r.Context(), userID, "", "create node "+n.Name, true)
	h.Log.Info("node registered", zap.String("node", n.ID), zap.String("url", n.URL))
	n.CreatedAt = time.Now().UTC()
	writeJSON(w, http.StatusCreated, nodeCreated{Node: n, Credential: cred})
}

// handleUpdateNode edits URL, credential or the disabled flag. The running
// session picks the change up on its next tick.
func (h *Handler) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.Store.GetNode(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load node")
		return
	}
	n.Name, n.URL, n.Disabled = req.Name, req.URL, req.Disabled
	if req.Credential != "" {
		n.Credential = req.Credential
	}
	userID := claimsFrom(r).UserID
	if err := h.Store.UpdateNode(r.Context(), n); err != nil {
		h.audit(r.Context(), userID, "", "update node "+n.ID, false)
		writeError(w, http.StatusInternalServerError, "failed to persist node")
		return
	}
	h.Nodes.Refresh(n)
	h.audit(r.Context(), userID, "", "update node "+n.ID, true)
	writeJSON(w, http.StatusOK, n)
}
