package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/model"
	"gamehost/pkg/permission"
	"gamehost/pkg/rpc"
	"gamehost/pkg/store"
)

var configSections = map[string]string{
	"network": permission.Network,
	"limits":  permission.Limits,
	"startup": permission.Startup,
}

type createServerRequest struct {
	NodeID string `json:"nodeId" validate:"required"`
	rpc.CreateServerRequest
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	user := claimsFrom(r)
	refs, err := h.Store.ListServerRefs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	grants, err := h.Store.GrantsForUser(r.Context(), user.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load grants")
		return
	}
	out := []model.ServerRef{}
	for _, ref := range refs {
		if permission.Check(ref.OwnerID, user.UserID, grants, permission.Sentinel) == nil {
			out = append(out, ref)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	user := claimsFrom(r)
	var req createServerRequest
	if err := decodeCreate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.Store.GetNode(r.Context(), req.NodeID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown node")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = user.UserID
	}
	owner, err := h.Store.GetUser(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown owner")
		return
	}
	client, err := h.Nodes.Client(req.NodeID)
	if err != nil {
		h.writeNodeError(w, req.NodeID, err)
		return
	}
	if err := pushUser(r.Context(), client, owner); err != nil {
		h.audit(r.Context(), user.UserID, req.ID, "create server "+req.Name, false)
		h.writeNodeError(w, req.NodeID, err)
		return
	}
	srv, err := client.CreateServer(r.Context(), user.UserID, req.CreateServerRequest)
	if err != nil {
		h.audit(r.Context(), user.UserID, req.ID, "create server "+req.Name, false)
		h.writeNodeError(w, req.NodeID, err)
		return
	}
	ref := model.ServerRef{
		ID:        srv.ID,
		NodeID:    req.NodeID,
		OwnerID:   srv.OwnerID,
		Name:      srv.Name,
		Type:      srv.Type,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveServerRef(r.Context(), ref); err != nil {
		h.Log.Error("server created on node but not indexed", zap.String("server", srv.ID), zap.String("node", req.NodeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to index server")
		return
	}
	h.audit(r.Context(), user.UserID, srv.ID, "create server "+srv.Name, true)
	writeJSON(w, http.StatusCreated, srv)
}

// decodeCreate assigns an id before validation so callers may omit it.
func decodeCreate(r *http.Request, req *createServerRequest) error {
	if err := jsonDecode(r, req); err != nil {
		return errors.New("invalid payload")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return rpc.Validate(req)
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	srv, err := node.GetServer(r.Context(), user.UserID, ref.ID)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	err := node.DeleteServer(r.Context(), user.UserID, ref.ID)
	if err != nil && rpc.KindOf(err) != rpc.KindNotFound {
		h.audit(r.Context(), user.UserID, ref.ID, "delete server", false)
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	if err := h.Store.DeleteServerRef(r.Context(), ref.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove server")
		return
	}
	h.audit(r.Context(), user.UserID, ref.ID, "delete server", true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	res, err := node.Status(r.Context(), user.UserID, ref.ID)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePower(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	var req rpc.PowerRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := node.Power(r.Context(), user.UserID, ref.ID, req.Action)
	h.audit(r.Context(), user.UserID, ref.ID, "power "+req.Action, err == nil)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	var req rpc.CommandRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := node.Command(r.Context(), user.UserID, ref.ID, req.Command)
	h.audit(r.Context(), user.UserID, ref.ID, "console command", err == nil)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetConfig(section string) serverFunc {
	return func(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
		out, _ := newSection(section)
		if err := node.Config(r.Context(), user.UserID, ref.ID, section, out); err != nil {
			h.writeNodeError(w, ref.NodeID, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) handlePutConfig(section string) serverFunc {
	return func(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
		in, out := newSection(section)
		if !decode(w, r, in) {
			return
		}
		err := node.SetConfig(r.Context(), user.UserID, ref.ID, section, in, out)
		h.audit(r.Context(), user.UserID, ref.ID, "update "+section, err == nil)
		if err != nil {
			h.writeNodeError(w, ref.NodeID, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// newSection returns request and response values for a config section.
func newSection(section string) (interface{}, interface{}) {
	switch section {
	case "network":
		return &model.NetworkConfig{}, &model.NetworkConfig{}
	case "limits":
		return &model.LimitsConfig{}, &model.LimitsConfig{}
	}
	return &model.StartupConfig{}, &model.StartupConfig{}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	samples, err := node.Stats(r.Context(), user.UserID, ref.ID, since)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := node.Logs(r.Context(), user.UserID, ref.ID, limit)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGrant pushes the grant to the node first so both copies only change together.
func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	g, grantee, ok := h.decodeGrant(w, r, ref.ID)
	if !ok {
		return
	}
	if err := pushUser(r.Context(), node, grantee); err != nil {
		h.audit(r.Context(), user.UserID, ref.ID, "grant "+g.Permission+" to "+g.UserID, false)
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	if err := node.Grant(r.Context(), user.UserID, ref.ID, rpc.GrantRequest{UserID: g.UserID, Permission: g.Permission}); err != nil {
		h.audit(r.Context(), user.UserID, ref.ID, "grant "+g.Permission+" to "+g.UserID, false)
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	err := h.Store.Grant(r.Context(), g)
	h.audit(r.Context(), user.UserID, ref.ID, "grant "+g.Permission+" to "+g.UserID, err == nil)
	if err != nil {
		h.Log.Error("grant stored on node but not on coordinator", zap.String("server", ref.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store grant")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	g, _, ok := h.decodeGrant(w, r, ref.ID)
	if !ok {
		return
	}
	if err := node.Revoke(r.Context(), user.UserID, ref.ID, rpc.GrantRequest{UserID: g.UserID, Permission: g.Permission}); err != nil {
		h.audit(r.Context(), user.UserID, ref.ID, "revoke "+g.Permission+" from "+g.UserID, false)
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	err := h.Store.Revoke(r.Context(), g)
	h.audit(r.Context(), user.UserID, ref.ID, "revoke "+g.Permission+" from "+g.UserID, err == nil)
	if err != nil {
		h.Log.Error("grant stored on node but not on coordinator", zap.String("server", ref.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store grant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeGrant(w http.ResponseWriter, r *http.Request, serverID string) (model.PermissionGrant, model.User, bool) {
	var req rpc.GrantRequest
	if !decode(w, r, &req) {
		return model.PermissionGrant{}, model.User{}, false
	}
	if !permission.Known(req.Permission) {
		writeError(w, http.StatusBadRequest, "unknown permission")
		return model.PermissionGrant{}, model.User{}, false
	}
	u, err := h.Store.GetUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown user")
		return model.PermissionGrant{}, model.User{}, false
	}
	return model.PermissionGrant{UserID: req.UserID, ServerID: serverID, Permission: req.Permission}, u, true
}

// pushUser upserts one directory entry on the node so a user registered since
// the last heartbeat sync is already known there.
func pushUser(ctx context.Context, node *rpc.Client, u model.User) error {
	return node.SyncUsers(ctx, model.Directory([]model.User{u}))
}
