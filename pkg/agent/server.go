package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/docker"
	"gamehost/pkg/model"
	"gamehost/pkg/permission"
	"gamehost/pkg/power"
	"gamehost/pkg/rpc"
)

// Deps are the collaborators of the node RPC surface.
type Deps struct {
	Store   *SQLiteStore
	Power   *power.Orchestrator
	Console Attacher
	Signer  *auth.Signer
	Secret  string
	Version string
	Log     *zap.Logger
}

// Handler serves the node RPC API. Every route except auth and ping requires a
// node token; server routes also run the permission cascade for X-User-Id.
type Handler struct {
	Deps
	consoles *consoleHub
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, consoles: newConsoleHub(d.Console, d.Log)}
}

type scopedFunc func(w http.ResponseWriter, r *http.Request, srv model.Server, userID string)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth", h.handleAuth)
	mux.HandleFunc("GET /api/v1/ping", h.handlePing)
	mux.HandleFunc("POST /api/v1/users/sync", h.token(h.handleSyncUsers))
	mux.HandleFunc("POST /api/v1/servers", h.token(h.handleCreateServer))

	mux.HandleFunc("GET /api/v1/servers/{id}", h.scoped(permission.Sentinel, h.handleGetServer))
	mux.HandleFunc("DELETE /api/v1/servers/{id}", h.scoped(permission.Delete, h.handleDeleteServer))
	mux.HandleFunc("GET /api/v1/servers/{id}/status", h.scoped(permission.Sentinel, h.handleStatus))
	mux.HandleFunc("POST /api/v1/servers/{id}/power", h.scoped(permission.Power, h.handlePower))
	mux.HandleFunc("POST /api/v1/servers/{id}/command", h.scoped(permission.Console, h.handleCommand))
	mux.HandleFunc("GET /api/v1/servers/{id}/network", h.scoped(permission.Network, h.handleGetNetwork))
	mux.HandleFunc("PUT /api/v1/servers/{id}/network", h.scoped(permission.Network, h.handlePutNetwork))
	mux.HandleFunc("GET /api/v1/servers/{id}/limits", h.scoped(permission.Limits, h.handleGetLimits))
	mux.HandleFunc("PUT /api/v1/servers/{id}/limits", h.scoped(permission.Limits, h.handlePutLimits))
	mux.HandleFunc("GET /api/v1/servers/{id}/startup", h.scoped(permission.Startup, h.handleGetStartup))
	mux.HandleFunc("PUT /api/v1/servers/{id}/startup", h.scoped(permission.Startup, h.handlePutStartup))
	mux.HandleFunc("GET /api/v1/servers/{id}/stats", h.scoped(permission.Stats, h.handleStats))
	mux.HandleFunc("GET /api/v1/servers/{id}/logs", h.scoped(permission.Logs, h.handleLogs))
	mux.HandleFunc("PUT /api/v1/servers/{id}/grants", h.scoped(permission.Permissions, h.handleGrant))
	mux.HandleFunc("DELETE /api/v1/servers/{id}/grants", h.scoped(permission.Permissions, h.handleRevoke))
	mux.HandleFunc("GET /api/v1/servers/{id}/console", h.scoped(permission.Console, h.consoles.serve))
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req rpc.AuthRequest
	if !decode(w, r, &req) {
		return
	}
	if !auth.CredentialEqual(req.Secret, h.Secret) {
		h.Log.Warn("auth rejected", zap.String("remote", r.RemoteAddr), zap.String("agent", r.UserAgent()))
		writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	}
	token, err := h.Signer.IssueNode("coordinator")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, rpc.AuthResponse{Token: token})
}

// handlePing needs no token, but a token that is presented must be valid so a
// coordinator holding a stale one learns to re-authenticate.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if _, err := h.Signer.Parse(strings.TrimPrefix(hdr, "Bearer ")); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	writeJSON(w, http.StatusOK, rpc.PingResponse{Status: "ok", Version: h.Version})
}

func (h *Handler) handleSyncUsers(w http.ResponseWriter, r *http.Request) {
	var req rpc.SyncUsersRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Store.UpsertUsers(r.Context(), req.Users); err != nil {
		h.Log.Error("user sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": len(req.Users)})
}

func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(rpc.HeaderUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	var req rpc.CreateServerRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.Store.GetServer(r.Context(), req.ID); err == nil {
		writeError(w, http.StatusConflict, "server already exists")
		return
	}
	owner := req.OwnerID
	if owner == "" {
		owner = userID
	}
	if !h.knownUser(w, r, owner, http.StatusBadRequest) {
		return
	}
	srv := model.Server{
		ID:                req.ID,
		OwnerID:           owner,
		Name:              req.Name,
		Type:              req.Type,
		Options:           req.Options,
		Ports:             req.Ports,
		CPULimit:          req.CPULimit,
		RAMLimit:          req.RAMLimit,
		RestartPolicy:     req.RestartPolicy,
		RestartRetryCount: req.RestartRetryCount,
		Metadata:          req.Metadata,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.Store.SaveServer(r.Context(), srv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist server")
		return
	}
	h.audit(r.Context(), userID, srv.ID, "create server "+srv.Name, true)
	writeJSON(w, http.StatusCreated, srv)
}

func (h *Handler) handleGetServer(w http.ResponseWriter, _ *http.Request, srv model.Server, _ string) {
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	h.consoles.closeServer(srv.ID)
	if err := h.Power.Delete(r.Context(), userID, srv.ID); err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, srv model.Server, _ string) {
	res, err := h.Power.Status(r.Context(), srv.ID)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePower(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	var req rpc.PowerRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Power.Do(r.Context(), req.Action, userID, srv.ID)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	var req rpc.CommandRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Power.SendCommand(r.Context(), userID, srv.ID, req.Command)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetNetwork(w http.ResponseWriter, _ *http.Request, srv model.Server, _ string) {
	writeJSON(w, http.StatusOK, model.NetworkConfig{Ports: srv.Ports})
}

func (h *Handler) handlePutNetwork(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	var cfg model.NetworkConfig
	if !decode(w, r, &cfg) {
		return
	}
	h.consoles.closeServer(srv.ID)
	updated, err := h.Power.UpdateNetwork(r.Context(), userID, srv.ID, cfg)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NetworkConfig{Ports: updated.Ports})
}

func (h *Handler) handleGetLimits(w http.ResponseWriter, _ *http.Request, srv model.Server, _ string) {
	writeJSON(w, http.StatusOK, limitsOf(srv))
}

func (h *Handler) handlePutLimits(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	var cfg model.LimitsConfig
	if !decode(w, r, &cfg) {
		return
	}
	h.consoles.closeServer(srv.ID)
	updated, err := h.Power.UpdateLimits(r.Context(), userID, srv.ID, cfg)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limitsOf(updated))
}

func (h *Handler) handleGetStartup(w http.ResponseWriter, _ *http.Request, srv model.Server, _ string) {
	writeJSON(w, http.StatusOK, model.StartupConfig{Options: srv.Options})
}

func (h *Handler) handlePutStartup(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	var cfg model.StartupConfig
	if !decode(w, r, &cfg) {
		return
	}
	h.consoles.closeServer(srv.ID)
	updated, err := h.Power.UpdateStartup(r.Context(), userID, srv.ID, cfg)
	if err != nil {
		h.writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StartupConfig{Options: updated.Options})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, srv model.Server, _ string) {
	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	samples, err := h.Store.ListStats(r.Context(), srv.ID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list stats")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request, srv model.Server, _ string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Store.ListLogs(r.Context(), srv.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	g, ok := decodeGrant(w, r, srv.ID)
	if !ok || !h.knownUser(w, r, g.UserID, http.StatusBadRequest) {
		return
	}
	err := h.Store.Grant(r.Context(), g)
	h.audit(r.Context(), userID, srv.ID, "grant "+g.Permission+" to "+g.UserID, err == nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store grant")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, srv model.Server, userID string) {
	g, ok := decodeGrant(w, r, srv.ID)
	if !ok {
		return
	}
	err := h.Store.Revoke(r.Context(), g)
	h.audit(r.Context(), userID, srv.ID, "revoke "+g.Permission+" from "+g.UserID, err == nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke grant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeGrant(w http.ResponseWriter, r *http.Request, serverID string) (model.PermissionGrant, bool) {
	var req rpc.GrantRequest
	if !decode(w, r, &req) {
		return model.PermissionGrant{}, false
	}
	if !permission.Known(req.Permission) {
		writeError(w, http.StatusBadRequest, "unknown permission")
		return model.PermissionGrant{}, false
	}
	return model.PermissionGrant{UserID: req.UserID, ServerID: serverID, Permission: req.Permission}, true
}

func limitsOf(s model.Server) model.LimitsConfig {
	return model.LimitsConfig{
		CPULimit:          s.CPULimit,
		RAMLimit:          s.RAMLimit,
		RestartPolicy:     s.RestartPolicy,
		RestartRetryCount: s.RestartRetryCount,
	}
}

// knownUser checks id against the synced user directory and writes status
// when it is missing.
func (h *Handler) knownUser(w http.ResponseWriter, r *http.Request, id string, status int) bool {
	_, err := h.Store.GetUser(r.Context(), id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotFound):
		writeError(w, status, "unknown user")
	default:
		h.Log.Error("load user failed", zap.String("user", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
	}
	return false
}

// token rejects requests without a valid node token.
func (h *Handler) token(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := h.Signer.Parse(strings.TrimPrefix(hdr, "Bearer ")); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// scoped loads the server named in the path and runs the cascade for the
// acting user before calling next. Any lookup failure denies.
func (h *Handler) scoped(required string, next scopedFunc) http.HandlerFunc {
	return h.token(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(rpc.HeaderUserID)
		srv, err := h.Store.GetServer(r.Context(), r.PathValue("id"))
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			h.Log.Error("load server failed", zap.String("server", r.PathValue("id")), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load server")
			return
		}
		if found && userID != "" && !h.knownUser(w, r, userID, http.StatusForbidden) {
			return
		}
		var grants []model.PermissionGrant
		if found && userID != "" && userID != srv.OwnerID {
			if grants, err = h.Store.Grants(r.Context(), srv.ID, userID); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load grants")
				return
			}
		}
		switch err := permission.Authorize(found, srv.OwnerID, userID, grants, required); {
		case errors.Is(err, permission.ErrNotFound):
			writeError(w, http.StatusNotFound, "server not found")
			return
		case err != nil:
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, srv, userID)
	})
}

func (h *Handler) audit(ctx context.Context, userID, serverID, text string, success bool) {
	e := model.LogEntry{ID: uuid.NewString(), UserID: userID, ServerID: serverID, Text: text, Timestamp: time.Now().UTC(), Success: success}
	if err := h.Store.AppendLog(ctx, e); err != nil {
		h.Log.Warn("append audit failed", zap.Error(err))
	}
}

// writeRuntimeError maps orchestrator failures to HTTP, keeping engine outcomes intact.
func (h *Handler) writeRuntimeError(w http.ResponseWriter, err error) {
	var oe *docker.OutcomeError
	switch {
	case errors.As(err, &oe):
		writeJSON(w, outcomeStatus(oe.Result.Outcome), rpc.ErrorResponse{
			Error:        oe.Error(),
			Outcome:      string(oe.Result.Outcome),
			EngineStatus: oe.Result.HTTPStatus,
		})
	case errors.Is(err, power.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "server not found")
	default:
		h.Log.Error("runtime call failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "container engine unavailable")
	}
}

func outcomeStatus(o docker.Outcome) int {
	switch o {
	case docker.BadParameter:
		return http.StatusBadRequest
	case docker.NoSuchImage, docker.NoSuchContainer:
		return http.StatusNotFound
	case docker.Conflict, docker.NotRunning:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := rpc.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, rpc.ErrorResponse{Error: msg})
}
