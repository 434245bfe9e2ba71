// Package api is the coordinator's HTTP surface. Requests are authorized
// against coordinator data and then routed to the owning node's session.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/model"
	"gamehost/pkg/nodes"
	"gamehost/pkg/permission"
	"gamehost/pkg/rpc"
	"gamehost/pkg/store"
)

// Nodes routes calls to node sessions and accepts node lifecycle changes.
type Nodes interface {
	Client(nodeID string) (*rpc.Client, error)
	Add(node model.Node)
	Refresh(node model.Node)
	MarkUsersDirty()
}

type Deps struct {
	Store  store.Store
	Nodes  Nodes
	Signer *auth.Signer
	Log    *zap.Logger
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

type ctxKey struct{}

// serverFunc handles a request for a server the caller may access.
type serverFunc func(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("gamehost coordinator"))
	})
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", h.handleLogin)
	mux.HandleFunc("GET /api/v1/me", h.user(h.handleMe))
	mux.HandleFunc("GET /api/v1/users", h.admin(h.handleListUsers))
	mux.HandleFunc("GET /api/v1/audit", h.admin(h.handleAudit))

	mux.HandleFunc("GET /api/v1/nodes", h.admin(h.handleListNodes))
	mux.HandleFunc("POST /api/v1/nodes", h.admin(h.handleCreateNode))
	mux.HandleFunc("GET /api/v1/nodes/{id}", h.admin(h.handleGetNode))
	mux.HandleFunc("PUT /api/v1/nodes/{id}", h.admin(h.handleUpdateNode))

	mux.HandleFunc("GET /api/v1/servers", h.user(h.handleListServers))
	mux.HandleFunc("POST /api/v1/servers", h.admin(h.handleCreateServer))
	mux.HandleFunc("GET /api/v1/servers/{id}", h.server(permission.Sentinel, h.handleGetServer))
	mux.HandleFunc("DELETE /api/v1/servers/{id}", h.server(permission.Delete, h.handleDeleteServer))
	mux.HandleFunc("GET /api/v1/servers/{id}/status", h.server(permission.Sentinel, h.handleStatus))
	mux.HandleFunc("POST /api/v1/servers/{id}/power", h.server(permission.Power, h.handlePower))
	mux.HandleFunc("POST /api/v1/servers/{id}/command", h.server(permission.Console, h.handleCommand))
	for section, perm := range configSections {
		mux.HandleFunc("GET /api/v1/servers/{id}/"+section, h.server(perm, h.handleGetConfig(section)))
		mux.HandleFunc("PUT /api/v1/servers/{id}/"+section, h.server(perm, h.handlePutConfig(section)))
	}
	mux.HandleFunc("GET /api/v1/servers/{id}/stats", h.server(permission.Stats, h.handleStats))
	mux.HandleFunc("GET /api/v1/servers/{id}/logs", h.server(permission.Logs, h.handleLogs))
	mux.HandleFunc("PUT /api/v1/servers/{id}/grants", h.server(permission.Permissions, h.handleGrant))
	mux.HandleFunc("DELETE /api/v1/servers/{id}/grants", h.server(permission.Permissions, h.handleRevoke))
	mux.HandleFunc("GET /api/v1/servers/{id}/console", h.server(permission.Console, h.handleConsole))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// user rejects requests without a valid user token. Browsers cannot set
// headers on websocket upgrades, so the token may also come as ?token=.
func (h *Handler) user(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := h.Signer.Parse(tok)
		if err != nil || claims.UserID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	}
}

func (h *Handler) admin(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return h.user(func(w http.ResponseWriter, r *http.Request) {
		if !claimsFrom(r).IsAdmin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next(w, r)
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(ctxKey{}).(*auth.Claims)
	return c
}

// server runs the cascade over coordinator data, then resolves the node
// session. The node runs the same cascade again over its own copy.
func (h *Handler) server(required string, next serverFunc) http.HandlerFunc {
	return h.user(func(w http.ResponseWriter, r *http.Request) {
		user := claimsFrom(r)
		ref, err := h.Store.GetServerRef(r.Context(), r.PathValue("id"))
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.Log.Error("load server ref failed", zap.String("server", r.PathValue("id")), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load server")
			return
		}
		var grants []model.PermissionGrant
		if found && user.UserID != ref.OwnerID {
			if grants, err = h.Store.Grants(r.Context(), ref.ID, user.UserID); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load grants")
				return
			}
		}
		switch err := permission.Authorize(found, ref.OwnerID, user.UserID, grants, required); {
		case errors.Is(err, permission.ErrNotFound):
			writeError(w, http.StatusNotFound, "server not found")
			return
		case err != nil:
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		client, err := h.Nodes.Client(ref.NodeID)
		if err != nil {
			h.writeNodeError(w, ref.NodeID, err)
			return
		}
		next(w, r, ref, client, user)
	})
}

// writeNodeError maps a failed node call to the caller. Engine outcomes
// reported by the node are passed through unchanged.
func (h *Handler) writeNodeError(w http.ResponseWriter, nodeID string, err error) {
	if errors.Is(err, nodes.ErrNoSession) || errors.Is(err, nodes.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "node unavailable")
		return
	}
	var re *rpc.Error
	if !errors.As(err, &re) {
		h.Log.Error("node call failed", zap.String("node", nodeID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "node call failed")
		return
	}
	status := http.StatusBadGateway
	switch re.Kind {
	case rpc.KindNotFound:
		status = http.StatusNotFound
	case rpc.KindBadRequest:
		status = http.StatusBadRequest
	case rpc.KindConflict:
		status = http.StatusConflict
	case rpc.KindUnauthorized:
		// 401 means the session token was refused; the heartbeat will re-authenticate.
		if re.Status == http.StatusForbidden {
			status = http.StatusForbidden
		}
	case rpc.KindRemote:
		if re.Status >= 500 && re.Status < 600 {
			status = re.Status
		}
	}
	if status == http.StatusBadGateway {
		h.Log.Warn("node call failed", zap.String("node", nodeID), zap.Error(err))
	}
	msg := re.Message
	if msg == "" {
		msg = "node call failed"
	}
	writeJSON(w, status, rpc.ErrorResponse{Error: msg, Outcome: re.Outcome, EngineStatus: re.EngineStatus})
}

func (h *Handler) audit(ctx context.Context, userID, serverID, text string, success bool) {
	e := model.LogEntry{ID: uuid.NewString(), UserID: userID, ServerID: serverID, Text: text, Timestamp: time.Now().UTC(), Success: success}
	if err := h.Store.AppendLog(ctx, e); err != nil {
		h.Log.Warn("append audit failed", zap.Error(err))
	}
}

func jsonDecode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := jsonDecode(r, v); err != nil {
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
