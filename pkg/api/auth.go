package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/model"
	"gamehost/pkg/store"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	IsAdmin  bool   `json:"isAdmin"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// handleRegister is open until the first user exists, who becomes admin.
// After that only admins may add users.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	count, err := h.Store.CountUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count users")
		return
	}
	actor := ""
	if count > 0 {
		claims, err := h.Signer.Parse(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err != nil || !claims.IsAdmin {
			writeError(w, http.StatusForbidden, "registration closed")
			return
		}
		actor = claims.UserID
	} else {
		req.IsAdmin = true
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user := model.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		IsAdmin:      req.IsAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if actor == "" {
		actor = user.ID
	}
	switch err := h.Store.CreateUser(r.Context(), user); {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "username taken")
		return
	case err != nil:
		h.Log.Error("create user failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	h.Nodes.MarkUsersDirty()
	h.audit(r.Context(), actor, "", "register user "+user.Username+" admin="+strconv.FormatBool(user.IsAdmin), true)
	h.Log.Info("user registered", zap.String("user", user.ID), zap.Bool("admin", user.IsAdmin))
	h.issue(w, user, http.StatusCreated)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.Store.GetUserByName(r.Context(), req.Username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	h.issue(w, user, http.StatusOK)
}

func (h *Handler) issue(w http.ResponseWriter, user model.User, status int) {
	token, err := h.Signer.IssueUser(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, User: user})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), claimsFrom(r).UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Store.ListLogs(r.Context(), r.URL.Query().Get("server"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
