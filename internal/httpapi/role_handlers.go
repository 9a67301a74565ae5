package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/audit"
	"github.com/fastybird/accounts-module/internal/obs"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Parent      string `json:"parent"`
	Description string `json:"description"`
}

type roleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	Description string `json:"description"`
	Depth       int    `json:"depth"`
}

type passwordResetRequest struct {
	UID string `json:"uid"`
}

type passwordResetConfirmRequest struct {
	UID      string `json:"uid"`
	Hash     string `json:"hash"`
	Password string `json:"password"`
}

// handleListRoles returns the role tree depth-first from the root.
func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	tree, err := a.accounts.RoleTree(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]roleResponse, 0, tree.Len())
	tree.Walk(func(role accounts.Role, depth int) {
		item := roleResponse{ID: role.ID, Name: role.Name, Description: role.Description, Depth: depth}
		if parent, ok := tree.Parent(role.Name); ok {
			item.Parent = parent.Name
		}
		items = append(items, item)
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !a.requireRole(w, r, accounts.RoleAdministrator) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.accounts.CreateRole(r.Context(), req.Name, req.Parent, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleCreated, map[string]any{
		"role":   role.Name,
		"parent": accounts.NormalizeRoleName(req.Parent),
	})
	writeJSON(w, http.StatusCreated, roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Parent:      accounts.NormalizeRoleName(req.Parent),
		Description: role.Description,
	})
}

// handleRequestPasswordReset always answers 202 so callers cannot probe uids.
func (a *API) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "uid is required")
		return
	}
	hash, err := a.accounts.RequestPasswordReset(r.Context(), uid)
	switch {
	case err == nil:
		if nerr := a.notifier.NotifyPasswordReset(r.Context(), uid, hash); nerr != nil {
			l := obs.Logger()
			l.Error().Err(nerr).Str("uid", uid).Msg("deliver password reset")
		}
	case isQuietResetError(err):
		l := obs.Logger()
		l.Debug().Err(err).Str("uid", uid).Msg("password reset skipped")
	default:
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" || req.Hash == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "uid, hash and password are required")
		return
	}
	if err := a.accounts.ResetPassword(r.Context(), uid, req.Hash, req.Password); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, "password reset request is invalid or expired")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordReset, map[string]any{"uid": uid})
	w.WriteHeader(http.StatusNoContent)
}

func isQuietResetError(err error) bool {
	return errors.Is(err, accounts.ErrNotFound) || errors.Is(err, accounts.ErrInvalidInput)
}
