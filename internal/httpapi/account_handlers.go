package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/audit"
	"github.com/fastybird/accounts-module/internal/auth"
)

type emailRequest struct {
	Address    string `json:"address"`
	IsDefault  bool   `json:"is_default"`
	IsVerified bool   `json:"is_verified"`
	Visibility string `json:"visibility"`
}

type identityRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

type createAccountRequest struct {
	Kind     string           `json:"kind"`
	State    string           `json:"state"`
	Roles    []string         `json:"roles"`
	Emails   []emailRequest   `json:"emails"`
	Identity *identityRequest `json:"identity"`
}

// Roles distinguishes absent (nil, unchanged) from [] (clear).
type updateAccountRequest struct {
	State    *string  `json:"state"`
	Roles    []string `json:"roles"`
	Password *string  `json:"password"`
}

type updateEmailRequest struct {
	Address    *string `json:"address"`
	IsDefault  *bool   `json:"is_default"`
	IsVerified *bool   `json:"is_verified"`
	Visibility *string `json:"visibility"`
}

type emailResponse struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	IsDefault  bool      `json:"is_default"`
	IsVerified bool      `json:"is_verified"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
}

type identityResponse struct {
	ID    string `json:"id"`
	UID   string `json:"uid"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

type accountResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	Roles     []string        `json:"roles"`
	LastVisit *time.Time      `json:"last_visit,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Emails    []emailResponse `json:"emails,omitempty"`
}

type createAccountResponse struct {
	accountResponse
	Identity     *identityResponse `json:"identity,omitempty"`
	MachineToken string            `json:"machine_token,omitempty"`
}

func toEmailResponse(e accounts.Email) emailResponse {
	return emailResponse{
		ID:         e.ID,
		Address:    e.Address,
		IsDefault:  e.IsDefault,
		IsVerified: e.IsVerified,
		Visibility: string(e.Visibility),
		CreatedAt:  e.CreatedAt,
	}
}

func toAccountResponse(acc accounts.Account, emails []accounts.Email) accountResponse {
	roles := acc.Roles
	if roles == nil {
		roles = []string{}
	}
	out := accountResponse{
		ID:        acc.ID,
		Kind:      string(acc.Kind),
		State:     string(acc.State),
		Roles:     roles,
		LastVisit: acc.LastVisit,
		CreatedAt: acc.CreatedAt,
		UpdatedAt: acc.UpdatedAt,
	}
	for _, e := range emails {
		out.Emails = append(out.Emails, toEmailResponse(e))
	}
	return out
}

func (req emailRequest) toNewEmail() accounts.NewEmail {
	return accounts.NewEmail{
		Address:    req.Address,
		IsDefault:  req.IsDefault,
		IsVerified: req.IsVerified,
		Visibility: accounts.Visibility(strings.ToLower(strings.TrimSpace(req.Visibility))),
	}
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if !a.requireRole(w, r, accounts.RoleManager) {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.requireAuthority(w, r, "", req.Roles) {
		return
	}
	input := accounts.NewAccount{
		Kind:  accounts.AccountKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		State: accounts.AccountState(strings.ToLower(strings.TrimSpace(req.State))),
		Roles: req.Roles,
	}
	for _, e := range req.Emails {
		input.Emails = append(input.Emails, e.toNewEmail())
	}
	if req.Identity != nil {
		input.Identity = &accounts.NewIdentity{UID: req.Identity.UID, Secret: req.Identity.Password}
	}

	created, err := a.accounts.CreateAccount(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := createAccountResponse{
		accountResponse: toAccountResponse(created.Account, created.Emails),
		MachineToken:    created.MachineToken,
	}
	if created.Identity != nil {
		resp.Identity = &identityResponse{
			ID:    created.Identity.ID,
			UID:   created.Identity.UID,
			Kind:  string(created.Identity.Kind()),
			State: string(created.Identity.State),
		}
	}
	_ = audit.LogEvent(r.Context(), audit.EventAccountCreated, map[string]any{
		"target": created.Account.ID,
		"kind":   string(created.Account.Kind),
		"roles":  created.Account.Roles,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/accounts/%s", created.Account.ID))
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requireSelfOrRole(w, r, id, accounts.RoleManager) {
		return
	}
	acc, err := a.accounts.Account(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var emails []accounts.Email
	if acc.Kind == accounts.KindUser {
		if emails, err = a.accounts.Emails(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc, emails))
}

// handleUpdateAccount changes state and roles (managers holding every role
// involved) or the caller's own password.
func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	grant, ok := auth.GrantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == nil && req.Roles == nil && req.Password == nil {
		writeError(w, r, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Password != nil && grant.AccountID != id {
		writeError(w, r, http.StatusForbidden, "only the owner can change the password")
		return
	}

	var (
		acc accounts.Account
		err error
	)
	if req.State != nil || req.Roles != nil {
		if !a.requireRole(w, r, accounts.RoleManager) {
			return
		}
		if !a.requireAuthority(w, r, id, req.Roles) {
			return
		}
		upd := accounts.AccountUpdate{Roles: req.Roles}
		if req.State != nil {
			state := accounts.AccountState(strings.ToLower(strings.TrimSpace(*req.State)))
			upd.State = &state
		}
		if acc, err = a.accounts.UpdateAccount(r.Context(), id, upd); err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventAccountUpdated, map[string]any{
			"target": id,
			"state":  string(acc.State),
			"roles":  acc.Roles,
		})
	}
	if req.Password != nil {
		if err := a.accounts.ChangeSecret(r.Context(), grant.IdentityID, *req.Password); err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventSecretChanged, map[string]any{"target": id})
		if acc, err = a.accounts.Account(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc, nil))
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requireAuthority(w, r, id, nil) {
		return
	}
	if err := a.accounts.DeleteAccount(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAccountDeleted, map[string]any{"target": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListEmails(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requireSelfOrRole(w, r, id, accounts.RoleManager) {
		return
	}
	emails, err := a.accounts.Emails(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]emailResponse, 0, len(emails))
	for _, e := range emails {
		items = append(items, toEmailResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAddEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requireAuthority(w, r, id, nil) {
		return
	}
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email, err := a.accounts.AddEmail(r.Context(), id, req.toNewEmail())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventEmailChanged, map[string]any{
		"target": id,
		"email":  email.ID,
		"op":     "insert",
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/accounts/%s/emails/%s", id, email.ID))
	writeJSON(w, http.StatusCreated, toEmailResponse(email))
}

func (a *API) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	id, emailID := r.PathValue("id"), r.PathValue("email_id")
	if !a.requireAuthority(w, r, id, nil) {
		return
	}
	var req updateEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := accounts.EmailUpdate{
		Address:    req.Address,
		IsDefault:  req.IsDefault,
		IsVerified: req.IsVerified,
	}
	if req.Visibility != nil {
		v := accounts.Visibility(strings.ToLower(strings.TrimSpace(*req.Visibility)))
		upd.Visibility = &v
	}
	email, err := a.accounts.UpdateEmail(r.Context(), id, emailID, upd)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventEmailChanged, map[string]any{
		"target": id,
		"email":  emailID,
		"op":     "update",
	})
	writeJSON(w, http.StatusOK, toEmailResponse(email))
}

func (a *API) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	id, emailID := r.PathValue("id"), r.PathValue("email_id")
	if !a.requireAuthority(w, r, id, nil) {
		return
	}
	if err := a.accounts.DeleteEmail(r.Context(), id, emailID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventEmailChanged, map[string]any{
		"target": id,
		"email":  emailID,
		"op":     "delete",
	})
	w.WriteHeader(http.StatusNoContent)
}
