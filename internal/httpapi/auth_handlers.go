package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/audit"
	"github.com/fastybird/accounts-module/internal/auth"
)

type loginRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	TokenType        string     `json:"token_type"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	AccountID        string     `json:"account_id"`
	IdentityID       string     `json:"identity_id"`
	Roles            []string   `json:"roles"`
}

type grantResponse struct {
	AccountID  string     `json:"account_id"`
	IdentityID string     `json:"identity_id"`
	Roles      []string   `json:"roles"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func toSessionResponse(s auth.Session) sessionResponse {
	roles := s.Roles
	if roles == nil {
		roles = []string{}
	}
	return sessionResponse{
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        s.AccessExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
		AccountID:        s.AccountID,
		IdentityID:       s.IdentityID,
		Roles:            roles,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "uid and password are required")
		return
	}

	session, err := a.sessions.Login(r.Context(), uid, req.Password)
	if err != nil {
		if auth.IsAuthFailure(err) {
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
				"uid":    uid,
				"client": clientIP(r),
			})
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithGrant(r.Context(), auth.Grant{
		AccountID:  session.AccountID,
		IdentityID: session.IdentityID,
	}), audit.EventLogin, map[string]any{
		"client": clientIP(r),
	})
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	session, err := a.sessions.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithGrant(r.Context(), auth.Grant{
		AccountID:  session.AccountID,
		IdentityID: session.IdentityID,
	}), audit.EventRefresh, nil)
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// handleLogout revokes the presented access token and its refresh token. It runs
// without the auth middleware so expired or already revoked tokens still succeed.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="accounts"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.sessions.Logout(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, map[string]any{
		"client": clientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	grant, ok := auth.GrantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	roles := grant.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, grantResponse{
		AccountID:  grant.AccountID,
		IdentityID: grant.IdentityID,
		Roles:      roles,
		ValidUntil: grant.ValidUntil,
	})
}
