package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
	"github.com/fastybird/accounts-module/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type publicRoute struct {
	method string
	path   string
}

// Routes reachable without an access token. An empty method matches any.
var publicRoutes = []publicRoute{
	{"", "/healthz"},
	{"", "/readyz"},
	{"", "/metrics"},
	{"", "/v1/info"},
	{http.MethodPost, "/v1/session"},
	{http.MethodPatch, "/v1/session"},
	{http.MethodDelete, "/v1/session"},
	{http.MethodPost, "/v1/password-reset"},
	{http.MethodPut, "/v1/password-reset"},
}

func isPublic(r *http.Request) bool {
	for _, p := range publicRoutes {
		if p.path == r.URL.Path && (p.method == "" || p.method == r.Method) {
			return true
		}
	}
	return false
}

// withAuth resolves the bearer token into a grant for every non-public route.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublic(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="accounts"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		grant, err := a.sessions.Authorize(r.Context(), token)
		if err != nil {
			if auth.IsAuthFailure(err) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="accounts", error="invalid_token"`)
				writeErrorCode(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithGrant(r.Context(), grant)))
	})
}

// requireRole writes 401/403 and returns false unless the caller holds role
// or a role inheriting it.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	grant, ok := auth.GrantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	allowed, err := a.grants(r, grant, role)
	if err != nil {
		l := obs.Logger()
		l.Error().Err(err).Msg("load role tree")
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// requireSelfOrRole lets the owner of accountID through, otherwise falls back to requireRole.
func (a *API) requireSelfOrRole(w http.ResponseWriter, r *http.Request, accountID, role string) bool {
	grant, ok := auth.GrantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if grant.AccountID == accountID {
		return true
	}
	return a.requireRole(w, r, role)
}

// requireAuthority guards writes on accountID. Callers other than the owner need
// the manager role and must hold every role the target account holds. Each role
// in assign must be held by the caller as well. Roles missing from the tree are
// left to the invariant engine.
func (a *API) requireAuthority(w http.ResponseWriter, r *http.Request, accountID string, assign []string) bool {
	grant, ok := auth.GrantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	self := grant.AccountID == accountID
	if !self && !a.requireRole(w, r, accounts.RoleManager) {
		return false
	}

	required := accounts.NormalizeRoles(assign)
	if !self && accountID != "" {
		target, err := a.accounts.Account(r.Context(), accountID)
		if err != nil {
			writeServiceError(w, r, err)
			return false
		}
		required = append(required, target.Roles...)
	}
	if len(required) == 0 {
		return true
	}

	tree, err := a.accounts.RoleTree(r.Context())
	if err != nil {
		l := obs.Logger()
		l.Error().Err(err).Msg("load role tree")
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	for _, role := range required {
		if _, known := tree.ByName(role); !known {
			continue
		}
		if !tree.Grants(grant.Roles, role) {
			writeErrorCode(w, r, http.StatusForbidden, "insufficient_role", "role "+role+" exceeds the caller's roles")
			return false
		}
	}
	return true
}

func (a *API) grants(r *http.Request, grant auth.Grant, role string) (bool, error) {
	if grant.HasRole(role) {
		return true, nil
	}
	tree, err := a.accounts.RoleTree(r.Context())
	if err != nil {
		return false, err
	}
	return tree.Grants(grant.Roles, role), nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
