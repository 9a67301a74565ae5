package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/audit"
	"github.com/fastybird/accounts-module/internal/auth"
	"github.com/fastybird/accounts-module/internal/obs"
)

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if errCode != "" {
		payload["code"] = errCode
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps core errors to responses: 401 for bad credentials and
// tokens, 403 for unusable accounts, 409 for taken identifiers, 422 for other
// invariant violations.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if v, ok := accounts.AsViolation(err); ok {
		_ = audit.LogEvent(r.Context(), audit.EventInvariantDenied, map[string]any{
			"kind":    string(v.Kind),
			"subject": v.Subject,
		})
		code := http.StatusUnprocessableEntity
		if v.Kind == accounts.KindDuplicateIdentifier {
			code = http.StatusConflict
		}
		writeErrorCode(w, r, code, string(v.Kind), v.Error())
		return
	}
	switch {
	case errors.Is(err, auth.ErrIdentityNotFound), errors.Is(err, auth.ErrInvalidCredential):
		// both read the same to the caller so uids cannot be probed
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token")
	case errors.Is(err, auth.ErrRefreshTokenExpired):
		writeErrorCode(w, r, http.StatusUnauthorized, "refresh_token_expired", "refresh token expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, auth.ErrAccountBlocked):
		writeErrorCode(w, r, http.StatusForbidden, "account_blocked", "account blocked")
	case errors.Is(err, auth.ErrAccountDeleted):
		writeErrorCode(w, r, http.StatusForbidden, "account_deleted", "account deleted")
	case errors.Is(err, auth.ErrAccountUnavailable):
		writeErrorCode(w, r, http.StatusForbidden, "account_unavailable", "account unavailable")
	case errors.Is(err, accounts.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, accounts.ErrInvalidInput), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		l := obs.Logger()
		l.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
