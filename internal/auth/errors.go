package auth

import "errors"

// Authentication failures. Callers map them to responses; they are never logged as errors.
var (
	ErrIdentityNotFound   = errors.New("auth: identity not found")
	ErrInvalidCredential  = errors.New("auth: invalid credential")
	ErrAccountBlocked     = errors.New("auth: account blocked")
	ErrAccountDeleted     = errors.New("auth: account deleted")
	ErrAccountUnavailable = errors.New("auth: account unavailable")
)

// Token failures.
var (
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrRefreshTokenExpired = errors.New("auth: refresh token expired")
	// ErrInvalidToken covers malformed, forged, revoked and expired access tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

var (
	// ErrTokenNotFound is returned by stores for unknown token ids.
	ErrTokenNotFound = errors.New("auth: token not found")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// IsAuthFailure reports whether err is an expected authentication or token
// outcome rather than an infrastructure error.
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrIdentityNotFound, ErrInvalidCredential, ErrAccountBlocked, ErrAccountDeleted,
		ErrAccountUnavailable, ErrInvalidRefreshToken, ErrRefreshTokenExpired, ErrInvalidToken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrIdentityNotFound):
		return "identity_not_found"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrAccountBlocked):
		return "account_blocked"
	case errors.Is(err, ErrAccountDeleted):
		return "account_deleted"
	case errors.Is(err, ErrAccountUnavailable):
		return "account_unavailable"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "error"
	}
}
