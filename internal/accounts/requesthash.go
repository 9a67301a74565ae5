package accounts

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/ids"
)

const requestHashSeparator = "."

// NewRequestHash returns an opaque verification token valid until now+ttl.
// The expiry travels inside the token so validity can be checked without a lookup;
// possession of the stored value is what proves ownership.
func NewRequestHash(now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: request hash ttl must be positive", ErrInvalidInput)
	}
	nonce, err := ids.Secret(24)
	if err != nil {
		return "", fmt.Errorf("generate request hash: %w", err)
	}
	expires := strconv.FormatInt(now.Add(ttl).Unix(), 10)
	raw := nonce + requestHashSeparator + expires
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// RequestHashValid reports whether hash is well formed and not expired at now.
func RequestHashValid(hash string, now time.Time) bool {
	expires, ok := requestHashExpiry(hash)
	if !ok {
		return false
	}
	return now.Before(expires)
}

func requestHashExpiry(hash string) (time.Time, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(hash)
	if err != nil {
		return time.Time{}, false
	}
	nonce, expires, found := strings.Cut(string(raw), requestHashSeparator)
	if !found || nonce == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
