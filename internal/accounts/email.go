package accounts

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Visibility controls whether an email address is shown to other accounts.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Email belongs to exactly one user account.
type Email struct {
	ID         string
	AccountID  string
	Address    string
	IsDefault  bool
	IsVerified bool
	Visibility Visibility
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NormalizeAddress trims and lower-cases an address. Uniqueness is checked on the normalized form.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func validateEmail(e Email) error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("%w: email and account ids are required", ErrInvalidInput)
	}
	parsed, err := mail.ParseAddress(e.Address)
	if err != nil || parsed.Address != e.Address {
		return fmt.Errorf("%w: invalid email address %q", ErrInvalidInput, e.Address)
	}
	if e.Visibility != VisibilityPublic && e.Visibility != VisibilityPrivate {
		return fmt.Errorf("%w: unsupported visibility %q", ErrInvalidInput, e.Visibility)
	}
	return nil
}
