package accounts

import (
	"fmt"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/secret"
)

// IdentityState is the lifecycle state of a credential.
type IdentityState string

const (
	IdentityActive  IdentityState = "active"
	IdentityBlocked IdentityState = "blocked"
	IdentityDeleted IdentityState = "deleted"
	// IdentityInvalid marks a superseded credential. Invalid identities keep their
	// row but release their uid and can never authenticate.
	IdentityInvalid IdentityState = "invalid"
)

// Valid reports whether s is a known identity state.
func (s IdentityState) Valid() bool {
	switch s {
	case IdentityActive, IdentityBlocked, IdentityDeleted, IdentityInvalid:
		return true
	}
	return false
}

// Credential is the secret half of an identity. The concrete types are
// UserCredential and MachineCredential.
type Credential interface {
	Kind() AccountKind
	Verify(h secret.Hasher, supplied string) bool
}

// UserCredential stores a salted digest of a human-chosen password.
type UserCredential struct {
	Digest string
	Salt   string
}

func (UserCredential) Kind() AccountKind { return KindUser }

func (c UserCredential) Verify(h secret.Hasher, supplied string) bool {
	if h == nil {
		return false
	}
	return h.Verify(c.Digest, supplied, c.Salt)
}

// MachineCredential stores an opaque generated token.
type MachineCredential struct {
	Token string
}

func (MachineCredential) Kind() AccountKind { return KindMachine }

func (c MachineCredential) Verify(_ secret.Hasher, supplied string) bool {
	if c.Token == "" || supplied == "" {
		return false
	}
	return secret.Equal(c.Token, supplied)
}

// Identity binds a login handle and a credential to exactly one account.
type Identity struct {
	ID         string
	AccountID  string
	UID        string
	Credential Credential
	State      IdentityState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Kind reports the credential kind, or "" when no credential is set.
func (i Identity) Kind() AccountKind {
	if i.Credential == nil {
		return ""
	}
	return i.Credential.Kind()
}

// NormalizeUID trims the login handle. UIDs are compared case-sensitively.
func NormalizeUID(uid string) string {
	return strings.TrimSpace(uid)
}

func validateIdentity(i Identity) error {
	if strings.TrimSpace(i.ID) == "" || strings.TrimSpace(i.AccountID) == "" {
		return fmt.Errorf("%w: identity and account ids are required", ErrInvalidInput)
	}
	if i.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	if i.Credential == nil {
		return fmt.Errorf("%w: credential is required", ErrInvalidInput)
	}
	if !i.State.Valid() {
		return fmt.Errorf("%w: unsupported identity state %q", ErrInvalidInput, i.State)
	}
	return nil
}
