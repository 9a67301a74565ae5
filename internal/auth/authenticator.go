package auth

import (
	"context"
	"errors"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/secret"
)

// Authenticator resolves a uid and secret to a usable identity and account.
// It has no side effects and is safe to retry.
type Authenticator struct {
	hasher secret.Hasher
}

// NewAuthenticator returns an authenticator verifying user passwords with h.
func NewAuthenticator(h secret.Hasher) *Authenticator {
	if h == nil {
		h = secret.NewArgon2()
	}
	return &Authenticator{hasher: h}
}

// Authenticate checks the credential of uid, then the identity and account states.
func (a *Authenticator) Authenticate(ctx context.Context, r Reader, uid, supplied string) (accounts.Identity, accounts.Account, error) {
	uid = accounts.NormalizeUID(uid)
	if uid == "" {
		return accounts.Identity{}, accounts.Account{}, ErrIdentityNotFound
	}
	ident, err := r.IdentityByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return accounts.Identity{}, accounts.Account{}, ErrIdentityNotFound
		}
		return accounts.Identity{}, accounts.Account{}, err
	}
	if ident.State == accounts.IdentityInvalid {
		return accounts.Identity{}, accounts.Account{}, ErrIdentityNotFound
	}
	if ident.Credential == nil || !ident.Credential.Verify(a.hasher, supplied) {
		return accounts.Identity{}, accounts.Account{}, ErrInvalidCredential
	}
	acc, err := a.usable(ctx, r, ident)
	if err != nil {
		return accounts.Identity{}, accounts.Account{}, err
	}
	return ident, acc, nil
}

// rehasher is implemented by hashers that can spot digests written with other
// parameters or another algorithm.
type rehasher interface {
	NeedsRehash(digest string) bool
}

// Upgrade returns a fresh credential for a user identity whose digest is stale,
// such as a bcrypt digest. supplied must already be verified. ok is false when
// nothing needs to change.
func (a *Authenticator) Upgrade(ident accounts.Identity, supplied string) (accounts.UserCredential, bool, error) {
	cred, isUser := ident.Credential.(accounts.UserCredential)
	if !isUser {
		return accounts.UserCredential{}, false, nil
	}
	rh, ok := a.hasher.(rehasher)
	if !ok || !rh.NeedsRehash(cred.Digest) {
		return accounts.UserCredential{}, false, nil
	}
	salt, err := a.hasher.NewSalt()
	if err != nil {
		return accounts.UserCredential{}, false, err
	}
	digest, err := a.hasher.Hash(supplied, salt)
	if err != nil {
		return accounts.UserCredential{}, false, err
	}
	return accounts.UserCredential{Digest: digest, Salt: salt}, true, nil
}

// Reauthenticate re-checks an identity and its account without a secret. Token
// rotation uses it so that blocked or deleted accounts cannot extend a session.
func (a *Authenticator) Reauthenticate(ctx context.Context, r Reader, identityID string) (accounts.Identity, accounts.Account, error) {
	ident, err := r.IdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return accounts.Identity{}, accounts.Account{}, ErrIdentityNotFound
		}
		return accounts.Identity{}, accounts.Account{}, err
	}
	if ident.State == accounts.IdentityInvalid {
		return accounts.Identity{}, accounts.Account{}, ErrIdentityNotFound
	}
	acc, err := a.usable(ctx, r, ident)
	if err != nil {
		return accounts.Identity{}, accounts.Account{}, err
	}
	return ident, acc, nil
}

func (a *Authenticator) usable(ctx context.Context, r Reader, ident accounts.Identity) (accounts.Account, error) {
	switch ident.State {
	case accounts.IdentityBlocked:
		return accounts.Account{}, ErrAccountBlocked
	case accounts.IdentityDeleted:
		return accounts.Account{}, ErrAccountDeleted
	}
	acc, err := r.AccountByID(ctx, ident.AccountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return accounts.Account{}, ErrAccountUnavailable
		}
		return accounts.Account{}, err
	}
	switch acc.State {
	case accounts.StateActive:
		return acc, nil
	case accounts.StateBlocked:
		return accounts.Account{}, ErrAccountBlocked
	case accounts.StateDeleted:
		return accounts.Account{}, ErrAccountDeleted
	default:
		return accounts.Account{}, ErrAccountUnavailable
	}
}
