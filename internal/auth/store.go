package auth

import (
	"context"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
)

// Reader is what authentication needs to look identities and accounts up.
// Lookups return accounts.ErrNotFound when nothing matches.
type Reader interface {
	// IdentityByUID ignores invalid identities.
	IdentityByUID(ctx context.Context, uid string) (accounts.Identity, error)
	IdentityByID(ctx context.Context, id string) (accounts.Identity, error)
	AccountByID(ctx context.Context, id string) (accounts.Account, error)
}

// Tx is a store transaction as seen by the session subsystem. Token lookups
// return ErrTokenNotFound when nothing matches.
type Tx interface {
	Reader
	RecordVisit(ctx context.Context, accountID string, at time.Time) error
	// UpdateUserCredential replaces the digest of a user identity. Only the
	// secret changes, so no account invariant is involved.
	UpdateUserCredential(ctx context.Context, identityID string, cred accounts.UserCredential, at time.Time) error
	InsertTokenPair(ctx context.Context, access AccessToken, refresh RefreshToken) error
	AccessTokenByID(ctx context.Context, id string) (AccessToken, error)
	// LockRefreshToken loads a refresh token and holds it against concurrent
	// rotation until the transaction ends.
	LockRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	// DeleteRefreshToken reports whether a row was removed.
	DeleteRefreshToken(ctx context.Context, id string) (bool, error)
	// DeleteAccessToken removes an access token and its refresh token and
	// reports whether a row was removed.
	DeleteAccessToken(ctx context.Context, id string) (bool, error)
}

// Store runs fn inside one transaction, committing when fn returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
