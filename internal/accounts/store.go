package accounts

import "context"

// Reader is the read side of a store transaction the engine and the service
// evaluate against. Lookups return ErrNotFound when nothing matches.
type Reader interface {
	AccountByID(ctx context.Context, id string) (Account, error)
	// ExistsAdministrator reports whether a committed, non-deleted account other
	// than the excluded ones holds the administrator role.
	ExistsAdministrator(ctx context.Context, exclude []string) (bool, error)
	EmailByID(ctx context.Context, id string) (Email, error)
	EmailByAddress(ctx context.Context, address string) (Email, error)
	EmailsByAccount(ctx context.Context, accountID string) ([]Email, error)
	IdentityByID(ctx context.Context, id string) (Identity, error)
	// IdentityByUID ignores invalid identities.
	IdentityByUID(ctx context.Context, uid string) (Identity, error)
	IdentitiesByAccount(ctx context.Context, accountID string) ([]Identity, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	Roles(ctx context.Context) ([]Role, error)
}

// Tx is a store transaction as seen by the account write path.
type Tx interface {
	Reader
	// Apply persists a changeset the engine has checked. Unchecked changesets
	// are refused with ErrUnchecked.
	Apply(ctx context.Context, cs *Changeset) error
	InsertRole(ctx context.Context, role Role) error
	// RevokeIdentityTokens deletes every access and refresh token of an identity.
	RevokeIdentityTokens(ctx context.Context, identityID string) error
}

// Store runs fn inside one transaction, committing when fn returns nil and
// rolling back every change otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
