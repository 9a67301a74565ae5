package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
)

func (t *tx) RecordVisit(ctx context.Context, accountID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `update accounts set last_visit = $2 where id = $1`, accountID, at)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return accounts.ErrNotFound
	}
	return nil
}

func (t *tx) UpdateUserCredential(ctx context.Context, identityID string, cred accounts.UserCredential, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update identities set secret = $2, salt = $3, updated_at = $4
		where id = $1 and kind = 'user'
	`, identityID, cred.Digest, cred.Salt, at)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return accounts.ErrNotFound
	}
	return nil
}

func (t *tx) InsertTokenPair(ctx context.Context, access auth.AccessToken, refresh auth.RefreshToken) error {
	if refresh.AccessTokenID != access.ID {
		return fmt.Errorf("%w: refresh token must reference its access token", auth.ErrInvalidInput)
	}
	roles, err := json.Marshal(nonNilRoles(access.Roles))
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
		insert into access_tokens (id, token_hash, identity_id, account_id, roles, valid_till, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, access.ID, access.Digest, access.IdentityID, access.AccountID, string(roles), nullTime(access.ValidTill), access.CreatedAt); err != nil {
		return tokenWriteError(err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		insert into refresh_tokens (id, token_hash, access_token_id, valid_till, created_at)
		values ($1, $2, $3, $4, $5)
	`, refresh.ID, refresh.Digest, refresh.AccessTokenID, refresh.ValidTill, refresh.CreatedAt); err != nil {
		return tokenWriteError(err)
	}
	return nil
}

func tokenWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: token id already issued", auth.ErrInvalidInput)
		case pgErrForeignKeyViolation:
			return accounts.ErrNotFound
		}
	}
	return err
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

func (t *tx) AccessTokenByID(ctx context.Context, id string) (auth.AccessToken, error) {
	var (
		a         auth.AccessToken
		rawRoles  []byte
		validTill sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `
		select id, token_hash, identity_id, account_id, roles, valid_till, created_at
		from access_tokens
		where id = $1
	`, id).Scan(&a.ID, &a.Digest, &a.IdentityID, &a.AccountID, &rawRoles, &validTill, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.AccessToken{}, auth.ErrTokenNotFound
	}
	if err != nil {
		return auth.AccessToken{}, err
	}
	if err := json.Unmarshal(rawRoles, &a.Roles); err != nil {
		return auth.AccessToken{}, fmt.Errorf("decode token roles: %w", err)
	}
	if len(a.Roles) == 0 {
		a.Roles = nil
	}
	a.ValidTill = timePtr(validTill)
	return a, nil
}

// LockRefreshToken holds the row until the transaction ends, so a second
// rotation of the same token waits and then finds it gone.
func (t *tx) LockRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	var r auth.RefreshToken
	err := t.tx.QueryRowContext(ctx, `
		select id, token_hash, access_token_id, valid_till, created_at
		from refresh_tokens
		where id = $1
		for update
	`, id).Scan(&r.ID, &r.Digest, &r.AccessTokenID, &r.ValidTill, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrTokenNotFound
	}
	return r, err
}

func (t *tx) DeleteRefreshToken(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `delete from refresh_tokens where id = $1`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeleteAccessToken relies on the cascade to drop the paired refresh token.
func (t *tx) DeleteAccessToken(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `delete from access_tokens where id = $1`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}
