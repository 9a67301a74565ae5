package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fastybird/accounts-module/internal/accounts"
)

const accountColumns = `
	a.id, a.kind, a.state, a.request_hash, a.last_visit, a.created_at, a.updated_at,
	coalesce((
		select json_agg(r.name order by ar.position)
		from account_roles ar
		join roles r on r.id = ar.role_id
		where ar.account_id = a.id
	), '[]')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (accounts.Account, error) {
	var (
		a         accounts.Account
		kind      string
		state     string
		hash      sql.NullString
		lastVisit sql.NullTime
		rawRoles  []byte
	)
	if err := row.Scan(&a.ID, &kind, &state, &hash, &lastVisit, &a.CreatedAt, &a.UpdatedAt, &rawRoles); err != nil {
		return accounts.Account{}, err
	}
	a.Kind = accounts.AccountKind(kind)
	a.State = accounts.AccountState(state)
	a.RequestHash = hash.String
	a.LastVisit = timePtr(lastVisit)
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &a.Roles); err != nil {
			return accounts.Account{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(a.Roles) == 0 {
		a.Roles = nil
	}
	return a, nil
}

func (t *tx) AccountByID(ctx context.Context, id string) (accounts.Account, error) {
	row := t.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts a where a.id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a, err
}

func (t *tx) ExistsAdministrator(ctx context.Context, exclude []string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		select exists (
			select 1
			from accounts a
			join account_roles ar on ar.account_id = a.id
			join roles r on r.id = ar.role_id
			where r.name = $1
			  and a.state <> 'deleted'
			  and not (a.id = any(string_to_array($2, ',')))
		)
	`, accounts.RoleAdministrator, strings.Join(exclude, ",")).Scan(&exists)
	return exists, err
}

const emailColumns = `id, account_id, address, is_default, is_verified, visibility, created_at, updated_at`

func scanEmail(row rowScanner) (accounts.Email, error) {
	var (
		e   accounts.Email
		vis string
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Address, &e.IsDefault, &e.IsVerified, &vis, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return accounts.Email{}, err
	}
	e.Visibility = accounts.Visibility(vis)
	return e, nil
}

func (t *tx) EmailByID(ctx context.Context, id string) (accounts.Email, error) {
	e, err := scanEmail(t.tx.QueryRowContext(ctx, `select `+emailColumns+` from emails where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Email{}, accounts.ErrNotFound
	}
	return e, err
}

func (t *tx) EmailByAddress(ctx context.Context, address string) (accounts.Email, error) {
	e, err := scanEmail(t.tx.QueryRowContext(ctx, `select `+emailColumns+` from emails where lower(address) = lower($1)`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Email{}, accounts.ErrNotFound
	}
	return e, err
}

func (t *tx) EmailsByAccount(ctx context.Context, accountID string) ([]accounts.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+emailColumns+`
		from emails
		where account_id = $1
		order by created_at, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []accounts.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const identityColumns = `id, account_id, uid, kind, secret, salt, state, created_at, updated_at`

func scanIdentity(row rowScanner) (accounts.Identity, error) {
	var (
		i      accounts.Identity
		kind   string
		secret string
		salt   string
		state  string
	)
	if err := row.Scan(&i.ID, &i.AccountID, &i.UID, &kind, &secret, &salt, &state, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return accounts.Identity{}, err
	}
	switch accounts.AccountKind(kind) {
	case accounts.KindUser:
		i.Credential = accounts.UserCredential{Digest: secret, Salt: salt}
	case accounts.KindMachine:
		i.Credential = accounts.MachineCredential{Token: secret}
	default:
		return accounts.Identity{}, fmt.Errorf("identity %s has unknown kind %q", i.ID, kind)
	}
	i.State = accounts.IdentityState(state)
	return i, nil
}

func credentialColumns(c accounts.Credential) (kind, secret, salt string, err error) {
	switch v := c.(type) {
	case accounts.UserCredential:
		return string(accounts.KindUser), v.Digest, v.Salt, nil
	case accounts.MachineCredential:
		return string(accounts.KindMachine), v.Token, "", nil
	default:
		return "", "", "", fmt.Errorf("%w: unsupported credential %T", accounts.ErrInvalidInput, c)
	}
}

func (t *tx) IdentityByID(ctx context.Context, id string) (accounts.Identity, error) {
	i, err := scanIdentity(t.tx.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Identity{}, accounts.ErrNotFound
	}
	return i, err
}

func (t *tx) IdentityByUID(ctx context.Context, uid string) (accounts.Identity, error) {
	i, err := scanIdentity(t.tx.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where uid = $1 and state <> 'invalid'
	`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Identity{}, accounts.ErrNotFound
	}
	return i, err
}

func (t *tx) IdentitiesByAccount(ctx context.Context, accountID string) ([]accounts.Identity, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+identityColumns+`
		from identities
		where account_id = $1
		order by created_at, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []accounts.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const roleColumns = `id, name, description, coalesce(parent_id, ''), created_at`

func scanRole(row rowScanner) (accounts.Role, error) {
	var r accounts.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.ParentID, &r.CreatedAt)
	return r, err
}

func (t *tx) RoleByName(ctx context.Context, name string) (accounts.Role, error) {
	r, err := scanRole(t.tx.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Role{}, accounts.ErrNotFound
	}
	return r, err
}

func (t *tx) Roles(ctx context.Context) ([]accounts.Role, error) {
	rows, err := t.tx.QueryContext(ctx, `select `+roleColumns+` from roles order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []accounts.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *tx) InsertRole(ctx context.Context, role accounts.Role) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into roles (id, name, description, parent_id, created_at)
		values ($1, $2, $3, $4, $5)
	`, role.ID, role.Name, role.Description, nullIfEmpty(role.ParentID), role.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return accounts.DuplicateIdentifier("role", role.Name)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: parent role %s", accounts.ErrNotFound, role.ParentID)
		}
	}
	return err
}

func (t *tx) RevokeIdentityTokens(ctx context.Context, identityID string) error {
	_, err := t.tx.ExecContext(ctx, `delete from access_tokens where identity_id = $1`, identityID)
	return err
}

// Apply writes a checked changeset. Account inserts go first so emails and
// identities can reference them; email deletes and default-flag clears go
// before the remaining email writes so the one-default index holds after
// every statement.
func (t *tx) Apply(ctx context.Context, cs *accounts.Changeset) error {
	if cs == nil || !cs.Checked() {
		return accounts.ErrUnchecked
	}
	for _, ch := range cs.Accounts() {
		if err := t.applyAccount(ctx, ch); err != nil {
			return err
		}
	}

	var first, rest []*accounts.EmailChange
	for _, ch := range cs.Emails() {
		switch {
		case ch.Op == accounts.OpDelete:
			first = append(first, ch)
		case ch.Op == accounts.OpUpdate && ch.Before.IsDefault && !ch.After.IsDefault:
			first = append(first, ch)
		default:
			rest = append(rest, ch)
		}
	}
	for _, ch := range append(first, rest...) {
		if err := t.applyEmail(ctx, ch); err != nil {
			return err
		}
	}

	// updates release uids before inserts claim them
	for _, op := range []accounts.Op{accounts.OpUpdate, accounts.OpInsert} {
		for _, ch := range cs.Identities() {
			if ch.Op != op {
				continue
			}
			if err := t.applyIdentity(ctx, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tx) applyAccount(ctx context.Context, ch *accounts.AccountChange) error {
	a := ch.After
	switch ch.Op {
	case accounts.OpInsert:
		if _, err := t.tx.ExecContext(ctx, `
			insert into accounts (id, kind, state, request_hash, last_visit, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, string(a.Kind), string(a.State), nullIfEmpty(a.RequestHash), nullTime(a.LastVisit), a.CreatedAt, a.UpdatedAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return accounts.DuplicateIdentifier("account", a.ID)
			}
			return err
		}
		return t.replaceRoles(ctx, a.ID, a.Roles, false)
	case accounts.OpUpdate:
		res, err := t.tx.ExecContext(ctx, `
			update accounts
			set state = $2, request_hash = $3, last_visit = $4, updated_at = $5
			where id = $1
		`, a.ID, string(a.State), nullIfEmpty(a.RequestHash), nullTime(a.LastVisit), a.UpdatedAt)
		if err != nil {
			return err
		}
		if ok, err := affected(res); err != nil {
			return err
		} else if !ok {
			return accounts.ErrNotFound
		}
		if ch.Before != nil && slices.Equal(ch.Before.Roles, a.Roles) {
			return nil
		}
		return t.replaceRoles(ctx, a.ID, a.Roles, true)
	default:
		return fmt.Errorf("%w: unsupported account operation %s", accounts.ErrInvalidInput, ch.Op)
	}
}

func (t *tx) replaceRoles(ctx context.Context, accountID string, roles []string, clear bool) error {
	if clear {
		if _, err := t.tx.ExecContext(ctx, `delete from account_roles where account_id = $1`, accountID); err != nil {
			return err
		}
	}
	for pos, name := range roles {
		res, err := t.tx.ExecContext(ctx, `
			insert into account_roles (account_id, role_id, position)
			select $1, id, $3 from roles where name = $2
		`, accountID, name, pos)
		if err != nil {
			return err
		}
		if ok, err := affected(res); err != nil {
			return err
		} else if !ok {
			return accounts.ErrUnknownRole
		}
	}
	return nil
}

func (t *tx) applyEmail(ctx context.Context, ch *accounts.EmailChange) error {
	var err error
	switch ch.Op {
	case accounts.OpDelete:
		_, err = t.tx.ExecContext(ctx, `delete from emails where id = $1`, ch.Before.ID)
		return err
	case accounts.OpInsert:
		e := ch.After
		_, err = t.tx.ExecContext(ctx, `
			insert into emails (id, account_id, address, is_default, is_verified, visibility, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, e.AccountID, e.Address, e.IsDefault, e.IsVerified, string(e.Visibility), e.CreatedAt, e.UpdatedAt)
	case accounts.OpUpdate:
		e := ch.After
		var res sql.Result
		res, err = t.tx.ExecContext(ctx, `
			update emails
			set address = $2, is_default = $3, is_verified = $4, visibility = $5, updated_at = $6
			where id = $1
		`, e.ID, e.Address, e.IsDefault, e.IsVerified, string(e.Visibility), e.UpdatedAt)
		if err == nil {
			if ok, rerr := affected(res); rerr != nil {
				return rerr
			} else if !ok {
				return accounts.ErrNotFound
			}
		}
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == "emails_one_default":
			return accounts.ErrEmailMustStayDefault
		case pgErr.Code == pgErrUniqueViolation:
			return accounts.DuplicateIdentifier("email", ch.After.Address)
		case pgErr.Code == pgErrForeignKeyViolation:
			return accounts.ErrNotFound
		}
	}
	return err
}

func (t *tx) applyIdentity(ctx context.Context, ch *accounts.IdentityChange) error {
	i := ch.After
	kind, secret, salt, err := credentialColumns(i.Credential)
	if err != nil {
		return err
	}
	switch ch.Op {
	case accounts.OpInsert:
		_, err = t.tx.ExecContext(ctx, `
			insert into identities (id, account_id, uid, kind, secret, salt, state, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, i.ID, i.AccountID, i.UID, kind, secret, salt, string(i.State), i.CreatedAt, i.UpdatedAt)
	case accounts.OpUpdate:
		var res sql.Result
		res, err = t.tx.ExecContext(ctx, `
			update identities
			set uid = $2, secret = $3, salt = $4, state = $5, updated_at = $6
			where id = $1
		`, i.ID, i.UID, secret, salt, string(i.State), i.UpdatedAt)
		if err == nil {
			if ok, rerr := affected(res); rerr != nil {
				return rerr
			} else if !ok {
				return accounts.ErrNotFound
			}
		}
	default:
		return fmt.Errorf("%w: unsupported identity operation %s", accounts.ErrInvalidInput, ch.Op)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return accounts.DuplicateIdentifier("uid", i.UID)
		case pgErrForeignKeyViolation:
			return accounts.ErrNotFound
		}
	}
	return err
}
