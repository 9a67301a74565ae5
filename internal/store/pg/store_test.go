package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectAccountsTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
}

// checked marks cs as passed without consulting the database.
func checked(t *testing.T, cs *accounts.Changeset) *accounts.Changeset {
	t.Helper()
	engine := accounts.NewEngine(accounts.DefaultPolicy(), accounts.WithRules())
	if err := engine.Enforce(context.Background(), nil, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	return cs
}

var accountRowColumns = []string{"id", "kind", "state", "request_hash", "last_visit", "created_at", "updated_at", "roles"}

func TestAccountByIDDecodesRoles(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	expectAccountsTx(mock)
	mock.ExpectQuery("select .* from accounts a where a.id = \\$1").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acc-1", "user", "active", nil, now, now, now, []byte(`["user","manager"]`)))
	mock.ExpectCommit()

	var got accounts.Account
	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		var err error
		got, err = tx.AccountByID(context.Background(), "acc-1")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if got.Kind != accounts.KindUser || got.State != accounts.StateActive {
		t.Fatalf("unexpected account: %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "user" || got.Roles[1] != "manager" {
		t.Fatalf("unexpected roles: %v", got.Roles)
	}
	if got.LastVisit == nil || !got.LastVisit.Equal(now) {
		t.Fatalf("unexpected last visit: %v", got.LastVisit)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountByIDMissing(t *testing.T) {
	store, mock := newMockStore(t)

	expectAccountsTx(mock)
	mock.ExpectQuery("from accounts a where a.id").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		_, err := tx.AccountByID(context.Background(), "ghost")
		return err
	})
	if !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExistsAdministratorPassesExclusions(t *testing.T) {
	store, mock := newMockStore(t)

	expectAccountsTx(mock)
	mock.ExpectQuery("select exists").
		WithArgs(accounts.RoleAdministrator, "acc-1,acc-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	var exists bool
	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		var err error
		exists, err = tx.ExistsAdministrator(context.Background(), []string{"acc-1", "acc-2"})
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !exists {
		t.Fatal("expected an administrator to exist")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityByUIDBuildsCredential(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"id", "account_id", "uid", "kind", "secret", "salt", "state", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("from identities\\s+where uid = \\$1 and state <> 'invalid'").
		WithArgs("robot").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("id-1", "acc-1", "robot", "machine", "tok", "", "active", now, now))
	mock.ExpectCommit()

	var got accounts.Identity
	err := store.Sessions().InTx(context.Background(), func(tx auth.Tx) error {
		var err error
		got, err = tx.IdentityByUID(context.Background(), "robot")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	cred, ok := got.Credential.(accounts.MachineCredential)
	if !ok || cred.Token != "tok" {
		t.Fatalf("unexpected credential: %#v", got.Credential)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRejectsUncheckedChangeset(t *testing.T) {
	store, mock := newMockStore(t)

	expectAccountsTx(mock)
	mock.ExpectRollback()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		cs := accounts.NewChangeset()
		cs.InsertAccount(&accounts.Account{ID: "acc-1", Kind: accounts.KindUser, State: accounts.StateActive})
		return tx.Apply(context.Background(), cs)
	})
	if !errors.Is(err, accounts.ErrUnchecked) {
		t.Fatalf("expected ErrUnchecked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyInsertsAccountBeforeChildren(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cs := accounts.NewChangeset()
	cs.InsertAccount(&accounts.Account{ID: "acc-1", Kind: accounts.KindUser, State: accounts.StateActive, Roles: []string{"user"}, CreatedAt: now, UpdatedAt: now})
	cs.InsertEmail(&accounts.Email{ID: "em-1", AccountID: "acc-1", Address: "alice@example.com", IsDefault: true, Visibility: accounts.VisibilityPublic, CreatedAt: now, UpdatedAt: now})
	cs.InsertIdentity(&accounts.Identity{ID: "id-1", AccountID: "acc-1", UID: "alice", Credential: accounts.UserCredential{Digest: "d", Salt: "s"}, State: accounts.IdentityActive, CreatedAt: now, UpdatedAt: now})
	checked(t, cs)

	expectAccountsTx(mock)
	mock.ExpectExec("insert into accounts").
		WithArgs("acc-1", "user", "active", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into account_roles").
		WithArgs("acc-1", "user", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into emails").
		WithArgs("em-1", "acc-1", "alice@example.com", true, false, "public", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into identities").
		WithArgs("id-1", "acc-1", "alice", "user", "d", "s", "active", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		return tx.Apply(context.Background(), cs)
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyClearsDefaultBeforeSettingNewOne(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	oldDefault := accounts.Email{ID: "em-a", AccountID: "acc-1", Address: "a@example.com", IsDefault: true, Visibility: accounts.VisibilityPublic}
	other := accounts.Email{ID: "em-b", AccountID: "acc-1", Address: "b@example.com", Visibility: accounts.VisibilityPublic}

	cs := accounts.NewChangeset()
	promoted := other
	promoted.IsDefault = true
	promoted.UpdatedAt = now
	cs.UpdateEmail(other, &promoted)
	demoted := oldDefault
	demoted.IsDefault = false
	demoted.UpdatedAt = now
	cs.UpdateEmail(oldDefault, &demoted)
	checked(t, cs)

	expectAccountsTx(mock)
	mock.ExpectExec("update emails").
		WithArgs("em-a", "a@example.com", false, false, "public", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update emails").
		WithArgs("em-b", "b@example.com", true, false, "public", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		return tx.Apply(context.Background(), cs)
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyMapsUniqueViolations(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cs := accounts.NewChangeset()
	cs.InsertEmail(&accounts.Email{ID: "em-1", AccountID: "acc-1", Address: "taken@example.com", Visibility: accounts.VisibilityPublic, CreatedAt: now, UpdatedAt: now})
	checked(t, cs)

	expectAccountsTx(mock)
	mock.ExpectExec("insert into emails").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "emails_address_key"})
	mock.ExpectRollback()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		return tx.Apply(context.Background(), cs)
	})
	v, ok := accounts.AsViolation(err)
	if !ok || v.Kind != accounts.KindDuplicateIdentifier {
		t.Fatalf("expected duplicate identifier violation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRejectsUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cs := accounts.NewChangeset()
	cs.InsertAccount(&accounts.Account{ID: "acc-1", Kind: accounts.KindUser, State: accounts.StateActive, Roles: []string{"ghost"}, CreatedAt: now, UpdatedAt: now})
	checked(t, cs)

	expectAccountsTx(mock)
	mock.ExpectExec("insert into accounts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into account_roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Accounts().InTx(context.Background(), func(tx accounts.Tx) error {
		return tx.Apply(context.Background(), cs)
	})
	if !errors.Is(err, accounts.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertTokenPairAndLookup(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	till := now.Add(6 * time.Hour)
	access := auth.AccessToken{ID: "at-1", Digest: "h1", IdentityID: "id-1", AccountID: "acc-1", Roles: []string{"user"}, ValidTill: &till, CreatedAt: now}
	refresh := auth.RefreshToken{ID: "rt-1", Digest: "h2", AccessTokenID: "at-1", ValidTill: now.Add(72 * time.Hour), CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("insert into access_tokens").
		WithArgs("at-1", "h1", "id-1", "acc-1", `["user"]`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("rt-1", "h2", "at-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("from access_tokens").
		WithArgs("at-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token_hash", "identity_id", "account_id", "roles", "valid_till", "created_at"}).
			AddRow("at-1", "h1", "id-1", "acc-1", []byte(`["user"]`), till, now))
	mock.ExpectCommit()

	var got auth.AccessToken
	err := store.Sessions().InTx(context.Background(), func(tx auth.Tx) error {
		if err := tx.InsertTokenPair(context.Background(), access, refresh); err != nil {
			return err
		}
		var err error
		got, err = tx.AccessTokenByID(context.Background(), "at-1")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if got.ValidTill == nil || !got.ValidTill.Equal(till) || len(got.Roles) != 1 {
		t.Fatalf("unexpected token: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockRefreshTokenUsesRowLock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from refresh_tokens\\s+where id = \\$1\\s+for update").
		WithArgs("rt-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Sessions().InTx(context.Background(), func(tx auth.Tx) error {
		_, err := tx.LockRefreshToken(context.Background(), "rt-1")
		return err
	})
	if !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteAccessTokenReportsRemoval(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from access_tokens where id = \\$1").WithArgs("at-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from access_tokens where id = \\$1").WithArgs("at-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var first, second bool
	err := store.Sessions().InTx(context.Background(), func(tx auth.Tx) error {
		var err error
		if first, err = tx.DeleteAccessToken(context.Background(), "at-1"); err != nil {
			return err
		}
		second, err = tx.DeleteAccessToken(context.Background(), "at-1")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !first || second {
		t.Fatalf("unexpected removal flags: first=%v second=%v", first, second)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateUserCredential(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cred := accounts.UserCredential{Digest: "$argon2id$v=19$m=1024,t=1,p=1$a2V5", Salt: "salt"}

	mock.ExpectBegin()
	mock.ExpectExec("update identities set secret = \\$2, salt = \\$3, updated_at = \\$4\\s+where id = \\$1 and kind = 'user'").
		WithArgs("id-1", cred.Digest, cred.Salt, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities").
		WithArgs("id-2", cred.Digest, cred.Salt, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Sessions().InTx(context.Background(), func(tx auth.Tx) error {
		if err := tx.UpdateUserCredential(context.Background(), "id-1", cred, at); err != nil {
			t.Fatalf("UpdateUserCredential: %v", err)
		}
		return tx.UpdateUserCredential(context.Background(), "id-2", cred, at)
	})
	if !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing user identity, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
