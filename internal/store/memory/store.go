// Package memory keeps accounts, identities, emails, roles and tokens in
// process memory. Transactions are serialized and work on a private copy that
// replaces the committed state only when the callback succeeds.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
)

// Store is an in-memory store for both the account write path and the session subsystem.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// Accounts returns the store as seen by accounts.Service.
func (s *Store) Accounts() accounts.Store { return accountsStore{s} }

// Sessions returns the store as seen by auth.Service.
func (s *Store) Sessions() auth.Store { return sessionsStore{s} }

type accountsStore struct{ s *Store }

func (a accountsStore) InTx(ctx context.Context, fn func(tx accounts.Tx) error) error {
	return a.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

type sessionsStore struct{ s *Store }

func (a sessionsStore) InTx(ctx context.Context, fn func(tx auth.Tx) error) error {
	return a.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := &tx{state: s.data.clone()}
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work.state
	return nil
}

type state struct {
	accounts   map[string]accounts.Account
	emails     map[string]accounts.Email
	identities map[string]accounts.Identity
	roles      []accounts.Role
	access     map[string]auth.AccessToken
	refresh    map[string]auth.RefreshToken
}

func newState() *state {
	return &state{
		accounts:   make(map[string]accounts.Account),
		emails:     make(map[string]accounts.Email),
		identities: make(map[string]accounts.Identity),
		access:     make(map[string]auth.AccessToken),
		refresh:    make(map[string]auth.RefreshToken),
	}
}

func (st *state) clone() *state {
	out := newState()
	for id, a := range st.accounts {
		out.accounts[id] = a.Clone()
	}
	for id, e := range st.emails {
		out.emails[id] = e
	}
	for id, i := range st.identities {
		out.identities[id] = i
	}
	out.roles = slices.Clone(st.roles)
	for id, t := range st.access {
		t.Roles = slices.Clone(t.Roles)
		if t.ValidTill != nil {
			v := *t.ValidTill
			t.ValidTill = &v
		}
		out.access[id] = t
	}
	for id, t := range st.refresh {
		out.refresh[id] = t
	}
	return out
}

type tx struct {
	*state
}

func (t *tx) AccountByID(_ context.Context, id string) (accounts.Account, error) {
	a, ok := t.accounts[id]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a.Clone(), nil
}

func (t *tx) ExistsAdministrator(_ context.Context, exclude []string) (bool, error) {
	for id, a := range t.accounts {
		if slices.Contains(exclude, id) {
			continue
		}
		if a.IsAdministrator() {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) EmailByID(_ context.Context, id string) (accounts.Email, error) {
	e, ok := t.emails[id]
	if !ok {
		return accounts.Email{}, accounts.ErrNotFound
	}
	return e, nil
}

func (t *tx) EmailByAddress(_ context.Context, address string) (accounts.Email, error) {
	address = accounts.NormalizeAddress(address)
	for _, e := range t.emails {
		if e.Address == address {
			return e, nil
		}
	}
	return accounts.Email{}, accounts.ErrNotFound
}

func (t *tx) EmailsByAccount(_ context.Context, accountID string) ([]accounts.Email, error) {
	var out []accounts.Email
	for _, e := range t.emails {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) IdentityByID(_ context.Context, id string) (accounts.Identity, error) {
	i, ok := t.identities[id]
	if !ok {
		return accounts.Identity{}, accounts.ErrNotFound
	}
	return i, nil
}

func (t *tx) IdentityByUID(_ context.Context, uid string) (accounts.Identity, error) {
	for _, i := range t.identities {
		if i.UID == uid && i.State != accounts.IdentityInvalid {
			return i, nil
		}
	}
	return accounts.Identity{}, accounts.ErrNotFound
}

func (t *tx) IdentitiesByAccount(_ context.Context, accountID string) ([]accounts.Identity, error) {
	var out []accounts.Identity
	for _, i := range t.identities {
		if i.AccountID == accountID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (t *tx) RoleByName(_ context.Context, name string) (accounts.Role, error) {
	for _, r := range t.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return accounts.Role{}, accounts.ErrNotFound
}

func (t *tx) Roles(_ context.Context) ([]accounts.Role, error) {
	return slices.Clone(t.roles), nil
}

func (t *tx) InsertRole(_ context.Context, role accounts.Role) error {
	for _, r := range t.roles {
		if r.Name == role.Name {
			return accounts.DuplicateIdentifier("role", role.Name)
		}
	}
	t.roles = append(t.roles, role)
	return nil
}

// Apply persists a checked changeset. Duplicate keys are rejected as they
// would be by unique indexes.
func (t *tx) Apply(_ context.Context, cs *accounts.Changeset) error {
	if cs == nil || !cs.Checked() {
		return accounts.ErrUnchecked
	}
	for _, ch := range cs.Accounts() {
		if ch.Op == accounts.OpInsert {
			if _, exists := t.accounts[ch.After.ID]; exists {
				return accounts.DuplicateIdentifier("account", ch.After.ID)
			}
		} else if _, exists := t.accounts[ch.After.ID]; !exists {
			return accounts.ErrNotFound
		}
		t.accounts[ch.After.ID] = ch.After.Clone()
	}
	for _, ch := range cs.Emails() {
		switch ch.Op {
		case accounts.OpDelete:
			delete(t.emails, ch.Before.ID)
		case accounts.OpInsert:
			if _, exists := t.emails[ch.After.ID]; exists {
				return accounts.DuplicateIdentifier("email", ch.After.ID)
			}
			t.emails[ch.After.ID] = *ch.After
		case accounts.OpUpdate:
			if _, exists := t.emails[ch.After.ID]; !exists {
				return accounts.ErrNotFound
			}
			t.emails[ch.After.ID] = *ch.After
		}
	}
	for _, ch := range cs.Identities() {
		if ch.Op == accounts.OpInsert {
			if _, exists := t.identities[ch.After.ID]; exists {
				return accounts.DuplicateIdentifier("identity", ch.After.ID)
			}
		} else if _, exists := t.identities[ch.After.ID]; !exists {
			return accounts.ErrNotFound
		}
		t.identities[ch.After.ID] = *ch.After
	}
	return t.checkUnique()
}

func (t *tx) checkUnique() error {
	addresses := make(map[string]bool, len(t.emails))
	defaults := make(map[string]bool)
	for _, e := range t.emails {
		if addresses[e.Address] {
			return accounts.DuplicateIdentifier("email", e.Address)
		}
		addresses[e.Address] = true
		if e.IsDefault {
			if defaults[e.AccountID] {
				return accounts.ErrEmailMustStayDefault
			}
			defaults[e.AccountID] = true
		}
	}
	uids := make(map[string]bool, len(t.identities))
	for _, i := range t.identities {
		if i.State == accounts.IdentityInvalid {
			continue
		}
		if uids[i.UID] {
			return accounts.DuplicateIdentifier("uid", i.UID)
		}
		uids[i.UID] = true
	}
	return nil
}

func (t *tx) RevokeIdentityTokens(_ context.Context, identityID string) error {
	for id, a := range t.access {
		if a.IdentityID == identityID {
			t.dropAccess(id)
		}
	}
	return nil
}

func (t *tx) RecordVisit(_ context.Context, accountID string, at time.Time) error {
	a, ok := t.accounts[accountID]
	if !ok {
		return accounts.ErrNotFound
	}
	a.LastVisit = &at
	t.accounts[accountID] = a
	return nil
}

func (t *tx) UpdateUserCredential(_ context.Context, identityID string, cred accounts.UserCredential, at time.Time) error {
	i, ok := t.identities[identityID]
	if !ok {
		return accounts.ErrNotFound
	}
	if _, isUser := i.Credential.(accounts.UserCredential); !isUser {
		return accounts.ErrNotFound
	}
	i.Credential = cred
	i.UpdatedAt = at
	t.identities[identityID] = i
	return nil
}

func (t *tx) InsertTokenPair(_ context.Context, access auth.AccessToken, refresh auth.RefreshToken) error {
	if refresh.AccessTokenID != access.ID {
		return auth.ErrInvalidInput
	}
	if _, exists := t.access[access.ID]; exists {
		return auth.ErrInvalidInput
	}
	if _, exists := t.refresh[refresh.ID]; exists {
		return auth.ErrInvalidInput
	}
	access.Roles = slices.Clone(access.Roles)
	t.access[access.ID] = access
	t.refresh[refresh.ID] = refresh
	return nil
}

func (t *tx) AccessTokenByID(_ context.Context, id string) (auth.AccessToken, error) {
	a, ok := t.access[id]
	if !ok {
		return auth.AccessToken{}, auth.ErrTokenNotFound
	}
	a.Roles = slices.Clone(a.Roles)
	return a, nil
}

// LockRefreshToken needs no lock here: transactions are already serialized.
func (t *tx) LockRefreshToken(_ context.Context, id string) (auth.RefreshToken, error) {
	r, ok := t.refresh[id]
	if !ok {
		return auth.RefreshToken{}, auth.ErrTokenNotFound
	}
	return r, nil
}

func (t *tx) DeleteRefreshToken(_ context.Context, id string) (bool, error) {
	if _, ok := t.refresh[id]; !ok {
		return false, nil
	}
	delete(t.refresh, id)
	return true, nil
}

func (t *tx) DeleteAccessToken(_ context.Context, id string) (bool, error) {
	if _, ok := t.access[id]; !ok {
		return false, nil
	}
	t.dropAccess(id)
	return true, nil
}

func (t *tx) dropAccess(id string) {
	delete(t.access, id)
	for rid, r := range t.refresh {
		if r.AccessTokenID == id {
			delete(t.refresh, rid)
		}
	}
}
