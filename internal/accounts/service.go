package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fastybird/accounts-module/internal/ids"
	"github.com/fastybird/accounts-module/internal/secret"
)

const (
	defaultResetTTL   = time.Hour
	minSecretLength   = 8
	machineTokenBytes = 32
)

// Service is the write path for accounts, identities, emails and roles. Every
// mutation runs in one store transaction and passes the engine before it is applied.
type Service struct {
	store    Store
	engine   *Engine
	hasher   secret.Hasher
	now      func() time.Time
	newID    func() string
	resetTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithEngine overrides the invariant engine.
func WithEngine(e *Engine) ServiceOption {
	return func(s *Service) error {
		if e == nil {
			return errors.New("accounts: engine is nil")
		}
		s.engine = e
		return nil
	}
}

// WithHasher overrides the secret hasher.
func WithHasher(h secret.Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("accounts: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.newID = fn
		}
		return nil
	}
}

// WithResetTTL configures how long a password reset request hash stays valid.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("accounts: store is required")
	}
	svc := &Service{
		store:    store,
		engine:   NewEngine(DefaultPolicy()),
		hasher:   secret.NewArgon2(),
		now:      time.Now,
		newID:    ids.New,
		resetTTL: defaultResetTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// NewAccount describes an account to create together with its first emails and identity.
type NewAccount struct {
	Kind     AccountKind
	State    AccountState
	Roles    []string
	Emails   []NewEmail
	Identity *NewIdentity
}

// NewEmail describes an email to attach to a user account.
type NewEmail struct {
	Address    string
	IsDefault  bool
	IsVerified bool
	Visibility Visibility
}

// NewIdentity describes a credential. Machine identities without a secret get a
// generated token.
type NewIdentity struct {
	UID    string
	Secret string
}

// CreatedAccount is the committed result of CreateAccount. MachineToken is only
// set when a machine token was generated and is not retrievable later.
type CreatedAccount struct {
	Account      Account
	Emails       []Email
	Identity     *Identity
	MachineToken string
}

// AccountUpdate changes the state and/or the role set. A nil Roles keeps the
// current roles; an empty non-nil slice clears them.
type AccountUpdate struct {
	State *AccountState
	Roles []string
}

// EmailUpdate changes email attributes; nil fields are left untouched.
type EmailUpdate struct {
	Address    *string
	IsDefault  *bool
	IsVerified *bool
	Visibility *Visibility
}

func (s *Service) write(ctx context.Context, tx Tx, cs *Changeset) error {
	if err := s.engine.Enforce(ctx, tx, cs); err != nil {
		return err
	}
	return tx.Apply(ctx, cs)
}

// CreateAccount creates an account, its emails and identity in one transaction.
func (s *Service) CreateAccount(ctx context.Context, input NewAccount) (CreatedAccount, error) {
	kind := input.Kind
	if kind == "" {
		kind = KindUser
	}
	if !kind.Valid() {
		return CreatedAccount{}, fmt.Errorf("%w: unsupported account kind %q", ErrInvalidInput, kind)
	}
	state := input.State
	if state == "" {
		state = StateNotActivated
	}
	if !state.Valid() {
		return CreatedAccount{}, fmt.Errorf("%w: unsupported account state %q", ErrInvalidInput, state)
	}

	now := s.now().UTC()
	acc := &Account{
		ID:        s.newID(),
		Kind:      kind,
		State:     state,
		Roles:     NormalizeRoles(input.Roles),
		CreatedAt: now,
		UpdatedAt: now,
	}
	cs := NewChangeset()
	cs.InsertAccount(acc)

	emails := make([]*Email, 0, len(input.Emails))
	for _, in := range input.Emails {
		e, err := s.buildEmail(acc.ID, in, now)
		if err != nil {
			return CreatedAccount{}, err
		}
		cs.InsertEmail(e)
		emails = append(emails, e)
	}

	var (
		ident *Identity
		token string
	)
	if input.Identity != nil {
		var err error
		ident, token, err = s.buildIdentity(acc.ID, kind, *input.Identity, now)
		if err != nil {
			return CreatedAccount{}, err
		}
		cs.InsertIdentity(ident)
	}

	if err := s.store.InTx(ctx, func(tx Tx) error {
		return s.write(ctx, tx, cs)
	}); err != nil {
		return CreatedAccount{}, err
	}

	out := CreatedAccount{Account: acc.Clone(), MachineToken: token}
	for _, e := range emails {
		out.Emails = append(out.Emails, *e)
	}
	if ident != nil {
		i := *ident
		out.Identity = &i
	}
	return out, nil
}

// Account returns the committed account.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	var out Account
	err := s.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.AccountByID(ctx, id)
		out = a
		return err
	})
	return out, err
}

// Emails lists the emails of an account.
func (s *Service) Emails(ctx context.Context, accountID string) ([]Email, error) {
	var out []Email
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.AccountByID(ctx, accountID); err != nil {
			return err
		}
		list, err := tx.EmailsByAccount(ctx, accountID)
		out = list
		return err
	})
	return out, err
}

// UpdateAccount changes state and/or roles. Blocking or deleting an account
// revokes the tokens of all its identities; deleting also marks them deleted.
func (s *Service) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	if upd.State != nil && !upd.State.Valid() {
		return Account{}, fmt.Errorf("%w: unsupported account state %q", ErrInvalidInput, *upd.State)
	}

	var out Account
	err := s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.AccountByID(ctx, id)
		if err != nil {
			return err
		}
		after := current.Clone()
		if upd.State != nil {
			if !current.State.CanTransition(*upd.State) {
				return fmt.Errorf("%w: account cannot move from %s to %s", ErrInvalidInput, current.State, *upd.State)
			}
			after.State = *upd.State
		}
		if upd.Roles != nil {
			after.Roles = NormalizeRoles(upd.Roles)
		}
		after.UpdatedAt = s.now().UTC()

		cs := NewChangeset()
		cs.UpdateAccount(current, &after)

		var revoke []string
		if after.State != current.State && (after.State == StateBlocked || after.State == StateDeleted) {
			identities, err := tx.IdentitiesByAccount(ctx, id)
			if err != nil {
				return err
			}
			for _, ident := range identities {
				revoke = append(revoke, ident.ID)
				if after.State != StateDeleted || ident.State == IdentityInvalid || ident.State == IdentityDeleted {
					continue
				}
				next := ident
				next.State = IdentityDeleted
				next.UpdatedAt = after.UpdatedAt
				cs.UpdateIdentity(ident, &next)
			}
		}

		if err := s.write(ctx, tx, cs); err != nil {
			return err
		}
		for _, identityID := range revoke {
			if err := tx.RevokeIdentityTokens(ctx, identityID); err != nil {
				return err
			}
		}
		out = after
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return out, nil
}

// DeleteAccount soft-deletes an account.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	state := StateDeleted
	_, err := s.UpdateAccount(ctx, id, AccountUpdate{State: &state})
	return err
}

// AddEmail attaches an email to a user account.
func (s *Service) AddEmail(ctx context.Context, accountID string, input NewEmail) (Email, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Email{}, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	e, err := s.buildEmail(accountID, input, s.now().UTC())
	if err != nil {
		return Email{}, err
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.AccountByID(ctx, accountID); err != nil {
			return err
		}
		cs := NewChangeset()
		cs.InsertEmail(e)
		return s.write(ctx, tx, cs)
	})
	if err != nil {
		return Email{}, err
	}
	return *e, nil
}

// UpdateEmail changes an email of account accountID. Setting IsDefault moves
// the default flag away from the previous default email.
func (s *Service) UpdateEmail(ctx context.Context, accountID, emailID string, upd EmailUpdate) (Email, error) {
	var out Email
	err := s.store.InTx(ctx, func(tx Tx) error {
		current, err := s.ownedEmail(ctx, tx, accountID, emailID)
		if err != nil {
			return err
		}
		after := current
		if upd.Address != nil {
			after.Address = NormalizeAddress(*upd.Address)
		}
		if upd.IsDefault != nil {
			after.IsDefault = *upd.IsDefault
		}
		if upd.IsVerified != nil {
			after.IsVerified = *upd.IsVerified
		}
		if upd.Visibility != nil {
			after.Visibility = *upd.Visibility
		}
		after.UpdatedAt = s.now().UTC()

		cs := NewChangeset()
		cs.UpdateEmail(current, &after)
		if err := s.write(ctx, tx, cs); err != nil {
			return err
		}
		out = after
		return nil
	})
	return out, err
}

// DeleteEmail removes an email. The default email can only be removed when it
// is the last one.
func (s *Service) DeleteEmail(ctx context.Context, accountID, emailID string) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		current, err := s.ownedEmail(ctx, tx, accountID, emailID)
		if err != nil {
			return err
		}
		cs := NewChangeset()
		cs.DeleteEmail(current)
		return s.write(ctx, tx, cs)
	})
}

func (s *Service) ownedEmail(ctx context.Context, tx Tx, accountID, emailID string) (Email, error) {
	accountID = strings.TrimSpace(accountID)
	emailID = strings.TrimSpace(emailID)
	if accountID == "" || emailID == "" {
		return Email{}, fmt.Errorf("%w: account_id and email_id are required", ErrInvalidInput)
	}
	e, err := tx.EmailByID(ctx, emailID)
	if err != nil {
		return Email{}, err
	}
	if e.AccountID != accountID {
		return Email{}, ErrNotFound
	}
	return e, nil
}

// AddIdentity creates a credential for an existing account. The returned token
// is the generated machine secret, if one was generated.
func (s *Service) AddIdentity(ctx context.Context, accountID string, input NewIdentity) (Identity, string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Identity{}, "", fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	var (
		ident *Identity
		token string
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		acc, err := tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		ident, token, err = s.buildIdentity(acc.ID, acc.Kind, input, s.now().UTC())
		if err != nil {
			return err
		}
		cs := NewChangeset()
		cs.InsertIdentity(ident)
		return s.write(ctx, tx, cs)
	})
	if err != nil {
		return Identity{}, "", err
	}
	return *ident, token, nil
}

// ChangeSecret replaces the password of a user identity and revokes its tokens.
func (s *Service) ChangeSecret(ctx context.Context, identityID, next string) error {
	cred, err := s.userCredential(next)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.IdentityByID(ctx, strings.TrimSpace(identityID))
		if err != nil {
			return err
		}
		return s.replaceCredential(ctx, tx, current, cred)
	})
}

// RotateMachineToken generates a new token for a machine identity and revokes its sessions.
func (s *Service) RotateMachineToken(ctx context.Context, identityID string) (string, error) {
	token, err := ids.Secret(machineTokenBytes)
	if err != nil {
		return "", err
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.IdentityByID(ctx, strings.TrimSpace(identityID))
		if err != nil {
			return err
		}
		return s.replaceCredential(ctx, tx, current, MachineCredential{Token: token})
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) replaceCredential(ctx context.Context, tx Tx, current Identity, cred Credential) error {
	if current.State == IdentityInvalid || current.State == IdentityDeleted {
		return fmt.Errorf("%w: identity %s is %s", ErrInvalidInput, current.ID, current.State)
	}
	after := current
	after.Credential = cred
	after.UpdatedAt = s.now().UTC()
	cs := NewChangeset()
	cs.UpdateIdentity(current, &after)
	if err := s.write(ctx, tx, cs); err != nil {
		return err
	}
	return tx.RevokeIdentityTokens(ctx, current.ID)
}

// InvalidateIdentity retires a credential. Its uid becomes free again and its tokens are revoked.
func (s *Service) InvalidateIdentity(ctx context.Context, identityID string) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.IdentityByID(ctx, strings.TrimSpace(identityID))
		if err != nil {
			return err
		}
		if current.State == IdentityInvalid {
			return nil
		}
		after := current
		after.State = IdentityInvalid
		after.UpdatedAt = s.now().UTC()
		cs := NewChangeset()
		cs.UpdateIdentity(current, &after)
		if err := s.write(ctx, tx, cs); err != nil {
			return err
		}
		return tx.RevokeIdentityTokens(ctx, current.ID)
	})
}

// RequestPasswordReset stores a fresh request hash on the account owning uid and
// returns it. Delivering the hash to the account owner is up to the caller.
func (s *Service) RequestPasswordReset(ctx context.Context, uid string) (string, error) {
	uid = NormalizeUID(uid)
	if uid == "" {
		return "", fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	hash, err := NewRequestHash(s.now(), s.resetTTL)
	if err != nil {
		return "", err
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		ident, err := tx.IdentityByUID(ctx, uid)
		if err != nil {
			return err
		}
		if ident.Kind() != KindUser {
			return fmt.Errorf("%w: only user identities can reset their password", ErrInvalidInput)
		}
		current, err := tx.AccountByID(ctx, ident.AccountID)
		if err != nil {
			return err
		}
		after := current.Clone()
		after.RequestHash = hash
		after.UpdatedAt = s.now().UTC()
		cs := NewChangeset()
		cs.UpdateAccount(current, &after)
		return s.write(ctx, tx, cs)
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// ResetPassword sets a new password when hash matches the pending request of the
// account owning uid and has not expired. The request hash is consumed.
func (s *Service) ResetPassword(ctx context.Context, uid, hash, next string) error {
	uid = NormalizeUID(uid)
	if uid == "" || hash == "" {
		return fmt.Errorf("%w: uid and hash are required", ErrInvalidInput)
	}
	cred, err := s.userCredential(next)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Tx) error {
		ident, err := tx.IdentityByUID(ctx, uid)
		if err != nil {
			return err
		}
		current, err := tx.AccountByID(ctx, ident.AccountID)
		if err != nil {
			return err
		}
		if current.RequestHash == "" || !secret.Equal(current.RequestHash, hash) || !RequestHashValid(hash, s.now()) {
			return fmt.Errorf("%w: password reset request is invalid or expired", ErrInvalidInput)
		}
		after := current.Clone()
		after.RequestHash = ""
		after.UpdatedAt = s.now().UTC()
		cs := NewChangeset()
		cs.UpdateAccount(current, &after)
		if err := s.write(ctx, tx, cs); err != nil {
			return err
		}
		return s.replaceCredential(ctx, tx, ident, cred)
	})
}

// EnsureSystemRoles inserts the system roles missing from the store, chaining
// each under the previous one.
func (s *Service) EnsureSystemRoles(ctx context.Context) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.Roles(ctx)
		if err != nil {
			return err
		}
		byName := make(map[string]Role, len(existing))
		for _, r := range existing {
			byName[r.Name] = r
		}
		parent := ""
		for _, sys := range SystemRoles(s.newID) {
			if r, ok := byName[sys.Name]; ok {
				parent = r.ID
				continue
			}
			sys.ParentID = parent
			sys.CreatedAt = s.now().UTC()
			if err := tx.InsertRole(ctx, sys); err != nil {
				return err
			}
			parent = sys.ID
		}
		return nil
	})
}

// CreateRole adds a custom role under parent. administrator cannot be extended.
func (s *Service) CreateRole(ctx context.Context, name, parent, description string) (Role, error) {
	name = NormalizeRoleName(name)
	parent = NormalizeRoleName(parent)
	if name == "" || parent == "" {
		return Role{}, fmt.Errorf("%w: role name and parent are required", ErrInvalidInput)
	}
	if IsSystemRole(name) {
		return Role{}, DuplicateIdentifier("role", name)
	}
	var out Role
	err := s.store.InTx(ctx, func(tx Tx) error {
		roles, err := tx.Roles(ctx)
		if err != nil {
			return err
		}
		tree, err := NewRoleTree(roles)
		if err != nil {
			return err
		}
		if _, ok := tree.ByName(name); ok {
			return DuplicateIdentifier("role", name)
		}
		p, ok := tree.ByName(parent)
		if !ok {
			return fmt.Errorf("%w: parent role %s does not exist", ErrNotFound, parent)
		}
		// Exclusivity and bootstrap checks key on the administrator name, so
		// nothing may inherit it.
		if tree.Inherits(parent, RoleAdministrator) {
			return fmt.Errorf("%w: roles cannot extend %s", ErrInvalidInput, RoleAdministrator)
		}
		out = Role{
			ID:          s.newID(),
			Name:        name,
			Description: strings.TrimSpace(description),
			ParentID:    p.ID,
			CreatedAt:   s.now().UTC(),
		}
		return tx.InsertRole(ctx, out)
	})
	return out, err
}

// RoleTree loads the committed role tree.
func (s *Service) RoleTree(ctx context.Context) (*RoleTree, error) {
	var tree *RoleTree
	err := s.store.InTx(ctx, func(tx Tx) error {
		roles, err := tx.Roles(ctx)
		if err != nil {
			return err
		}
		tree, err = NewRoleTree(roles)
		return err
	})
	return tree, err
}

func (s *Service) buildEmail(accountID string, in NewEmail, now time.Time) (*Email, error) {
	addr := NormalizeAddress(in.Address)
	if addr == "" {
		return nil, fmt.Errorf("%w: email address is required", ErrInvalidInput)
	}
	vis := in.Visibility
	if vis == "" {
		vis = VisibilityPublic
	}
	return &Email{
		ID:         s.newID(),
		AccountID:  accountID,
		Address:    addr,
		IsDefault:  in.IsDefault,
		IsVerified: in.IsVerified,
		Visibility: vis,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Service) buildIdentity(accountID string, kind AccountKind, in NewIdentity, now time.Time) (*Identity, string, error) {
	uid := NormalizeUID(in.UID)
	if uid == "" {
		return nil, "", fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	ident := &Identity{
		ID:        s.newID(),
		AccountID: accountID,
		UID:       uid,
		State:     IdentityActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == KindMachine {
		token := in.Secret
		generated := ""
		if token == "" {
			var err error
			if token, err = ids.Secret(machineTokenBytes); err != nil {
				return nil, "", err
			}
			generated = token
		}
		ident.Credential = MachineCredential{Token: token}
		return ident, generated, nil
	}
	cred, err := s.userCredential(in.Secret)
	if err != nil {
		return nil, "", err
	}
	ident.Credential = cred
	return ident, "", nil
}

func (s *Service) userCredential(plain string) (UserCredential, error) {
	if len(plain) < minSecretLength {
		return UserCredential{}, fmt.Errorf("%w: password must have at least %d characters", ErrInvalidInput, minSecretLength)
	}
	salt, err := s.hasher.NewSalt()
	if err != nil {
		return UserCredential{}, err
	}
	digest, err := s.hasher.Hash(plain, salt)
	if err != nil {
		return UserCredential{}, err
	}
	return UserCredential{Digest: digest, Salt: salt}, nil
}
