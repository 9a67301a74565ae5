package accounts

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type fakeReader struct {
	accounts   map[string]Account
	emails     map[string]Email
	identities map[string]Identity
	roles      []Role
}

func newFakeReader() *fakeReader {
	r := &fakeReader{
		accounts:   map[string]Account{},
		emails:     map[string]Email{},
		identities: map[string]Identity{},
		roles:      SystemRoles(sequentialIDs("role")),
	}
	return r
}

func (r *fakeReader) AccountByID(_ context.Context, id string) (Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *fakeReader) ExistsAdministrator(_ context.Context, exclude []string) (bool, error) {
	for id, a := range r.accounts {
		if !slices.Contains(exclude, id) && a.IsAdministrator() {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeReader) EmailByID(_ context.Context, id string) (Email, error) {
	e, ok := r.emails[id]
	if !ok {
		return Email{}, ErrNotFound
	}
	return e, nil
}

func (r *fakeReader) EmailByAddress(_ context.Context, address string) (Email, error) {
	for _, e := range r.emails {
		if e.Address == address {
			return e, nil
		}
	}
	return Email{}, ErrNotFound
}

func (r *fakeReader) EmailsByAccount(_ context.Context, accountID string) ([]Email, error) {
	var out []Email
	for _, e := range r.emails {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Email) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *fakeReader) IdentityByID(_ context.Context, id string) (Identity, error) {
	i, ok := r.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return i, nil
}

func (r *fakeReader) IdentityByUID(_ context.Context, uid string) (Identity, error) {
	for _, i := range r.identities {
		if i.UID == uid && i.State != IdentityInvalid {
			return i, nil
		}
	}
	return Identity{}, ErrNotFound
}

func (r *fakeReader) IdentitiesByAccount(_ context.Context, accountID string) ([]Identity, error) {
	var out []Identity
	for _, i := range r.identities {
		if i.AccountID == accountID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *fakeReader) RoleByName(_ context.Context, name string) (Role, error) {
	for _, role := range r.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func (r *fakeReader) Roles(context.Context) ([]Role, error) {
	return slices.Clone(r.roles), nil
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func userAccount(id string, roles ...string) *Account {
	return &Account{ID: id, Kind: KindUser, State: StateActive, Roles: roles, CreatedAt: testNow, UpdatedAt: testNow}
}

func machineAccount(id string, roles ...string) *Account {
	return &Account{ID: id, Kind: KindMachine, State: StateActive, Roles: roles, CreatedAt: testNow, UpdatedAt: testNow}
}

func email(id, accountID, address string, isDefault bool) *Email {
	return &Email{ID: id, AccountID: accountID, Address: address, IsDefault: isDefault, Visibility: VisibilityPublic, CreatedAt: testNow, UpdatedAt: testNow}
}

func userIdentity(id, accountID, uid string) *Identity {
	return &Identity{ID: id, AccountID: accountID, UID: uid, Credential: UserCredential{Digest: "d", Salt: "s"}, State: IdentityActive}
}

func withAdmin(r *fakeReader) *fakeReader {
	r.accounts["admin"] = *userAccount("admin", RoleAdministrator)
	return r
}

func TestEnforceMarksChangesetChecked(t *testing.T) {
	r := withAdmin(newFakeReader())
	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1"))
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !cs.Checked() {
		t.Fatal("expected changeset to be checked")
	}
	cs.InsertEmail(email("e1", "a1", "a@example.com", false))
	if cs.Checked() {
		t.Fatal("adding a change must reset the checked flag")
	}
}

func TestBootstrapRequiresAdministrator(t *testing.T) {
	r := newFakeReader()
	engine := NewEngine(DefaultPolicy())

	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1", RoleUser))
	err := engine.Enforce(context.Background(), r, cs)
	if !errors.Is(err, ErrBootstrapAdministratorRequired) {
		t.Fatalf("expected bootstrap violation, got %v", err)
	}

	cs = NewChangeset()
	cs.InsertAccount(userAccount("root", RoleAdministrator))
	cs.InsertAccount(userAccount("a1", RoleUser))
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("pending administrator should satisfy bootstrap: %v", err)
	}
}

func TestBootstrapRejectsLastAdministratorDemotion(t *testing.T) {
	r := withAdmin(newFakeReader())
	before := r.accounts["admin"]
	after := before.Clone()
	after.Roles = []string{RoleManager}
	cs := NewChangeset()
	cs.UpdateAccount(before, &after)
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); !errors.Is(err, ErrBootstrapAdministratorRequired) {
		t.Fatalf("expected bootstrap violation, got %v", err)
	}

	r.accounts["admin2"] = *userAccount("admin2", RoleAdministrator)
	cs = NewChangeset()
	cs.UpdateAccount(before, &after)
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("demotion with another administrator left: %v", err)
	}
}

func TestRoleExclusivity(t *testing.T) {
	r := withAdmin(newFakeReader())
	engine := NewEngine(DefaultPolicy())
	for _, roles := range [][]string{
		{RoleAdministrator, RoleManager},
		{RoleUser, RoleManager},
	} {
		cs := NewChangeset()
		cs.InsertAccount(userAccount("a1", roles...))
		err := engine.Enforce(context.Background(), r, cs)
		v, ok := AsViolation(err)
		if !ok || v.Kind != KindRoleCombinationInvalid || v.Subject != roles[0] {
			t.Fatalf("roles %v: expected combination violation naming %s, got %v", roles, roles[0], err)
		}
	}
	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1", RoleManager))
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("manager alone is valid: %v", err)
	}
}

func TestNonAssignableAndUnknownRoles(t *testing.T) {
	r := withAdmin(newFakeReader())
	engine := NewEngine(DefaultPolicy())

	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1", RoleVisitor))
	if err := engine.Enforce(context.Background(), r, cs); !errors.Is(err, ErrNonAssignableRole) {
		t.Fatalf("expected non-assignable violation, got %v", err)
	}

	cs = NewChangeset()
	cs.InsertAccount(userAccount("a1", "ghost"))
	if err := engine.Enforce(context.Background(), r, cs); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role violation, got %v", err)
	}
}

func TestDefaultRoles(t *testing.T) {
	r := withAdmin(newFakeReader())
	engine := NewEngine(DefaultPolicy())

	user := userAccount("u1")
	machine := machineAccount("m1", RoleAdministrator)
	cs := NewChangeset()
	cs.InsertAccount(user)
	cs.InsertAccount(machine)
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !slices.Equal(user.Roles, []string{RoleUser}) {
		t.Fatalf("user default roles not applied: %v", user.Roles)
	}
	if !slices.Equal(machine.Roles, []string{RoleManager}) {
		t.Fatalf("machine roles not overwritten: %v", machine.Roles)
	}

	// updates to machine accounts are overwritten as well
	r.accounts["m1"] = *machine
	after := machine.Clone()
	after.Roles = []string{RoleUser}
	cs = NewChangeset()
	cs.UpdateAccount(*machine, &after)
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !slices.Equal(after.Roles, []string{RoleManager}) {
		t.Fatalf("machine update not overwritten: %v", after.Roles)
	}
}

func TestMachineAccountsOwnNoEmails(t *testing.T) {
	r := withAdmin(newFakeReader())
	cs := NewChangeset()
	cs.InsertAccount(machineAccount("m1"))
	cs.InsertEmail(email("e1", "m1", "bot@example.com", true))
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestIdentityKindMustMatchAccount(t *testing.T) {
	r := withAdmin(newFakeReader())
	cs := NewChangeset()
	cs.InsertAccount(machineAccount("m1"))
	cs.InsertIdentity(userIdentity("i1", "m1", "bot"))
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestDefaultEmailSwitch(t *testing.T) {
	r := withAdmin(newFakeReader())
	r.accounts["u1"] = *userAccount("u1", RoleUser)
	r.emails["e-a"] = *email("e-a", "u1", "a@example.com", true)

	engine := NewEngine(DefaultPolicy())
	b := email("e-b", "u1", "b@example.com", true)
	cs := NewChangeset()
	cs.InsertEmail(b)
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	var flipped bool
	for _, ch := range cs.Emails() {
		if ch.Op == OpUpdate && ch.After.ID == "e-a" && !ch.After.IsDefault {
			flipped = true
		}
	}
	if !flipped {
		t.Fatalf("expected previous default to be cleared in the same changeset: %+v", cs.Emails())
	}
	if !b.IsDefault {
		t.Fatal("new email should stay default")
	}
}

func TestDefaultEmailCannotBeCleared(t *testing.T) {
	r := withAdmin(newFakeReader())
	r.accounts["u1"] = *userAccount("u1", RoleUser)
	a := *email("e-a", "u1", "a@example.com", true)
	r.emails["e-a"] = a
	r.emails["e-b"] = *email("e-b", "u1", "b@example.com", false)
	engine := NewEngine(DefaultPolicy())

	after := a
	after.IsDefault = false
	cs := NewChangeset()
	cs.UpdateEmail(a, &after)
	if err := engine.Enforce(context.Background(), r, cs); !errors.Is(err, ErrEmailMustStayDefault) {
		t.Fatalf("expected email-must-stay-default, got %v", err)
	}

	cs = NewChangeset()
	cs.DeleteEmail(a)
	if err := engine.Enforce(context.Background(), r, cs); !errors.Is(err, ErrEmailMustStayDefault) {
		t.Fatalf("deleting the default with others left: %v", err)
	}

	delete(r.emails, "e-b")
	cs = NewChangeset()
	cs.DeleteEmail(a)
	if err := engine.Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("deleting the last email is allowed: %v", err)
	}
}

func TestFirstEmailBecomesDefault(t *testing.T) {
	r := withAdmin(newFakeReader())
	r.accounts["u1"] = *userAccount("u1", RoleUser)
	e := email("e1", "u1", "first@example.com", false)
	cs := NewChangeset()
	cs.InsertEmail(e)
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !e.IsDefault {
		t.Fatal("first email should become default")
	}
}

func TestUniqueness(t *testing.T) {
	r := withAdmin(newFakeReader())
	r.accounts["u1"] = *userAccount("u1", RoleUser)
	r.emails["e1"] = *email("e1", "u1", "taken@example.com", true)
	r.identities["i1"] = *userIdentity("i1", "u1", "alice")
	engine := NewEngine(DefaultPolicy())

	cs := NewChangeset()
	cs.InsertAccount(userAccount("u2"))
	cs.InsertEmail(email("e2", "u2", "taken@example.com", true))
	err := engine.Enforce(context.Background(), r, cs)
	if v, ok := AsViolation(err); !ok || v.Kind != KindDuplicateIdentifier || v.Subject != "email" {
		t.Fatalf("expected duplicate email, got %v", err)
	}

	cs = NewChangeset()
	cs.InsertAccount(userAccount("u2"))
	cs.InsertIdentity(userIdentity("i2", "u2", "alice"))
	err = engine.Enforce(context.Background(), r, cs)
	if v, ok := AsViolation(err); !ok || v.Subject != "uid" {
		t.Fatalf("expected duplicate uid, got %v", err)
	}

	cs = NewChangeset()
	cs.InsertAccount(userAccount("u2"))
	cs.InsertEmail(email("e2", "u2", "same@example.com", true))
	cs.InsertEmail(email("e3", "u2", "same@example.com", false))
	if err := engine.Enforce(context.Background(), r, cs); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected duplicate inside changeset, got %v", err)
	}
}

func TestInvalidIdentityReleasesUID(t *testing.T) {
	r := withAdmin(newFakeReader())
	r.accounts["u1"] = *userAccount("u1", RoleUser)
	old := *userIdentity("i1", "u1", "alice")
	r.identities["i1"] = old

	invalid := old
	invalid.State = IdentityInvalid
	cs := NewChangeset()
	cs.UpdateIdentity(old, &invalid)
	cs.InsertIdentity(userIdentity("i2", "u1", "alice"))
	if err := NewEngine(DefaultPolicy()).Enforce(context.Background(), r, cs); err != nil {
		t.Fatalf("uid released in the same changeset: %v", err)
	}
}

func TestViolationHookObservesRejections(t *testing.T) {
	var seen []ViolationKind
	engine := NewEngine(DefaultPolicy(), WithViolationHook(func(v *Violation) { seen = append(seen, v.Kind) }))
	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1", RoleUser))
	_ = engine.Enforce(context.Background(), newFakeReader(), cs)
	if len(seen) != 1 || seen[0] != KindBootstrapAdministratorRequired {
		t.Fatalf("unexpected hook calls %v", seen)
	}
}

func TestEnforceWrapsReaderErrors(t *testing.T) {
	boom := errors.New("boom")
	engine := NewEngine(DefaultPolicy(), WithRules(ruleFunc{name: "broken", check: func(context.Context, Reader, *Changeset) error {
		return boom
	}}))
	cs := NewChangeset()
	cs.InsertAccount(userAccount("a1"))
	err := engine.Enforce(context.Background(), newFakeReader(), cs)
	if !errors.Is(err, boom) || cs.Checked() {
		t.Fatalf("expected wrapped error and unchecked changeset, got %v", err)
	}
}
