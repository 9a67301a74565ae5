package accounts

// Op is the kind of a pending write.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// AccountChange is a pending account write. Before is nil for inserts.
type AccountChange struct {
	Op     Op
	Before *Account
	After  *Account
}

// EmailChange is a pending email write. After is nil for deletes.
type EmailChange struct {
	Op     Op
	Before *Email
	After  *Email
}

// IdentityChange is a pending identity write.
type IdentityChange struct {
	Op     Op
	Before *Identity
	After  *Identity
}

// Changeset is the pending write set of one transaction. Rules of the engine
// read it and may rewrite the After images or append further changes; stores
// apply it only once the engine has passed it.
type Changeset struct {
	accounts   []*AccountChange
	emails     []*EmailChange
	identities []*IdentityChange
	checked    bool
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{}
}

func (c *Changeset) touch() { c.checked = false }

// InsertAccount schedules a new account.
func (c *Changeset) InsertAccount(a *Account) {
	c.touch()
	c.accounts = append(c.accounts, &AccountChange{Op: OpInsert, After: a})
}

// UpdateAccount schedules an account update. before is the committed image.
func (c *Changeset) UpdateAccount(before Account, after *Account) {
	c.touch()
	b := before.Clone()
	c.accounts = append(c.accounts, &AccountChange{Op: OpUpdate, Before: &b, After: after})
}

// InsertEmail schedules a new email.
func (c *Changeset) InsertEmail(e *Email) {
	c.touch()
	c.emails = append(c.emails, &EmailChange{Op: OpInsert, After: e})
}

// UpdateEmail schedules an email update. before is the committed image.
func (c *Changeset) UpdateEmail(before Email, after *Email) {
	c.touch()
	b := before
	c.emails = append(c.emails, &EmailChange{Op: OpUpdate, Before: &b, After: after})
}

// DeleteEmail schedules removal of a committed email.
func (c *Changeset) DeleteEmail(before Email) {
	c.touch()
	b := before
	c.emails = append(c.emails, &EmailChange{Op: OpDelete, Before: &b})
}

// InsertIdentity schedules a new identity.
func (c *Changeset) InsertIdentity(i *Identity) {
	c.touch()
	c.identities = append(c.identities, &IdentityChange{Op: OpInsert, After: i})
}

// UpdateIdentity schedules an identity update. before is the committed image.
func (c *Changeset) UpdateIdentity(before Identity, after *Identity) {
	c.touch()
	b := before
	c.identities = append(c.identities, &IdentityChange{Op: OpUpdate, Before: &b, After: after})
}

// Accounts returns the pending account writes in scheduling order.
func (c *Changeset) Accounts() []*AccountChange { return c.accounts }

// Emails returns the pending email writes in scheduling order.
func (c *Changeset) Emails() []*EmailChange { return c.emails }

// Identities returns the pending identity writes in scheduling order.
func (c *Changeset) Identities() []*IdentityChange { return c.identities }

// Empty reports whether nothing is scheduled.
func (c *Changeset) Empty() bool {
	return len(c.accounts) == 0 && len(c.emails) == 0 && len(c.identities) == 0
}

// Checked reports whether the engine passed the changeset after its last modification.
func (c *Changeset) Checked() bool { return c.checked }

// pendingAccount returns the pending image of account id, if the changeset touches it.
func (c *Changeset) pendingAccount(id string) (*Account, bool) {
	var found *Account
	for _, ch := range c.accounts {
		if ch.After != nil && ch.After.ID == id {
			found = ch.After
		}
	}
	return found, found != nil
}

// pendingEmail returns the last change touching email id.
func (c *Changeset) pendingEmail(id string) (*EmailChange, bool) {
	var found *EmailChange
	for _, ch := range c.emails {
		if ch.After != nil && ch.After.ID == id || ch.Before != nil && ch.Before.ID == id {
			found = ch
		}
	}
	return found, found != nil
}

func (c *Changeset) pendingIdentity(id string) (*IdentityChange, bool) {
	var found *IdentityChange
	for _, ch := range c.identities {
		if ch.After != nil && ch.After.ID == id || ch.Before != nil && ch.Before.ID == id {
			found = ch
		}
	}
	return found, found != nil
}

func (c *Changeset) accountIDs() []string {
	out := make([]string, 0, len(c.accounts))
	for _, ch := range c.accounts {
		out = append(out, ch.After.ID)
	}
	return out
}
