package accounts

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// DefaultRolesRule gives new user accounts without roles the policy default set
// and overwrites the role set of machine accounts with the policy machine set.
// Requested machine roles are discarded, not merged.
func DefaultRolesRule(policy Policy) Rule {
	userDefaults := NormalizeRoles(policy.UserDefaultRoles)
	machineRoles := NormalizeRoles(policy.MachineRoles)
	return ruleFunc{name: "default_roles", check: func(_ context.Context, _ Reader, cs *Changeset) error {
		for _, ch := range cs.accounts {
			a := ch.After
			a.Roles = NormalizeRoles(a.Roles)
			switch {
			case a.Kind == KindMachine:
				a.Roles = slices.Clone(machineRoles)
			case ch.Op == OpInsert && len(a.Roles) == 0:
				a.Roles = slices.Clone(userDefaults)
			}
		}
		return nil
	}}
}

// NonAssignableRolesRule rejects anonymous and visitor in any account role set.
func NonAssignableRolesRule() Rule {
	return ruleFunc{name: "non_assignable_roles", check: func(_ context.Context, _ Reader, cs *Changeset) error {
		for _, ch := range cs.accounts {
			for _, role := range ch.After.Roles {
				if !IsAssignable(role) {
					return violation(KindNonAssignableRole, role, "role cannot be assigned to an account")
				}
			}
		}
		return nil
	}}
}

// KnownRolesRule rejects role names missing from the role store.
func KnownRolesRule() Rule {
	return ruleFunc{name: "known_roles", check: func(ctx context.Context, r Reader, cs *Changeset) error {
		known := make(map[string]bool)
		for _, ch := range cs.accounts {
			for _, role := range ch.After.Roles {
				if known[role] {
					continue
				}
				if _, err := r.RoleByName(ctx, role); err != nil {
					if errors.Is(err, ErrNotFound) {
						return violation(KindUnknownRole, role, "role does not exist")
					}
					return err
				}
				known[role] = true
			}
		}
		return nil
	}}
}

// RoleExclusivityRule requires administrator and user to be the sole member of a role set.
func RoleExclusivityRule() Rule {
	return ruleFunc{name: "role_exclusivity", check: func(_ context.Context, _ Reader, cs *Changeset) error {
		for _, ch := range cs.accounts {
			roles := ch.After.Roles
			if len(roles) <= 1 {
				continue
			}
			for _, role := range roles {
				if IsExclusive(role) {
					return violation(KindRoleCombinationInvalid, role, "role cannot be combined with other roles")
				}
			}
		}
		return nil
	}}
}

// BootstrapRule keeps at least one administrator in the system. It runs when the
// changeset creates accounts or takes the administrator role away from one, and
// counts pending administrators together with committed ones outside the changeset.
func BootstrapRule() Rule {
	return ruleFunc{name: "bootstrap", check: func(ctx context.Context, r Reader, cs *Changeset) error {
		needed := false
		for _, ch := range cs.accounts {
			switch {
			case ch.Op == OpInsert:
				needed = true
			case ch.Before != nil && ch.Before.IsAdministrator() && !ch.After.IsAdministrator():
				needed = true
			}
		}
		if !needed {
			return nil
		}
		for _, ch := range cs.accounts {
			if ch.After.IsAdministrator() {
				return nil
			}
		}
		exists, err := r.ExistsAdministrator(ctx, cs.accountIDs())
		if err != nil {
			return err
		}
		if !exists {
			return violation(KindBootstrapAdministratorRequired, RoleAdministrator, "at least one administrator account must exist")
		}
		return nil
	}}
}

// AccountKindRule keeps emails off machine accounts, identity credentials in line
// with their account kind and account kinds immutable.
func AccountKindRule() Rule {
	return ruleFunc{name: "account_kind", check: func(ctx context.Context, r Reader, cs *Changeset) error {
		kindOf := func(accountID string) (AccountKind, error) {
			if a, ok := cs.pendingAccount(accountID); ok {
				return a.Kind, nil
			}
			a, err := r.AccountByID(ctx, accountID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return "", fmt.Errorf("%w: unknown account %s", ErrInvalidInput, accountID)
				}
				return "", err
			}
			return a.Kind, nil
		}
		for _, ch := range cs.accounts {
			if ch.Before != nil && ch.Before.Kind != ch.After.Kind {
				return violation(KindKindMismatch, "kind", "account kind cannot change")
			}
		}
		for _, ch := range cs.emails {
			if ch.After == nil {
				continue
			}
			kind, err := kindOf(ch.After.AccountID)
			if err != nil {
				return err
			}
			if kind != KindUser {
				return violation(KindKindMismatch, "email", "machine accounts cannot own emails")
			}
		}
		for _, ch := range cs.identities {
			kind, err := kindOf(ch.After.AccountID)
			if err != nil {
				return err
			}
			if ch.After.Kind() != kind {
				return violation(KindKindMismatch, "identity", "%s credential cannot belong to a %s account", ch.After.Kind(), kind)
			}
		}
		return nil
	}}
}

// DefaultEmailRule keeps exactly one default email per account. Marking an email
// default clears the flag on every other email of the account in the same
// changeset; clearing or deleting the default while other emails remain is
// rejected; the first email of an account becomes its default.
func DefaultEmailRule() Rule {
	return ruleFunc{name: "default_email", check: func(ctx context.Context, r Reader, cs *Changeset) error {
		var order []string
		byAccount := make(map[string][]*EmailChange)
		for _, ch := range cs.emails {
			id := emailAccountID(ch)
			if _, ok := byAccount[id]; !ok {
				order = append(order, id)
			}
			byAccount[id] = append(byAccount[id], ch)
		}
		for _, accountID := range order {
			if err := enforceDefaultEmail(ctx, r, cs, accountID, byAccount[accountID]); err != nil {
				return err
			}
		}
		return nil
	}}
}

func emailAccountID(ch *EmailChange) string {
	if ch.After != nil {
		return ch.After.AccountID
	}
	return ch.Before.AccountID
}

func enforceDefaultEmail(ctx context.Context, r Reader, cs *Changeset, accountID string, changes []*EmailChange) error {
	committed, err := r.EmailsByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	// the account's emails as they will be after the changeset
	var ids []string
	view := make(map[string]*Email)
	pending := make(map[string]bool)
	for _, e := range committed {
		view[e.ID] = &e
		ids = append(ids, e.ID)
	}
	for _, ch := range changes {
		switch ch.Op {
		case OpInsert:
			view[ch.After.ID] = ch.After
			ids = append(ids, ch.After.ID)
			pending[ch.After.ID] = true
		case OpUpdate:
			view[ch.After.ID] = ch.After
			pending[ch.After.ID] = true
		case OpDelete:
			delete(view, ch.Before.ID)
		}
	}

	var promoted *Email
	for _, ch := range changes {
		if ch.After != nil && ch.After.IsDefault && (ch.Before == nil || !ch.Before.IsDefault) {
			promoted = ch.After
		}
	}

	if promoted != nil {
		for _, id := range ids {
			e, ok := view[id]
			if !ok || id == promoted.ID || !e.IsDefault {
				continue
			}
			if pending[id] {
				e.IsDefault = false
				continue
			}
			before := *e
			after := before
			after.IsDefault = false
			cs.UpdateEmail(before, &after)
			view[id] = &after
		}
		return nil
	}

	for _, ch := range changes {
		switch {
		case ch.Op == OpUpdate && ch.Before.IsDefault && !ch.After.IsDefault:
			return violation(KindEmailMustStayDefault, ch.After.Address, "mark another email as default instead")
		case ch.Op == OpDelete && ch.Before.IsDefault && len(view) > 0:
			return violation(KindEmailMustStayDefault, ch.Before.Address, "mark another email as default before deleting this one")
		}
	}

	hasDefault := false
	for _, e := range view {
		if e.IsDefault {
			hasDefault = true
			break
		}
	}
	if hasDefault || len(view) == 0 {
		return nil
	}
	for _, id := range ids {
		if e, ok := view[id]; ok && pending[id] {
			e.IsDefault = true
			return nil
		}
	}
	return nil
}

// UniquenessRule rejects email addresses and identity uids already in use,
// by committed rows or by other writes of the same changeset.
func UniquenessRule() Rule {
	return ruleFunc{name: "uniqueness", check: func(ctx context.Context, r Reader, cs *Changeset) error {
		if err := uniqueEmails(ctx, r, cs); err != nil {
			return err
		}
		return uniqueIdentities(ctx, r, cs)
	}}
}

func uniqueEmails(ctx context.Context, r Reader, cs *Changeset) error {
	seen := make(map[string]string)
	for _, ch := range cs.emails {
		if ch.After == nil {
			continue
		}
		addr := NormalizeAddress(ch.After.Address)
		if ch.Op == OpUpdate && NormalizeAddress(ch.Before.Address) == addr {
			continue
		}
		if other, ok := seen[addr]; ok && other != ch.After.ID {
			return DuplicateIdentifier("email", addr)
		}
		seen[addr] = ch.After.ID

		existing, err := r.EmailByAddress(ctx, addr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if existing.ID == ch.After.ID {
			continue
		}
		// a committed holder of the address may be releasing it in this changeset
		if p, ok := cs.pendingEmail(existing.ID); ok && (p.After == nil || NormalizeAddress(p.After.Address) != addr) {
			continue
		}
		return DuplicateIdentifier("email", addr)
	}
	return nil
}

func uniqueIdentities(ctx context.Context, r Reader, cs *Changeset) error {
	seen := make(map[string]string)
	for _, ch := range cs.identities {
		uid := ch.After.UID
		if ch.After.State == IdentityInvalid {
			continue
		}
		if ch.Op == OpUpdate && ch.Before.UID == uid && ch.Before.State != IdentityInvalid {
			continue
		}
		if other, ok := seen[uid]; ok && other != ch.After.ID {
			return DuplicateIdentifier("uid", uid)
		}
		seen[uid] = ch.After.ID

		existing, err := r.IdentityByUID(ctx, uid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if existing.ID == ch.After.ID {
			continue
		}
		if p, ok := cs.pendingIdentity(existing.ID); ok && (p.After.State == IdentityInvalid || p.After.UID != uid) {
			continue
		}
		return DuplicateIdentifier("uid", uid)
	}
	return nil
}
