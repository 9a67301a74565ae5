package accounts

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// AccountKind separates human principals from non-human ones.
type AccountKind string

const (
	KindUser    AccountKind = "user"
	KindMachine AccountKind = "machine"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	return k == KindUser || k == KindMachine
}

// AccountState is the lifecycle state of an account.
type AccountState string

const (
	StateNotActivated    AccountState = "not_activated"
	StateActive          AccountState = "active"
	StateBlocked         AccountState = "blocked"
	StateDeleted         AccountState = "deleted"
	StateApprovalWaiting AccountState = "approval_waiting"
)

var accountTransitions = map[AccountState][]AccountState{
	StateNotActivated:    {StateActive, StateBlocked, StateDeleted, StateApprovalWaiting},
	StateApprovalWaiting: {StateActive, StateBlocked, StateDeleted, StateNotActivated},
	StateActive:          {StateBlocked, StateDeleted},
	StateBlocked:         {StateActive, StateDeleted},
	// deleted is terminal: accounts are never hard-deleted nor resurrected.
	StateDeleted: nil,
}

// Valid reports whether s is a known account state.
func (s AccountState) Valid() bool {
	_, ok := accountTransitions[s]
	return ok
}

// CanTransition reports whether an account may move from s to next.
func (s AccountState) CanTransition(next AccountState) bool {
	if s == next {
		return true
	}
	return slices.Contains(accountTransitions[s], next)
}

// Account identifies a principal. Roles holds role names.
type Account struct {
	ID          string
	Kind        AccountKind
	State       AccountState
	Roles       []string
	LastVisit   *time.Time
	RequestHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasRole reports whether the account holds role name.
func (a Account) HasRole(name string) bool {
	return slices.Contains(a.Roles, name)
}

// IsAdministrator reports whether the account is a live administrator.
func (a Account) IsAdministrator() bool {
	return a.State != StateDeleted && a.HasRole(RoleAdministrator)
}

// Clone returns a copy that shares no slices with a.
func (a Account) Clone() Account {
	a.Roles = slices.Clone(a.Roles)
	if a.LastVisit != nil {
		v := *a.LastVisit
		a.LastVisit = &v
	}
	return a
}

// NormalizeRoles trims, lower-cases and de-duplicates role names keeping the first occurrence order.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func validateAccount(a Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unsupported account kind %q", ErrInvalidInput, a.Kind)
	}
	if !a.State.Valid() {
		return fmt.Errorf("%w: unsupported account state %q", ErrInvalidInput, a.State)
	}
	return nil
}
