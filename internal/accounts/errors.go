package accounts

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("accounts: not found")
	ErrInvalidInput = errors.New("accounts: invalid input")
	// ErrUnchecked is returned by stores asked to apply a changeset the engine has not passed.
	ErrUnchecked = errors.New("accounts: changeset was not checked by the invariant engine")
)

// ViolationKind classifies an invariant violation.
type ViolationKind string

const (
	KindRoleCombinationInvalid         ViolationKind = "role_combination_invalid"
	KindNonAssignableRole              ViolationKind = "non_assignable_role"
	KindUnknownRole                    ViolationKind = "unknown_role"
	KindEmailMustStayDefault           ViolationKind = "email_must_stay_default"
	KindDuplicateIdentifier            ViolationKind = "duplicate_identifier"
	KindBootstrapAdministratorRequired ViolationKind = "bootstrap_administrator_required"
	KindKindMismatch                   ViolationKind = "kind_mismatch"
)

// Violation rejects the enclosing transaction. Subject names the offending role,
// field or entity where one exists.
type Violation struct {
	Kind    ViolationKind
	Subject string
	Detail  string
}

func (v *Violation) Error() string {
	msg := "accounts: " + string(v.Kind)
	if v.Subject != "" {
		msg += " (" + v.Subject + ")"
	}
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}

// Is matches violations by kind so callers can use errors.Is with the sentinels below.
func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	if !ok {
		return false
	}
	return t.Kind == v.Kind
}

var (
	ErrRoleCombinationInvalid         = &Violation{Kind: KindRoleCombinationInvalid}
	ErrNonAssignableRole              = &Violation{Kind: KindNonAssignableRole}
	ErrUnknownRole                    = &Violation{Kind: KindUnknownRole}
	ErrEmailMustStayDefault           = &Violation{Kind: KindEmailMustStayDefault}
	ErrDuplicateIdentifier            = &Violation{Kind: KindDuplicateIdentifier}
	ErrBootstrapAdministratorRequired = &Violation{Kind: KindBootstrapAdministratorRequired}
	ErrKindMismatch                   = &Violation{Kind: KindKindMismatch}
)

func violation(kind ViolationKind, subject, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Subject: subject, Detail: fmt.Sprintf(format, args...)}
}

// DuplicateIdentifier builds the violation raised when field value is already taken.
func DuplicateIdentifier(field, value string) *Violation {
	return violation(KindDuplicateIdentifier, field, "%q is already in use", value)
}

// AsViolation extracts the violation carried by err, if any.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
