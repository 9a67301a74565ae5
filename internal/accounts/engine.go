package accounts

import (
	"context"
	"fmt"
	"slices"
)

// Rule is one invariant of the engine. Check may rewrite the changeset before
// validating it; rules run in a fixed order so rewrites are visible to later rules.
type Rule interface {
	Name() string
	Check(ctx context.Context, r Reader, cs *Changeset) error
}

type ruleFunc struct {
	name  string
	check func(ctx context.Context, r Reader, cs *Changeset) error
}

func (f ruleFunc) Name() string { return f.name }

func (f ruleFunc) Check(ctx context.Context, r Reader, cs *Changeset) error {
	return f.check(ctx, r, cs)
}

// Policy holds the role sets the engine assigns on its own.
type Policy struct {
	// UserDefaultRoles is assigned to new user accounts created without roles.
	UserDefaultRoles []string
	// MachineRoles always replaces the requested roles of machine accounts.
	MachineRoles []string
}

// DefaultPolicy assigns {user} to new user accounts and {manager} to machines.
func DefaultPolicy() Policy {
	return Policy{
		UserDefaultRoles: []string{RoleUser},
		MachineRoles:     []string{RoleManager},
	}
}

// Engine is the pre-commit gate for account, identity, role assignment and email writes.
type Engine struct {
	rules       []Rule
	onViolation func(*Violation)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules replaces the default rule list.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) {
		e.rules = slices.Clone(rules)
	}
}

// WithViolationHook registers fn to observe every rejected changeset.
func WithViolationHook(fn func(*Violation)) EngineOption {
	return func(e *Engine) {
		e.onViolation = fn
	}
}

// NewEngine returns an engine running DefaultRules(policy).
func NewEngine(policy Policy, opts ...EngineOption) *Engine {
	e := &Engine{rules: DefaultRules(policy)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultRules returns the rule set in evaluation order.
func DefaultRules(policy Policy) []Rule {
	return []Rule{
		DefaultRolesRule(policy),
		NonAssignableRolesRule(),
		KnownRolesRule(),
		RoleExclusivityRule(),
		BootstrapRule(),
		AccountKindRule(),
		DefaultEmailRule(),
		UniquenessRule(),
	}
}

// Enforce runs every rule against cs and marks it checked. Any error means the
// enclosing transaction must be rolled back; violations are returned as *Violation.
func (e *Engine) Enforce(ctx context.Context, r Reader, cs *Changeset) error {
	if cs == nil {
		return fmt.Errorf("%w: changeset is required", ErrInvalidInput)
	}
	for _, rule := range e.rules {
		if err := rule.Check(ctx, r, cs); err != nil {
			if v, ok := AsViolation(err); ok {
				if e.onViolation != nil {
					e.onViolation(v)
				}
				return v
			}
			return fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
	}
	if err := validateShapes(cs); err != nil {
		return err
	}
	cs.checked = true
	return nil
}

func validateShapes(cs *Changeset) error {
	for _, ch := range cs.accounts {
		if ch.After == nil {
			return fmt.Errorf("%w: account change without image", ErrInvalidInput)
		}
		if err := validateAccount(*ch.After); err != nil {
			return err
		}
	}
	for _, ch := range cs.emails {
		if ch.Op == OpDelete {
			if ch.Before == nil {
				return fmt.Errorf("%w: email delete without image", ErrInvalidInput)
			}
			continue
		}
		if ch.After == nil {
			return fmt.Errorf("%w: email change without image", ErrInvalidInput)
		}
		if err := validateEmail(*ch.After); err != nil {
			return err
		}
	}
	for _, ch := range cs.identities {
		if ch.After == nil {
			return fmt.Errorf("%w: identity change without image", ErrInvalidInput)
		}
		if err := validateIdentity(*ch.After); err != nil {
			return err
		}
	}
	return nil
}
