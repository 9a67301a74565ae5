package accounts

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// System role vocabulary.
const (
	RoleAnonymous     = "anonymous"
	RoleVisitor       = "visitor"
	RoleUser          = "user"
	RoleManager       = "manager"
	RoleAdministrator = "administrator"
)

// Role is a node of the single-rooted role tree. Parent is referenced by id.
type Role struct {
	ID          string
	Name        string
	Description string
	ParentID    string
	CreatedAt   time.Time
}

// IsSystemRole reports whether name belongs to the reserved vocabulary.
func IsSystemRole(name string) bool {
	switch name {
	case RoleAnonymous, RoleVisitor, RoleUser, RoleManager, RoleAdministrator:
		return true
	}
	return false
}

// IsAssignable reports whether name may appear in an account's role set.
func IsAssignable(name string) bool {
	return name != RoleAnonymous && name != RoleVisitor
}

// IsExclusive reports whether name must be the only role of an account.
func IsExclusive(name string) bool {
	return name == RoleAdministrator || name == RoleUser
}

// SystemRoles returns the default role chain, root first. ids supplies identifiers.
func SystemRoles(newID func() string) []Role {
	names := []struct{ name, description string }{
		{RoleAnonymous, "Unauthenticated access"},
		{RoleVisitor, "Authenticated without an account role"},
		{RoleUser, "Regular account"},
		{RoleManager, "Manages accounts and devices"},
		{RoleAdministrator, "Full access"},
	}
	roles := make([]Role, 0, len(names))
	parent := ""
	for _, n := range names {
		r := Role{ID: newID(), Name: n.name, Description: n.description, ParentID: parent}
		roles = append(roles, r)
		parent = r.ID
	}
	return roles
}

// RoleTree is an arena of roles keyed by id.
type RoleTree struct {
	byID     map[string]Role
	byName   map[string]string
	children map[string][]string
	root     string
}

// NewRoleTree indexes roles and checks the tree is single-rooted and acyclic.
// Children keep the order in which they appear in roles.
func NewRoleTree(roles []Role) (*RoleTree, error) {
	t := &RoleTree{
		byID:     make(map[string]Role, len(roles)),
		byName:   make(map[string]string, len(roles)),
		children: make(map[string][]string),
	}
	for _, r := range roles {
		if r.ID == "" || r.Name == "" {
			return nil, fmt.Errorf("%w: role id and name are required", ErrInvalidInput)
		}
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate role id %s", ErrInvalidInput, r.ID)
		}
		if _, dup := t.byName[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role name %s", ErrInvalidInput, r.Name)
		}
		t.byID[r.ID] = r
		t.byName[r.Name] = r.ID
	}
	for _, r := range roles {
		if r.ParentID == "" {
			if t.root != "" {
				return nil, fmt.Errorf("%w: role tree has more than one root (%s, %s)", ErrInvalidInput, t.byID[t.root].Name, r.Name)
			}
			t.root = r.ID
			continue
		}
		if _, ok := t.byID[r.ParentID]; !ok {
			return nil, fmt.Errorf("%w: role %s references unknown parent %s", ErrInvalidInput, r.Name, r.ParentID)
		}
		t.children[r.ParentID] = append(t.children[r.ParentID], r.ID)
	}
	if len(roles) > 0 && t.root == "" {
		return nil, fmt.Errorf("%w: role tree has no root", ErrInvalidInput)
	}
	// every role must be reachable from the root, otherwise a cycle exists
	if reached := len(t.descendants(t.root)) + 1; len(roles) > 0 && reached != len(roles) {
		return nil, fmt.Errorf("%w: role tree contains a cycle", ErrInvalidInput)
	}
	return t, nil
}

// Len returns the number of roles.
func (t *RoleTree) Len() int { return len(t.byID) }

// Root returns the root role.
func (t *RoleTree) Root() (Role, bool) {
	r, ok := t.byID[t.root]
	return r, ok
}

// ByName looks a role up by name.
func (t *RoleTree) ByName(name string) (Role, bool) {
	id, ok := t.byName[name]
	if !ok {
		return Role{}, false
	}
	return t.byID[id], true
}

// Parent returns the parent of role name.
func (t *RoleTree) Parent(name string) (Role, bool) {
	r, ok := t.ByName(name)
	if !ok || r.ParentID == "" {
		return Role{}, false
	}
	return t.byID[r.ParentID], true
}

// Children returns the direct children of role name in insertion order.
func (t *RoleTree) Children(name string) []Role {
	r, ok := t.ByName(name)
	if !ok {
		return nil
	}
	out := make([]Role, 0, len(t.children[r.ID]))
	for _, id := range t.children[r.ID] {
		out = append(out, t.byID[id])
	}
	return out
}

// Ancestors returns the chain from the parent of name up to the root.
func (t *RoleTree) Ancestors(name string) []Role {
	var out []Role
	for p, ok := t.Parent(name); ok; p, ok = t.Parent(p.Name) {
		out = append(out, p)
	}
	return out
}

// Inherits reports whether holding role name grants required: either they are
// the same role or required is an ancestor of name.
func (t *RoleTree) Inherits(name, required string) bool {
	if _, ok := t.ByName(name); !ok {
		return false
	}
	if name == required {
		return true
	}
	return slices.ContainsFunc(t.Ancestors(name), func(r Role) bool { return r.Name == required })
}

// Grants reports whether any role in held inherits required.
func (t *RoleTree) Grants(held []string, required string) bool {
	for _, name := range held {
		if t.Inherits(name, required) {
			return true
		}
	}
	return false
}

// Walk visits roles depth-first from the root, children in order.
func (t *RoleTree) Walk(fn func(r Role, depth int)) {
	if t.root == "" {
		return
	}
	var visit func(id string, depth int)
	visit = func(id string, depth int) {
		fn(t.byID[id], depth)
		for _, child := range t.children[id] {
			visit(child, depth+1)
		}
	}
	visit(t.root, 0)
}

// String renders the tree as an indented list.
func (t *RoleTree) String() string {
	var b strings.Builder
	t.Walk(func(r Role, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(r.Name)
		b.WriteByte('\n')
	})
	return b.String()
}

func (t *RoleTree) descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := slices.Clone(t.children[id])
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, t.children[next]...)
	}
	return out
}

// NormalizeRoleName trims and lower-cases a role name.
func NormalizeRoleName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
