// Package authz implements a declarative authorization pipeline:
// attribute resolution, role-hierarchy checks, and a context-scoped
// "current identity" for handler code.
package authz

import "github.com/floegence/grainrpc/identity"

// Attribute is one declarative policy mark attachable to a grain class,
// an interface, or a single method.
type Attribute interface {
	isAttribute()
}

type authorizeAttr struct{}

func (authorizeAttr) isAttribute() {}

// AuthorizeAttr requires identity.Role > Anonymous.
func AuthorizeAttr() Attribute { return authorizeAttr{} }

type allowAnonymousAttr struct{}

func (allowAnonymousAttr) isAttribute() {}

// AllowAnonymous exempts a method from any inherited Authorize mark.
func AllowAnonymous() Attribute { return allowAnonymousAttr{} }

type requireRoleAttr struct{ role identity.Role }

func (requireRoleAttr) isAttribute() {}

// RequireRole requires identity.Role >= r. Multiple RequireRole marks on
// one method are OR'd together.
func RequireRole(r identity.Role) Attribute { return requireRoleAttr{role: r} }

type serverOnlyAttr struct{}

func (serverOnlyAttr) isAttribute() {}

// ServerOnly is RequireRole(Server), named separately for audit clarity.
func ServerOnly() Attribute { return serverOnlyAttr{} }

type clientAccessibleAttr struct{}

func (clientAccessibleAttr) isAttribute() {}

// ClientAccessible marks a method/interface/class callable by a
// sub-Server identity when strict mode is enabled.
func ClientAccessible() Attribute { return clientAccessibleAttr{} }

// resolved is the flattened set of attributes that applies to one
// (interface, method) pair once class, interface, and method-level
// attributes are merged.
type resolved struct {
	allowAnonymous   bool
	clientAccessible bool
	requireRoles     []identity.Role
	authorize        bool
}

func resolve(attrSets ...[]Attribute) resolved {
	var r resolved
	for _, attrs := range attrSets {
		for _, a := range attrs {
			switch v := a.(type) {
			case allowAnonymousAttr:
				r.allowAnonymous = true
			case clientAccessibleAttr:
				r.clientAccessible = true
			case requireRoleAttr:
				r.requireRoles = append(r.requireRoles, v.role)
			case serverOnlyAttr:
				r.requireRoles = append(r.requireRoles, identity.RoleServer)
			case authorizeAttr:
				r.authorize = true
			}
		}
	}
	return r
}

// DefaultPolicy governs the fallback when no attribute on a method,
// interface, or class resolves the decision.
type DefaultPolicy uint8

const (
	// Permissive allows any call not explicitly restricted.
	Permissive DefaultPolicy = iota
	// DenyByDefault refuses any call not explicitly allowed.
	DenyByDefault
)
