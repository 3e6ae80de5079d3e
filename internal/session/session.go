// Package session holds the current principal and persists it across
// restarts.
//
// The portal treats the session store as a single-writer resource: only
// login/logout write it, every read is a consistent snapshot. An absent
// principal is a valid state, never an error.
package session

import (
	"context"
	"strings"
	"sync"
)

// Role is a portal principal role.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSuperadmin Role = "SUPERADMIN"
	RoleAggregator Role = "AGGREGATOR"
	RoleSubvendor  Role = "SUBVENDOR"
	RoleRetailer   Role = "RETAILER"
	RoleCustomer   Role = "CUSTOMER"
)

// ParseRole normalizes a role string. Unknown roles map to ("", false).
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSuperadmin:
		return RoleSuperadmin, true
	case RoleAggregator:
		return RoleAggregator, true
	case RoleSubvendor:
		return RoleSubvendor, true
	case RoleRetailer:
		return RoleRetailer, true
	case RoleCustomer:
		return RoleCustomer, true
	}
	return "", false
}

// Privileged reports whether the role may read the global wallet ledger.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// Principal identifies the logged-in user.
type Principal struct {
	Role       Role   `json:"role"`
	Identifier string `json:"identifier"` // numeric ID or email
	Token      string `json:"-"`          // bearer token, never serialized
}

// Authenticated reports whether the principal carries a token.
func (p *Principal) Authenticated() bool {
	return p != nil && p.Token != ""
}

// Storage keys, kept from the original portal so sessions written by it
// remain readable.
const (
	KeyToken            = "glovendor_token"
	KeyIdentifier       = "glovendor_identifier"
	KeyRole             = "glovendor_role"
	KeyPaymentReference = "payment_reference"
)

// Store is a durable key/value session store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Context supplies the current principal to every component that needs
// identity. Mutations go through SetPrincipal/Clear only.
type Context struct {
	store Store
	mu    sync.RWMutex
	cur   *Principal
}

// NewContext creates a session context backed by the given store, loading
// any persisted principal so payment flows survive a restart.
func NewContext(ctx context.Context, store Store) (*Context, error) {
	sc := &Context{store: store}

	token, err := store.Get(ctx, KeyToken)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return sc, nil
	}

	identifier, err := store.Get(ctx, KeyIdentifier)
	if err != nil {
		return nil, err
	}
	roleStr, err := store.Get(ctx, KeyRole)
	if err != nil {
		return nil, err
	}

	role, ok := ParseRole(roleStr)
	if !ok {
		// Stale or corrupt session: treat as logged out.
		return sc, nil
	}

	sc.cur = &Principal{Role: role, Identifier: identifier, Token: token}
	return sc, nil
}

// Principal returns a snapshot of the current principal, or nil when
// unauthenticated.
func (c *Context) Principal() *Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	cp := *c.cur
	return &cp
}

// SetPrincipal stores the principal in memory and persists it.
func (c *Context) SetPrincipal(ctx context.Context, p Principal) error {
	if err := c.store.Set(ctx, KeyToken, p.Token); err != nil {
		return err
	}
	if err := c.store.Set(ctx, KeyIdentifier, p.Identifier); err != nil {
		return err
	}
	if err := c.store.Set(ctx, KeyRole, string(p.Role)); err != nil {
		return err
	}

	c.mu.Lock()
	c.cur = &p
	c.mu.Unlock()
	return nil
}

// SetIdentifier upgrades the stored identifier in place (e.g. after an
// email has been resolved to a numeric ID). No-op when unauthenticated.
func (c *Context) SetIdentifier(ctx context.Context, identifier string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	if err := c.store.Set(ctx, KeyIdentifier, identifier); err != nil {
		return err
	}
	cp := *c.cur
	cp.Identifier = identifier
	c.cur = &cp
	return nil
}

// Clear removes the principal from memory and the store.
func (c *Context) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, KeyToken, KeyIdentifier, KeyRole); err != nil {
		return err
	}

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
	return nil
}

// SetPaymentReference persists the in-flight payment reference so the
// verify step survives the redirect to the payment provider.
func (c *Context) SetPaymentReference(ctx context.Context, ref string) error {
	return c.store.Set(ctx, KeyPaymentReference, ref)
}

// PaymentReference returns the persisted payment reference, or "".
func (c *Context) PaymentReference(ctx context.Context) (string, error) {
	return c.store.Get(ctx, KeyPaymentReference)
}

// ClearPaymentReference removes the persisted payment reference.
func (c *Context) ClearPaymentReference(ctx context.Context) error {
	return c.store.Delete(ctx, KeyPaymentReference)
}
