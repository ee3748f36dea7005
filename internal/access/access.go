// Package access decides whether a principal may act on an aggregate. Only
// the hook is defined here; tenant isolation is the built-in rule.
package access

import (
	"context"
	"fmt"
	"slices"

	"trellocore/internal/domain"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

func (p Principal) HasRole(role string) bool { return slices.Contains(p.Roles, role) }

// Checker returns an error matching domain.ErrUnauthorized to deny.
type Checker interface {
	Check(ctx context.Context, p Principal, action Action, agg domain.Aggregate) error
}

type CheckerFunc func(ctx context.Context, p Principal, action Action, agg domain.Aggregate) error

func (f CheckerFunc) Check(ctx context.Context, p Principal, action Action, agg domain.Aggregate) error {
	return f(ctx, p, action, agg)
}

// AllowAll grants everything.
var AllowAll Checker = CheckerFunc(func(context.Context, Principal, Action, domain.Aggregate) error { return nil })

// TenantChecker only lets principals touch aggregates of their own tenant.
// Principals with the viewer role may only read.
type TenantChecker struct{}

const RoleViewer = "viewer"

func (TenantChecker) Check(_ context.Context, p Principal, action Action, agg domain.Aggregate) error {
	if p.TenantID == "" || p.UserID == "" {
		return fmt.Errorf("anonymous principal: %w", domain.ErrUnauthorized)
	}
	if agg.Header().TenantID != p.TenantID {
		return fmt.Errorf("%s belongs to another tenant: %w", agg.Ref(), domain.ErrUnauthorized)
	}
	if action != ActionRead && p.HasRole(RoleViewer) && !p.HasRole("member") && !p.HasRole("admin") {
		return fmt.Errorf("%s on %s: %w", action, agg.Ref(), domain.ErrUnauthorized)
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
