// Package access implements role-based authorization for administrative
// operations.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// Checker answers role membership questions.
type Checker interface {
	HasRole(ctx context.Context, principal string, role custody.Role) (bool, error)
}

// Controller manages the role table. ADMIN administers every role.
type Controller struct {
	store storage.RoleStore
	log   *logger.Logger

	mu sync.Mutex
}

var _ Checker = (*Controller)(nil)

// New constructs an access controller.
func New(store storage.RoleStore, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("access")
	}
	return &Controller{store: store, log: log}
}

// HasRole reports whether principal holds role.
func (c *Controller) HasRole(ctx context.Context, principal string, role custody.Role) (bool, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return false, nil
	}
	return c.store.HasRole(ctx, principal, role)
}

// Require returns *custody.UnauthorizedError unless principal holds role.
func (c *Controller) Require(ctx context.Context, principal string, role custody.Role) error {
	return Require(ctx, c, principal, role)
}

// Require checks membership through any Checker.
func Require(ctx context.Context, checker Checker, principal string, role custody.Role) error {
	ok, err := checker.HasRole(ctx, principal, role)
	if err != nil {
		return fmt.Errorf("check role %s: %w", role, err)
	}
	if !ok {
		return &custody.UnauthorizedError{Principal: principal, Role: role}
	}
	return nil
}

// RequireAny passes when principal holds at least one of roles.
func RequireAny(ctx context.Context, checker Checker, principal string, roles ...custody.Role) error {
	if len(roles) == 0 {
		return errors.New("no roles to check")
	}
	for _, role := range roles {
		ok, err := checker.HasRole(ctx, principal, role)
		if err != nil {
			return fmt.Errorf("check role %s: %w", role, err)
		}
		if ok {
			return nil
		}
	}
	return &custody.UnauthorizedError{Principal: principal, Role: roles[0]}
}

// Bootstrap grants ADMIN and MANAGER to the deployer. Roles already held
// are left untouched so restarts do not duplicate records.
func (c *Controller) Bootstrap(ctx context.Context, deployer string) error {
	deployer = strings.TrimSpace(deployer)
	if deployer == "" {
		return fmt.Errorf("deployer principal is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, role := range []custody.Role{custody.RoleAdmin, custody.RoleManager} {
		if _, err := c.setRole(ctx, deployer, role, deployer, true); err != nil {
			return err
		}
	}
	return nil
}

// GrantRole gives role to principal. Only ADMIN may grant.
func (c *Controller) GrantRole(ctx context.Context, caller string, role custody.Role, principal string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Require(ctx, caller, custody.RoleAdmin); err != nil {
		c.log.WithField("caller", caller).WithField("role", role).Warn("role grant rejected")
		return err
	}
	changed, err := c.setRole(ctx, principal, role, caller, true)
	if err != nil {
		return err
	}
	if changed {
		c.log.WithField("principal", principal).WithField("role", role).WithField("caller", caller).Info("role granted")
	}
	return nil
}

// RevokeRole removes role from principal. Only ADMIN may revoke.
func (c *Controller) RevokeRole(ctx context.Context, caller string, role custody.Role, principal string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Require(ctx, caller, custody.RoleAdmin); err != nil {
		c.log.WithField("caller", caller).WithField("role", role).Warn("role revoke rejected")
		return err
	}
	return c.revoke(ctx, caller, role, principal)
}

// RenounceRole lets a principal drop one of its own roles.
func (c *Controller) RenounceRole(ctx context.Context, caller string, role custody.Role, principal string) error {
	if strings.TrimSpace(caller) == "" || caller != principal {
		return &custody.UnauthorizedError{Principal: caller, Role: role}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoke(ctx, caller, role, principal)
}

// Members lists the principals holding role.
func (c *Controller) Members(ctx context.Context, role custody.Role) ([]string, error) {
	return c.store.ListRoleMembers(ctx, role)
}

func (c *Controller) revoke(ctx context.Context, caller string, role custody.Role, principal string) error {
	changed, err := c.setRole(ctx, principal, role, caller, false)
	if err != nil {
		return err
	}
	if changed {
		c.log.WithField("principal", principal).WithField("role", role).WithField("caller", caller).Info("role revoked")
	}
	return nil
}

// setRole applies a change only when membership actually flips.
func (c *Controller) setRole(ctx context.Context, principal string, role custody.Role, actor string, granted bool) (bool, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return false, fmt.Errorf("principal is required")
	}
	has, err := c.store.HasRole(ctx, principal, role)
	if err != nil {
		return false, fmt.Errorf("check role %s: %w", role, err)
	}
	if has == granted {
		return false, nil
	}

	kind := custody.RecordRoleGranted
	if !granted {
		kind = custody.RecordRoleRevoked
	}
	rec := custody.Record{Kind: kind, Principal: principal, Role: role, Actor: actor}
	if err := c.store.SetRole(ctx, principal, role, granted, rec); err != nil {
		return false, fmt.Errorf("persist role %s for %s: %w", role, principal, err)
	}
	return true, nil
}
