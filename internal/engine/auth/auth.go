// Package auth resolves the actor behind a call and applies role gates.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"approvalq/internal/domain"
	"approvalq/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NotApproverError means the actor's role does not gate the request's current level.
type NotApproverError struct {
	RequestID string
	Level     int
	Required  string
	RoleID    string
}

func (e NotApproverError) Error() string {
	if e.Required == "" {
		return fmt.Sprintf("request %s has no approver at level %d", e.RequestID, e.Level)
	}
	return fmt.Sprintf("role %q cannot act on request %s at level %d (requires %q)", e.RoleID, e.RequestID, e.Level, e.Required)
}

// Principal is an authenticated actor and the role it holds.
type Principal struct {
	UserID string
	Email  string
	RoleID string
	Role   domain.Role
}

// Service resolves principals from the user store.
type Service struct {
	Repo repo.Repo
}

func (s Service) Resolve(ctx context.Context, userID string) (Principal, error) {
	if strings.TrimSpace(userID) == "" {
		return Principal{}, errors.New("actor_id required")
	}
	u, err := s.Repo.GetUser(ctx, nil, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("user %s: %w", userID, err)
	}
	p := Principal{UserID: u.ID, Email: u.Email, RoleID: u.RoleID}
	if u.RoleID != "" {
		role, err := s.Repo.GetRole(ctx, nil, u.RoleID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return Principal{}, err
		}
		p.Role = role
	}
	return p, nil
}

// HasPermission reports whether role grants action within module. "*" matches any
// module or action.
func HasPermission(role domain.Role, module, action string) bool {
	for _, m := range []string{module, "*"} {
		for _, a := range role.Permissions[m] {
			if a == "*" || strings.EqualFold(a, action) {
				return true
			}
		}
	}
	return false
}

// Require returns ForbiddenError unless p's role grants module/action.
func Require(p Principal, module, action string) error {
	if HasPermission(p.Role, module, action) {
		return nil
	}
	return ForbiddenError{Permission: module + ":" + action}
}

// CheckApprover applies the level gate for roleID against req under def.
func CheckApprover(def domain.WorkflowDefinition, roleID string, req domain.Request) error {
	required, ok := def.GateFor(req.CurrentLevel)
	if ok && roleID != "" && roleID == required && req.Status == domain.StatusPending {
		return nil
	}
	return NotApproverError{RequestID: req.ID, Level: req.CurrentLevel, Required: required, RoleID: roleID}
}
