package authz

import (
	"context"
	"time"
)

// GrantStore persists role assignments and direct permission grants.
// List methods may return expired rows; callers filter by their own clock,
// which keeps expiry semantics identical across backends. Assign and Grant
// upsert: re-assigning an existing (user, role) or (user, permission) pair
// replaces its expiry. Revokes are idempotent.
type GrantStore interface {
	ListRoleAssignments(ctx context.Context, userID string) ([]RoleAssignment, error)
	ListPermissionGrants(ctx context.Context, userID string) ([]PermissionGrant, error)
	AssignRole(ctx context.Context, a RoleAssignment) error
	RevokeRole(ctx context.Context, userID string, role Role) error
	GrantPermission(ctx context.Context, g PermissionGrant) error
	RevokePermission(ctx context.Context, userID string, id PermissionID) error
	// PruneExpired removes rows whose expiry is at or before now and
	// returns how many were dropped. Purely storage hygiene: correctness
	// never depends on it.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// PolicyStore persists resource policies.
type PolicyStore interface {
	// ListPolicies returns the candidate set for a request: every policy
	// for the resource whose ResourceID is empty (global) or equals
	// resourceID. With an empty resourceID only global policies return.
	ListPolicies(ctx context.Context, resource, resourceID string) ([]ResourcePolicy, error)
	// GetPolicy returns ErrPolicyNotFound when id is absent.
	GetPolicy(ctx context.Context, id string) (*ResourcePolicy, error)
	UpsertPolicy(ctx context.Context, p *ResourcePolicy) error
	DeletePolicy(ctx context.Context, id string) error
}
