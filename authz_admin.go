package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Administrative operations. Every mutation is gated on the actor's
// standing, invalidates the affected user's cached permissions before it
// returns, and leaves a mutation record in the audit trail. A caller that
// sees a nil error may rely on the next Authorize observing the change.

// manageGate resolves both parties and checks that the actor outranks the
// target. subjectRole, when set, must also be outranked: an admin may only
// hand out or take away roles below their own.
func (e *Engine) manageGate(ctx context.Context, actorID, targetID string, subjectRole Role) error {
	actor, err := e.resolveEffective(ctx, actorID)
	if err != nil {
		return err
	}
	target, err := e.resolveEffective(ctx, targetID)
	if err != nil {
		return err
	}
	if !e.hierarchy.CanManage(actor.Role, target.Role) {
		return fmt.Errorf("%s (%s) cannot manage %s (%s): %w",
			actorID, actor.Role, targetID, target.Role, ErrNotPermitted)
	}
	if subjectRole != "" && !e.hierarchy.CanManage(actor.Role, subjectRole) {
		return fmt.Errorf("%s (%s) cannot manage role %s: %w",
			actorID, actor.Role, subjectRole, ErrNotPermitted)
	}
	return nil
}

// AssignRole gives target the role, optionally until expiresAt. The actor
// must outrank both the target's current effective role and the role being
// assigned, so nobody can mint a peer or a superior.
func (e *Engine) AssignRole(ctx context.Context, actorID, targetID string, role Role, expiresAt *time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("assign role %q: %w", role, ErrUnknownRole)
	}
	if err := e.manageGate(ctx, actorID, targetID, role); err != nil {
		e.auditMutation(actorID, targetID, "assign_role", string(role), false, err)
		return err
	}
	a := RoleAssignment{
		UserID:     targetID,
		Role:       role,
		ExpiresAt:  expiresAt,
		AssignedBy: actorID,
		CreatedAt:  e.now(),
	}
	if err := e.grants.AssignRole(ctx, a); err != nil {
		return storeFail("assign role", err)
	}
	e.cache.Invalidate(targetID)
	e.auditMutation(actorID, targetID, "assign_role", string(role), true, nil)
	return nil
}

// RevokeRole removes the assignment. Revoking an absent assignment is a
// no-op; the cache is still invalidated so the caller's guarantee holds.
func (e *Engine) RevokeRole(ctx context.Context, actorID, targetID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("revoke role %q: %w", role, ErrUnknownRole)
	}
	if err := e.manageGate(ctx, actorID, targetID, role); err != nil {
		e.auditMutation(actorID, targetID, "revoke_role", string(role), false, err)
		return err
	}
	if err := e.grants.RevokeRole(ctx, targetID, role); err != nil {
		return storeFail("revoke role", err)
	}
	e.cache.Invalidate(targetID)
	e.auditMutation(actorID, targetID, "revoke_role", string(role), true, nil)
	return nil
}

func (e *Engine) GrantPermission(ctx context.Context, actorID, targetID string, id PermissionID, expiresAt *time.Time) error {
	if !KnownPermissionID(id) {
		return fmt.Errorf("grant %q: %w", id, ErrUnknownPermission)
	}
	if err := e.manageGate(ctx, actorID, targetID, ""); err != nil {
		e.auditMutation(actorID, targetID, "grant_permission", string(id), false, err)
		return err
	}
	g := PermissionGrant{
		UserID:     targetID,
		Permission: id,
		ExpiresAt:  expiresAt,
		GrantedBy:  actorID,
		CreatedAt:  e.now(),
	}
	if err := e.grants.GrantPermission(ctx, g); err != nil {
		return storeFail("grant permission", err)
	}
	e.cache.Invalidate(targetID)
	e.auditMutation(actorID, targetID, "grant_permission", string(id), true, nil)
	return nil
}

func (e *Engine) RevokePermission(ctx context.Context, actorID, targetID string, id PermissionID) error {
	if !KnownPermissionID(id) {
		return fmt.Errorf("revoke %q: %w", id, ErrUnknownPermission)
	}
	if err := e.manageGate(ctx, actorID, targetID, ""); err != nil {
		e.auditMutation(actorID, targetID, "revoke_permission", string(id), false, err)
		return err
	}
	if err := e.grants.RevokePermission(ctx, targetID, id); err != nil {
		return storeFail("revoke permission", err)
	}
	e.cache.Invalidate(targetID)
	e.auditMutation(actorID, targetID, "revoke_permission", string(id), true, nil)
	return nil
}

// UpsertPolicy creates or replaces a policy. Policies have no target user,
// so the gate is the manage action on the policy's resource, answered
// through the usual decision path. Missing IDs are assigned; timestamps are
// maintained here.
func (e *Engine) UpsertPolicy(ctx context.Context, actorID string, p *ResourcePolicy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if v := e.Authorize(ctx, Request{UserID: actorID, Resource: p.Resource, Action: ActionManage}); !v.Allowed {
		err := fmt.Errorf("upsert policy on %s: %s: %w", p.Resource, v.Reason, ErrNotPermitted)
		e.auditPolicyMutation(actorID, "upsert_policy", p.ID, p.Resource, p.ResourceID, false, err)
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := e.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := e.policies.UpsertPolicy(ctx, p); err != nil {
		return storeFail("upsert policy", err)
	}
	// Policies are read from the store on every decision, so no per-user
	// invalidation is needed here.
	e.auditPolicyMutation(actorID, "upsert_policy", p.ID, p.Resource, p.ResourceID, true, nil)
	return nil
}

func (e *Engine) DeletePolicy(ctx context.Context, actorID, policyID string) error {
	p, err := e.policies.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return fmt.Errorf("delete policy %s: %w", policyID, ErrPolicyNotFound)
		}
		return storeFail("get policy", err)
	}
	if v := e.Authorize(ctx, Request{UserID: actorID, Resource: p.Resource, Action: ActionManage}); !v.Allowed {
		err := fmt.Errorf("delete policy on %s: %s: %w", p.Resource, v.Reason, ErrNotPermitted)
		e.auditPolicyMutation(actorID, "delete_policy", policyID, p.Resource, p.ResourceID, false, err)
		return err
	}
	if err := e.policies.DeletePolicy(ctx, policyID); err != nil {
		return storeFail("delete policy", err)
	}
	e.auditPolicyMutation(actorID, "delete_policy", policyID, p.Resource, p.ResourceID, true, nil)
	return nil
}

func (e *Engine) auditMutation(actorID, targetID, op, detail string, allowed bool, cause error) {
	reason := detail
	if cause != nil {
		reason = detail + ": " + cause.Error()
	}
	e.audit(AuditEvent{
		ID:        e.traceID(),
		Timestamp: e.now(),
		Kind:      AuditMutation,
		UserID:    targetID,
		ActorID:   actorID,
		Resource:  "users",
		Action:    op,
		Allowed:   allowed,
		Reason:    reason,
	})
}

func (e *Engine) auditPolicyMutation(actorID, op, policyID, resource, resourceID string, allowed bool, cause error) {
	reason := "policy " + policyID
	if cause != nil {
		reason += ": " + cause.Error()
	}
	e.audit(AuditEvent{
		ID:         e.traceID(),
		Timestamp:  e.now(),
		Kind:       AuditMutation,
		ActorID:    actorID,
		Resource:   resource,
		Action:     op,
		ResourceID: resourceID,
		Allowed:    allowed,
		Reason:     reason,
	})
}
