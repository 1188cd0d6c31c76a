package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eventra/authz/logger"
)

// Engine is the decision core. One instance is shared by any number of
// goroutines; the only mutable state is the decision cache and the audit
// channel, both safe for concurrent use. No lock is held across store I/O.
type Engine struct {
	grants    GrantStore
	policies  PolicyStore
	hierarchy *Hierarchy
	defaults  RoleDefaults
	cache     *PermissionCache
	log       logger.Logger
	now       func() time.Time
	traceID   logger.TraceIDFunc

	auditSink    AuditSink
	auditCh      chan AuditEvent
	auditDropped atomic.Uint64
	auditWG      sync.WaitGroup
	stopCh       chan struct{}
	closeOnce    sync.Once

	cacheCfg    CacheConfig
	auditBuffer int
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTraceIDFunc overrides how audit event IDs are generated. The default is
// uuid.NewString.
func WithTraceIDFunc(fn logger.TraceIDFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.traceID = fn
		}
	}
}

// WithAuditSink enables the audit trail. Events are handed to the sink from
// a dedicated worker; when the buffer is full events are dropped rather than
// stalling decisions (see AuditDropped).
func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) { e.auditSink = s }
}

func WithAuditBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.auditBuffer = n
		}
	}
}

func WithCacheConfig(cfg CacheConfig) Option {
	return func(e *Engine) { e.cacheCfg = cfg }
}

func WithHierarchy(h *Hierarchy) Option {
	return func(e *Engine) {
		if h != nil {
			e.hierarchy = h
		}
	}
}

// WithRoleDefaults replaces the built-in role permission table.
func WithRoleDefaults(d RoleDefaults) Option {
	return func(e *Engine) {
		if d != nil {
			e.defaults = d.Clone()
		}
	}
}

// WithClock overrides the engine's time source. Tests use it to pin expiry
// and time-window evaluation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(grants GrantStore, policies PolicyStore, opts ...Option) (*Engine, error) {
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	e := &Engine{
		grants:      grants,
		policies:    policies,
		hierarchy:   NewHierarchy(),
		defaults:    DefaultRolePermissions(),
		log:         logger.NewNullLogger(),
		now:         time.Now,
		traceID:     uuid.NewString,
		auditBuffer: 1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := NewPermissionCache(e.cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	e.cache = cache
	e.stopCh = make(chan struct{})
	if e.auditSink != nil {
		e.auditCh = make(chan AuditEvent, e.auditBuffer)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// Close stops the audit worker after draining queued events and releases the
// cache. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.auditWG.Wait()
		e.cache.Close()
	})
	return nil
}

// Authorize answers one request. It never returns an error: every failure
// mode (store down, cancelled context, unknown action) degrades to a DENY
// verdict whose Reason says why.
func (e *Engine) Authorize(ctx context.Context, req Request) Verdict {
	v, _ := e.authorizeInternal(ctx, req, false)
	return v
}

// Explain answers like Authorize and additionally returns the evaluation
// trace, one line per step. Meant for operators, not hot paths.
func (e *Engine) Explain(ctx context.Context, req Request) (Verdict, []string) {
	return e.authorizeInternal(ctx, req, true)
}

func (e *Engine) authorizeInternal(ctx context.Context, req Request, includeTrace bool) (Verdict, []string) {
	var trace []string
	tracef := func(format string, args ...any) {
		if includeTrace {
			trace = append(trace, fmt.Sprintf(format, args...))
		}
	}
	now := e.now()
	deny := func(reason, matchedBy string, audit bool) (Verdict, []string) {
		v := Verdict{Allowed: false, Reason: reason, MatchedBy: matchedBy, Timestamp: now}
		if audit {
			e.auditDecision(req, v)
		}
		return v, trace
	}

	if err := ctx.Err(); err != nil {
		tracef("context done before evaluation: %v", err)
		return deny(ReasonCancelled, "", true)
	}
	if !req.Action.Valid() {
		e.log.Warn("unknown action requested", "user", req.UserID, "resource", req.Resource, "action", string(req.Action))
		tracef("action %q is not in the catalog", req.Action)
		return deny(ReasonUnknownPermission, "", true)
	}

	set, err := e.resolveEffective(ctx, req.UserID)
	if err != nil {
		e.log.Error("resolve failed", "user", req.UserID, "err", err)
		tracef("resolving effective permissions failed: %v", err)
		return deny(e.failureReason(err), "", true)
	}
	tracef("effective role %s with %d permissions", set.Role, len(set.Permissions))

	pd, err := e.evaluatePolicies(ctx, set.Role, req, &trace, includeTrace)
	if err != nil {
		e.log.Error("policy evaluation failed", "user", req.UserID, "resource", req.Resource, "err", err)
		tracef("policy evaluation failed: %v", err)
		return deny(e.failureReason(err), "", true)
	}
	if pd.matched {
		matchedBy := "policy:" + pd.policyID
		if pd.effect == EffectAllow {
			tracef("policy %s allows", pd.policyID)
			v := Verdict{Allowed: true, Reason: ReasonPolicyAllow, MatchedBy: matchedBy, Timestamp: now}
			e.auditDecision(req, v)
			return v, trace
		}
		tracef("policy %s denies", pd.policyID)
		return deny(ReasonPolicyDeny, matchedBy, true)
	}
	tracef("no policy matched; falling back to role/grant check")

	if set.Role == RoleSuperAdmin {
		tracef("%s wildcard", RoleSuperAdmin)
		return Verdict{Allowed: true, Reason: ReasonRoleGrant, MatchedBy: "role:" + string(RoleSuperAdmin), Timestamp: now}, trace
	}
	id := Permission{Resource: req.Resource, Action: req.Action}.ID()
	if !KnownPermissionID(id) {
		e.log.Warn("unknown permission requested", "user", req.UserID, "permission", string(id))
		tracef("permission %s is not in the catalog", id)
		return deny(ReasonUnknownPermission, "", true)
	}
	if set.Has(id) {
		tracef("permission %s held via %s", id, set.Source(id))
		return Verdict{Allowed: true, Reason: ReasonRoleGrant, MatchedBy: set.Source(id), Timestamp: now}, trace
	}
	tracef("permission %s not held", id)
	return deny(ReasonNoPermission, "", true)
}

// CanManageUser reports whether the actor's effective role outranks the
// target's. Store failures surface as errors; callers must treat an error
// as "no".
func (e *Engine) CanManageUser(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, err := e.resolveEffective(ctx, actorID)
	if err != nil {
		return false, err
	}
	target, err := e.resolveEffective(ctx, targetID)
	if err != nil {
		return false, err
	}
	return e.hierarchy.CanManage(actor.Role, target.Role), nil
}

// EffectivePermissions exposes the resolved permission set for one user,
// e.g. for admin UIs. The returned set is shared with the cache; treat it
// as read-only.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string) (*EffectivePermissionSet, error) {
	return e.resolveEffective(ctx, userID)
}

// InvalidateUser synchronously discards the user's cached permission set.
// Admin operations call this before they return; it is exported for callers
// that mutate the stores directly.
func (e *Engine) InvalidateUser(userID string) { e.cache.Invalidate(userID) }

// InvalidateAll discards every cached permission set.
func (e *Engine) InvalidateAll() { e.cache.InvalidateAll() }

func (e *Engine) failureReason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCancelled
	}
	return ReasonStoreUnavailable
}
