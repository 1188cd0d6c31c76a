// Package authz is an authorization decision engine. Given a user, a
// resource, an action and optionally a concrete resource instance, it
// answers ALLOW or DENY by combining three authority sources: a static role
// hierarchy with per-role default permissions, per-user direct grants, and
// per-resource conditional policies. Every failure path degrades to a local
// DENY; the engine never guesses in the caller's favor.
package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Action is a verb from the closed action set.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionManage  Action = "manage"
	ActionPublish Action = "publish"
	ActionExport  Action = "export"
)

var knownActions = map[Action]struct{}{
	ActionCreate:  {},
	ActionRead:    {},
	ActionUpdate:  {},
	ActionDelete:  {},
	ActionManage:  {},
	ActionPublish: {},
	ActionExport:  {},
}

func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(s))
	if !a.Valid() {
		return "", fmt.Errorf("parse action %q: %w", s, ErrUnknownPermission)
	}
	return a, nil
}

// Effect is a policy outcome.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToUpper(s))
	if !e.Valid() {
		return "", fmt.Errorf("parse effect %q: %w", s, ErrInvalidPolicy)
	}
	return e, nil
}

// Permission pairs a resource with an action. Its ID is the canonical
// "<resource>:<action>" form used by grants and the role default table.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   Action `json:"action" yaml:"action"`
}

type PermissionID string

func (p Permission) ID() PermissionID {
	return PermissionID(p.Resource + ":" + string(p.Action))
}

// The permission catalog. Grants and role defaults may only reference these
// ids; anything else is ErrUnknownPermission.
const (
	PermEventsCreate  PermissionID = "events:create"
	PermEventsRead    PermissionID = "events:read"
	PermEventsUpdate  PermissionID = "events:update"
	PermEventsDelete  PermissionID = "events:delete"
	PermEventsManage  PermissionID = "events:manage"
	PermEventsPublish PermissionID = "events:publish"
	PermEventsExport  PermissionID = "events:export"
	PermUsersCreate   PermissionID = "users:create"
	PermUsersRead     PermissionID = "users:read"
	PermUsersUpdate   PermissionID = "users:update"
	PermUsersDelete   PermissionID = "users:delete"
	PermUsersManage   PermissionID = "users:manage"
	PermUsersExport   PermissionID = "users:export"
)

var permissionCatalog = map[PermissionID]Permission{
	PermEventsCreate:  {Resource: "events", Action: ActionCreate},
	PermEventsRead:    {Resource: "events", Action: ActionRead},
	PermEventsUpdate:  {Resource: "events", Action: ActionUpdate},
	PermEventsDelete:  {Resource: "events", Action: ActionDelete},
	PermEventsManage:  {Resource: "events", Action: ActionManage},
	PermEventsPublish: {Resource: "events", Action: ActionPublish},
	PermEventsExport:  {Resource: "events", Action: ActionExport},
	PermUsersCreate:   {Resource: "users", Action: ActionCreate},
	PermUsersRead:     {Resource: "users", Action: ActionRead},
	PermUsersUpdate:   {Resource: "users", Action: ActionUpdate},
	PermUsersDelete:   {Resource: "users", Action: ActionDelete},
	PermUsersManage:   {Resource: "users", Action: ActionManage},
	PermUsersExport:   {Resource: "users", Action: ActionExport},
}

func KnownPermissionID(id PermissionID) bool {
	_, ok := permissionCatalog[id]
	return ok
}

// ParsePermissionID validates "<resource>:<action>" against the catalog.
func ParsePermissionID(s string) (Permission, error) {
	id := PermissionID(s)
	p, ok := permissionCatalog[id]
	if !ok {
		return Permission{}, fmt.Errorf("permission %q: %w", s, ErrUnknownPermission)
	}
	return p, nil
}

// AllPermissionIDs returns the whole catalog, sorted.
func AllPermissionIDs() []PermissionID {
	out := make([]PermissionID, 0, len(permissionCatalog))
	for id := range permissionCatalog {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleAssignment binds a user to a role, optionally until ExpiresAt.
// A nil ExpiresAt never expires. Expiry is lazy: expired rows may linger in
// a store and are filtered out at read time.
type RoleAssignment struct {
	UserID     string     `json:"user_id" yaml:"user_id"`
	Role       Role       `json:"role" yaml:"role"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// PermissionGrant gives a user one cataloged permission directly,
// independent of any role. Same expiry semantics as RoleAssignment.
type PermissionGrant struct {
	UserID     string       `json:"user_id" yaml:"user_id"`
	Permission PermissionID `json:"permission" yaml:"permission"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	GrantedBy  string       `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	CreatedAt  time.Time    `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func (g PermissionGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// ResourcePolicy is a conditional rule scoped to a resource type and
// optionally to one instance of it (ResourceID; empty means global).
// When several policies match a request the winner is picked by priority
// descending, then instance-scoped over global, then DENY over ALLOW.
type ResourcePolicy struct {
	ID          string      `json:"id" yaml:"id"`
	Resource    string      `json:"resource" yaml:"resource"`
	ResourceID  string      `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Priority    int         `json:"priority" yaml:"priority"`
	Effect      Effect      `json:"effect" yaml:"effect"`
	Roles       []Role      `json:"roles,omitempty" yaml:"roles,omitempty"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Global reports whether the policy covers every instance of its resource.
func (p *ResourcePolicy) Global() bool { return p.ResourceID == "" }

func (p *ResourcePolicy) Validate() error {
	if p.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidPolicy)
	}
	if !p.Effect.Valid() {
		return fmt.Errorf("%w: effect %q", ErrInvalidPolicy, p.Effect)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidPolicy)
	}
	for _, a := range p.Actions {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, a)
		}
	}
	for _, r := range p.Roles {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidPolicy, r)
		}
	}
	for i, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalidPolicy, i, err)
		}
	}
	return nil
}

// appliesTo checks the role and action filters. An empty Roles list matches
// any role; Actions must list the requested action explicitly.
func (p *ResourcePolicy) appliesTo(role Role, action Action) bool {
	found := false
	for _, a := range p.Actions {
		if a == action {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(p.Roles) == 0 {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *ResourcePolicy) Clone() *ResourcePolicy {
	if p == nil {
		return nil
	}
	dup := *p
	dup.Roles = append([]Role(nil), p.Roles...)
	dup.Actions = append([]Action(nil), p.Actions...)
	dup.Conditions = append([]Condition(nil), p.Conditions...)
	return &dup
}

// Request identifies one authorization question. ResourceID narrows the
// question to a concrete instance; IP feeds ip_range conditions and the
// audit trail.
type Request struct {
	UserID     string `json:"user_id"`
	Resource   string `json:"resource"`
	Action     Action `json:"action"`
	ResourceID string `json:"resource_id,omitempty"`
	IP         string `json:"ip,omitempty"`
}

// Decision reasons. Verdict.Reason is always one of these.
const (
	ReasonRoleGrant         = "role/grant permission"
	ReasonPolicyAllow       = "policy allow"
	ReasonPolicyDeny        = "policy deny"
	ReasonNoPermission      = "no permission"
	ReasonStoreUnavailable  = "store unavailable"
	ReasonCancelled         = "cancelled"
	ReasonUnknownPermission = "unknown permission"
)

// Verdict is the engine's answer. MatchedBy names what decided the request
// ("policy:<id>", "role:<role>" or "grant:<permission>"), empty on denials
// with no matching rule.
type Verdict struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	MatchedBy string    `json:"matched_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EffectivePermissionSet is the resolved view of one user: the highest live
// role plus the union of that role's defaults and the user's live grants.
// Sets are shared through the decision cache and must be treated as
// immutable once resolved.
type EffectivePermissionSet struct {
	UserID      string
	Role        Role
	Permissions map[PermissionID]string // id -> origin ("role:<role>" or "grant")
	ResolvedAt  time.Time
}

func (s *EffectivePermissionSet) Has(id PermissionID) bool {
	_, ok := s.Permissions[id]
	return ok
}

// Source names what contributed a permission, or "" if absent.
func (s *EffectivePermissionSet) Source(id PermissionID) string {
	return s.Permissions[id]
}

// List returns the held permission ids, sorted.
func (s *EffectivePermissionSet) List() []PermissionID {
	out := make([]PermissionID, 0, len(s.Permissions))
	for id := range s.Permissions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
