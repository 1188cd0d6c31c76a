package authz

import "time"

// Builders provide a fluent API for composing policies, assignments and
// grants, mostly for seeding and tests.

// PolicyBuilder builds a ResourcePolicy.
type PolicyBuilder struct {
	p *ResourcePolicy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &ResourcePolicy{Effect: EffectAllow}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder           { b.p.ID = id; return b }
func (b *PolicyBuilder) Resource(r string) *PolicyBuilder      { b.p.Resource = r; return b }
func (b *PolicyBuilder) Instance(id string) *PolicyBuilder     { b.p.ResourceID = id; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder        { b.p.Effect = e; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder         { b.p.Priority = p; return b }
func (b *PolicyBuilder) Describe(d string) *PolicyBuilder      { b.p.Description = d; return b }
func (b *PolicyBuilder) Actions(a ...Action) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}
func (b *PolicyBuilder) Roles(r ...Role) *PolicyBuilder {
	b.p.Roles = append(b.p.Roles, r...)
	return b
}
func (b *PolicyBuilder) Condition(c Condition) *PolicyBuilder {
	b.p.Conditions = append(b.p.Conditions, c)
	return b
}
func (b *PolicyBuilder) TimeWindow(start, end string) *PolicyBuilder {
	return b.Condition(TimeWindow(start, end))
}
func (b *PolicyBuilder) IPRange(cidr string) *PolicyBuilder {
	return b.Condition(IPRange(cidr))
}
func (b *PolicyBuilder) Build() *ResourcePolicy { return b.p }

// AssignmentBuilder builds a RoleAssignment.
type AssignmentBuilder struct {
	a RoleAssignment
}

func NewAssignmentBuilder() *AssignmentBuilder { return &AssignmentBuilder{} }

func (b *AssignmentBuilder) User(id string) *AssignmentBuilder  { b.a.UserID = id; return b }
func (b *AssignmentBuilder) Role(r Role) *AssignmentBuilder     { b.a.Role = r; return b }
func (b *AssignmentBuilder) By(actor string) *AssignmentBuilder { b.a.AssignedBy = actor; return b }
func (b *AssignmentBuilder) ExpiresAt(t time.Time) *AssignmentBuilder {
	b.a.ExpiresAt = &t
	return b
}
func (b *AssignmentBuilder) Build() RoleAssignment { return b.a }

// GrantBuilder builds a PermissionGrant.
type GrantBuilder struct {
	g PermissionGrant
}

func NewGrantBuilder() *GrantBuilder { return &GrantBuilder{} }

func (b *GrantBuilder) User(id string) *GrantBuilder             { b.g.UserID = id; return b }
func (b *GrantBuilder) Permission(id PermissionID) *GrantBuilder { b.g.Permission = id; return b }
func (b *GrantBuilder) By(actor string) *GrantBuilder            { b.g.GrantedBy = actor; return b }
func (b *GrantBuilder) ExpiresAt(t time.Time) *GrantBuilder {
	b.g.ExpiresAt = &t
	return b
}
func (b *GrantBuilder) Build() PermissionGrant { return b.g }
