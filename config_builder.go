package authz

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configurations.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:     1,
			Assignments: []AssignmentConfig{},
			Grants:      []GrantConfig{},
			Policies:    []PolicyConfig{},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// Default overrides a role's default permission set.
func (b *ConfigBuilder) Default(role string, permissions ...string) *ConfigBuilder {
	if b.cfg.Defaults == nil {
		b.cfg.Defaults = make(map[string][]string, 4)
	}
	b.cfg.Defaults[role] = permissions
	return b
}

func (b *ConfigBuilder) Assign(user, role string) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{User: user, Role: role})
	return b
}

func (b *ConfigBuilder) AssignUntil(user, role string, expires time.Time) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{User: user, Role: role, ExpiresAt: &expires})
	return b
}

func (b *ConfigBuilder) Grant(user, permission string) *ConfigBuilder {
	b.cfg.Grants = append(b.cfg.Grants, GrantConfig{User: user, Permission: permission})
	return b
}

func (b *ConfigBuilder) GrantUntil(user, permission string, expires time.Time) *ConfigBuilder {
	b.cfg.Grants = append(b.cfg.Grants, GrantConfig{User: user, Permission: permission, ExpiresAt: &expires})
	return b
}

// AddPolicy appends a policy, usually built with PolicyBuilder.
func (b *ConfigBuilder) AddPolicy(p *ResourcePolicy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, policyConfigFrom(p))
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

func (b *ConfigBuilder) ToDSL() ([]byte, error) {
	return b.cfg.ToDSL()
}

func policyConfigFrom(p *ResourcePolicy) PolicyConfig {
	pc := PolicyConfig{
		ID:          p.ID,
		Resource:    p.Resource,
		ResourceID:  p.ResourceID,
		Priority:    p.Priority,
		Effect:      string(p.Effect),
		Description: p.Description,
	}
	for _, r := range p.Roles {
		pc.Roles = append(pc.Roles, string(r))
	}
	for _, a := range p.Actions {
		pc.Actions = append(pc.Actions, string(a))
	}
	for _, c := range p.Conditions {
		pc.Conditions = append(pc.Conditions, ConditionConfig{
			Kind:  string(c.Kind),
			Start: c.Start,
			End:   c.End,
			CIDR:  c.CIDR,
		})
	}
	return pc
}
