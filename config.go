package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the declarative form of an authorization setup: role default
// overrides, seed assignments and grants, policies, and engine tuning. It
// loads from YAML, JSON or the line DSL and round-trips between them.
type Config struct {
	Version     uint16              `json:"version,omitempty" yaml:"version,omitempty"`
	Defaults    map[string][]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Assignments []AssignmentConfig  `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Grants      []GrantConfig       `json:"grants,omitempty" yaml:"grants,omitempty"`
	Policies    []PolicyConfig      `json:"policies,omitempty" yaml:"policies,omitempty"`
	Engine      EngineConfig        `json:"engine,omitempty" yaml:"engine,omitempty"`
}

type AssignmentConfig struct {
	User      string     `json:"user" yaml:"user"`
	Role      string     `json:"role" yaml:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	By        string     `json:"by,omitempty" yaml:"by,omitempty"`
}

type GrantConfig struct {
	User       string     `json:"user" yaml:"user"`
	Permission string     `json:"permission" yaml:"permission"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	By         string     `json:"by,omitempty" yaml:"by,omitempty"`
}

type ConditionConfig struct {
	Kind  string `json:"kind" yaml:"kind"`
	Start string `json:"start,omitempty" yaml:"start,omitempty"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
	CIDR  string `json:"cidr,omitempty" yaml:"cidr,omitempty"`
}

type PolicyConfig struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Resource    string            `json:"resource" yaml:"resource"`
	ResourceID  string            `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Effect      string            `json:"effect" yaml:"effect"`
	Roles       []string          `json:"roles,omitempty" yaml:"roles,omitempty"`
	Actions     []string          `json:"actions" yaml:"actions"`
	Conditions  []ConditionConfig `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// EngineConfig tunes one engine instance. Durations are milliseconds so the
// DSL and JSON forms stay plain integers.
type EngineConfig struct {
	CacheTTL         int64 `json:"cache_ttl_ms,omitempty" yaml:"cache_ttl_ms,omitempty"`
	CacheMaxEntries  int64 `json:"cache_max_entries,omitempty" yaml:"cache_max_entries,omitempty"`
	CacheNumCounters int64 `json:"cache_num_counters,omitempty" yaml:"cache_num_counters,omitempty"`
	CacheBuffer      int64 `json:"cache_buffer,omitempty" yaml:"cache_buffer,omitempty"`
	AuditBuffer      int   `json:"audit_buffer,omitempty" yaml:"audit_buffer,omitempty"`
	SweepInterval    int64 `json:"sweep_interval_ms,omitempty" yaml:"sweep_interval_ms,omitempty"`
}

func (ec EngineConfig) cacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: ec.CacheNumCounters,
		MaxEntries:  ec.CacheMaxEntries,
		BufferItems: ec.CacheBuffer,
		TTL:         time.Duration(ec.CacheTTL) * time.Millisecond,
	}
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile dispatches on the file extension: .yaml/.yml, .json, or
// .authz/.dsl for the line format.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	case ".authz", ".dsl":
		return NewDSLParser().Parse(data)
	case ".bin":
		return NewBinaryDecoder(data).Decode()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// ToDSL exports config to the line format.
func (c *Config) ToDSL() ([]byte, error) { return NewDSLEncoder().Encode(c) }

// ToBinary exports config to the compact binary format.
func (c *Config) ToBinary() ([]byte, error) { return NewBinaryEncoder().Encode(c) }

// Validate checks every section without touching any store.
func (c *Config) Validate() error {
	if _, err := DefaultRolePermissions().Merge(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for i, a := range c.Assignments {
		if _, err := a.toAssignment(); err != nil {
			return fmt.Errorf("assignment %d: %w", i, err)
		}
	}
	for i, g := range c.Grants {
		if _, err := g.toGrant(); err != nil {
			return fmt.Errorf("grant %d: %w", i, err)
		}
	}
	for i, p := range c.Policies {
		if _, err := p.toPolicy(); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
	}
	return nil
}

func (a AssignmentConfig) toAssignment() (RoleAssignment, error) {
	if a.User == "" {
		return RoleAssignment{}, fmt.Errorf("assignment user is required")
	}
	role, err := ParseRole(a.Role)
	if err != nil {
		return RoleAssignment{}, err
	}
	return RoleAssignment{UserID: a.User, Role: role, ExpiresAt: a.ExpiresAt, AssignedBy: a.By}, nil
}

func (g GrantConfig) toGrant() (PermissionGrant, error) {
	if g.User == "" {
		return PermissionGrant{}, fmt.Errorf("grant user is required")
	}
	p, err := ParsePermissionID(g.Permission)
	if err != nil {
		return PermissionGrant{}, err
	}
	return PermissionGrant{UserID: g.User, Permission: p.ID(), ExpiresAt: g.ExpiresAt, GrantedBy: g.By}, nil
}

func (p PolicyConfig) toPolicy() (*ResourcePolicy, error) {
	pol := &ResourcePolicy{
		ID:          p.ID,
		Resource:    p.Resource,
		ResourceID:  p.ResourceID,
		Priority:    p.Priority,
		Description: p.Description,
	}
	effect, err := ParseEffect(p.Effect)
	if err != nil {
		return nil, err
	}
	pol.Effect = effect
	for _, r := range p.Roles {
		role, err := ParseRole(r)
		if err != nil {
			return nil, err
		}
		pol.Roles = append(pol.Roles, role)
	}
	for _, a := range p.Actions {
		action, err := ParseAction(a)
		if err != nil {
			return nil, err
		}
		pol.Actions = append(pol.Actions, action)
	}
	for _, c := range p.Conditions {
		pol.Conditions = append(pol.Conditions, Condition{
			Kind:  ConditionKind(c.Kind),
			Start: c.Start,
			End:   c.End,
			CIDR:  c.CIDR,
		})
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	return pol, nil
}

// ApplyConfig seeds the engine's stores with the config's assignments,
// grants and policies, bypassing the admin gates (this is the bootstrap
// path), then drops every cached permission set. Role default overrides
// cannot be applied to a live engine; build one with NewEngineFromConfig
// instead.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if len(cfg.Defaults) > 0 {
		return fmt.Errorf("role defaults must be supplied at engine construction")
	}
	return e.applySeed(ctx, cfg)
}

func (e *Engine) applySeed(ctx context.Context, cfg *Config) error {
	now := e.now()
	for i, ac := range cfg.Assignments {
		a, err := ac.toAssignment()
		if err != nil {
			return fmt.Errorf("assignment %d: %w", i, err)
		}
		a.CreatedAt = now
		if err := e.grants.AssignRole(ctx, a); err != nil {
			return storeFail("seed assignment", err)
		}
	}
	for i, gc := range cfg.Grants {
		g, err := gc.toGrant()
		if err != nil {
			return fmt.Errorf("grant %d: %w", i, err)
		}
		g.CreatedAt = now
		if err := e.grants.GrantPermission(ctx, g); err != nil {
			return storeFail("seed grant", err)
		}
	}
	for i, pc := range cfg.Policies {
		p, err := pc.toPolicy()
		if err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("policy-%d", i+1)
		}
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := e.policies.UpsertPolicy(ctx, p); err != nil {
			return storeFail("seed policy", err)
		}
	}
	e.InvalidateAll()
	return nil
}

// NewEngineFromConfig builds an engine whose tuning and role defaults come
// from cfg, then seeds the stores with cfg's rows. Options are applied after
// the config-derived ones, so callers can still override.
func NewEngineFromConfig(ctx context.Context, cfg *Config, grants GrantStore, policies PolicyStore, opts ...Option) (*Engine, error) {
	defaults := DefaultRolePermissions()
	if len(cfg.Defaults) > 0 {
		merged, err := defaults.Merge(cfg.Defaults)
		if err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
		defaults = merged
	}
	base := []Option{
		WithRoleDefaults(defaults),
		WithCacheConfig(cfg.Engine.cacheConfig()),
		WithAuditBuffer(cfg.Engine.AuditBuffer),
	}
	e, err := NewEngine(grants, policies, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := e.applySeed(ctx, cfg); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Settings are process-level knobs read from AUTHZ_* environment variables.
type Settings struct {
	CacheTTL         time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	CacheMaxEntries  int64         `envconfig:"CACHE_MAX_ENTRIES" default:"10000"`
	CacheNumCounters int64         `envconfig:"CACHE_NUM_COUNTERS" default:"100000"`
	CacheBuffer      int64         `envconfig:"CACHE_BUFFER" default:"64"`
	AuditBuffer      int           `envconfig:"AUDIT_BUFFER" default:"1024"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("authz", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) CacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: s.CacheNumCounters,
		MaxEntries:  s.CacheMaxEntries,
		BufferItems: s.CacheBuffer,
		TTL:         s.CacheTTL,
	}
}
