package authz_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eventra/authz"
	"github.com/eventra/authz/stores"
)

func TestLoadYAML(t *testing.T) {
	doc := `
version: 1
defaults:
  CLIENT:
    - events:read
    - events:export
assignments:
  - user: alice
    role: ADMIN
    by: root
  - user: bob
    role: EDITOR
    expires_at: 2027-06-30T00:00:00Z
grants:
  - user: carol
    permission: events:publish
policies:
  - id: hq-only
    resource: events
    effect: DENY
    actions: [export]
    priority: 30
    conditions:
      - kind: ip_range
        cidr: 10.0.0.0/8
    description: exports blocked from the internal range
engine:
  cache_ttl_ms: 5000
  audit_buffer: 256
`
	cfg, err := authz.NewConfigLoader().LoadYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if len(cfg.Defaults["CLIENT"]) != 2 {
		t.Errorf("unexpected defaults: %v", cfg.Defaults)
	}
	if len(cfg.Assignments) != 2 || cfg.Assignments[0].By != "root" {
		t.Errorf("unexpected assignments: %+v", cfg.Assignments)
	}
	if cfg.Assignments[1].ExpiresAt == nil || !cfg.Assignments[1].ExpiresAt.Equal(time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected expiry: %+v", cfg.Assignments[1].ExpiresAt)
	}
	if len(cfg.Policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(cfg.Policies))
	}
	p := cfg.Policies[0]
	if p.ID != "hq-only" || p.Priority != 30 || len(p.Conditions) != 1 || p.Conditions[0].CIDR != "10.0.0.0/8" {
		t.Errorf("unexpected policy: %+v", p)
	}
	if cfg.Engine.CacheTTL != 5000 || cfg.Engine.AuditBuffer != 256 {
		t.Errorf("unexpected engine settings: %+v", cfg.Engine)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  authz.Config
	}{
		{"unknown default role", authz.Config{Defaults: map[string][]string{"OVERLORD": {"events:read"}}}},
		{"super admin defaults", authz.Config{Defaults: map[string][]string{"SUPER_ADMIN": {"events:read"}}}},
		{"unknown default permission", authz.Config{Defaults: map[string][]string{"CLIENT": {"events:explode"}}}},
		{"empty assignment user", authz.Config{Assignments: []authz.AssignmentConfig{{Role: "VIEWER"}}}},
		{"unknown role", authz.Config{Assignments: []authz.AssignmentConfig{{User: "u", Role: "viewer"}}}},
		{"unknown permission", authz.Config{Grants: []authz.GrantConfig{{User: "u", Permission: "events:explode"}}}},
		{"policy without actions", authz.Config{Policies: []authz.PolicyConfig{{ID: "p", Resource: "events", Effect: "ALLOW"}}}},
		{"bad effect", authz.Config{Policies: []authz.PolicyConfig{{ID: "p", Resource: "events", Effect: "MAYBE", Actions: []string{"read"}}}}},
		{"bad condition", authz.Config{Policies: []authz.PolicyConfig{{
			ID: "p", Resource: "events", Effect: "ALLOW", Actions: []string{"read"},
			Conditions: []authz.ConditionConfig{{Kind: "time_window", Start: "25:00", End: "06:00"}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	exp := time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &authz.Config{
		Version:     1,
		Defaults:    map[string][]string{"VIEWER": {"events:read"}},
		Assignments: []authz.AssignmentConfig{{User: "alice", Role: "ADMIN", ExpiresAt: &exp, By: "root"}},
		Grants:      []authz.GrantConfig{{User: "bob", Permission: "events:publish"}},
		Policies: []authz.PolicyConfig{{
			ID: "p1", Resource: "events", Effect: "ALLOW", Actions: []string{"read"},
			Conditions: []authz.ConditionConfig{{Kind: "time_window", Start: "09:00", End: "17:00"}},
		}},
		Engine: authz.EngineConfig{CacheTTL: 1000},
	}

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	back, err := authz.NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Version != 1 || len(back.Defaults["VIEWER"]) != 1 {
		t.Errorf("header lost: %+v", back)
	}
	if len(back.Assignments) != 1 || !back.Assignments[0].ExpiresAt.Equal(exp) {
		t.Errorf("assignments lost: %+v", back.Assignments)
	}
	if len(back.Policies) != 1 || back.Policies[0].Conditions[0].End != "17:00" {
		t.Errorf("policies lost: %+v", back.Policies)
	}
	if back.Engine.CacheTTL != 1000 {
		t.Errorf("engine settings lost: %+v", back.Engine)
	}
}

func TestLoadFileDispatch(t *testing.T) {
	cfg := &authz.Config{
		Version:     1,
		Assignments: []authz.AssignmentConfig{{User: "alice", Role: "ADMIN"}},
		Policies:    []authz.PolicyConfig{{ID: "p1", Resource: "events", Effect: "ALLOW", Actions: []string{"read"}}},
	}
	dir := t.TempDir()
	loader := authz.NewConfigLoader()

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	yamlData, _ := cfg.ToYAML()
	jsonData, _ := cfg.ToJSON()
	dslData, _ := cfg.ToDSL()
	binData, _ := cfg.ToBinary()

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"seed.yaml", yamlData},
		{"seed.yml", yamlData},
		{"seed.json", jsonData},
		{"seed.authz", dslData},
		{"seed.dsl", dslData},
		{"seed.bin", binData},
	} {
		loaded, err := loader.LoadFile(write(tc.name, tc.data))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(loaded.Assignments) != 1 || loaded.Assignments[0].User != "alice" {
			t.Fatalf("%s: assignments lost: %+v", tc.name, loaded.Assignments)
		}
		if len(loaded.Policies) != 1 || loaded.Policies[0].ID != "p1" {
			t.Fatalf("%s: policies lost: %+v", tc.name, loaded.Policies)
		}
	}

	if _, err := loader.LoadFile(write("seed.toml", []byte("x = 1"))); err == nil || !strings.Contains(err.Error(), "unsupported config format") {
		t.Fatalf("expected an unsupported-format error, got %v", err)
	}
	if _, err := loader.LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestNewEngineFromConfig(t *testing.T) {
	cfg := &authz.Config{
		Version:  1,
		Defaults: map[string][]string{"CLIENT": {"users:read"}},
		Assignments: []authz.AssignmentConfig{
			{User: "cleo", Role: "CLIENT"},
		},
		Grants: []authz.GrantConfig{
			{User: "cleo", Permission: "events:publish"},
		},
		Policies: []authz.PolicyConfig{
			{Resource: "events", ResourceID: "evt-1", Effect: "DENY", Actions: []string{"publish"}, Priority: 10},
		},
	}

	ctx := context.Background()
	engine, err := authz.NewEngineFromConfig(ctx, cfg, stores.NewMemoryGrantStore(), stores.NewMemoryPolicyStore())
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	// The override replaced CLIENT's whole default set.
	v := engine.Authorize(ctx, authz.Request{UserID: "cleo", Resource: "users", Action: authz.ActionRead})
	if !v.Allowed || v.MatchedBy != "role:CLIENT" {
		t.Fatalf("expected the overridden default to hold, got %+v", v)
	}
	if v := engine.Authorize(ctx, authz.Request{UserID: "cleo", Resource: "events", Action: authz.ActionRead}); v.Allowed {
		t.Fatalf("expected the built-in CLIENT default to be gone, got %+v", v)
	}

	// Seeded grant and policy are live; the unnamed policy got a seed id.
	if v := engine.Authorize(ctx, authz.Request{UserID: "cleo", Resource: "events", Action: authz.ActionPublish}); !v.Allowed {
		t.Fatalf("expected the seeded grant to hold, got %+v", v)
	}
	v = engine.Authorize(ctx, authz.Request{UserID: "cleo", Resource: "events", Action: authz.ActionPublish, ResourceID: "evt-1"})
	if v.Allowed || v.MatchedBy != "policy:policy-1" {
		t.Fatalf("expected the seeded policy to deny evt-1, got %+v", v)
	}
}

func TestNewEngineFromConfigBadSeed(t *testing.T) {
	cfg := &authz.Config{
		Assignments: []authz.AssignmentConfig{{User: "u", Role: "OVERLORD"}},
	}
	_, err := authz.NewEngineFromConfig(context.Background(), cfg, stores.NewMemoryGrantStore(), stores.NewMemoryPolicyStore())
	if !errors.Is(err, authz.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestApplyConfigRejectsDefaults(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	cfg := &authz.Config{Defaults: map[string][]string{"CLIENT": {"events:read"}}}
	err := engine.ApplyConfig(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "engine construction") {
		t.Fatalf("expected the defaults rejection, got %v", err)
	}
}

func TestApplyConfigSeeds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	req := authz.Request{UserID: "newguy", Resource: "events", Action: authz.ActionRead}

	// Warm the cache with the implicit GUEST answer first.
	if v := engine.Authorize(ctx, req); v.Allowed {
		t.Fatal("expected deny before seeding")
	}

	cfg := &authz.Config{
		Assignments: []authz.AssignmentConfig{{User: "newguy", Role: "VIEWER"}},
	}
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	// ApplyConfig dropped the cached GUEST set on its way out.
	if v := engine.Authorize(ctx, req); !v.Allowed || v.MatchedBy != "role:VIEWER" {
		t.Fatalf("expected the seeded role to be visible immediately, got %+v", v)
	}
}

func TestConfigBuilder(t *testing.T) {
	exp := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	policy := authz.NewPolicyBuilder().
		ID("night-freeze").
		Resource("events").
		Effect(authz.EffectDeny).
		Actions(authz.ActionUpdate, authz.ActionDelete).
		Roles(authz.RoleEditor).
		Priority(20).
		TimeWindow("22:00", "06:00").
		Describe("no edits overnight").
		Build()

	cfg := authz.NewConfigBuilder().
		Version(2).
		Default("CLIENT", "events:read").
		Assign("alice", "ADMIN").
		AssignUntil("bob", "EDITOR", exp).
		Grant("carol", "events:publish").
		AddPolicy(policy).
		EngineSettings(func(ec *authz.EngineConfig) { ec.CacheTTL = 5000 }).
		Build()

	if cfg.Version != 2 {
		t.Errorf("expected version 2, got %d", cfg.Version)
	}
	if len(cfg.Assignments) != 2 || cfg.Assignments[1].ExpiresAt == nil {
		t.Errorf("unexpected assignments: %+v", cfg.Assignments)
	}
	if len(cfg.Policies) != 1 || cfg.Policies[0].Description != "no edits overnight" {
		t.Errorf("unexpected policies: %+v", cfg.Policies)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// The built config speaks every format; spot-check the DSL.
	data, err := cfg.ToDSL()
	if err != nil {
		t.Fatal(err)
	}
	back, err := authz.NewDSLParser().Parse(data)
	if err != nil {
		t.Fatalf("parsing the built DSL: %v\n%s", err, data)
	}
	if len(back.Policies) != 1 || back.Policies[0].ID != "night-freeze" {
		t.Errorf("builder output lost on reparse: %+v", back.Policies)
	}
	if back.Engine.CacheTTL != 5000 {
		t.Errorf("engine settings lost: %+v", back.Engine)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("AUTHZ_CACHE_TTL", "90s")
	t.Setenv("AUTHZ_AUDIT_BUFFER", "64")

	s, err := authz.LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if s.CacheTTL != 90*time.Second {
		t.Errorf("expected 90s cache TTL, got %v", s.CacheTTL)
	}
	if s.AuditBuffer != 64 {
		t.Errorf("expected audit buffer 64, got %d", s.AuditBuffer)
	}
	// Everything else falls back to the documented defaults.
	if s.CacheMaxEntries != 10000 || s.CacheNumCounters != 100000 {
		t.Errorf("unexpected cache sizing: %+v", s)
	}
	if s.SweepInterval != 5*time.Minute || s.LogLevel != "info" {
		t.Errorf("unexpected defaults: %+v", s)
	}
	cc := s.CacheConfig()
	if cc.TTL != 90*time.Second || cc.MaxEntries != 10000 {
		t.Errorf("unexpected cache config: %+v", cc)
	}
}
