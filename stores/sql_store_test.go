package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/eventra/authz"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection, or every ":memory:" handle gets its own database.
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLGrantStoreRoundTrip(t *testing.T) {
	store := NewSQLGrantStore(newTestDB(t))
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Second)
	exp := created.Add(time.Hour)

	if err := store.AssignRole(ctx, authz.RoleAssignment{UserID: "u1", Role: authz.RoleViewer, AssignedBy: "root", CreatedAt: created}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := store.AssignRole(ctx, authz.RoleAssignment{UserID: "u1", Role: authz.RoleEditor, ExpiresAt: &exp, CreatedAt: created}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	roles, err := store.ListRoleAssignments(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(roles))
	}
	if roles[0].Role != authz.RoleEditor || roles[1].Role != authz.RoleViewer {
		t.Fatalf("unexpected order: %+v", roles)
	}
	if roles[0].ExpiresAt == nil || roles[0].ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("expiry lost: %+v", roles[0].ExpiresAt)
	}
	if roles[1].ExpiresAt != nil {
		t.Fatalf("expected no expiry on the viewer row, got %+v", roles[1].ExpiresAt)
	}
	if roles[1].AssignedBy != "root" || roles[1].CreatedAt.Unix() != created.Unix() {
		t.Fatalf("metadata lost: %+v", roles[1])
	}

	// Re-assigning refreshes the row in place.
	if err := store.AssignRole(ctx, authz.RoleAssignment{UserID: "u1", Role: authz.RoleEditor, CreatedAt: created}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	roles, _ = store.ListRoleAssignments(ctx, "u1")
	if len(roles) != 2 || roles[0].ExpiresAt != nil {
		t.Fatalf("expected the expiry to be cleared, got %+v", roles)
	}

	if err := store.RevokeRole(ctx, "u1", authz.RoleViewer); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.RevokeRole(ctx, "u1", authz.RoleViewer); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	roles, _ = store.ListRoleAssignments(ctx, "u1")
	if len(roles) != 1 {
		t.Fatalf("expected 1 assignment left, got %d", len(roles))
	}
	if empty, _ := store.ListRoleAssignments(ctx, "nobody"); len(empty) != 0 {
		t.Fatalf("expected no rows for an unknown user, got %+v", empty)
	}

	// Grants mirror the assignment behavior.
	if err := store.GrantPermission(ctx, authz.PermissionGrant{UserID: "u2", Permission: authz.PermUsersRead, GrantedBy: "root", CreatedAt: created}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.GrantPermission(ctx, authz.PermissionGrant{UserID: "u2", Permission: authz.PermEventsPublish, ExpiresAt: &exp, CreatedAt: created}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	grants, err := store.ListPermissionGrants(ctx, "u2")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 2 || grants[0].Permission != authz.PermEventsPublish || grants[1].Permission != authz.PermUsersRead {
		t.Fatalf("unexpected grants: %+v", grants)
	}
	if grants[0].ExpiresAt == nil || grants[0].ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("grant expiry lost: %+v", grants[0].ExpiresAt)
	}
	if err := store.RevokePermission(ctx, "u2", authz.PermEventsPublish); err != nil {
		t.Fatalf("revoke grant: %v", err)
	}
	grants, _ = store.ListPermissionGrants(ctx, "u2")
	if len(grants) != 1 || grants[0].GrantedBy != "root" {
		t.Fatalf("unexpected grants after revoke: %+v", grants)
	}
}

func TestSQLGrantStorePruneExpired(t *testing.T) {
	store := NewSQLGrantStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	store.AssignRole(ctx, authz.RoleAssignment{UserID: "u1", Role: authz.RoleViewer, ExpiresAt: &past, CreatedAt: past})
	store.AssignRole(ctx, authz.RoleAssignment{UserID: "u1", Role: authz.RoleClient, ExpiresAt: &future, CreatedAt: past})
	store.GrantPermission(ctx, authz.PermissionGrant{UserID: "u2", Permission: authz.PermEventsPublish, ExpiresAt: &past, CreatedAt: past})
	store.GrantPermission(ctx, authz.PermissionGrant{UserID: "u2", Permission: authz.PermEventsExport, CreatedAt: past})

	n, err := store.PruneExpired(ctx, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", n)
	}

	roles, _ := store.ListRoleAssignments(ctx, "u1")
	if len(roles) != 1 || roles[0].Role != authz.RoleClient {
		t.Fatalf("unexpected survivors: %+v", roles)
	}
	grants, _ := store.ListPermissionGrants(ctx, "u2")
	if len(grants) != 1 || grants[0].Permission != authz.PermEventsExport {
		t.Fatalf("unexpected survivors: %+v", grants)
	}

	n, err = store.PruneExpired(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("expected an empty second prune, got %d %v", n, err)
	}
}

func TestSQLPolicyStore(t *testing.T) {
	store := NewSQLPolicyStore(newTestDB(t))
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Second)

	full := &authz.ResourcePolicy{
		ID:         "night-freeze",
		Resource:   "events",
		ResourceID: "evt-2",
		Priority:   -3,
		Effect:     authz.EffectDeny,
		Roles:      []authz.Role{authz.RoleEditor, authz.RoleViewer},
		Actions:    []authz.Action{authz.ActionUpdate},
		Conditions: []authz.Condition{
			authz.TimeWindow("22:00", "06:00"),
			authz.IPRange("10.0.0.0/8"),
		},
		Description: "no overnight edits",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := store.UpsertPolicy(ctx, full); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetPolicy(ctx, "night-freeze")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Resource != "events" || got.ResourceID != "evt-2" || got.Priority != -3 || got.Effect != authz.EffectDeny {
		t.Fatalf("policy head lost: %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != authz.RoleEditor {
		t.Fatalf("roles lost: %+v", got.Roles)
	}
	if len(got.Actions) != 1 || got.Actions[0] != authz.ActionUpdate {
		t.Fatalf("actions lost: %+v", got.Actions)
	}
	if len(got.Conditions) != 2 || got.Conditions[0].Start != "22:00" || got.Conditions[1].CIDR != "10.0.0.0/8" {
		t.Fatalf("conditions lost: %+v", got.Conditions)
	}
	if got.Description != "no overnight edits" {
		t.Fatalf("description lost: %q", got.Description)
	}
	if got.CreatedAt.Unix() != created.Unix() || got.UpdatedAt.Unix() != created.Unix() {
		t.Fatalf("timestamps lost: %+v", got)
	}

	g1 := &authz.ResourcePolicy{ID: "g1", Resource: "events", Effect: authz.EffectAllow, Actions: []authz.Action{authz.ActionRead}, Priority: 5}
	i1 := &authz.ResourcePolicy{ID: "i1", Resource: "events", ResourceID: "e1", Effect: authz.EffectDeny, Actions: []authz.Action{authz.ActionRead}}
	if err := store.UpsertPolicy(ctx, g1); err != nil {
		t.Fatalf("upsert g1: %v", err)
	}
	if err := store.UpsertPolicy(ctx, i1); err != nil {
		t.Fatalf("upsert i1: %v", err)
	}

	list, err := store.ListPolicies(ctx, "events", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "g1" {
		t.Fatalf("expected only the global without an instance, got %+v", list)
	}
	list, _ = store.ListPolicies(ctx, "events", "e1")
	if len(list) != 2 || list[0].ID != "g1" || list[1].ID != "i1" {
		t.Fatalf("expected global+instance in id order, got %+v", list)
	}
	list, _ = store.ListPolicies(ctx, "events", "evt-2")
	if len(list) != 2 || list[1].ID != "night-freeze" {
		t.Fatalf("expected the evt-2 instance policy, got %+v", list)
	}
	list, _ = store.ListPolicies(ctx, "users", "")
	if len(list) != 0 {
		t.Fatalf("expected no policies for users, got %+v", list)
	}

	// Upsert replaces on conflict and bumps only what changed.
	g1.Priority = 42
	g1.UpdatedAt = created.Add(time.Minute)
	if err := store.UpsertPolicy(ctx, g1); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = store.GetPolicy(ctx, "g1")
	if got.Priority != 42 {
		t.Fatalf("expected the update to land, got %+v", got)
	}

	if err := store.DeletePolicy(ctx, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPolicy(ctx, "g1"); !errors.Is(err, authz.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
	if err := store.DeletePolicy(ctx, "g1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSQLAuditSink(t *testing.T) {
	sink := NewSQLAuditSink(newTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	events := []authz.AuditEvent{
		{
			ID: "ev-1", Timestamp: base, Kind: authz.AuditDecision,
			UserID: "viola", Resource: "events", Action: "delete",
			Allowed: false, Reason: authz.ReasonNoPermission, ActorIP: "10.0.0.9",
		},
		{
			ID: "ev-2", Timestamp: base.Add(time.Second), Kind: authz.AuditMutation,
			UserID: "victim", ActorID: "root", Resource: "users", Action: "assign_role",
			Allowed: true, Reason: "VIEWER",
		},
		{
			ID: "ev-3", Timestamp: base.Add(2 * time.Second), Kind: authz.AuditDecision,
			UserID: "cleo", Resource: "events", Action: "create", ResourceID: "evt-9",
			Allowed: true, Reason: authz.ReasonPolicyAllow,
		},
	}
	for _, ev := range events {
		if err := sink.Write(ctx, ev); err != nil {
			t.Fatalf("write %s: %v", ev.ID, err)
		}
	}

	all, err := sink.ListEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i, want := range []string{"ev-1", "ev-2", "ev-3"} {
		if all[i].ID != want {
			t.Fatalf("expected %s at index %d, got %s", want, i, all[i].ID)
		}
	}

	// The mutation row keeps its actor and detail fields.
	mut := all[1]
	if mut.Kind != authz.AuditMutation || mut.ActorID != "root" || !mut.Allowed || mut.Reason != "VIEWER" {
		t.Fatalf("mutation fields lost: %+v", mut)
	}
	if all[0].ActorIP != "10.0.0.9" || all[0].Allowed {
		t.Fatalf("decision fields lost: %+v", all[0])
	}
	if all[2].ResourceID != "evt-9" {
		t.Fatalf("resource ref lost: %+v", all[2])
	}
	if all[0].Timestamp.Unix() != base.Unix() {
		t.Fatalf("timestamp lost: %v vs %v", all[0].Timestamp, base)
	}

	byUser, err := sink.ListEvents(ctx, AuditFilter{UserID: "viola"})
	if err != nil || len(byUser) != 1 || byUser[0].ID != "ev-1" {
		t.Fatalf("user filter failed: %+v %v", byUser, err)
	}
	byResource, err := sink.ListEvents(ctx, AuditFilter{Resource: "events"})
	if err != nil || len(byResource) != 2 {
		t.Fatalf("resource filter failed: %+v %v", byResource, err)
	}
	byAction, err := sink.ListEvents(ctx, AuditFilter{Action: "assign_role"})
	if err != nil || len(byAction) != 1 || byAction[0].ID != "ev-2" {
		t.Fatalf("action filter failed: %+v %v", byAction, err)
	}
	limited, err := sink.ListEvents(ctx, AuditFilter{Limit: 1})
	if err != nil || len(limited) != 1 || limited[0].ID != "ev-1" {
		t.Fatalf("limit failed: %+v %v", limited, err)
	}
	ranged, err := sink.ListEvents(ctx, AuditFilter{StartTime: base.Add(time.Second)})
	if err != nil || len(ranged) != 2 || ranged[0].ID != "ev-2" {
		t.Fatalf("start-time filter failed: %+v %v", ranged, err)
	}
	window, err := sink.ListEvents(ctx, AuditFilter{StartTime: base, EndTime: base.Add(time.Second)})
	if err != nil || len(window) != 2 || window[1].ID != "ev-2" {
		t.Fatalf("window filter failed: %+v %v", window, err)
	}
}
