package authz

import (
	"errors"
	"testing"
)

func TestRoleLevels(t *testing.T) {
	want := map[Role]int{
		RoleSuperAdmin:   100,
		RoleAdmin:        90,
		RoleModerator:    80,
		RoleEventManager: 70,
		RoleUserManager:  60,
		RoleEditor:       50,
		RoleViewer:       40,
		RoleClient:       30,
		RoleGuest:        0,
	}
	for role, level := range want {
		if got := role.Level(); got != level {
			t.Errorf("level of %s: expected %d, got %d", role, level, got)
		}
	}
	if got := Role("OWNER").Level(); got != -1 {
		t.Errorf("expected -1 for unknown role, got %d", got)
	}
	if Role("OWNER").Valid() {
		t.Error("expected unknown role to be invalid")
	}
}

func TestRolesOrdering(t *testing.T) {
	roles := Roles()
	if len(roles) != 9 {
		t.Fatalf("expected 9 roles, got %d", len(roles))
	}
	if roles[0] != RoleSuperAdmin {
		t.Errorf("expected %s first, got %s", RoleSuperAdmin, roles[0])
	}
	if roles[len(roles)-1] != RoleGuest {
		t.Errorf("expected %s last, got %s", RoleGuest, roles[len(roles)-1])
	}
	for i := 1; i < len(roles); i++ {
		if roles[i-1].Level() <= roles[i].Level() {
			t.Errorf("roles not in descending level order: %s before %s", roles[i-1], roles[i])
		}
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("MODERATOR")
	if err != nil {
		t.Fatalf("parse role: %v", err)
	}
	if role != RoleModerator {
		t.Fatalf("expected %s, got %s", RoleModerator, role)
	}
	if _, err := ParseRole("moderator"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole for lowercase name, got %v", err)
	}
	if _, err := ParseRole("OWNER"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestCanManage(t *testing.T) {
	h := NewHierarchy()
	tests := []struct {
		name   string
		actor  Role
		target Role
		want   bool
	}{
		{"super admin manages admin", RoleSuperAdmin, RoleAdmin, true},
		{"super admin manages guest", RoleSuperAdmin, RoleGuest, true},
		{"super admin cannot manage super admin by default", RoleSuperAdmin, RoleSuperAdmin, false},
		{"admin cannot manage super admin", RoleAdmin, RoleSuperAdmin, false},
		{"admin cannot manage peer admin", RoleAdmin, RoleAdmin, false},
		{"admin manages moderator", RoleAdmin, RoleModerator, true},
		{"moderator cannot manage admin", RoleModerator, RoleAdmin, false},
		{"editor manages viewer", RoleEditor, RoleViewer, true},
		{"editor manages guest", RoleEditor, RoleGuest, true},
		{"guest cannot manage guest", RoleGuest, RoleGuest, false},
		{"unknown actor manages nothing", Role("OWNER"), RoleGuest, false},
		{"unknown target cannot be managed", RoleSuperAdmin, Role("OWNER"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.CanManage(tt.actor, tt.target); got != tt.want {
				t.Fatalf("CanManage(%s, %s): expected %v, got %v", tt.actor, tt.target, tt.want, got)
			}
		})
	}
}

func TestSuperAdminSelfManage(t *testing.T) {
	h := NewHierarchy(WithSuperAdminSelfManage())
	if !h.CanManage(RoleSuperAdmin, RoleSuperAdmin) {
		t.Fatal("expected super admin to manage super admin with self-manage enabled")
	}
	if h.CanManage(RoleAdmin, RoleAdmin) {
		t.Fatal("self-manage must not loosen the rule for other roles")
	}
}

func TestDefaultRolePermissions(t *testing.T) {
	d := DefaultRolePermissions()

	client := d.PermissionsFor(RoleClient)
	if len(client) != 1 || client[0] != PermEventsRead {
		t.Fatalf("expected CLIENT to default to exactly events:read, got %v", client)
	}

	viewer := d.PermissionsFor(RoleViewer)
	if len(viewer) != 2 {
		t.Fatalf("expected 2 VIEWER permissions, got %v", viewer)
	}

	admin := d.PermissionsFor(RoleAdmin)
	if len(admin) != 13 {
		t.Fatalf("expected 13 ADMIN permissions, got %d", len(admin))
	}
	hasUsersManage := false
	for _, id := range admin {
		if id == PermUsersManage {
			hasUsersManage = true
		}
	}
	if !hasUsersManage {
		t.Fatal("expected ADMIN defaults to include users:manage")
	}

	if got := d.PermissionsFor(RoleGuest); got != nil {
		t.Fatalf("expected GUEST to start with nothing, got %v", got)
	}
	if got := d.PermissionsFor(RoleSuperAdmin); got != nil {
		t.Fatalf("expected no table entry for SUPER_ADMIN, got %v", got)
	}

	// PermissionsFor hands out copies.
	viewer[0] = PermUsersDelete
	if again := d.PermissionsFor(RoleViewer); again[0] == PermUsersDelete {
		t.Fatal("mutating a returned slice must not touch the table")
	}
}

func TestRoleDefaultsMerge(t *testing.T) {
	base := DefaultRolePermissions()

	merged, err := base.Merge(map[string][]string{
		"CLIENT": {"users:read"},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	got := merged.PermissionsFor(RoleClient)
	if len(got) != 1 || got[0] != PermUsersRead {
		t.Fatalf("expected override to replace the CLIENT set, got %v", got)
	}
	// The source table is untouched.
	if orig := base.PermissionsFor(RoleClient); len(orig) != 1 || orig[0] != PermEventsRead {
		t.Fatalf("merge mutated the source table: %v", orig)
	}
	// Untouched roles keep their defaults.
	if viewer := merged.PermissionsFor(RoleViewer); len(viewer) != 2 {
		t.Fatalf("expected VIEWER defaults to survive the merge, got %v", viewer)
	}

	if _, err := base.Merge(map[string][]string{"OWNER": {"events:read"}}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := base.Merge(map[string][]string{"CLIENT": {"events:frobnicate"}}); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
	if _, err := base.Merge(map[string][]string{"SUPER_ADMIN": {"events:read"}}); err == nil {
		t.Fatal("expected an error when overriding SUPER_ADMIN defaults")
	}
}

func TestParsePermissionID(t *testing.T) {
	p, err := ParsePermissionID("events:publish")
	if err != nil {
		t.Fatalf("parse permission: %v", err)
	}
	if p.Resource != "events" || p.Action != ActionPublish {
		t.Fatalf("unexpected permission %+v", p)
	}
	if p.ID() != PermEventsPublish {
		t.Fatalf("expected id %s, got %s", PermEventsPublish, p.ID())
	}
	if _, err := ParsePermissionID("widgets:read"); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
	if _, err := ParsePermissionID("events"); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission for missing action, got %v", err)
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("READ")
	if err != nil {
		t.Fatalf("parse action: %v", err)
	}
	if a != ActionRead {
		t.Fatalf("expected %s, got %s", ActionRead, a)
	}
	if _, err := ParseAction("frobnicate"); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestAllPermissionIDsSorted(t *testing.T) {
	ids := AllPermissionIDs()
	if len(ids) != 13 {
		t.Fatalf("expected 13 cataloged permissions, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("catalog not sorted: %s before %s", ids[i-1], ids[i])
		}
	}
	for _, id := range ids {
		if !KnownPermissionID(id) {
			t.Fatalf("catalog returned unknown id %s", id)
		}
	}
}
