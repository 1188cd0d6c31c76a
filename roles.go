package authz

import (
	"fmt"
	"sort"
)

// Role is a named rung on the static role ladder. Roles carry no
// inheritance; they are compared by level only.
type Role string

const (
	RoleSuperAdmin   Role = "SUPER_ADMIN"
	RoleAdmin        Role = "ADMIN"
	RoleModerator    Role = "MODERATOR"
	RoleEventManager Role = "EVENT_MANAGER"
	RoleUserManager  Role = "USER_MANAGER"
	RoleEditor       Role = "EDITOR"
	RoleViewer       Role = "VIEWER"
	RoleClient       Role = "CLIENT"
	// RoleGuest is the implicit role of a user with no live assignments.
	RoleGuest Role = "GUEST"
)

var roleLevels = map[Role]int{
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

// Level returns the role's position on the ladder, or -1 for unknown roles.
func (r Role) Level() int {
	if lvl, ok := roleLevels[r]; ok {
		return lvl
	}
	return -1
}

func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

func (r Role) String() string { return string(r) }

// ParseRole converts s into a Role, rejecting names outside the ladder.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("parse role %q: %w", s, ErrUnknownRole)
	}
	return r, nil
}

// Roles returns every known role ordered from highest to lowest level.
func Roles() []Role {
	out := make([]Role, 0, len(roleLevels))
	for r := range roleLevels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level() > out[j].Level() })
	return out
}

// Hierarchy answers management questions between roles.
type Hierarchy struct {
	superAdminSelfManage bool
}

type HierarchyOption func(*Hierarchy)

// WithSuperAdminSelfManage lets a SUPER_ADMIN manage other SUPER_ADMINs
// (and therefore demote them). Off by default so the top of the ladder
// cannot be knocked over by a stray admin call; recovery tooling can opt in.
func WithSuperAdminSelfManage() HierarchyOption {
	return func(h *Hierarchy) { h.superAdminSelfManage = true }
}

func NewHierarchy(opts ...HierarchyOption) *Hierarchy {
	h := &Hierarchy{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CanManage reports whether actor outranks target. A SUPER_ADMIN manages
// every other role; between two SUPER_ADMINs it holds only when
// WithSuperAdminSelfManage is set. Everyone else needs a strictly higher
// level. Unknown roles manage nothing and cannot be managed.
func (h *Hierarchy) CanManage(actor, target Role) bool {
	if !actor.Valid() || !target.Valid() {
		return false
	}
	if actor == RoleSuperAdmin {
		if target == RoleSuperAdmin {
			return h.superAdminSelfManage
		}
		return true
	}
	return actor.Level() > target.Level()
}

// RoleDefaults maps each role to the permissions it starts with. SUPER_ADMIN
// has no entry: it holds every cataloged permission implicitly.
type RoleDefaults map[Role][]PermissionID

// DefaultRolePermissions returns the built-in table.
func DefaultRolePermissions() RoleDefaults {
	return RoleDefaults{
		RoleAdmin: {
			PermEventsCreate, PermEventsRead, PermEventsUpdate, PermEventsDelete,
			PermEventsManage, PermEventsPublish, PermEventsExport,
			PermUsersCreate, PermUsersRead, PermUsersUpdate, PermUsersDelete,
			PermUsersManage, PermUsersExport,
		},
		RoleModerator: {
			PermEventsRead, PermEventsUpdate, PermEventsManage,
			PermUsersRead,
		},
		RoleEventManager: {
			PermEventsCreate, PermEventsRead, PermEventsUpdate, PermEventsDelete,
			PermEventsManage, PermEventsPublish, PermEventsExport,
		},
		RoleUserManager: {
			PermUsersCreate, PermUsersRead, PermUsersUpdate, PermUsersDelete,
			PermUsersManage, PermUsersExport,
		},
		RoleEditor: {
			PermEventsCreate, PermEventsRead, PermEventsUpdate,
		},
		RoleViewer: {
			PermEventsRead, PermUsersRead,
		},
		RoleClient: {
			PermEventsRead,
		},
		// GUEST starts with nothing; access comes only from grants or policies.
	}
}

// PermissionsFor returns a copy of the role's default permissions.
func (d RoleDefaults) PermissionsFor(role Role) []PermissionID {
	perms, ok := d[role]
	if !ok {
		return nil
	}
	out := make([]PermissionID, len(perms))
	copy(out, perms)
	return out
}

func (d RoleDefaults) Clone() RoleDefaults {
	out := make(RoleDefaults, len(d))
	for role, perms := range d {
		cp := make([]PermissionID, len(perms))
		copy(cp, perms)
		out[role] = cp
	}
	return out
}

// Merge overlays per-role overrides (role name -> permission ids) on a copy
// of d. An override replaces the role's whole default set. Unknown role
// names or permission ids are rejected.
func (d RoleDefaults) Merge(overrides map[string][]string) (RoleDefaults, error) {
	out := d.Clone()
	for name, ids := range overrides {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		if role == RoleSuperAdmin {
			return nil, fmt.Errorf("role %s has an implicit wildcard and takes no defaults", RoleSuperAdmin)
		}
		perms := make([]PermissionID, 0, len(ids))
		for _, id := range ids {
			p, err := ParsePermissionID(id)
			if err != nil {
				return nil, fmt.Errorf("defaults for %s: %w", role, err)
			}
			perms = append(perms, p.ID())
		}
		out[role] = perms
	}
	return out, nil
}
