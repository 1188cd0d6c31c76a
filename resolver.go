package authz

import "context"

// resolveEffective returns the user's effective permission set, consulting
// the cache first. The generation is captured before the store read so a
// revocation racing this resolve always wins.
func (e *Engine) resolveEffective(ctx context.Context, userID string) (*EffectivePermissionSet, error) {
	gen := e.cache.Generation(userID)
	if set, ok := e.cache.Get(userID); ok {
		return set, nil
	}
	set, err := e.buildEffectiveSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.cache.Put(userID, gen, set)
	return set, nil
}

func (e *Engine) buildEffectiveSet(ctx context.Context, userID string) (*EffectivePermissionSet, error) {
	now := e.now()
	assignments, err := e.grants.ListRoleAssignments(ctx, userID)
	if err != nil {
		return nil, storeFail("list role assignments", err)
	}
	role := RoleGuest
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		if !a.Role.Valid() {
			e.log.Warn("skipping assignment with unknown role", "user", userID, "role", string(a.Role))
			continue
		}
		if a.Role.Level() > role.Level() {
			role = a.Role
		}
	}

	set := &EffectivePermissionSet{
		UserID:      userID,
		Role:        role,
		Permissions: make(map[PermissionID]string),
		ResolvedAt:  now,
	}
	if role == RoleSuperAdmin {
		for _, id := range AllPermissionIDs() {
			set.Permissions[id] = "role:" + string(RoleSuperAdmin)
		}
	} else {
		for _, id := range e.defaults.PermissionsFor(role) {
			set.Permissions[id] = "role:" + string(role)
		}
	}

	grants, err := e.grants.ListPermissionGrants(ctx, userID)
	if err != nil {
		return nil, storeFail("list permission grants", err)
	}
	for _, g := range grants {
		if g.Expired(now) {
			continue
		}
		if !KnownPermissionID(g.Permission) {
			e.log.Warn("skipping grant with unknown permission", "user", userID, "permission", string(g.Permission))
			continue
		}
		if _, ok := set.Permissions[g.Permission]; !ok {
			set.Permissions[g.Permission] = "grant:" + string(g.Permission)
		}
	}
	return set, nil
}
