package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/eventra/authz"
)

// SQLGrantStore persists role assignments and permission grants in SQL
// (squealx). Writes are keyed upserts, so re-assigning a role refreshes its
// expiry instead of duplicating the row.
type SQLGrantStore struct {
	db *squealx.DB
}

func NewSQLGrantStore(db *squealx.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

func (s *SQLGrantStore) AssignRole(ctx context.Context, a authz.RoleAssignment) error {
	q := `INSERT INTO role_assignments(user_id, role, expires_at, assigned_by, created_at)
	VALUES(:user_id, :role, :expires_at, :assigned_by, :created_at)
	ON CONFLICT(user_id, role) DO UPDATE SET expires_at = excluded.expires_at, assigned_by = excluded.assigned_by, created_at = excluded.created_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":     a.UserID,
		"role":        string(a.Role),
		"expires_at":  sqlNullTimeOrNil(a.ExpiresAt),
		"assigned_by": a.AssignedBy,
		"created_at":  a.CreatedAt,
	})
	return err
}

func (s *SQLGrantStore) RevokeRole(ctx context.Context, userID string, role authz.Role) error {
	q := `DELETE FROM role_assignments WHERE user_id = :user_id AND role = :role`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role": string(role)})
	return err
}

func (s *SQLGrantStore) ListRoleAssignments(ctx context.Context, userID string) ([]authz.RoleAssignment, error) {
	q := `SELECT user_id, role, expires_at, assigned_by, created_at FROM role_assignments WHERE user_id = :user_id ORDER BY role`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]authz.RoleAssignment, 0)
	for r.Next() {
		var uid, role, assignedBy string
		var expiresRaw, createdRaw interface{}
		if err := r.Scan(&uid, &role, &expiresRaw, &assignedBy, &createdRaw); err != nil {
			return nil, err
		}
		out = append(out, authz.RoleAssignment{
			UserID:     uid,
			Role:       authz.Role(role),
			ExpiresAt:  scanTimePtr(expiresRaw),
			AssignedBy: assignedBy,
			CreatedAt:  scanTime(createdRaw),
		})
	}
	return out, nil
}

func (s *SQLGrantStore) GrantPermission(ctx context.Context, g authz.PermissionGrant) error {
	q := `INSERT INTO permission_grants(user_id, permission, expires_at, granted_by, created_at)
	VALUES(:user_id, :permission, :expires_at, :granted_by, :created_at)
	ON CONFLICT(user_id, permission) DO UPDATE SET expires_at = excluded.expires_at, granted_by = excluded.granted_by, created_at = excluded.created_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":    g.UserID,
		"permission": string(g.Permission),
		"expires_at": sqlNullTimeOrNil(g.ExpiresAt),
		"granted_by": g.GrantedBy,
		"created_at": g.CreatedAt,
	})
	return err
}

func (s *SQLGrantStore) RevokePermission(ctx context.Context, userID string, id authz.PermissionID) error {
	q := `DELETE FROM permission_grants WHERE user_id = :user_id AND permission = :permission`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "permission": string(id)})
	return err
}

func (s *SQLGrantStore) ListPermissionGrants(ctx context.Context, userID string) ([]authz.PermissionGrant, error) {
	q := `SELECT user_id, permission, expires_at, granted_by, created_at FROM permission_grants WHERE user_id = :user_id ORDER BY permission`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]authz.PermissionGrant, 0)
	for r.Next() {
		var uid, permission, grantedBy string
		var expiresRaw, createdRaw interface{}
		if err := r.Scan(&uid, &permission, &expiresRaw, &grantedBy, &createdRaw); err != nil {
			return nil, err
		}
		out = append(out, authz.PermissionGrant{
			UserID:     uid,
			Permission: authz.PermissionID(permission),
			ExpiresAt:  scanTimePtr(expiresRaw),
			GrantedBy:  grantedBy,
			CreatedAt:  scanTime(createdRaw),
		})
	}
	return out, nil
}

func (s *SQLGrantStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	var pruned int64
	for _, q := range []string{
		`DELETE FROM role_assignments WHERE expires_at IS NOT NULL AND expires_at <= :now`,
		`DELETE FROM permission_grants WHERE expires_at IS NOT NULL AND expires_at <= :now`,
	} {
		res, err := s.db.NamedExecContext(ctx, q, map[string]any{"now": now})
		if err != nil {
			return pruned, err
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += n
		}
	}
	return pruned, nil
}
