package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventra/authz"
)

// RedisGrantStore keeps each user's role assignments and permission grants in
// two Redis hashes (keys: authz:roles:{userID} and authz:grants:{userID},
// field = role or permission, value = JSON row). Listing reads one hash, so a
// permission resolve costs two round trips.
type RedisGrantStore struct {
	client   *redis.Client
	roleFmt  string
	grantFmt string
}

func NewRedisGrantStore(client *redis.Client) *RedisGrantStore {
	return &RedisGrantStore{client: client, roleFmt: "authz:roles:%s", grantFmt: "authz:grants:%s"}
}

func (r *RedisGrantStore) roleKey(userID string) string {
	return fmt.Sprintf(r.roleFmt, userID)
}

func (r *RedisGrantStore) grantKey(userID string) string {
	return fmt.Sprintf(r.grantFmt, userID)
}

// redisGrantRow is the hash value for both assignment and grant fields; By
// holds AssignedBy or GrantedBy respectively.
type redisGrantRow struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	By        string     `json:"by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (r *RedisGrantStore) AssignRole(ctx context.Context, a authz.RoleAssignment) error {
	row, err := json.Marshal(redisGrantRow{ExpiresAt: a.ExpiresAt, By: a.AssignedBy, CreatedAt: a.CreatedAt})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.roleKey(a.UserID), string(a.Role), row).Err()
}

func (r *RedisGrantStore) RevokeRole(ctx context.Context, userID string, role authz.Role) error {
	return r.client.HDel(ctx, r.roleKey(userID), string(role)).Err()
}

func (r *RedisGrantStore) ListRoleAssignments(ctx context.Context, userID string) ([]authz.RoleAssignment, error) {
	fields, err := r.client.HGetAll(ctx, r.roleKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]authz.RoleAssignment, 0, len(fields))
	for role, raw := range fields {
		var row redisGrantRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("assignment %s/%s: %w", userID, role, err)
		}
		out = append(out, authz.RoleAssignment{
			UserID:     userID,
			Role:       authz.Role(role),
			ExpiresAt:  row.ExpiresAt,
			AssignedBy: row.By,
			CreatedAt:  row.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (r *RedisGrantStore) GrantPermission(ctx context.Context, g authz.PermissionGrant) error {
	row, err := json.Marshal(redisGrantRow{ExpiresAt: g.ExpiresAt, By: g.GrantedBy, CreatedAt: g.CreatedAt})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.grantKey(g.UserID), string(g.Permission), row).Err()
}

func (r *RedisGrantStore) RevokePermission(ctx context.Context, userID string, id authz.PermissionID) error {
	return r.client.HDel(ctx, r.grantKey(userID), string(id)).Err()
}

func (r *RedisGrantStore) ListPermissionGrants(ctx context.Context, userID string) ([]authz.PermissionGrant, error) {
	fields, err := r.client.HGetAll(ctx, r.grantKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]authz.PermissionGrant, 0, len(fields))
	for permission, raw := range fields {
		var row redisGrantRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("grant %s/%s: %w", userID, permission, err)
		}
		out = append(out, authz.PermissionGrant{
			UserID:     userID,
			Permission: authz.PermissionID(permission),
			ExpiresAt:  row.ExpiresAt,
			GrantedBy:  row.By,
			CreatedAt:  row.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}

func (r *RedisGrantStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	var pruned int64
	for _, pattern := range []string{fmt.Sprintf(r.roleFmt, "*"), fmt.Sprintf(r.grantFmt, "*")} {
		n, err := r.pruneHashes(ctx, pattern, now)
		pruned += n
		if err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

func (r *RedisGrantStore) pruneHashes(ctx context.Context, pattern string, now time.Time) (int64, error) {
	var pruned int64
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return pruned, err
		}
		expired := make([]string, 0)
		for field, raw := range fields {
			var row redisGrantRow
			if err := json.Unmarshal([]byte(raw), &row); err != nil {
				continue
			}
			if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
				expired = append(expired, field)
			}
		}
		if len(expired) == 0 {
			continue
		}
		if err := r.client.HDel(ctx, key, expired...).Err(); err != nil {
			return pruned, err
		}
		pruned += int64(len(expired))
	}
	if err := iter.Err(); err != nil {
		return pruned, err
	}
	return pruned, nil
}
