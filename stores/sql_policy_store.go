package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/eventra/authz"
)

// SQLPolicyStore persists resource policies in SQL (squealx). Role, action
// and condition lists are stored as JSON text columns.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) UpsertPolicy(ctx context.Context, p *authz.ResourcePolicy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	roles, _ := json.Marshal(p.Roles)
	actions, _ := json.Marshal(p.Actions)
	conditions, _ := json.Marshal(p.Conditions)
	q := `INSERT INTO resource_policies(id, resource, resource_id, priority, effect, roles_json, actions_json, conditions_json, description, created_at, updated_at)
	VALUES(:id, :resource, :resource_id, :priority, :effect, :roles_json, :actions_json, :conditions_json, :description, :created_at, :updated_at)
	ON CONFLICT(id) DO UPDATE SET resource = excluded.resource, resource_id = excluded.resource_id, priority = excluded.priority, effect = excluded.effect, roles_json = excluded.roles_json, actions_json = excluded.actions_json, conditions_json = excluded.conditions_json, description = excluded.description, updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"resource":        p.Resource,
		"resource_id":     p.ResourceID,
		"priority":        p.Priority,
		"effect":          string(p.Effect),
		"roles_json":      string(roles),
		"actions_json":    string(actions),
		"conditions_json": string(conditions),
		"description":     p.Description,
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	})
	return err
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM resource_policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*authz.ResourcePolicy, error) {
	q := `SELECT id, resource, resource_id, priority, effect, roles_json, actions_json, conditions_json, description, created_at, updated_at FROM resource_policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy %s: %w", id, authz.ErrPolicyNotFound)
	}
	return scanPolicyRow(r)
}

// ListPolicies returns the policies that could govern one request: every
// global policy for the resource plus, when resourceID is set, the policies
// pinned to that instance.
func (s *SQLPolicyStore) ListPolicies(ctx context.Context, resource, resourceID string) ([]authz.ResourcePolicy, error) {
	q := `SELECT id, resource, resource_id, priority, effect, roles_json, actions_json, conditions_json, description, created_at, updated_at FROM resource_policies WHERE resource = :resource AND (resource_id = '' OR resource_id = :resource_id) ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource": resource, "resource_id": resourceID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]authz.ResourcePolicy, 0)
	for r.Next() {
		p, err := scanPolicyRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func scanPolicyRow(r interface{ Scan(...any) error }) (*authz.ResourcePolicy, error) {
	var id, resource, resourceID, effect, rolesJSON, actionsJSON, conditionsJSON, description string
	var priority int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &resource, &resourceID, &priority, &effect, &rolesJSON, &actionsJSON, &conditionsJSON, &description, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p := &authz.ResourcePolicy{
		ID:          id,
		Resource:    resource,
		ResourceID:  resourceID,
		Priority:    priority,
		Effect:      authz.Effect(effect),
		Description: description,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(rolesJSON), &p.Roles)
	_ = json.Unmarshal([]byte(actionsJSON), &p.Actions)
	_ = json.Unmarshal([]byte(conditionsJSON), &p.Conditions)
	return p, nil
}
