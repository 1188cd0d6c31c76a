package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eventra/authz"
)

// MemoryGrantStore keeps role assignments and permission grants in process
// memory. Listing returns rows in a stable order and never filters expiry;
// that is the caller's job.
type MemoryGrantStore struct {
	mu          sync.RWMutex
	assignments map[string]map[authz.Role]authz.RoleAssignment
	grants      map[string]map[authz.PermissionID]authz.PermissionGrant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		assignments: make(map[string]map[authz.Role]authz.RoleAssignment),
		grants:      make(map[string]map[authz.PermissionID]authz.PermissionGrant),
	}
}

func (s *MemoryGrantStore) ListRoleAssignments(ctx context.Context, userID string) ([]authz.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byRole, ok := s.assignments[userID]
	if !ok {
		return nil, nil
	}
	out := make([]authz.RoleAssignment, 0, len(byRole))
	for _, a := range byRole {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (s *MemoryGrantStore) ListPermissionGrants(ctx context.Context, userID string) ([]authz.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPerm, ok := s.grants[userID]
	if !ok {
		return nil, nil
	}
	out := make([]authz.PermissionGrant, 0, len(byPerm))
	for _, g := range byPerm {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}

func (s *MemoryGrantStore) AssignRole(ctx context.Context, a authz.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.UserID]; !ok {
		s.assignments[a.UserID] = make(map[authz.Role]authz.RoleAssignment)
	}
	s.assignments[a.UserID][a.Role] = a
	return nil
}

func (s *MemoryGrantStore) RevokeRole(ctx context.Context, userID string, role authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byRole, ok := s.assignments[userID]; ok {
		delete(byRole, role)
		if len(byRole) == 0 {
			delete(s.assignments, userID)
		}
	}
	return nil
}

func (s *MemoryGrantStore) GrantPermission(ctx context.Context, g authz.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.UserID]; !ok {
		s.grants[g.UserID] = make(map[authz.PermissionID]authz.PermissionGrant)
	}
	s.grants[g.UserID][g.Permission] = g
	return nil
}

func (s *MemoryGrantStore) RevokePermission(ctx context.Context, userID string, id authz.PermissionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byPerm, ok := s.grants[userID]; ok {
		delete(byPerm, id)
		if len(byPerm) == 0 {
			delete(s.grants, userID)
		}
	}
	return nil
}

func (s *MemoryGrantStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for userID, byRole := range s.assignments {
		for role, a := range byRole {
			if a.Expired(now) {
				delete(byRole, role)
				pruned++
			}
		}
		if len(byRole) == 0 {
			delete(s.assignments, userID)
		}
	}
	for userID, byPerm := range s.grants {
		for id, g := range byPerm {
			if g.Expired(now) {
				delete(byPerm, id)
				pruned++
			}
		}
		if len(byPerm) == 0 {
			delete(s.grants, userID)
		}
	}
	return pruned, nil
}

// MemoryPolicyStore keeps resource policies in process memory.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*authz.ResourcePolicy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*authz.ResourcePolicy)}
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, resource, resourceID string) ([]authz.ResourcePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]authz.ResourcePolicy, 0)
	for _, p := range s.policies {
		if p.Resource != resource {
			continue
		}
		if !p.Global() && (resourceID == "" || p.ResourceID != resourceID) {
			continue
		}
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*authz.ResourcePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, authz.ErrPolicyNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryPolicyStore) UpsertPolicy(ctx context.Context, p *authz.ResourcePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

// MemoryAuditSink collects audit events in memory, for tests and demos.
type MemoryAuditSink struct {
	mu     sync.RWMutex
	events []authz.AuditEvent
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{events: make([]authz.AuditEvent, 0)}
}

func (s *MemoryAuditSink) Write(ctx context.Context, ev authz.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemoryAuditSink) Events() []authz.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authz.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryAuditSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}
