package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/eventra/authz"
)

// SQLAuditSink persists audit events in SQL.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Write(ctx context.Context, ev authz.AuditEvent) error {
	q := `INSERT INTO audit_events(id, timestamp, kind, user_id, actor_id, resource, action, resource_ref, allowed, reason, actor_ip)
	VALUES(:id, :timestamp, :kind, :user_id, :actor_id, :resource, :action, :resource_ref, :allowed, :reason, :actor_ip)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           ev.ID,
		"timestamp":    ev.Timestamp,
		"kind":         string(ev.Kind),
		"user_id":      ev.UserID,
		"actor_id":     ev.ActorID,
		"resource":     ev.Resource,
		"action":       ev.Action,
		"resource_ref": ev.ResourceID,
		"allowed":      boolToInt(ev.Allowed),
		"reason":       ev.Reason,
		"actor_ip":     ev.ActorIP,
	})
	return err
}

// AuditFilter narrows ListEvents. Zero values match everything.
type AuditFilter struct {
	UserID    string
	Resource  string
	Action    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (s *SQLAuditSink) ListEvents(ctx context.Context, filter AuditFilter) ([]authz.AuditEvent, error) {
	q := `SELECT id, timestamp, kind, user_id, actor_id, resource, action, resource_ref, allowed, reason, actor_ip FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]authz.AuditEvent, 0)
	for r.Next() {
		var id, kind, userID, actorID, resource, action, resourceRef, reason, actorIP string
		var timestampRaw interface{}
		var allowedInt int
		if err := r.Scan(&id, &timestampRaw, &kind, &userID, &actorID, &resource, &action, &resourceRef, &allowedInt, &reason, &actorIP); err != nil {
			return nil, err
		}
		out = append(out, authz.AuditEvent{
			ID:         id,
			Timestamp:  scanTime(timestampRaw),
			Kind:       authz.AuditKind(kind),
			UserID:     userID,
			ActorID:    actorID,
			Resource:   resource,
			Action:     action,
			ResourceID: resourceRef,
			Allowed:    allowedInt != 0,
			Reason:     reason,
			ActorIP:    actorIP,
		})
	}
	return out, nil
}
