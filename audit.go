package authz

import (
	"context"
	"time"

	"github.com/eventra/authz/logger"
)

// AuditKind separates decision records from administrative mutations.
type AuditKind string

const (
	AuditDecision AuditKind = "decision"
	AuditMutation AuditKind = "mutation"
)

// AuditEvent is one audit trail record. Decisions set UserID to the subject
// of the request; mutations additionally set ActorID to the administrator
// who performed them.
type AuditEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       AuditKind `json:"kind"`
	UserID     string    `json:"user_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id,omitempty"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason"`
	ActorIP    string    `json:"actor_ip,omitempty"`
}

// AuditSink receives audit events. The engine writes from a single worker
// goroutine, so implementations need not be safe for concurrent Write calls
// unless they are shared across engines.
type AuditSink interface {
	Write(ctx context.Context, ev AuditEvent) error
}

// LogAuditSink renders audit events through a Logger. Useful for operators
// who ship structured logs anyway and do not need a queryable trail.
type LogAuditSink struct {
	log logger.Logger
}

func NewLogAuditSink(l logger.Logger) *LogAuditSink {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &LogAuditSink{log: l}
}

func (s *LogAuditSink) Write(_ context.Context, ev AuditEvent) error {
	s.log.Info("audit",
		"id", ev.ID,
		"kind", string(ev.Kind),
		"user", ev.UserID,
		"actor", ev.ActorID,
		"resource", ev.Resource,
		"action", ev.Action,
		"resource_id", ev.ResourceID,
		"allowed", ev.Allowed,
		"reason", ev.Reason,
		"ip", ev.ActorIP,
	)
	return nil
}

// AuditDropped reports how many audit events were discarded because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 { return e.auditDropped.Load() }

func (e *Engine) auditDecision(req Request, v Verdict) {
	e.audit(AuditEvent{
		ID:         e.traceID(),
		Timestamp:  v.Timestamp,
		Kind:       AuditDecision,
		UserID:     req.UserID,
		Resource:   req.Resource,
		Action:     string(req.Action),
		ResourceID: req.ResourceID,
		Allowed:    v.Allowed,
		Reason:     v.Reason,
		ActorIP:    req.IP,
	})
}

// audit hands an event to the worker without blocking the caller. Full
// buffer means the event is counted and dropped.
func (e *Engine) audit(ev AuditEvent) {
	if e.auditSink == nil {
		return
	}
	select {
	case e.auditCh <- ev:
	default:
		e.auditDropped.Add(1)
	}
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	for {
		select {
		case ev := <-e.auditCh:
			e.writeAudit(ev)
		case <-e.stopCh:
			for {
				select {
				case ev := <-e.auditCh:
					e.writeAudit(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) writeAudit(ev AuditEvent) {
	if err := e.auditSink.Write(context.Background(), ev); err != nil {
		e.log.Error("audit write failed", "event_id", ev.ID, "err", err)
	}
}
