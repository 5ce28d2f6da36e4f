package testutil

import (
	"context"
	"sync"

	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/events"
)

// AuditEntry is one call captured by RecordingAudit.
type AuditEntry struct {
	ActorType  string
	ActorID    *string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// RecordingAudit is an in-memory audit service.
type RecordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	lists   []auditdomain.ListAuditLogRequest
}

func (r *RecordingAudit) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := AuditEntry{ActorType: actorType, ActorID: actorID, Action: action, TargetType: targetType, Metadata: metadata}
	if targetID != nil {
		entry.TargetID = *targetID
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *RecordingAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, req)
	return auditdomain.ListAuditLogResponse{}, nil
}

// ListRequests returns the requests passed to List.
func (r *RecordingAudit) ListRequests() []auditdomain.ListAuditLogRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditdomain.ListAuditLogRequest(nil), r.lists...)
}

func (r *RecordingAudit) Entries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEntry(nil), r.entries...)
}

// Actions lists the recorded actions in order.
func (r *RecordingAudit) Actions() []string {
	entries := r.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// Filter returns the entries with the given action.
func (r *RecordingAudit) Filter(action string) []AuditEntry {
	var out []AuditEntry
	for _, e := range r.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// RecordingPublisher captures published events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *RecordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *RecordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// Types lists the published event types in order.
func (p *RecordingPublisher) Types() []string {
	out := []string{}
	for _, e := range p.Events() {
		out = append(out, e.Type)
	}
	return out
}
