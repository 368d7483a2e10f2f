// Package audit names the compliance actions recorded by the engine and
// provides the read side of the append-only audit trail.
//
// Audit entries for state mutations are written by the storage layer in
// the same transaction as the mutation itself; this package only builds
// the entries and queries them back.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// Action names. Append-only: never rename a shipped action, readers key
// off these strings.
const (
	ActionCommunityCreate  = "COMMUNITY_CREATE"
	ActionCodeSet          = "CODE_SET"
	ActionMemberAdd        = "MEMBER_ADD"
	ActionMemberRemove     = "MEMBER_REMOVE"
	ActionMemberJoin       = "MEMBER_JOIN"
	ActionBroadcastCreate  = "BROADCAST_CREATE"
	ActionBroadcastRelease = "BROADCAST_RELEASE"
	ActionBroadcastCancel  = "BROADCAST_CANCEL"
	ActionDeliverySent     = "DELIVERY_SENT"
	ActionDeliveryFailed   = "DELIVERY_FAILED"
	ActionAuthDenied       = "AUTH_DENIED"
)

// Entry builds an AuditEntry for the storage layer to commit alongside
// its mutation. ID and timestamp are assigned at insert time.
func Entry(actorID, action, targetID, communityID string, detail any) storage.AuditEntry {
	e := storage.AuditEntry{
		ActorID:     actorID,
		Action:      action,
		TargetID:    targetID,
		CommunityID: communityID,
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.DetailJSON = string(b)
		}
	}
	return e
}

// Trail is the query/report surface over the audit log.
type Trail struct {
	store storage.Store
	log   logx.Logger
}

func NewTrail(store storage.Store, log logx.Logger) *Trail {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trail{store: store, log: log.With(logx.String("svc", "audit"))}
}

// Record appends a standalone entry, for events that are not paired with
// a storage mutation (authorization denials, send failures observed by
// the dispatcher outside a status transition).
func (t *Trail) Record(ctx context.Context, e storage.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := t.store.AppendAudit(ctx, e); err != nil {
		t.log.Error("audit append failed", logx.String("action", e.Action), logx.Err(err))
		return err
	}
	return nil
}

// Query returns matching entries in timestamp order.
func (t *Trail) Query(ctx context.Context, f storage.AuditFilter) ([]storage.AuditEntry, error) {
	return t.store.QueryAudit(ctx, f)
}
