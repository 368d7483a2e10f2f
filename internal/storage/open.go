package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "beacon/pkg/logx"
)

// Store is the persistence API used by the engine's services.
//
// Methods that take an AuditEntry commit it atomically with the mutation.
type Store interface {
	// Communities.
	CreateCommunity(ctx context.Context, c CommunityRecord, audit AuditEntry) error
	GetCommunity(ctx context.Context, id string) (CommunityRecord, error)
	FindCommunityByActiveCode(ctx context.Context, code string) (CommunityRecord, error)
	SetJoinCode(ctx context.Context, id, code string, active bool, audit AuditEntry) error

	// Members and memberships.
	PutMember(ctx context.Context, m MemberRecord) error
	GetMember(ctx context.Context, id string) (MemberRecord, error)
	AddMembership(ctx context.Context, m MembershipRecord, audit AuditEntry) error
	DeactivateMembership(ctx context.Context, communityID, memberID, channel string, audit AuditEntry) error
	ListActiveMemberships(ctx context.Context, communityID string) ([]MembershipRecord, error)

	// Broadcasts. CreateBroadcast persists the broadcast and all of its
	// deliveries in one transaction (all-or-nothing fan-out).
	CreateBroadcast(ctx context.Context, b BroadcastRecord, deliveries []DeliveryRecord, audit AuditEntry) error
	GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error)
	FindBroadcastByIdempotencyKey(ctx context.Context, key string) (BroadcastRecord, error)
	DueScheduledBroadcasts(ctx context.Context, now time.Time) ([]BroadcastRecord, error)
	// ReleaseBroadcast flips a scheduled broadcast to active and fans it out.
	ReleaseBroadcast(ctx context.Context, id string, deliveries []DeliveryRecord, audit AuditEntry) error
	// CancelBroadcast marks the broadcast cancelled and flips all of its
	// pending deliveries to cancelled. The audit entry's detail payload is
	// completed with the enumerated delivery ids before insertion; the
	// affected ids are returned.
	CancelBroadcast(ctx context.Context, id string, at time.Time, audit AuditEntry) ([]string, error)

	// Deliveries (retry state machine; exclusively owned by the dispatcher).
	DueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DeliveryRecord, error)
	// ClaimDelivery is the atomic pending->sending transition. It also
	// reclaims a sending row whose claim lease expired (crashed worker).
	// On success it returns the row as claimed, so retry accounting is
	// based on current state rather than the caller's scan snapshot.
	// false means another worker owns the row.
	ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (DeliveryRecord, bool, error)
	MarkDeliverySent(ctx context.Context, id string, at time.Time, audit AuditEntry) error
	MarkDeliveryFailed(ctx context.Context, id string, retryCount int, reason string, at time.Time, audit AuditEntry) error
	RescheduleDelivery(ctx context.Context, id string, retryCount int, nextAt time.Time, reason string) error
	ListDeliveries(ctx context.Context, broadcastID string) ([]DeliveryRecord, error)
	BroadcastCounts(ctx context.Context, broadcastID string) (BroadcastCounts, error)

	// Roles.
	UpsertRole(ctx context.Context, r RoleRecord) error
	GetRole(ctx context.Context, name string) (RoleRecord, error)

	// Audit log: pure insert and read; no update or delete API exists.
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
