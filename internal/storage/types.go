package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	// (or is not in the state the operation requires).
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned on uniqueness violations (invite slug,
	// active join code).
	ErrConflict = errors.New("storage: conflict")

	// ErrMembershipActive is returned by AddMembership when the
	// (community, member, channel) association already exists and is active.
	ErrMembershipActive = errors.New("storage: membership already active")

	// ErrIdempotencyConflict is returned by CreateBroadcast when the
	// idempotency key was already used. The caller looks up the original
	// broadcast with FindBroadcastByIdempotencyKey.
	ErrIdempotencyConflict = errors.New("storage: idempotency key already used")

	// ErrAuditWrite wraps an audit insert failure that aborted the paired
	// mutation. An un-audited mutation is a correctness violation, so the
	// whole transaction rolls back.
	ErrAuditWrite = errors.New("storage: audit write failed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type CommunityRecord struct {
	ID         string
	Name       string
	InviteSlug string
	JoinCode   string
	CodeActive bool
	CreatedAt  time.Time
}

type MemberRecord struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// MembershipRecord associates a member with a community on one channel.
// It is the ONLY source of truth for delivery eligibility: recipient
// resolution filters on CommunityID and Active, nothing else.
type MembershipRecord struct {
	CommunityID string
	MemberID    string
	Channel     string
	Address     string
	Active      bool
	JoinedAt    time.Time
}

type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastActive    BroadcastStatus = "active"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

type BroadcastRecord struct {
	ID             string
	CommunityID    string
	Content        string
	Status         BroadcastStatus
	IdempotencyKey string
	ScheduledAt    time.Time // zero unless Status == scheduled
	CreatedAt      time.Time
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether no further transition can leave this status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryCancelled
}

type DeliveryRecord struct {
	ID          string
	BroadcastID string
	// CommunityID is denormalized from the broadcast so isolation audits
	// never need a join.
	CommunityID string
	MemberID    string
	Vehicle     string
	Address     string
	Status      DeliveryStatus
	RetryCount  int
	NextRetryAt time.Time
	ClaimedAt   time.Time // zero unless claimed
	LastError   string
	CreatedAt   time.Time
}

// BroadcastCounts are derived from delivery rows, never stored.
type BroadcastCounts struct {
	Pending   int
	Sending   int
	Sent      int
	Failed    int
	Cancelled int
}

func (c BroadcastCounts) Total() int {
	return c.Pending + c.Sending + c.Sent + c.Failed + c.Cancelled
}

type RoleRecord struct {
	Name        string
	Permissions []string
}

// AuditEntry is an append-only compliance record.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID          string // assigned if empty
	At          time.Time
	ActorID     string
	Action      string
	TargetID    string
	CommunityID string // empty when the action has no community scope
	DetailJSON  string
}

// AuditFilter selects audit entries; zero fields match everything.
// Results are always returned in timestamp order.
type AuditFilter struct {
	ActorID     string
	Action      string
	TargetID    string
	CommunityID string
	Limit       int
}
