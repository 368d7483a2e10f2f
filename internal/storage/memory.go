package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in process memory.
//
// It implements the exact same transition semantics as the sqlite driver
// (single-row CAS claims, atomic audit+mutation) so services can be tested
// against it without a database file.
type memoryStore struct {
	mu sync.Mutex

	communities map[string]*CommunityRecord
	members     map[string]MemberRecord

	// memberships preserves association insertion order; resolution order
	// must be stable across runs.
	memberships []*MembershipRecord

	broadcasts map[string]*BroadcastRecord
	deliveries []*DeliveryRecord
	byDelivery map[string]*DeliveryRecord

	roles map[string]RoleRecord

	audit []AuditEntry
	// auditErr simulates audit insert failure; set only from package tests.
	auditErr error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		communities: map[string]*CommunityRecord{},
		members:     map[string]MemberRecord{},
		broadcasts:  map[string]*BroadcastRecord{},
		byDelivery:  map[string]*DeliveryRecord{},
		roles:       map[string]RoleRecord{},
	}
}

func (s *memoryStore) Close() error { return nil }

// appendAuditLocked is the shared audit insert; every audited mutation goes
// through it first so a failing audit aborts before any state change.
func (s *memoryStore) appendAuditLocked(e AuditEntry) error {
	if s.auditErr != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, s.auditErr)
	}
	s.audit = append(s.audit, finishEntry(e))
	return nil
}

func finishEntry(e AuditEntry) AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}

// ---- Communities ----

func (s *memoryStore) CreateCommunity(ctx context.Context, c CommunityRecord, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.communities[c.ID]; ok {
		return ErrConflict
	}
	for _, other := range s.communities {
		if other.InviteSlug == c.InviteSlug {
			return fmt.Errorf("%w: invite slug %q", ErrConflict, c.InviteSlug)
		}
		if c.CodeActive && other.CodeActive && other.JoinCode == c.JoinCode && c.JoinCode != "" {
			return fmt.Errorf("%w: join code %q", ErrConflict, c.JoinCode)
		}
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	cp := c
	s.communities[c.ID] = &cp
	return nil
}

func (s *memoryStore) GetCommunity(ctx context.Context, id string) (CommunityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.communities[id]
	if !ok {
		return CommunityRecord{}, ErrNotFound
	}
	return *c, nil
}

func (s *memoryStore) FindCommunityByActiveCode(ctx context.Context, code string) (CommunityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		return CommunityRecord{}, ErrNotFound
	}
	for _, c := range s.communities {
		if c.CodeActive && c.JoinCode == code {
			return *c, nil
		}
	}
	return CommunityRecord{}, ErrNotFound
}

func (s *memoryStore) SetJoinCode(ctx context.Context, id, code string, active bool, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.communities[id]
	if !ok {
		return ErrNotFound
	}
	if active && code != "" {
		for otherID, other := range s.communities {
			if otherID != id && other.CodeActive && other.JoinCode == code {
				return fmt.Errorf("%w: join code %q", ErrConflict, code)
			}
		}
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	c.JoinCode = code
	c.CodeActive = active
	return nil
}

// ---- Members and memberships ----

func (s *memoryStore) PutMember(ctx context.Context, m MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}

func (s *memoryStore) GetMember(ctx context.Context, id string) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return MemberRecord{}, ErrNotFound
	}
	return m, nil
}

func (s *memoryStore) AddMembership(ctx context.Context, m MembershipRecord, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.memberships {
		if existing.CommunityID == m.CommunityID && existing.MemberID == m.MemberID && existing.Channel == m.Channel {
			if existing.Active {
				return ErrMembershipActive
			}
			if err := s.appendAuditLocked(audit); err != nil {
				return err
			}
			// Reactivate in place so the original insertion order is kept.
			existing.Active = true
			existing.Address = m.Address
			existing.JoinedAt = m.JoinedAt
			return nil
		}
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	cp := m
	cp.Active = true
	s.memberships = append(s.memberships, &cp)
	return nil
}

func (s *memoryStore) DeactivateMembership(ctx context.Context, communityID, memberID, channel string, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.memberships {
		if existing.CommunityID == communityID && existing.MemberID == memberID && existing.Channel == channel && existing.Active {
			if err := s.appendAuditLocked(audit); err != nil {
				return err
			}
			existing.Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) ListActiveMemberships(ctx context.Context, communityID string) ([]MembershipRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []MembershipRecord
	for _, m := range s.memberships {
		// Isolation invariant: equality on community id plus active, nothing else.
		if m.CommunityID == communityID && m.Active {
			out = append(out, *m)
		}
	}
	return out, nil
}

// ---- Broadcasts ----

func (s *memoryStore) CreateBroadcast(ctx context.Context, b BroadcastRecord, deliveries []DeliveryRecord, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.broadcasts[b.ID]; ok {
		return ErrConflict
	}
	if b.IdempotencyKey != "" {
		for _, other := range s.broadcasts {
			if other.IdempotencyKey == b.IdempotencyKey {
				return ErrIdempotencyConflict
			}
		}
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	cp := b
	s.broadcasts[b.ID] = &cp
	s.insertDeliveriesLocked(deliveries)
	return nil
}

func (s *memoryStore) insertDeliveriesLocked(deliveries []DeliveryRecord) {
	for _, d := range deliveries {
		dc := d
		s.deliveries = append(s.deliveries, &dc)
		s.byDelivery[dc.ID] = &dc
	}
}

func (s *memoryStore) GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return BroadcastRecord{}, ErrNotFound
	}
	return *b, nil
}

func (s *memoryStore) FindBroadcastByIdempotencyKey(ctx context.Context, key string) (BroadcastRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return BroadcastRecord{}, ErrNotFound
	}
	for _, b := range s.broadcasts {
		if b.IdempotencyKey == key {
			return *b, nil
		}
	}
	return BroadcastRecord{}, ErrNotFound
}

func (s *memoryStore) DueScheduledBroadcasts(ctx context.Context, now time.Time) ([]BroadcastRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BroadcastRecord
	for _, b := range s.broadcasts {
		if b.Status == BroadcastScheduled && !b.ScheduledAt.After(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *memoryStore) ReleaseBroadcast(ctx context.Context, id string, deliveries []DeliveryRecord, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok || b.Status != BroadcastScheduled {
		return ErrNotFound
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	b.Status = BroadcastActive
	s.insertDeliveriesLocked(deliveries)
	return nil
}

func (s *memoryStore) CancelBroadcast(ctx context.Context, id string, at time.Time, audit AuditEntry) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status == BroadcastCancelled {
		// Idempotent: a second cancel changes nothing and is not re-audited.
		return nil, nil
	}

	cancelled := make([]string, 0, 4)
	for _, d := range s.deliveries {
		if d.BroadcastID == id && d.Status == DeliveryPending {
			cancelled = append(cancelled, d.ID)
		}
	}
	audit.DetailJSON = cancelDetail(cancelled)
	if err := s.appendAuditLocked(audit); err != nil {
		return nil, err
	}

	b.Status = BroadcastCancelled
	for _, d := range s.deliveries {
		if d.BroadcastID == id && d.Status == DeliveryPending {
			d.Status = DeliveryCancelled
		}
	}
	return cancelled, nil
}

func cancelDetail(ids []string) string {
	b, err := json.Marshal(map[string]any{"delivery_ids": ids})
	if err != nil {
		return `{"delivery_ids":[]}`
	}
	return string(b)
}

// ---- Deliveries ----

func claimable(d *DeliveryRecord, now time.Time, lease time.Duration) bool {
	switch d.Status {
	case DeliveryPending:
		return !d.NextRetryAt.After(now)
	case DeliverySending:
		// Lease expired: the owning worker is presumed dead.
		return lease > 0 && !d.ClaimedAt.IsZero() && now.Sub(d.ClaimedAt) >= lease
	default:
		return false
	}
}

func (s *memoryStore) DueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeliveryRecord
	for _, d := range s.deliveries {
		if claimable(d, now, lease) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStore) ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byDelivery[id]
	if !ok {
		return DeliveryRecord{}, false, ErrNotFound
	}
	if !claimable(d, now, lease) {
		return DeliveryRecord{}, false, nil
	}
	d.Status = DeliverySending
	d.ClaimedAt = now
	return *d, true, nil
}

func (s *memoryStore) MarkDeliverySent(ctx context.Context, id string, at time.Time, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byDelivery[id]
	if !ok || d.Status != DeliverySending {
		return ErrNotFound
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	d.Status = DeliverySent
	d.ClaimedAt = time.Time{}
	d.LastError = ""
	return nil
}

func (s *memoryStore) MarkDeliveryFailed(ctx context.Context, id string, retryCount int, reason string, at time.Time, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byDelivery[id]
	if !ok || d.Status != DeliverySending {
		return ErrNotFound
	}
	if err := s.appendAuditLocked(audit); err != nil {
		return err
	}
	d.Status = DeliveryFailed
	d.ClaimedAt = time.Time{}
	d.RetryCount = retryCount
	d.LastError = reason
	return nil
}

func (s *memoryStore) RescheduleDelivery(ctx context.Context, id string, retryCount int, nextAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byDelivery[id]
	if !ok || d.Status != DeliverySending {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.ClaimedAt = time.Time{}
	d.RetryCount = retryCount
	d.NextRetryAt = nextAt
	d.LastError = reason
	return nil
}

func (s *memoryStore) ListDeliveries(ctx context.Context, broadcastID string) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeliveryRecord
	for _, d := range s.deliveries {
		if d.BroadcastID == broadcastID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memoryStore) BroadcastCounts(ctx context.Context, broadcastID string) (BroadcastCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c BroadcastCounts
	for _, d := range s.deliveries {
		if d.BroadcastID != broadcastID {
			continue
		}
		switch d.Status {
		case DeliveryPending:
			c.Pending++
		case DeliverySending:
			c.Sending++
		case DeliverySent:
			c.Sent++
		case DeliveryFailed:
			c.Failed++
		case DeliveryCancelled:
			c.Cancelled++
		}
	}
	return c, nil
}

// ---- Roles ----

func (s *memoryStore) UpsertRole(ctx context.Context, r RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.Name] = RoleRecord{Name: r.Name, Permissions: append([]string(nil), r.Permissions...)}
	return nil
}

func (s *memoryStore) GetRole(ctx context.Context, name string) (RoleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	if !ok {
		return RoleRecord{}, ErrNotFound
	}
	return RoleRecord{Name: r.Name, Permissions: append([]string(nil), r.Permissions...)}, nil
}

// ---- Audit ----

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(e)
}

func (s *memoryStore) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditEntry
	for _, e := range s.audit {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if f.CommunityID != "" && e.CommunityID != f.CommunityID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
