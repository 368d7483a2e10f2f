package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testEntry(action, target, community string) AuditEntry {
	return AuditEntry{ActorID: "op-1", Action: action, TargetID: target, CommunityID: community}
}

func seedCommunity(t *testing.T, s Store, id string) {
	t.Helper()
	c := CommunityRecord{ID: id, Name: id, InviteSlug: id, CreatedAt: time.Now().UTC()}
	if err := s.CreateCommunity(context.Background(), c, testEntry("COMMUNITY_CREATE", id, id)); err != nil {
		t.Fatalf("CreateCommunity: %v", err)
	}
}

func seedBroadcast(t *testing.T, s Store, id, community string, deliveries int) []DeliveryRecord {
	t.Helper()
	now := time.Now().UTC()
	b := BroadcastRecord{ID: id, CommunityID: community, Content: "hello", Status: BroadcastActive, CreatedAt: now}
	ds := make([]DeliveryRecord, 0, deliveries)
	for i := 0; i < deliveries; i++ {
		ds = append(ds, DeliveryRecord{
			ID:          id + "-d" + string(rune('0'+i)),
			BroadcastID: id,
			CommunityID: community,
			MemberID:    "m" + string(rune('0'+i)),
			Vehicle:     "bot",
			Address:     "addr",
			Status:      DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
		})
	}
	if err := s.CreateBroadcast(context.Background(), b, ds, testEntry("BROADCAST_CREATE", id, community)); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	return ds
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory().(*memoryStore)
	s.auditErr = errors.New("audit sink down")

	c := CommunityRecord{ID: "c1", Name: "One", InviteSlug: "one", CreatedAt: time.Now().UTC()}
	err := s.CreateCommunity(ctx, c, testEntry("COMMUNITY_CREATE", "c1", "c1"))
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("err = %v, want ErrAuditWrite", err)
	}
	if _, err := s.GetCommunity(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("community persisted despite audit failure: %v", err)
	}
}

func TestFanOutAtomicUnderAuditFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory().(*memoryStore)
	seedCommunity(t, s, "c1")

	s.auditErr = errors.New("audit sink down")
	now := time.Now().UTC()
	b := BroadcastRecord{ID: "b1", CommunityID: "c1", Content: "x", Status: BroadcastActive, CreatedAt: now}
	ds := []DeliveryRecord{
		{ID: "d1", BroadcastID: "b1", CommunityID: "c1", MemberID: "m1", Vehicle: "bot", Address: "a", Status: DeliveryPending, NextRetryAt: now, CreatedAt: now},
		{ID: "d2", BroadcastID: "b1", CommunityID: "c1", MemberID: "m2", Vehicle: "bot", Address: "a", Status: DeliveryPending, NextRetryAt: now, CreatedAt: now},
	}
	if err := s.CreateBroadcast(ctx, b, ds, testEntry("BROADCAST_CREATE", "b1", "c1")); !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("err = %v, want ErrAuditWrite", err)
	}

	if _, err := s.GetBroadcast(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("broadcast persisted despite audit failure: %v", err)
	}
	got, err := s.ListDeliveries(ctx, "b1")
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("partial fan-out observable: %d deliveries", len(got))
	}
}

func TestMembershipAddRemoveReactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")

	m := MembershipRecord{CommunityID: "c1", MemberID: "m1", Channel: "bot", Address: "100", JoinedAt: time.Now().UTC()}
	if err := s.AddMembership(ctx, m, testEntry("MEMBER_ADD", "m1", "c1")); err != nil {
		t.Fatalf("AddMembership: %v", err)
	}
	if err := s.AddMembership(ctx, m, testEntry("MEMBER_ADD", "m1", "c1")); !errors.Is(err, ErrMembershipActive) {
		t.Fatalf("duplicate add err = %v, want ErrMembershipActive", err)
	}

	if err := s.DeactivateMembership(ctx, "c1", "m1", "bot", testEntry("MEMBER_REMOVE", "m1", "c1")); err != nil {
		t.Fatalf("DeactivateMembership: %v", err)
	}
	active, err := s.ListActiveMemberships(ctx, "c1")
	if err != nil {
		t.Fatalf("ListActiveMemberships: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("deactivated membership still listed: %d", len(active))
	}

	// Reactivation updates the address but keeps exactly one row.
	m.Address = "200"
	if err := s.AddMembership(ctx, m, testEntry("MEMBER_ADD", "m1", "c1")); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	active, err = s.ListActiveMemberships(ctx, "c1")
	if err != nil {
		t.Fatalf("ListActiveMemberships: %v", err)
	}
	if len(active) != 1 || active[0].Address != "200" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}

func TestClaimDeliveryIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	ds := seedBroadcast(t, s, "b1", "c1", 1)
	now := time.Now().UTC()

	rec, ok, err := s.ClaimDelivery(ctx, ds[0].ID, now, 2*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}
	if rec.Status != DeliverySending {
		t.Fatalf("claimed row status = %s, want sending", rec.Status)
	}
	_, ok, err = s.ClaimDelivery(ctx, ds[0].ID, now, 2*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded; delivery double-claimed")
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	ds := seedBroadcast(t, s, "b1", "c1", 1)
	now := time.Now().UTC()
	lease := 2 * time.Minute

	if _, ok, _ := s.ClaimDelivery(ctx, ds[0].ID, now, lease); !ok {
		t.Fatal("initial claim failed")
	}
	// Before the lease expires the row stays owned.
	if _, ok, _ := s.ClaimDelivery(ctx, ds[0].ID, now.Add(lease-time.Second), lease); ok {
		t.Fatal("claim succeeded inside the lease window")
	}
	// After expiry the presumed-dead worker's claim is taken over.
	if _, ok, _ := s.ClaimDelivery(ctx, ds[0].ID, now.Add(lease+time.Second), lease); !ok {
		t.Fatal("claim did not reclaim an expired lease")
	}
}

func TestMarkSentRequiresSending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	ds := seedBroadcast(t, s, "b1", "c1", 1)
	now := time.Now().UTC()

	// pending -> sent without a claim is rejected.
	err := s.MarkDeliverySent(ctx, ds[0].ID, now, testEntry("DELIVERY_SENT", ds[0].ID, "c1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if _, ok, _ := s.ClaimDelivery(ctx, ds[0].ID, now, time.Minute); !ok {
		t.Fatal("claim failed")
	}
	if err := s.MarkDeliverySent(ctx, ds[0].ID, now, testEntry("DELIVERY_SENT", ds[0].ID, "c1")); err != nil {
		t.Fatalf("MarkDeliverySent: %v", err)
	}
	// Second finalize cannot produce a second DELIVERY_SENT entry.
	err = s.MarkDeliverySent(ctx, ds[0].ID, now, testEntry("DELIVERY_SENT", ds[0].ID, "c1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("double finalize err = %v, want ErrNotFound", err)
	}

	entries, err := s.QueryAudit(ctx, AuditFilter{Action: "DELIVERY_SENT", TargetID: ds[0].ID})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("DELIVERY_SENT entries = %d, want 1", len(entries))
	}
}

func TestCancelBroadcastFlipsPendingOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	ds := seedBroadcast(t, s, "b1", "c1", 3)
	now := time.Now().UTC()

	// One delivery is mid-flight.
	if _, ok, _ := s.ClaimDelivery(ctx, ds[0].ID, now, time.Minute); !ok {
		t.Fatal("claim failed")
	}

	cancelled, err := s.CancelBroadcast(ctx, "b1", now, testEntry("BROADCAST_CANCEL", "b1", "c1"))
	if err != nil {
		t.Fatalf("CancelBroadcast: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("cancelled = %v, want the 2 pending ids", cancelled)
	}

	// The in-flight attempt completes and its outcome is still recorded.
	if err := s.MarkDeliverySent(ctx, ds[0].ID, now, testEntry("DELIVERY_SENT", ds[0].ID, "c1")); err != nil {
		t.Fatalf("in-flight finalize: %v", err)
	}

	counts, err := s.BroadcastCounts(ctx, "b1")
	if err != nil {
		t.Fatalf("BroadcastCounts: %v", err)
	}
	if counts.Cancelled != 2 || counts.Sent != 1 {
		t.Fatalf("counts = %+v, want 2 cancelled / 1 sent", counts)
	}

	// Cancel is idempotent: no error, no extra audit entry.
	if _, err := s.CancelBroadcast(ctx, "b1", now, testEntry("BROADCAST_CANCEL", "b1", "c1")); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	entries, err := s.QueryAudit(ctx, AuditFilter{Action: "BROADCAST_CANCEL", TargetID: "b1"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("BROADCAST_CANCEL entries = %d, want 1", len(entries))
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	now := time.Now().UTC()

	b := BroadcastRecord{ID: "b1", CommunityID: "c1", Content: "x", Status: BroadcastActive, IdempotencyKey: "k1", CreatedAt: now}
	if err := s.CreateBroadcast(ctx, b, nil, testEntry("BROADCAST_CREATE", "b1", "c1")); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	b2 := BroadcastRecord{ID: "b2", CommunityID: "c1", Content: "x", Status: BroadcastActive, IdempotencyKey: "k1", CreatedAt: now}
	if err := s.CreateBroadcast(ctx, b2, nil, testEntry("BROADCAST_CREATE", "b2", "c1")); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
	got, err := s.FindBroadcastByIdempotencyKey(ctx, "k1")
	if err != nil || got.ID != "b1" {
		t.Fatalf("FindBroadcastByIdempotencyKey = (%+v, %v)", got, err)
	}
}

func TestActiveJoinCodeUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	seedCommunity(t, s, "c2")

	if err := s.SetJoinCode(ctx, "c1", "CODE1", true, testEntry("CODE_SET", "c1", "c1")); err != nil {
		t.Fatalf("SetJoinCode: %v", err)
	}
	// Same code on a second community is only a conflict while active.
	if err := s.SetJoinCode(ctx, "c2", "CODE1", true, testEntry("CODE_SET", "c2", "c2")); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := s.SetJoinCode(ctx, "c1", "CODE1", false, testEntry("CODE_SET", "c1", "c1")); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.SetJoinCode(ctx, "c2", "CODE1", true, testEntry("CODE_SET", "c2", "c2")); err != nil {
		t.Fatalf("reuse after deactivate: %v", err)
	}

	c, err := s.FindCommunityByActiveCode(ctx, "CODE1")
	if err != nil || c.ID != "c2" {
		t.Fatalf("FindCommunityByActiveCode = (%+v, %v), want c2", c, err)
	}
}

func TestDueDeliveriesRespectsEligibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	seedCommunity(t, s, "c1")
	ds := seedBroadcast(t, s, "b1", "c1", 2)
	now := time.Now().UTC()

	// Push one delivery into the future.
	if _, ok, _ := s.ClaimDelivery(ctx, ds[1].ID, now, time.Minute); !ok {
		t.Fatal("claim failed")
	}
	if err := s.RescheduleDelivery(ctx, ds[1].ID, 1, now.Add(time.Hour), "boom"); err != nil {
		t.Fatalf("RescheduleDelivery: %v", err)
	}

	due, err := s.DueDeliveries(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	if len(due) != 1 || due[0].ID != ds[0].ID {
		t.Fatalf("due = %+v, want only %s", due, ds[0].ID)
	}

	// Once the backoff elapses it becomes eligible again, with its retry
	// state intact.
	due, err = s.DueDeliveries(ctx, now.Add(2*time.Hour), time.Minute, 10)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due after backoff = %d, want 2", len(due))
	}
	for _, d := range due {
		if d.ID == ds[1].ID && (d.RetryCount != 1 || d.LastError != "boom") {
			t.Fatalf("retry state lost: %+v", d)
		}
	}
}
