package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

func newRegistry(t *testing.T, communities ...string) (*Registry, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	for _, id := range communities {
		c := storage.CommunityRecord{ID: id, Name: id, InviteSlug: id, CreatedAt: time.Now().UTC()}
		entry := storage.AuditEntry{ActorID: "test", Action: "COMMUNITY_CREATE", TargetID: id, CommunityID: id}
		if err := store.CreateCommunity(ctx, c, entry); err != nil {
			t.Fatalf("CreateCommunity: %v", err)
		}
	}
	return NewRegistry(store, logx.Nop()), store
}

func member(id string) storage.MemberRecord {
	return storage.MemberRecord{ID: id, DisplayName: "Member " + id}
}

func TestAddMemberIdempotency(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, "c1")
	ctx := context.Background()

	if err := reg.AddMember(ctx, "op", "c1", member("m1"), "bot", "100"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	err := reg.AddMember(ctx, "op", "c1", member("m1"), "bot", "100")
	if !errors.Is(err, ErrDuplicateMembership) {
		t.Fatalf("second add err = %v, want ErrDuplicateMembership", err)
	}

	active, err := reg.ListActiveMembers(ctx, "c1")
	if err != nil {
		t.Fatalf("ListActiveMembers: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active rows = %d, want exactly 1", len(active))
	}
}

func TestAddMemberUnknownCommunity(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	err := reg.AddMember(context.Background(), "op", "nope", member("m1"), "bot", "100")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// dupStore simulates legacy data where the uniqueness of
// (community, member, channel) was not yet enforced.
type dupStore struct {
	storage.Store
}

func (d dupStore) ListActiveMemberships(ctx context.Context, communityID string) ([]storage.MembershipRecord, error) {
	rows, err := d.Store.ListActiveMemberships(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		rows = append(rows, rows[0])
	}
	return rows, nil
}

func TestResolveDeduplicatesByMemberChannel(t *testing.T) {
	t.Parallel()
	_, store := newRegistry(t, "c1")
	ctx := context.Background()

	reg := NewRegistry(dupStore{store}, logx.Nop())
	if err := reg.AddMember(ctx, "op", "c1", member("m1"), "bot", "100"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := reg.AddMember(ctx, "op", "c1", member("m2"), "bot", "200"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	targets, err := NewResolver(reg).Resolve(ctx, "c1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2 (deduplicated)", len(targets))
	}
	// Insertion order is preserved.
	if targets[0].MemberID != "m1" || targets[1].MemberID != "m2" {
		t.Fatalf("order not stable: %+v", targets)
	}
}

func TestResolveIsolation(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, "c1", "c2")
	ctx := context.Background()

	// Same display name in both communities; only m2 belongs to c2.
	m1 := storage.MemberRecord{ID: "m1", DisplayName: "Alex"}
	m2 := storage.MemberRecord{ID: "m2", DisplayName: "Alex"}
	if err := reg.AddMember(ctx, "op", "c1", m1, "bot", "100"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := reg.AddMember(ctx, "op", "c2", m2, "bot", "200"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	targets, err := NewResolver(reg).Resolve(ctx, "c2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, tgt := range targets {
		if tgt.MemberID == "m1" {
			t.Fatalf("resolution crossed community boundary: %+v", targets)
		}
	}
	if len(targets) != 1 || targets[0].MemberID != "m2" {
		t.Fatalf("targets = %+v, want only m2", targets)
	}
}

func TestResolveEmptyAudience(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, "c1")
	ctx := context.Background()

	if _, err := NewResolver(reg).Resolve(ctx, "c1"); !errors.Is(err, ErrEmptyAudience) {
		t.Fatalf("err = %v, want ErrEmptyAudience", err)
	}

	// A community with only deactivated members is also empty.
	if err := reg.AddMember(ctx, "op", "c1", member("m1"), "bot", "100"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := reg.RemoveMember(ctx, "op", "c1", "m1", "bot"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, err := NewResolver(reg).Resolve(ctx, "c1"); !errors.Is(err, ErrEmptyAudience) {
		t.Fatalf("err = %v, want ErrEmptyAudience after removal", err)
	}
}
