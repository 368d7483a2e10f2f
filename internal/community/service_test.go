package community

import (
	"context"
	"errors"
	"testing"

	"beacon/internal/membership"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

func newService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	reg := membership.NewRegistry(store, logx.Nop())
	return NewService(store, reg, logx.Nop()), store
}

func TestSlugify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "Nairobi Farmers", want: "nairobi-farmers"},
		{in: "  Mixed   CASE  ", want: "mixed-case"},
		{in: "a/b_c.d", want: "a-b-c-d"},
		{in: "trailing! ", want: "trailing"},
		{in: "2024 Cohort #3", want: "2024-cohort-3"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Fatalf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateGeneratesUniqueSlug(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	c1, err := svc.Create(ctx, "op", "Farmers Group")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c1.InviteSlug != "farmers-group" {
		t.Fatalf("slug = %q, want farmers-group", c1.InviteSlug)
	}

	// Same name: the collision is resolved with a suffix, not an error.
	c2, err := svc.Create(ctx, "op", "Farmers Group")
	if err != nil {
		t.Fatalf("Create duplicate name: %v", err)
	}
	if c2.InviteSlug == c1.InviteSlug {
		t.Fatalf("slug %q reused across communities", c2.InviteSlug)
	}
}

func TestJoinCodeLifecycle(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, "op", "Joiners")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code, err := svc.ActivateJoinCode(ctx, "op", c.ID)
	if err != nil {
		t.Fatalf("ActivateJoinCode: %v", err)
	}
	if len(code) != codeLength {
		t.Fatalf("code length = %d, want %d", len(code), codeLength)
	}

	m := storage.MemberRecord{ID: "m1", DisplayName: "Joiner"}
	joined, err := svc.JoinByCode(ctx, code, m, "bot", "100")
	if err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}
	if joined.ID != c.ID {
		t.Fatalf("joined community = %s, want %s", joined.ID, c.ID)
	}
	active, err := store.ListActiveMemberships(ctx, c.ID)
	if err != nil || len(active) != 1 {
		t.Fatalf("memberships = (%v, %v), want 1 row", active, err)
	}

	// A deactivated code stops matching.
	if err := svc.DeactivateJoinCode(ctx, "op", c.ID); err != nil {
		t.Fatalf("DeactivateJoinCode: %v", err)
	}
	m2 := storage.MemberRecord{ID: "m2", DisplayName: "Late"}
	if _, err := svc.JoinByCode(ctx, code, m2, "bot", "200"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
}

func TestJoinByCodeUnknown(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	m := storage.MemberRecord{ID: "m1", DisplayName: "Nobody"}
	if _, err := svc.JoinByCode(context.Background(), "NOPE1234", m, "bot", "1"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
}

func TestJoinByCodeRecordsJoinAudit(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, "op", "Audited")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code, err := svc.ActivateJoinCode(ctx, "op", c.ID)
	if err != nil {
		t.Fatalf("ActivateJoinCode: %v", err)
	}
	m := storage.MemberRecord{ID: "m1", DisplayName: "Joiner"}
	if _, err := svc.JoinByCode(ctx, code, m, "bot", "100"); err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}

	entries, err := store.QueryAudit(ctx, storage.AuditFilter{Action: "MEMBER_JOIN", CommunityID: c.ID})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].ActorID != "m1" {
		t.Fatalf("MEMBER_JOIN entries = %+v, want one self-actored entry", entries)
	}
}
