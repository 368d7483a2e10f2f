package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"beacon/internal/audit"
	"beacon/internal/authz"
	"beacon/internal/membership"
	"beacon/internal/storage"
	"beacon/internal/vehicle"
	logx "beacon/pkg/logx"
)

// fakeVehicle scripts per-attempt outcomes. A nil script entry means
// success; once the script is exhausted, fallback applies. onSend runs
// before each attempt returns, letting tests interleave work with an
// in-flight send.
type fakeVehicle struct {
	mu       sync.Mutex
	calls    int
	script   []error
	fallback error
	onSend   func(attempt int)
}

func (f *fakeVehicle) Kind() string { return "bot" }

func (f *fakeVehicle) Send(ctx context.Context, address, content string) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	var err error
	if n <= len(f.script) {
		err = f.script[n-1]
	} else {
		err = f.fallback
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (f *fakeVehicle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingVehicle never returns before the attempt context expires.
type blockingVehicle struct{}

func (blockingVehicle) Kind() string { return "bot" }

func (blockingVehicle) Send(ctx context.Context, address, content string) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	store    storage.Store
	gate     *authz.Gate
	registry *membership.Registry
	resolver *membership.Resolver
	trail    *audit.Trail
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()

	roles := []storage.RoleRecord{
		{Name: "super_admin", Permissions: []string{authz.Wildcard}},
		{Name: "community_admin", Permissions: []string{authz.PermCommunityManage, authz.PermBroadcastSend}},
		{Name: "viewer", Permissions: []string{}},
	}
	for _, r := range roles {
		if err := store.UpsertRole(ctx, r); err != nil {
			t.Fatalf("UpsertRole: %v", err)
		}
	}

	gate := authz.NewGate(store, logx.Nop())
	registry := membership.NewRegistry(store, logx.Nop())
	resolver := membership.NewResolver(registry)
	trail := audit.NewTrail(store, logx.Nop())
	orch := NewOrchestrator(store, gate, resolver, trail, logx.Nop())

	return &fixture{
		store:    store,
		gate:     gate,
		registry: registry,
		resolver: resolver,
		trail:    trail,
		orch:     orch,
	}
}

func (f *fixture) addCommunity(t *testing.T, id string) {
	t.Helper()
	c := storage.CommunityRecord{ID: id, Name: id, InviteSlug: id, CreatedAt: time.Now().UTC()}
	entry := storage.AuditEntry{ActorID: "test", Action: audit.ActionCommunityCreate, TargetID: id, CommunityID: id}
	if err := f.store.CreateCommunity(context.Background(), c, entry); err != nil {
		t.Fatalf("CreateCommunity: %v", err)
	}
}

func (f *fixture) addMember(t *testing.T, communityID, memberID, channel, address string) {
	t.Helper()
	m := storage.MemberRecord{ID: memberID, DisplayName: "Member " + memberID}
	if err := f.registry.AddMember(context.Background(), "test", communityID, m, channel, address); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
}

func operator() authz.Actor {
	return authz.Actor{ID: "op-1", Role: "community_admin"}
}

// newTestDispatcher wires a dispatcher with a controllable clock. The
// returned advance function moves the clock forward.
func newTestDispatcher(f *fixture, cfg DispatcherConfig, v vehicle.Vehicle) (*Dispatcher, func(time.Duration)) {
	vehicles := vehicle.NewRegistry()
	if v != nil {
		vehicles.Register(v)
	}
	d := NewDispatcher(cfg, f.store, vehicles, logx.Nop())

	var mu sync.Mutex
	// Base the mock clock ahead of the wall clock: deliveries created
	// during test setup get NextRetryAt stamped with real time, which
	// would otherwise sit microseconds past a frozen time.Now() and make
	// the first drain find nothing due.
	now := time.Now().UTC().Add(time.Second)
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(by time.Duration) {
		mu.Lock()
		now = now.Add(by)
		mu.Unlock()
	}
	return d, advance
}

// drain claims and processes every currently due delivery, like one
// scanner pass with inline workers.
func drain(t *testing.T, d *Dispatcher) int {
	t.Helper()
	ctx := context.Background()
	due, err := d.store.DueDeliveries(ctx, d.now(), d.cfg.ClaimLease, d.cfg.QueueSize)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	for _, rec := range due {
		d.processOne(ctx, rec)
	}
	return len(due)
}
