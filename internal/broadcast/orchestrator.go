package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"beacon/internal/audit"
	"beacon/internal/authz"
	"beacon/internal/membership"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// Waker is poked after a fan-out so new deliveries are picked up before
// the next scanner tick. Wake must never block.
type Waker interface {
	Wake()
}

type nopWaker struct{}

func (nopWaker) Wake() {}

// CreateOptions tune a single createBroadcast call.
type CreateOptions struct {
	// IdempotencyKey makes the create safe to repeat: a second call with
	// the same key returns the original broadcast instead of fanning out
	// again.
	IdempotencyKey string

	// ScheduledAt defers fan-out until the scheduler releases the
	// broadcast. Zero means immediate.
	ScheduledAt time.Time

	// RequireAudience turns an empty audience into a hard failure
	// instead of a zero-recipient broadcast.
	RequireAudience bool
}

// Orchestrator creates and cancels broadcasts.
type Orchestrator struct {
	store    storage.Store
	gate     *authz.Gate
	resolver *membership.Resolver
	trail    *audit.Trail
	waker    Waker
	log      logx.Logger
	now      func() time.Time
}

func NewOrchestrator(store storage.Store, gate *authz.Gate, resolver *membership.Resolver, trail *audit.Trail, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:    store,
		gate:     gate,
		resolver: resolver,
		trail:    trail,
		waker:    nopWaker{},
		log:      log.With(logx.String("svc", "broadcast")),
		now:      time.Now,
	}
}

// SetWaker wires the dispatcher in after both exist.
func (o *Orchestrator) SetWaker(w Waker) {
	if w != nil {
		o.waker = w
	}
}

// Create authorizes the actor, resolves the audience, and persists the
// broadcast plus one pending delivery per target in one transaction.
// Delivery is asynchronous: the call returns as soon as the fan-out is
// durable.
func (o *Orchestrator) Create(ctx context.Context, actor authz.Actor, communityID, content string, opts CreateOptions) (storage.BroadcastRecord, error) {
	if err := o.authorize(ctx, actor, authz.PermBroadcastSend, communityID); err != nil {
		return storage.BroadcastRecord{}, err
	}
	if _, err := o.store.GetCommunity(ctx, communityID); err != nil {
		return storage.BroadcastRecord{}, err
	}

	if opts.IdempotencyKey != "" {
		if prev, err := o.store.FindBroadcastByIdempotencyKey(ctx, opts.IdempotencyKey); err == nil {
			return prev, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return storage.BroadcastRecord{}, err
		}
	}

	now := o.now().UTC()
	b := storage.BroadcastRecord{
		ID:             uuid.NewString(),
		CommunityID:    communityID,
		Content:        content,
		Status:         storage.BroadcastActive,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
	}
	scheduled := !opts.ScheduledAt.IsZero() && opts.ScheduledAt.After(now)
	if scheduled {
		b.Status = storage.BroadcastScheduled
		b.ScheduledAt = opts.ScheduledAt.UTC()
	}

	var deliveries []storage.DeliveryRecord
	if !scheduled {
		targets, err := o.resolveTargets(ctx, communityID, opts.RequireAudience)
		if err != nil {
			return storage.BroadcastRecord{}, err
		}
		deliveries = o.fanOut(b, targets, now)
	}

	entry := audit.Entry(actor.ID, audit.ActionBroadcastCreate, b.ID, communityID,
		map[string]any{"deliveries": len(deliveries), "scheduled": scheduled})
	err := o.store.CreateBroadcast(ctx, b, deliveries, entry)
	if errors.Is(err, storage.ErrIdempotencyConflict) {
		// Lost the race against a concurrent create with the same key.
		return o.store.FindBroadcastByIdempotencyKey(ctx, opts.IdempotencyKey)
	}
	if err != nil {
		return storage.BroadcastRecord{}, err
	}

	o.log.Info("broadcast created",
		logx.String("broadcast", b.ID),
		logx.String("community", communityID),
		logx.Int("deliveries", len(deliveries)),
		logx.Bool("scheduled", scheduled))
	if len(deliveries) > 0 {
		o.waker.Wake()
	}
	return b, nil
}

// Cancel flips all pending deliveries of the broadcast to cancelled.
// In-flight sending attempts are allowed to finish; their outcome is
// still recorded but no further retries will be scheduled.
func (o *Orchestrator) Cancel(ctx context.Context, actor authz.Actor, broadcastID string) error {
	b, err := o.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	if err := o.authorize(ctx, actor, authz.PermBroadcastSend, b.CommunityID); err != nil {
		return err
	}

	entry := audit.Entry(actor.ID, audit.ActionBroadcastCancel, broadcastID, b.CommunityID, nil)
	cancelled, err := o.store.CancelBroadcast(ctx, broadcastID, o.now().UTC(), entry)
	if err != nil {
		return err
	}
	o.log.Info("broadcast cancelled",
		logx.String("broadcast", broadcastID),
		logx.Int("deliveries_cancelled", len(cancelled)))
	return nil
}

// Status reports the broadcast's derived aggregate counts. Counts come
// from delivery rows and are never stored on the broadcast itself.
func (o *Orchestrator) Status(ctx context.Context, broadcastID string) (storage.BroadcastRecord, storage.BroadcastCounts, error) {
	b, err := o.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return storage.BroadcastRecord{}, storage.BroadcastCounts{}, err
	}
	counts, err := o.store.BroadcastCounts(ctx, broadcastID)
	if err != nil {
		return storage.BroadcastRecord{}, storage.BroadcastCounts{}, err
	}
	return b, counts, nil
}

// ReleaseDue fans out every scheduled broadcast whose release time has
// arrived. Called by the scheduler; audience is resolved at release
// time so late joiners are included.
func (o *Orchestrator) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := o.store.DueScheduledBroadcasts(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, b := range due {
		targets, err := o.resolveTargets(ctx, b.CommunityID, false)
		if err != nil {
			o.log.Error("scheduled release failed", logx.String("broadcast", b.ID), logx.Err(err))
			continue
		}
		deliveries := o.fanOut(b, targets, now.UTC())
		entry := audit.Entry("scheduler", audit.ActionBroadcastRelease, b.ID, b.CommunityID,
			map[string]any{"deliveries": len(deliveries)})
		if err := o.store.ReleaseBroadcast(ctx, b.ID, deliveries, entry); err != nil {
			o.log.Error("scheduled release failed", logx.String("broadcast", b.ID), logx.Err(err))
			continue
		}
		released++
		o.log.Info("scheduled broadcast released",
			logx.String("broadcast", b.ID),
			logx.Int("deliveries", len(deliveries)))
	}
	if released > 0 {
		o.waker.Wake()
	}
	return released, nil
}

func (o *Orchestrator) authorize(ctx context.Context, actor authz.Actor, permission, communityID string) error {
	err := o.gate.Authorize(ctx, actor, permission, communityID)
	if errors.Is(err, authz.ErrForbidden) {
		denied := audit.Entry(actor.ID, audit.ActionAuthDenied, communityID, communityID,
			map[string]string{"permission": permission})
		if aerr := o.trail.Record(ctx, denied); aerr != nil {
			return aerr
		}
	}
	return err
}

func (o *Orchestrator) resolveTargets(ctx context.Context, communityID string, require bool) ([]membership.Target, error) {
	targets, err := o.resolver.Resolve(ctx, communityID)
	if errors.Is(err, membership.ErrEmptyAudience) {
		if require {
			return nil, err
		}
		o.log.Warn("broadcast audience is empty", logx.String("community", communityID))
		return nil, nil
	}
	return targets, err
}

func (o *Orchestrator) fanOut(b storage.BroadcastRecord, targets []membership.Target, now time.Time) []storage.DeliveryRecord {
	deliveries := make([]storage.DeliveryRecord, 0, len(targets))
	for _, t := range targets {
		deliveries = append(deliveries, storage.DeliveryRecord{
			ID:          uuid.NewString(),
			BroadcastID: b.ID,
			CommunityID: b.CommunityID,
			MemberID:    t.MemberID,
			Vehicle:     t.Channel,
			Address:     t.Address,
			Status:      storage.DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
		})
	}
	return deliveries
}
