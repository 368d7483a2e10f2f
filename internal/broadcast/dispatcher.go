package broadcast

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"beacon/internal/audit"
	"beacon/internal/storage"
	"beacon/internal/vehicle"
	logx "beacon/pkg/logx"
)

// DispatcherConfig tunes the retry queue.
type DispatcherConfig struct {
	Workers   int
	Tick      time.Duration
	QueueSize int

	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	SendTimeout time.Duration
	RatePerSec  int
	ClaimLease  time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	return c
}

// Dispatcher drains due deliveries on a fixed tick with a bounded
// worker pool. It is the only component allowed to mutate delivery
// status or retry fields.
type Dispatcher struct {
	cfg      DispatcherConfig
	store    storage.Store
	vehicles *vehicle.Registry
	log      logx.Logger

	limiter *rate.Limiter
	queue   chan storage.DeliveryRecord
	wake    chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, store storage.Store, vehicles *vehicle.Registry, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		vehicles: vehicles,
		log:      log.With(logx.String("svc", "dispatcher")),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:    make(chan storage.DeliveryRecord, cfg.QueueSize),
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Wake nudges the scanner ahead of its next tick. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, d.stopCh)
	}
	d.wg.Add(1)
	go d.scanLoop(ctx, d.stopCh)

	d.log.Info("dispatcher started",
		logx.Int("workers", d.cfg.Workers),
		logx.Duration("tick", d.cfg.Tick),
		logx.Int("max_retries", d.cfg.MaxRetries))
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("dispatcher stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (d *Dispatcher) scanLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-d.wake:
		}
		if err := d.scanOnce(ctx, d.now()); err != nil {
			d.log.Error("delivery scan failed", logx.Err(err))
		}
	}
}

// scanOnce enqueues every claimable delivery. Claiming happens in the
// worker, so a delivery listed here but claimed by someone else in the
// meantime is simply skipped there.
func (d *Dispatcher) scanOnce(ctx context.Context, now time.Time) error {
	due, err := d.store.DueDeliveries(ctx, now, d.cfg.ClaimLease, d.cfg.QueueSize)
	if err != nil {
		return err
	}
	for _, rec := range due {
		select {
		case d.queue <- rec:
		default:
			// Queue full; the rest stays eligible for the next tick.
			d.log.Debug("dispatch queue full", logx.Int("deferred", len(due)))
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()
	for {
		// Fast exit so stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case rec := <-d.queue:
			d.processOne(ctx, rec)
		}
	}
}

// processOne runs a single send attempt: claim, send, finalize.
func (d *Dispatcher) processOne(ctx context.Context, rec storage.DeliveryRecord) {
	now := d.now().UTC()
	cur, claimed, err := d.store.ClaimDelivery(ctx, rec.ID, now, d.cfg.ClaimLease)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.log.Error("delivery claim failed", logx.String("delivery", rec.ID), logx.Err(err))
		}
		return
	}
	if !claimed {
		// Another worker owns it, or it was cancelled since the scan.
		return
	}
	// Ticks re-list every still-pending due row, so the queue can hold
	// duplicates whose snapshots predate earlier attempts. The claimed
	// row is the truth; counting retries off the snapshot would regress
	// retry_count and grant extra attempts.
	rec = cur

	b, err := d.store.GetBroadcast(ctx, rec.BroadcastID)
	if err != nil {
		d.finalizeFailure(ctx, rec, rec.RetryCount+1, "broadcast lookup: "+err.Error(), true, now)
		return
	}

	sendErr := d.attempt(ctx, rec, b.Content)
	if sendErr == nil {
		entry := audit.Entry("dispatcher", audit.ActionDeliverySent, rec.ID, rec.CommunityID,
			map[string]any{"broadcast": rec.BroadcastID, "vehicle": rec.Vehicle, "attempts": rec.RetryCount + 1})
		if err := d.store.MarkDeliverySent(ctx, rec.ID, d.now().UTC(), entry); err != nil {
			d.log.Error("delivery finalize failed", logx.String("delivery", rec.ID), logx.Err(err))
			return
		}
		d.log.Info("delivery sent",
			logx.String("delivery", rec.ID),
			logx.String("broadcast", rec.BroadcastID),
			logx.Int("attempt", rec.RetryCount+1))
		return
	}

	if ctx.Err() != nil {
		// Shutdown, not a vehicle verdict: return the row to pending with
		// its retry count untouched.
		if err := d.store.RescheduleDelivery(ctx, rec.ID, rec.RetryCount, now, "interrupted: "+sendErr.Error()); err != nil {
			d.log.Error("delivery reschedule failed", logx.String("delivery", rec.ID), logx.Err(err))
		}
		return
	}

	retryCount := rec.RetryCount + 1
	permanent := errors.Is(sendErr, vehicle.ErrPermanent) || errors.Is(sendErr, vehicle.ErrUnknownKind)
	if !permanent {
		// Re-read the broadcast: a cancel that landed during the attempt
		// lets the attempt finish but forbids further retries.
		if cur, err := d.store.GetBroadcast(ctx, rec.BroadcastID); err == nil && cur.Status == storage.BroadcastCancelled {
			permanent = true
		}
	}

	if permanent || retryCount >= d.cfg.MaxRetries {
		d.finalizeFailure(ctx, rec, retryCount, sendErr.Error(), permanent, now)
		return
	}

	d.rngMu.Lock()
	delay := backoffDelay(d.cfg.RetryBase, d.cfg.RetryMaxDelay, d.cfg.RetryJitter, retryCount, d.rng)
	d.rngMu.Unlock()
	nextAt := now.Add(delay)
	if err := d.store.RescheduleDelivery(ctx, rec.ID, retryCount, nextAt, sendErr.Error()); err != nil {
		d.log.Error("delivery reschedule failed", logx.String("delivery", rec.ID), logx.Err(err))
		return
	}
	d.log.Debug("delivery retry scheduled",
		logx.String("delivery", rec.ID),
		logx.Int("retry", retryCount),
		logx.Duration("delay", delay),
		logx.String("reason", sendErr.Error()))
}

// attempt performs one time-bounded vehicle send. A timeout counts as
// a failed attempt, same as an explicit vehicle failure.
func (d *Dispatcher) attempt(ctx context.Context, rec storage.DeliveryRecord, content string) error {
	v, err := d.vehicles.Lookup(rec.Vehicle)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return v.Send(sendCtx, rec.Address, content)
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, rec storage.DeliveryRecord, retryCount int, reason string, permanent bool, now time.Time) {
	entry := audit.Entry("dispatcher", audit.ActionDeliveryFailed, rec.ID, rec.CommunityID,
		map[string]any{"broadcast": rec.BroadcastID, "reason": reason, "retry_count": retryCount, "permanent": permanent})
	if err := d.store.MarkDeliveryFailed(ctx, rec.ID, retryCount, reason, now, entry); err != nil {
		d.log.Error("delivery finalize failed", logx.String("delivery", rec.ID), logx.Err(err))
		return
	}
	d.log.Warn("delivery exhausted",
		logx.String("delivery", rec.ID),
		logx.String("broadcast", rec.BroadcastID),
		logx.Int("retry_count", retryCount),
		logx.Bool("permanent", permanent),
		logx.String("reason", reason))
}
