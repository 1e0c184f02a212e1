// Package worker implements the Delivery Worker: the claim/publish/settle
// state machine that drains the Outbox onto the Stream Broker Adapter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/outbox"
)

// Status is the current state of a single Worker goroutine.
type Status string

// Worker status constants.
const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Health reports a single worker's current state, for the pool's aggregate health.
type Health struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Processed  int       `json:"processed"`
	LastActive time.Time `json:"last_active"`
}

// PoolHealth aggregates Health across every worker plus the stale-lock sweep.
type PoolHealth struct {
	Workers          []Health  `json:"workers"`
	LastSweep        time.Time `json:"last_sweep"`
	StaleReclaimed   int       `json:"stale_reclaimed"`
	DeliveredTotal   int64     `json:"delivered_total"`
	FailedTotal      int64     `json:"failed_total"`
	DeadLetterTotal  int64     `json:"dead_letter_total"`
}

// Pool runs a fixed-size set of Workers plus a background stale-lock sweep.
type Pool struct {
	id      string
	store   *outbox.Store
	adapter *broker.Adapter
	cfg     config.OutboxConfig

	workers []*Worker
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu             sync.Mutex
	lastSweep      time.Time
	staleReclaimed int
}

// NewPool constructs a Pool. id identifies this process for lock ownership
// (e.g. hostname-pid), distinguishing its claims from other pool instances.
func NewPool(id string, store *outbox.Store, adapter *broker.Adapter, cfg config.OutboxConfig) *Pool {
	return &Pool{
		id:      id,
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start spawns cfg.WorkerCount claim loops plus the stale-lock sweep, all
// cooperatively cancelled by ctx or Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-w%d", p.id, i), p.store, p.adapter, p.cfg)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx, p.stopCh)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSweep(ctx)
	}()
}

// Stop signals all workers and the sweep loop to stop, waits for them to
// finish their current claim, then releases any row still held by one of
// this pool's workers without incrementing its attempts — this is a clean
// shutdown, not a presumed-dead worker, so it must not count against the
// row's retry budget the way ReclaimStaleLocks does.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range p.workers {
		if _, err := p.store.Release(ctx, w.id); err != nil {
			slog.Warn("releasing worker locks on shutdown failed", "worker_id", w.id, "error", err)
		}
	}
}

// Health returns a snapshot of every worker plus the sweep counters.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	sweep, reclaimed := p.lastSweep, p.staleReclaimed
	p.mu.Unlock()

	h := PoolHealth{LastSweep: sweep, StaleReclaimed: reclaimed}
	for _, w := range p.workers {
		h.Workers = append(h.Workers, w.health())
	}
	return h
}

func (p *Pool) runSweep(ctx context.Context) {
	interval := p.cfg.LockTTL
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.ReclaimStaleLocks(ctx, p.cfg.LockTTL)
			if err != nil {
				slog.Error("outbox stale lock sweep failed", "error", err)
				continue
			}
			p.mu.Lock()
			p.lastSweep = time.Now()
			p.staleReclaimed += n
			p.mu.Unlock()
			if n > 0 {
				slog.Warn("reclaimed stale outbox locks", "count", n)
			}
		}
	}
}

// Worker polls the Outbox for claimable rows and publishes each to the
// broker, settling success or failure before moving to the next row.
type Worker struct {
	id      string
	store   *outbox.Store
	adapter *broker.Adapter
	cfg     config.OutboxConfig

	mu         sync.RWMutex
	status     Status
	processed  int
	lastActive time.Time
}

func newWorker(id string, store *outbox.Store, adapter *broker.Adapter, cfg config.OutboxConfig) *Worker {
	return &Worker{id: id, store: store, adapter: adapter, cfg: cfg, status: StatusIdle, lastActive: time.Now()}
}

func (w *Worker) health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{ID: w.id, Status: w.status, Processed: w.processed, LastActive: w.lastActive}
}

func (w *Worker) run(ctx context.Context, stopCh <-chan struct{}) {
	log := slog.With("worker_id", w.id)
	log.Info("delivery worker started")

	for {
		select {
		case <-stopCh:
			log.Info("delivery worker stopping")
			return
		case <-ctx.Done():
			return
		default:
			n, err := w.pollAndPublish(ctx)
			if err != nil {
				log.Error("poll and publish failed", "error", err)
				w.sleep(stopCh, time.Second)
				continue
			}
			if n == 0 {
				w.sleep(stopCh, w.pollInterval())
			}
		}
	}
}

func (w *Worker) sleep(stopCh <-chan struct{}, d time.Duration) {
	select {
	case <-stopCh:
	case <-time.After(d):
	}
}

// pollAndPublish claims a batch of envelopes and publishes each in turn,
// returning the number successfully claimed (zero means the caller should
// back off before polling again).
func (w *Worker) pollAndPublish(ctx context.Context) (int, error) {
	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	envs, err := w.store.Claim(ctx, w.id, batchSize)
	if err != nil {
		if errors.Is(err, outbox.ErrNoRowsAvailable) {
			return 0, nil
		}
		return 0, err
	}

	w.setStatus(StatusWorking)
	defer w.setStatus(StatusIdle)

	for _, env := range envs {
		w.publishOne(ctx, env)
	}
	return len(envs), nil
}

func (w *Worker) publishOne(ctx context.Context, env domain.OutboxEnvelope) {
	var wire domain.WireEnvelope
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		// Malformed payload can never succeed on retry; dead-letter it
		// immediately rather than burning the normal backoff schedule.
		if err := w.store.ForceDeadLetter(ctx, env.EventID, w.id, fmt.Errorf("decoding wire envelope: %w", err)); err != nil {
			slog.Warn("force dead letter failed", "event_id", env.EventID, "error", err)
		}
		return
	}

	publishErr := w.adapter.Publish(ctx, wire)
	if publishErr == nil {
		if err := w.store.SettleSuccess(ctx, env.EventID, w.id); err != nil {
			slog.Warn("settle success failed", "event_id", env.EventID, "error", err)
		}
		w.mu.Lock()
		w.processed++
		w.lastActive = time.Now()
		w.mu.Unlock()
		return
	}

	if !domain.IsRetryable(publishErr) {
		// A PermanentTransport failure can never succeed on retry; skip the
		// backoff ladder entirely rather than burning attempts on it.
		if err := w.store.ForceDeadLetter(ctx, env.EventID, w.id, publishErr); err != nil {
			slog.Warn("force dead letter failed", "event_id", env.EventID, "error", err)
		}
		return
	}

	if err := w.store.SettleFailure(ctx, env.EventID, w.id, publishErr, w.cfg.BackoffBase, w.cfg.BackoffCap); err != nil {
		slog.Warn("settle failure failed", "event_id", env.EventID, "error", err)
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	w.lastActive = time.Now()
}

func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
