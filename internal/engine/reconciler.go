package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/docker"
	"github.com/Tom-Hartley/Preview-Warden/internal/edge"
	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/metrics"
	"github.com/Tom-Hartley/Preview-Warden/internal/notify"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

const (
	// initialTickDelay is the pause between process start and the first tick.
	initialTickDelay = 5 * time.Second
	// tombstoneTTL is how long DESTROYED records are kept before GC.
	tombstoneTTL = 24 * time.Hour
	// eventRetentionDays is the backstop retention for lifecycle events.
	eventRetentionDays = 30
)

// ReconcilerConfig carries the tunable policy knobs.
type ReconcilerConfig struct {
	Interval        time.Duration
	IdleTimeout     time.Duration
	MaxPreviews     int    // global ceiling, 0 = unlimited
	MetricsTextfile string // empty = no textfile export
}

// Reconciler converges recorded state and runtime state on a fixed
// interval: idle eviction, tombstone GC, global quota enforcement,
// orphaned container removal, and event retention.
type Reconciler struct {
	orch     *Orchestrator
	store    store.Store
	docker   docker.API
	events   *eventlog.Log
	notifier *notify.Multi
	cfg      ReconcilerConfig
	log      *logging.Logger
	clock    clock.Clock
	ticking  atomic.Bool
}

// NewReconciler creates a Reconciler.
func NewReconciler(orch *Orchestrator, s store.Store, d docker.API, events *eventlog.Log, notifier *notify.Multi, cfg ReconcilerConfig, log *logging.Logger, clk clock.Clock) *Reconciler {
	return &Reconciler{
		orch:     orch,
		store:    s,
		docker:   d,
		events:   events,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		clock:    clk,
	}
}

// Run ticks shortly after start and then at every interval until ctx is
// done. A tick still in flight when the next is due makes the scheduler
// skip that slot.
func (r *Reconciler) Run(ctx context.Context) error {
	select {
	case <-r.clock.After(initialTickDelay):
		r.tickAsync(ctx)
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case <-r.clock.After(r.cfg.Interval):
			r.tickAsync(ctx)
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		}
	}
}

func (r *Reconciler) tickAsync(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.log.Warn("previous reconcile tick still running, skipping")
		return
	}
	go func() {
		defer r.ticking.Store(false)
		r.Tick(ctx)
	}()
}

// Tick runs all reconciliation tasks in parallel. Task failures are
// logged and never abort the other tasks.
func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	r.log.Info("reconcile tick starting")

	var wg sync.WaitGroup
	for name, task := range map[string]func(context.Context){
		"idle-eviction":   r.evictIdle,
		"tombstone-gc":    r.gcTombstones,
		"quota":           r.enforceGlobalQuota,
		"orphan-sweep":    r.sweepOrphans,
		"event-retention": r.sweepEvents,
	} {
		wg.Add(1)
		go func(name string, task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(name, task)
	}
	wg.Wait()

	r.updateGauges(ctx)
	metrics.ReconcilerTicks.Inc()
	metrics.ReconcilerDuration.Observe(time.Since(start).Seconds())

	if r.cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
			r.log.Warn("metrics textfile write failed", "path", r.cfg.MetricsTextfile, "error", err)
		}
	}
	r.log.Info("reconcile tick complete", "duration", time.Since(start).String())
}

// evictIdle destroys RUNNING previews that have not been accessed within
// the idle timeout.
func (r *Reconciler) evictIdle(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	running, err := r.store.ListPreviews(ctx, store.PreviewFilter{Status: preview.StatusRunning})
	if err != nil {
		r.log.Error("idle eviction: list failed", "error", err)
		return
	}

	cutoff := r.clock.Now().UTC().Add(-r.cfg.IdleTimeout)
	for _, p := range running {
		if !p.LastAccessedAt.Before(cutoff) {
			continue
		}
		r.log.Info("evicting idle preview", "preview", p.PreviewID, "lastAccessed", p.LastAccessedAt)
		if err := r.orch.Destroy(ctx, p.PreviewID); err != nil {
			r.log.Error("idle eviction failed", "preview", p.PreviewID, "error", err)
			continue
		}
		metrics.IdleEvictions.Inc()
		r.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventPreviewEvicted,
			PreviewID: p.PreviewID,
			OwnerID:   p.OwnerID,
			Repo:      p.RepoOwner + "/" + p.RepoName,
			Timestamp: r.clock.Now(),
		})
	}
}

// gcTombstones deletes DESTROYED records, and their events, once they
// have aged out.
func (r *Reconciler) gcTombstones(ctx context.Context) {
	destroyed, err := r.store.ListPreviews(ctx, store.PreviewFilter{Status: preview.StatusDestroyed})
	if err != nil {
		r.log.Error("tombstone gc: list failed", "error", err)
		return
	}

	cutoff := r.clock.Now().UTC().Add(-tombstoneTTL)
	for _, p := range destroyed {
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := r.store.DeleteEventsFor(ctx, p.PreviewID); err != nil {
			r.log.Error("tombstone gc: event delete failed", "preview", p.PreviewID, "error", err)
			continue
		}
		if err := r.store.DeletePreview(ctx, p.PreviewID); err != nil {
			r.log.Error("tombstone gc: record delete failed", "preview", p.PreviewID, "error", err)
			continue
		}
		r.log.Info("tombstone collected", "preview", p.PreviewID)
	}
}

// enforceGlobalQuota destroys the excess previews oldest-by-access when
// the global ceiling is exceeded.
func (r *Reconciler) enforceGlobalQuota(ctx context.Context) {
	if r.cfg.MaxPreviews <= 0 {
		return
	}

	var active []*preview.Preview
	for _, status := range []preview.Status{preview.StatusCreating, preview.StatusRunning} {
		batch, err := r.store.ListPreviews(ctx, store.PreviewFilter{Status: status})
		if err != nil {
			r.log.Error("quota enforcement: list failed", "error", err)
			return
		}
		active = append(active, batch...)
	}
	if len(active) <= r.cfg.MaxPreviews {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].LastAccessedAt.Before(active[j].LastAccessedAt)
	})
	excess := active[:len(active)-r.cfg.MaxPreviews]

	for _, p := range excess {
		r.log.Info("destroying preview over global quota", "preview", p.PreviewID)
		if err := r.orch.Destroy(ctx, p.PreviewID); err != nil {
			r.log.Error("quota enforcement: destroy failed", "preview", p.PreviewID, "error", err)
			continue
		}
		r.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventPreviewEvicted,
			PreviewID: p.PreviewID,
			OwnerID:   p.OwnerID,
			Repo:      p.RepoOwner + "/" + p.RepoName,
			Timestamp: r.clock.Now(),
		})
	}
}

// sweepOrphans force-removes managed containers whose preview record is
// gone or destroyed.
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	containers, err := r.docker.ListByLabel(ctx, edge.LabelManaged, "true")
	if err != nil {
		r.log.Error("orphan sweep: list failed", "error", err)
		return
	}

	for _, c := range containers {
		previewID := c.Labels[edge.LabelPreview]
		if previewID == "" {
			continue
		}
		rec, err := r.store.GetPreview(ctx, previewID)
		if err == nil && rec.Status != preview.StatusDestroyed {
			continue
		}

		r.log.Info("removing orphaned container", "container", c.ID, "preview", previewID)
		if err := r.docker.RemoveContainer(ctx, c.ID); err != nil {
			r.log.Error("orphan sweep: remove failed", "container", c.ID, "error", err)
			continue
		}
		metrics.OrphanRemovals.Inc()
		r.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventOrphanRemoved,
			PreviewID: previewID,
			Timestamp: r.clock.Now(),
		})
	}
}

// sweepEvents is the backstop for stores without native TTL.
func (r *Reconciler) sweepEvents(ctx context.Context) {
	n, err := r.events.RetentionSweep(ctx, eventRetentionDays)
	if err != nil {
		r.log.Error("event retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("expired events removed", "count", n)
	}
}

func (r *Reconciler) updateGauges(ctx context.Context) {
	for _, status := range []preview.Status{
		preview.StatusCreating,
		preview.StatusRunning,
		preview.StatusUpdating,
		preview.StatusDestroying,
		preview.StatusDestroyed,
		preview.StatusFailed,
	} {
		n, err := r.store.CountPreviews(ctx, "", []preview.Status{status})
		if err != nil {
			r.log.Warn("gauge update failed", "status", string(status), "error", err)
			continue
		}
		metrics.PreviewsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
