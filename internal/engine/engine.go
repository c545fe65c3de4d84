// v0
// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/circuitbreaker"
	"nrgchamp/growcontrol/internal/correction"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
	"nrgchamp/growcontrol/internal/scheduler"
)

// ZoneSource reads zones and their per-cycle inputs.
type ZoneSource interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
	Bindings(ctx context.Context, zoneID int64) ([]models.BindingRow, error)
	LatestTelemetry(ctx context.Context, zoneID int64) (models.Telemetry, error)
}

// TargetSource returns effective targets. On failure it may still return
// last known targets alongside the error.
type TargetSource interface {
	Batch(ctx context.Context, zoneIDs []int64) (map[int64]models.Targets, error)
}

// Corrector is one correction loop, implemented by *correction.Controller.
type Corrector interface {
	Type() models.CorrectionType
	CheckAndCorrect(ctx context.Context, zone models.Zone, targets models.Targets, tel models.Telemetry, bindings []models.BindingRow, waterLevelOK bool) (*correction.Result, error)
	CleanupDeletedZones(ctx context.Context) ([]int64, error)
}

// Snapshotter persists every live PID instance.
type Snapshotter interface {
	SaveAll(ctx context.Context, reg *pid.Registry) (int, error)
}

// Observer receives cycle-level measurements, typically the metrics sink.
type Observer interface {
	ObserveCycle(d time.Duration, success, failed int)
	ZoneError(kind string, zoneID int64)
}

// Config of the cycle loop.
type Config struct {
	Interval      time.Duration
	CleanupEvery  int
	SnapshotEvery int
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Zones      ZoneSource
	Targets    TargetSource
	Correctors []Corrector
	Scheduler  *scheduler.Scheduler
	PIDs       *pid.Registry
	Snapshots  Snapshotter
	Storage    *circuitbreaker.Breaker // guards the zone listing; may be nil
	Observer   Observer
}

// Stats is the engine view served on /status.
type Stats struct {
	Cycles          int64            `json:"cycles"`
	LastCycleAt     time.Time        `json:"lastCycleAt"`
	LastDuration    time.Duration    `json:"lastDurationNs"`
	LastResult      scheduler.Result `json:"lastResult"`
	LastError       string           `json:"lastError,omitempty"`
	TargetsFallback bool             `json:"targetsFallback"`
	PIDInstances    int              `json:"pidInstances"`
	Snapshots       int64            `json:"snapshots"`
	EvictedZones    int64            `json:"evictedZones"`
}

// Engine drives the periodic correction cycle.
type Engine struct {
	cfg  Config
	deps Deps
	lg   *zap.SugaredLogger
	now  func() time.Time

	cycleMu sync.Mutex // held while a cycle or snapshot touches PID instances
	cycles  int64

	statsMu sync.RWMutex
	stats   Stats

	started     atomic.Bool
	done        chan struct{}
	cancelMu    sync.Mutex
	cancelCycle context.CancelFunc
}

// New builds an engine.
func New(cfg Config, deps Deps, lg *zap.SugaredLogger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if deps.PIDs == nil {
		deps.PIDs = pid.NewRegistry()
	}
	return &Engine{cfg: cfg, deps: deps, lg: lg, now: time.Now, done: make(chan struct{})}
}

// Stats returns a copy of the current stats.
func (e *Engine) Stats() Stats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	st := e.stats
	st.PIDInstances = e.deps.PIDs.Len()
	return st
}

// Run executes a cycle immediately and then every Interval until ctx ends.
// An in-flight cycle is not cancelled by ctx; Shutdown decides when to cut it.
func (e *Engine) Run(ctx context.Context) {
	e.started.Store(true)
	defer close(e.done)

	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelMu.Lock()
	e.cancelCycle = cancel
	e.cancelMu.Unlock()
	defer cancel()

	e.lg.Infow("engine_start", "interval", e.cfg.Interval.String(), "correctors", len(e.deps.Correctors))
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		if err := e.RunCycle(cycleCtx); err != nil {
			e.lg.Errorw("cycle_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.lg.Infow("engine_stop")
			return
		case <-t.C:
		}
	}
}

// Shutdown snapshots PID state, waits up to grace for the running cycle,
// cancels it if needed, and snapshots again. Call after cancelling Run's ctx.
func (e *Engine) Shutdown(grace time.Duration) {
	ctx := context.Background()
	if e.cycleMu.TryLock() {
		e.snapshot(ctx)
		e.cycleMu.Unlock()
	} else {
		e.lg.Infow("shutdown_snapshot_deferred", "reason", "cycle running")
	}
	if e.started.Load() {
		timer := time.NewTimer(grace)
		select {
		case <-e.done:
		case <-timer.C:
			e.lg.Warnw("shutdown_grace_expired", "grace", grace.String())
			e.cancelMu.Lock()
			if e.cancelCycle != nil {
				e.cancelCycle()
			}
			e.cancelMu.Unlock()
			<-e.done
		}
		timer.Stop()
	}
	e.cycleMu.Lock()
	e.snapshot(ctx)
	e.cycleMu.Unlock()
}

// RunCycle runs one full pass over all zones.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := e.now()
	e.cycles++
	n := e.cycles

	zones, err := e.listZones(ctx)
	if err != nil {
		e.finish(start, scheduler.Result{}, false, err)
		return err
	}

	ids := make([]int64, len(zones))
	for i, z := range zones {
		ids[i] = z.ID
	}
	targets, terr := e.deps.Targets.Batch(ctx, ids)
	fallback := terr != nil
	if fallback {
		e.lg.Warnw("targets_unavailable", "known", len(targets), "error", terr)
	}

	ordered := e.deps.Scheduler.PrioritizeZones(zones, start)
	limit := e.deps.Scheduler.CurrentConcurrency(len(ordered))
	res := e.deps.Scheduler.ProcessZonesParallel(ctx, ordered, func(ctx context.Context, z models.Zone) error {
		t, ok := targets[z.ID]
		if !ok {
			return nil
		}
		return e.processZone(ctx, z, t)
	}, limit)

	if e.cfg.CleanupEvery > 0 && n%int64(e.cfg.CleanupEvery) == 0 {
		e.cleanup(ctx)
	}
	if e.cfg.SnapshotEvery > 0 && n%int64(e.cfg.SnapshotEvery) == 0 {
		e.snapshot(ctx)
	}
	e.finish(start, res, fallback, nil)
	e.lg.Infow("cycle_done", "cycle", n, "zones", res.Total, "failed", res.Failed,
		"concurrency", res.Concurrency, "duration", res.Duration.String())
	return nil
}

func (e *Engine) listZones(ctx context.Context) ([]models.Zone, error) {
	var zones []models.Zone
	op := func(ctx context.Context) error {
		var err error
		zones, err = e.deps.Zones.ListZones(ctx)
		return err
	}
	var err error
	if e.deps.Storage != nil {
		err = e.deps.Storage.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return zones, nil
}

// processZone runs every corrector for one zone. Correctors run in order so a
// zone never has two dosing sequences in flight.
func (e *Engine) processZone(ctx context.Context, z models.Zone, t models.Targets) error {
	tel, err := e.deps.Zones.LatestTelemetry(ctx, z.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		e.zoneError("telemetry", z.ID)
		return fmt.Errorf("telemetry: %w", err)
	}
	bindings, err := e.deps.Zones.Bindings(ctx, z.ID)
	if err != nil {
		e.zoneError("bindings", z.ID)
		return fmt.Errorf("bindings: %w", err)
	}

	var errs []error
	for _, c := range e.deps.Correctors {
		if _, err := c.CheckAndCorrect(ctx, z, t, tel, bindings, tel.WaterLevelOK); err != nil {
			e.zoneError(errorKind(err), z.ID)
			errs = append(errs, fmt.Errorf("%s: %w", c.Type(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) cleanup(ctx context.Context) {
	var total int
	for _, c := range e.deps.Correctors {
		removed, err := c.CleanupDeletedZones(ctx)
		if err != nil {
			e.lg.Warnw("cleanup_failed", "type", c.Type(), "error", err)
		}
		total += len(removed)
	}
	if total > 0 {
		e.lg.Infow("deleted_zones_cleaned", "evicted", total)
		e.statsMu.Lock()
		e.stats.EvictedZones += int64(total)
		e.statsMu.Unlock()
	}
}

func (e *Engine) snapshot(ctx context.Context) {
	if e.deps.Snapshots == nil {
		return
	}
	saved, err := e.deps.Snapshots.SaveAll(ctx, e.deps.PIDs)
	if err != nil {
		e.lg.Warnw("pid_snapshot_partial", "saved", saved, "error", err)
	} else {
		e.lg.Debugw("pid_snapshot_done", "saved", saved)
	}
	e.statsMu.Lock()
	e.stats.Snapshots++
	e.statsMu.Unlock()
}

func (e *Engine) finish(start time.Time, res scheduler.Result, fallback bool, err error) {
	d := e.now().Sub(start)
	e.statsMu.Lock()
	e.stats.Cycles = e.cycles
	e.stats.LastCycleAt = start
	e.stats.LastDuration = d
	e.stats.LastResult = res
	e.stats.TargetsFallback = fallback
	e.stats.LastError = ""
	if err != nil {
		e.stats.LastError = err.Error()
	}
	e.statsMu.Unlock()
	if e.deps.Observer != nil {
		e.deps.Observer.ObserveCycle(d, res.Success, res.Failed)
	}
}

func (e *Engine) zoneError(kind string, zoneID int64) {
	if e.deps.Observer != nil {
		e.deps.Observer.ZoneError(kind, zoneID)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrTransport):
		return "transport"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "correction"
}
