// v0
// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nrgchamp/growcontrol/internal/models"
)

// Priority weights.
const (
	scoreCriticalHealth = 1000.0
	scoreLowHealth      = 500.0
	scorePerAlert       = 100.0
	scoreStale          = 50.0
	scoreOfflineNodes   = 200.0

	criticalHealth = 50.0
	lowHealth      = 80.0
	staleAfter     = 30 * time.Minute
)

// Config bounds the fan-out.
type Config struct {
	Adaptive    bool
	TargetCycle time.Duration
	Min         int
	Max         int
	Fixed       int
	Window      int
}

// DefaultConfig returns the stock bounds.
func DefaultConfig() Config {
	return Config{
		Adaptive:    true,
		TargetCycle: 15 * time.Second,
		Min:         5,
		Max:         50,
		Fixed:       10,
		Window:      100,
	}
}

// ZoneFunc processes one zone.
type ZoneFunc func(ctx context.Context, zone models.Zone) error

// ZoneError is a failure recorded for one zone.
type ZoneError struct {
	ZoneID int64  `json:"zoneId"`
	Error  string `json:"error"`
	err    error
}

// Unwrap exposes the underlying error.
func (e ZoneError) Unwrap() error { return e.err }

// Result aggregates one batch.
type Result struct {
	Total       int           `json:"total"`
	Success     int           `json:"success"`
	Failed      int           `json:"failed"`
	Errors      []ZoneError   `json:"errors"`
	Concurrency int           `json:"concurrency"`
	Duration    time.Duration `json:"durationNs"`
}

// Recorder receives timing data, typically the metrics sink.
type Recorder interface {
	ObserveZoneDuration(d time.Duration)
	SetConcurrency(n int)
}

// Scheduler fans zone work out under a bounded, optionally adaptive limit.
type Scheduler struct {
	cfg Config
	lg  *zap.SugaredLogger
	rec Recorder

	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// New builds a scheduler. rec may be nil.
func New(cfg Config, lg *zap.SugaredLogger, rec Recorder) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Scheduler{cfg: cfg, lg: lg, rec: rec, samples: make([]time.Duration, cfg.Window)}
}

// CalculateOptimalConcurrency returns ceil(total*avg/target) clamped to
// [min, max]. Without timing data it returns min.
func (s *Scheduler) CalculateOptimalConcurrency(totalZones int, targetCycle, avg time.Duration) int {
	return optimalConcurrency(totalZones, targetCycle, avg, s.cfg.Min, s.cfg.Max)
}

func optimalConcurrency(totalZones int, targetCycle, avg time.Duration, lo, hi int) int {
	if avg <= 0 || targetCycle <= 0 || totalZones <= 0 {
		return lo
	}
	want := int(math.Ceil(float64(totalZones) * avg.Seconds() / targetCycle.Seconds()))
	if want < lo {
		return lo
	}
	if want > hi {
		return hi
	}
	return want
}

// Priority scores a zone; higher is more urgent.
func Priority(z models.Zone, now time.Time) float64 {
	var score float64
	switch {
	case z.HealthScore < criticalHealth:
		score += scoreCriticalHealth
	case z.HealthScore < lowHealth:
		score += scoreLowHealth
	}
	score += scorePerAlert * float64(z.ActiveAlerts)
	if z.LastTelemetryAt.IsZero() || now.Sub(z.LastTelemetryAt) > staleAfter {
		score += scoreStale
	}
	if z.NodesTotal > 0 {
		score += scoreOfflineNodes * float64(z.NodesOffline) / float64(z.NodesTotal)
	}
	return score
}

// PrioritizeZones returns a copy of zones ordered most urgent first. Ties keep
// their input order.
func (s *Scheduler) PrioritizeZones(zones []models.Zone, now time.Time) []models.Zone {
	type scored struct {
		zone  models.Zone
		score float64
	}
	xs := make([]scored, len(zones))
	for i, z := range zones {
		xs[i] = scored{zone: z, score: Priority(z, now)}
	}
	sort.SliceStable(xs, func(i, j int) bool { return xs[i].score > xs[j].score })
	out := make([]models.Zone, len(xs))
	for i, x := range xs {
		out[i] = x.zone
	}
	return out
}

// ProcessZonesParallel runs fn for every zone with at most maxConcurrent in
// flight. A failing or panicking zone is recorded and never stops the batch.
func (s *Scheduler) ProcessZonesParallel(ctx context.Context, zones []models.Zone, fn ZoneFunc, maxConcurrent int) Result {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	start := time.Now()
	errs := make([]error, len(zones))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, z := range zones {
		i, z := i, z
		g.Go(func() error {
			errs[i] = s.runZone(ctx, z, fn)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Total: len(zones), Concurrency: maxConcurrent, Duration: time.Since(start)}
	for i, err := range errs {
		if err == nil {
			res.Success++
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, ZoneError{ZoneID: zones[i].ID, Error: err.Error(), err: err})
	}
	if res.Failed > 0 {
		s.lg.Warnw("zone_batch_failures", "total", res.Total, "failed", res.Failed)
	}
	return res
}

// runZone isolates one zone: panics become errors and the duration is recorded.
func (s *Scheduler) runZone(ctx context.Context, z models.Zone, fn ZoneFunc) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.lg.Errorw("zone_task_panic", "zone", z.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("zone %d panicked: %v", z.ID, r)
		}
		s.record(time.Since(start))
	}()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := fn(ctx, z); err != nil {
		s.lg.Warnw("zone_task_failed", "zone", z.ID, "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) record(d time.Duration) {
	s.mu.Lock()
	s.samples[s.next] = d
	s.next = (s.next + 1) % len(s.samples)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
	if s.rec != nil {
		s.rec.ObserveZoneDuration(d)
	}
}

// AverageDuration is the rolling mean of recent per-zone processing times.
func (s *Scheduler) AverageDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.filled {
		n = len(s.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// CurrentConcurrency returns the limit for the next batch of totalZones zones.
func (s *Scheduler) CurrentConcurrency(totalZones int) int {
	n := s.cfg.Fixed
	if s.cfg.Adaptive {
		n = s.CalculateOptimalConcurrency(totalZones, s.cfg.TargetCycle, s.AverageDuration())
	}
	if n < 1 {
		n = 1
	}
	if s.rec != nil {
		s.rec.SetConcurrency(n)
	}
	return n
}
