// v0
// internal/cooldown/cooldown.go
package cooldown

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"nrgchamp/growcontrol/internal/models"
)

// Store is the read side of storage the gate needs.
type Store interface {
	LastCorrectionAt(ctx context.Context, zoneID int64, eventTypes []string) (time.Time, bool, error)
	TelemetrySince(ctx context.Context, zoneID int64, metric string, since time.Time) ([]models.Sample, error)
}

// Config holds the gate thresholds.
type Config struct {
	Cooldown           time.Duration
	TrendWindow        time.Duration
	CriticalDiff       float64
	MediumDiff         float64
	ImprovingThreshold float64
	MinTrendPoints     int
	TrendTail          int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Cooldown:           10 * time.Minute,
		TrendWindow:        2 * time.Hour,
		CriticalDiff:       0.5,
		MediumDiff:         0.2,
		ImprovingThreshold: 0.05,
		MinTrendPoints:     3,
		TrendTail:          3,
	}
}

// Trend summarizes recent deviation from target.
type Trend struct {
	Enough    bool
	Improving bool
	Slope     float64
	Points    int
	Delta     float64
}

// Gate decides whether a correction may fire for a zone.
type Gate struct {
	cfg   Config
	store Store
	lg    *zap.SugaredLogger
	now   func() time.Time
}

// New builds a gate.
func New(cfg Config, store Store, lg *zap.SugaredLogger) *Gate {
	return &Gate{cfg: cfg, store: store, lg: lg, now: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IsInCooldown reports whether the last correction of this type is younger than the window.
func (g *Gate) IsInCooldown(ctx context.Context, zoneID int64, ct models.CorrectionType) (bool, time.Duration, error) {
	last, ok, err := g.store.LastCorrectionAt(ctx, zoneID, models.CorrectionEventTypes(ct))
	if err != nil {
		return false, 0, fmt.Errorf("last correction lookup: %w", err)
	}
	if !ok {
		return false, 0, nil
	}
	since := g.now().Sub(last)
	if since < g.cfg.Cooldown {
		return true, g.cfg.Cooldown - since, nil
	}
	return false, 0, nil
}

// AnalyzeTrend evaluates whether the deviation from target is already shrinking.
func (g *Gate) AnalyzeTrend(ctx context.Context, zoneID int64, metric string, current, target float64) (Trend, error) {
	samples, err := g.store.TelemetrySince(ctx, zoneID, metric, g.now().Add(-g.cfg.TrendWindow))
	if err != nil {
		return Trend{}, fmt.Errorf("telemetry history: %w", err)
	}
	return EvaluateTrend(samples, current, target, g.cfg), nil
}

// EvaluateTrend is the pure part of AnalyzeTrend. Samples must be in time order.
func EvaluateTrend(samples []models.Sample, current, target float64, cfg Config) Trend {
	if len(samples) < cfg.MinTrendPoints {
		return Trend{Points: len(samples)}
	}
	devs := make([]float64, 0, len(samples)+1)
	for _, s := range samples {
		devs = append(devs, math.Abs(s.Value-target))
	}
	devs = append(devs, math.Abs(current-target))
	tail := cfg.TrendTail
	if tail < 2 {
		tail = 2
	}
	if len(devs) > tail {
		devs = devs[len(devs)-tail:]
	}
	mid := len(devs) / 2
	delta := mean(devs[:mid]) - mean(devs[mid:])

	xs := make([]float64, len(devs))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, devs, nil, false)

	return Trend{
		Enough:    true,
		Improving: delta > cfg.ImprovingThreshold,
		Slope:     slope,
		Points:    len(devs),
		Delta:     delta,
	}
}

// ShouldApplyCorrection combines cooldown and trend into one decision. A
// deviation beyond the critical threshold overrides both vetoes. Storage
// failures skip the affected check rather than blocking the decision.
func (g *Gate) ShouldApplyCorrection(ctx context.Context, zoneID int64, ct models.CorrectionType, current, target, diff float64) (bool, string) {
	absDiff := math.Abs(diff)
	critical := absDiff > g.cfg.CriticalDiff

	inCooldown, remaining, err := g.IsInCooldown(ctx, zoneID, ct)
	if err != nil {
		g.lg.Warnw("cooldown_check_failed", "zone", zoneID, "type", ct, "error", err)
	}
	if inCooldown && !critical {
		return false, fmt.Sprintf("cooldown active, %s remaining", remaining.Round(time.Second))
	}

	trend, err := g.AnalyzeTrend(ctx, zoneID, string(ct), current, target)
	if err != nil {
		g.lg.Warnw("trend_check_failed", "zone", zoneID, "type", ct, "error", err)
	}
	if trend.Improving && !critical {
		return false, fmt.Sprintf("trend improving (delta=%.3f slope=%.3f), waiting", trend.Delta, trend.Slope)
	}

	if critical {
		if inCooldown {
			return true, fmt.Sprintf("critical deviation %.3f overrides cooldown", absDiff)
		}
		return true, fmt.Sprintf("critical deviation %.3f", absDiff)
	}
	if absDiff > g.cfg.MediumDiff {
		if trend.Enough {
			return true, fmt.Sprintf("medium deviation %.3f, trend not improving (slope=%.3f)", absDiff, trend.Slope)
		}
		return true, fmt.Sprintf("medium deviation %.3f, insufficient trend data", absDiff)
	}
	return false, fmt.Sprintf("deviation %.3f within acceptable range", absDiff)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
