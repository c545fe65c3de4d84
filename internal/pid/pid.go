// v0
// internal/pid/pid.go
package pid

import (
	"math"
	"time"
)

const (
	setpointEpsilon = 1e-6
	integralDecay   = 0.95

	minKp = 0.1
	maxKp = 100.0
	minKi = 0.0
	maxKi = 10.0
)

// Stats are the running statistics of one controller.
type Stats struct {
	CorrectionCount int64   `json:"correction_count"`
	TotalError      float64 `json:"total_error"`
	AvgError        float64 `json:"avg_error"`
	MaxError        float64 `json:"max_error"`
	TimeInDeadMs    int64   `json:"time_in_dead_ms"`
	TimeInCloseMs   int64   `json:"time_in_close_ms"`
	TimeInFarMs     int64   `json:"time_in_far_ms"`
}

// State is the restorable runtime portion of a controller.
type State struct {
	Integral     float64
	PrevError    float64
	HasPrevError bool
	LastOutputAt time.Time
	Stats        Stats
	Band         Band
}

// Controller is a zoned adaptive PID. It is not safe for concurrent use; the
// scheduler guarantees one task per zone at a time.
type Controller struct {
	cfg   Config
	close Coefficients
	far   Coefficients

	integral     float64
	prevError    float64
	hasPrevError bool
	lastOutputAt time.Time
	band         Band
	emergency    bool
	stats        Stats

	now func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for the min-interval gate.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller with a fresh state.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		close: cfg.Close,
		far:   cfg.Far,
		band:  BandDead,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compute returns a non-negative corrective magnitude for the measured value.
// dt is the time elapsed since the previous evaluation.
func (c *Controller) Compute(current float64, dt time.Duration) float64 {
	err := c.cfg.Setpoint - current
	absErr := math.Abs(err)
	band := c.cfg.Band(absErr)
	c.band = band

	if c.emergency {
		return 0
	}
	now := c.now()
	if !c.lastOutputAt.IsZero() && now.Sub(c.lastOutputAt) < c.cfg.MinInterval {
		return 0
	}

	c.recordTime(band, dt)
	if band == BandDead {
		c.prevError = err
		c.hasPrevError = true
		return 0
	}

	dtSec := dt.Seconds()
	k := c.coefficients(band)

	var derivative float64
	if c.hasPrevError && dtSec > 0 {
		derivative = (err - c.prevError) / dtSec
	}

	tentative := k.Kp*err + k.Ki*c.integral + k.Kd*derivative
	if clamp(math.Abs(tentative), c.cfg.MinOutput, c.cfg.MaxOutput) < c.cfg.MaxOutput {
		if dtSec > 0 {
			c.integral = clamp(c.integral+err*dtSec, -c.cfg.MaxIntegral, c.cfg.MaxIntegral)
		}
	} else {
		c.integral *= integralDecay
	}

	if c.cfg.EnableAutotune && c.hasPrevError {
		k = c.adapt(band, absErr, math.Abs(c.prevError))
	}

	out := clamp(math.Abs(k.Kp*err+k.Ki*c.integral+k.Kd*derivative), c.cfg.MinOutput, c.cfg.MaxOutput)
	if out > 0 {
		c.stats.CorrectionCount++
		c.stats.TotalError += absErr
		c.stats.AvgError = c.stats.TotalError / float64(c.stats.CorrectionCount)
		if absErr > c.stats.MaxError {
			c.stats.MaxError = absErr
		}
		c.lastOutputAt = now
	}

	c.prevError = err
	c.hasPrevError = true
	return out
}

// adapt nudges the active band's kp/ki up when the error grew and down when it
// shrank, within fixed bounds.
func (c *Controller) adapt(band Band, absErr, absPrev float64) Coefficients {
	k := c.coefficients(band)
	rate := c.cfg.AdaptationRate
	switch {
	case absErr > absPrev:
		k.Kp *= 1 + rate
		k.Ki *= 1 + rate
	case absErr < absPrev:
		k.Kp *= 1 - rate
		k.Ki *= 1 - rate
	}
	k.Kp = clamp(k.Kp, minKp, maxKp)
	k.Ki = clamp(k.Ki, minKi, maxKi)
	if band == BandClose {
		c.close = k
	} else {
		c.far = k
	}
	return k
}

func (c *Controller) coefficients(b Band) Coefficients {
	switch b {
	case BandClose:
		return c.close
	case BandFar:
		return c.far
	}
	return Coefficients{}
}

func (c *Controller) recordTime(b Band, dt time.Duration) {
	if dt <= 0 {
		return
	}
	ms := dt.Milliseconds()
	switch b {
	case BandDead:
		c.stats.TimeInDeadMs += ms
	case BandClose:
		c.stats.TimeInCloseMs += ms
	case BandFar:
		c.stats.TimeInFarMs += ms
	}
}

// UpdateSetpoint changes the target; a real change resets the integral and
// the derivative history.
func (c *Controller) UpdateSetpoint(sp float64) {
	if math.Abs(sp-c.cfg.Setpoint) <= setpointEpsilon {
		return
	}
	c.cfg.Setpoint = sp
	c.integral = 0
	c.prevError = 0
	c.hasPrevError = false
}

// UpdateConfig swaps tuning while keeping runtime state. Autotuned
// coefficients are replaced by the new config.
func (c *Controller) UpdateConfig(cfg Config) {
	sp := c.cfg.Setpoint
	cfg.Setpoint = sp
	c.cfg = cfg
	c.close = cfg.Close
	c.far = cfg.Far
	c.integral = clamp(c.integral, -cfg.MaxIntegral, cfg.MaxIntegral)
}

// EmergencyStop forces every Compute to return 0 until Resume.
func (c *Controller) EmergencyStop() { c.emergency = true }

// Resume clears the emergency state.
func (c *Controller) Resume() { c.emergency = false }

// Emergency reports whether the controller is stopped.
func (c *Controller) Emergency() bool { return c.emergency }

// Reset clears runtime state but keeps the config and statistics.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.hasPrevError = false
	c.lastOutputAt = time.Time{}
	c.band = BandDead
	c.emergency = false
	c.close = c.cfg.Close
	c.far = c.cfg.Far
}

// Config returns the active tuning including autotuned coefficients.
func (c *Controller) Config() Config {
	cfg := c.cfg
	cfg.Close = c.close
	cfg.Far = c.far
	return cfg
}

// Integral returns the accumulator.
func (c *Controller) Integral() float64 { return c.integral }

// Band returns the band of the last evaluation.
func (c *Controller) Band() Band { return c.band }

// Snapshot captures the restorable state.
func (c *Controller) Snapshot() State {
	return State{
		Integral:     c.integral,
		PrevError:    c.prevError,
		HasPrevError: c.hasPrevError,
		LastOutputAt: c.lastOutputAt,
		Stats:        c.stats,
		Band:         c.band,
	}
}

// Restore loads a persisted state, clamping the integral to the current limit.
func (c *Controller) Restore(s State) {
	c.integral = clamp(s.Integral, -c.cfg.MaxIntegral, c.cfg.MaxIntegral)
	c.prevError = s.PrevError
	c.hasPrevError = s.HasPrevError
	c.lastOutputAt = s.LastOutputAt
	c.stats = s.Stats
	c.band = s.Band
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
