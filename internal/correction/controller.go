// v0
// internal/correction/controller.go
package correction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/actuators"
	"nrgchamp/growcontrol/internal/alerts"
	"nrgchamp/growcontrol/internal/audit"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// Gate decides whether a correction may fire.
type Gate interface {
	ShouldApplyCorrection(ctx context.Context, zoneID int64, ct models.CorrectionType, current, target, diff float64) (bool, string)
}

// ConfigSource supplies the tuning for a zone.
type ConfigSource interface {
	Get(ctx context.Context, zoneID int64, ct models.CorrectionType, setpoint float64) pid.Config
}

// StateStore persists controller runtime state.
type StateStore interface {
	Save(ctx context.Context, key pid.Key, c *pid.Controller) error
	Restore(ctx context.Context, key pid.Key, c *pid.Controller) bool
	Delete(ctx context.Context, zoneID int64) error
}

// Publisher sends an actuator command and returns its command id.
type Publisher interface {
	Publish(ctx context.Context, cmd models.Command) (string, error)
}

// Auditor records issued commands.
type Auditor interface {
	Record(ctx context.Context, cmdID string, cmd models.Command, status string) (bool, error)
}

// EventSink stores zone events.
type EventSink interface {
	Emit(ctx context.Context, zoneID int64, eventType string, payload any) error
}

// Alerter raises and clears alerts.
type Alerter interface {
	Ensure(ctx context.Context, zoneID int64, code string, details map[string]any) (bool, error)
	Resolve(ctx context.Context, zoneID int64, code string) (bool, error)
}

// Rechecker reads the latest telemetry between EC doses.
type Rechecker interface {
	LatestTelemetry(ctx context.Context, zoneID int64) (models.Telemetry, error)
}

// ZoneChecker confirms a zone still exists.
type ZoneChecker interface {
	ZoneExists(ctx context.Context, zoneID int64) (bool, error)
}

// Observer receives per-cycle outcomes, typically the metrics sink.
type Observer interface {
	ObserveOutcome(ct models.CorrectionType, outcome string)
	ObservePIDOutput(zoneID int64, ct models.CorrectionType, output float64)
	ForgetZone(zoneID int64, ct models.CorrectionType)
}

// Outcomes reported to the Observer.
const (
	OutcomeApplied        = "applied"
	OutcomeStale          = "stale"
	OutcomeWaterLevel     = "water_level"
	OutcomeGateVeto       = "gate_veto"
	OutcomePIDZero        = "pid_zero"
	OutcomeMissingBinding = "missing_binding"
	OutcomeTransport      = "transport_error"
	OutcomePartial        = "partial_dose"
	OutcomeECAboveTarget  = "ec_above_target"
)

// Deps are the collaborators of a Controller.
type Deps struct {
	Gate      Gate
	Configs   ConfigSource
	State     StateStore
	Publisher Publisher
	Audit     Auditor
	Events    EventSink
	Alerts    Alerter
	Rechecker Rechecker
	Zones     ZoneChecker
	Actuators *actuators.Registry
	PIDs      *pid.Registry
	Observer  Observer
}

// Component is one nutrient line of the EC sequence.
type Component struct {
	Role  string
	Ratio float64
}

// DefaultECComponents is the dosing order and split of the EC sequence.
var DefaultECComponents = []Component{
	{Role: actuators.RoleECNPKPump, Ratio: 0.50},
	{Role: actuators.RoleECCalciumPump, Ratio: 0.25},
	{Role: actuators.RoleECMagnesiumPump, Ratio: 0.15},
	{Role: actuators.RoleECMicroPump, Ratio: 0.10},
}

// Settings tune a Controller.
type Settings struct {
	MaxTelemetryAge     time.Duration
	FreshnessAlertAfter int
	SaveEvery           int
	ECDoseDelay         time.Duration
	ECRecheckTolerance  float64
	ECComponents        []Component
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		MaxTelemetryAge:     30 * time.Minute,
		FreshnessAlertAfter: 3,
		SaveEvery:           10,
		ECDoseDelay:         30 * time.Second,
		ECRecheckTolerance:  0.1,
		ECComponents:        DefaultECComponents,
	}
}

// Result is the outcome of one CheckAndCorrect call.
type Result struct {
	Decision models.CorrectionDecision
	Outcome  string
	Commands []models.Command
}

// Controller runs the decide-and-dispatch cycle for one correction type.
type Controller struct {
	ct       models.CorrectionType
	deps     Deps
	settings Settings
	lg       *zap.SugaredLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	stale     map[int64]int
	emergency map[int64]bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithSleep overrides the wait between EC doses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// New builds a controller for ct.
func New(ct models.CorrectionType, deps Deps, settings Settings, lg *zap.SugaredLogger, opts ...Option) *Controller {
	if deps.Actuators == nil {
		deps.Actuators = actuators.NewRegistry()
	}
	if deps.PIDs == nil {
		deps.PIDs = pid.NewRegistry()
	}
	if len(settings.ECComponents) == 0 {
		settings.ECComponents = DefaultECComponents
	}
	c := &Controller{
		ct:        ct,
		deps:      deps,
		settings:  settings,
		lg:        lg.With("type", ct),
		now:       time.Now,
		sleep:     sleepCtx,
		stale:     make(map[int64]int),
		emergency: make(map[int64]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Type returns the correction type handled by c.
func (c *Controller) Type() models.CorrectionType { return c.ct }

// CheckAndCorrect evaluates one zone and dispatches dosing when warranted. A
// nil result means the zone has no target for this type.
func (c *Controller) CheckAndCorrect(ctx context.Context, zone models.Zone, targets models.Targets, tel models.Telemetry, bindings []models.BindingRow, waterLevelOK bool) (*Result, error) {
	target, ok := targets.Setpoint(c.ct)
	if !ok {
		return nil, nil
	}

	current, fresh := c.checkFreshness(ctx, zone.ID, tel)
	if !fresh {
		res := c.veto(zone.ID, current, target, OutcomeStale, "telemetry stale or missing, correction skipped")
		c.emit(ctx, zone.ID, models.EventFreshnessSkip, res.Decision)
		return res, nil
	}

	if !waterLevelOK {
		res := c.veto(zone.ID, current, target, OutcomeWaterLevel, "water level low, dosing suppressed")
		c.emit(ctx, zone.ID, models.EventWaterLevelVeto, res.Decision)
		return res, nil
	}

	diff := current - target
	if c.ct == models.CorrectionEC && current > target {
		res := c.veto(zone.ID, current, target, OutcomeECAboveTarget, "nutrient dosing cannot lower EC")
		c.emit(ctx, zone.ID, models.EventCorrectionDecision, res.Decision)
		return res, nil
	}

	apply, reason := c.deps.Gate.ShouldApplyCorrection(ctx, zone.ID, c.ct, current, target, diff)
	if !apply {
		res := c.veto(zone.ID, current, target, OutcomeGateVeto, reason)
		c.emit(ctx, zone.ID, models.EventCorrectionDecision, res.Decision)
		return res, nil
	}

	key := pid.Key{ZoneID: zone.ID, Type: c.ct}
	entry := c.controllerFor(ctx, key, target)
	now := c.now()
	var dt time.Duration
	if !entry.LastTick.IsZero() {
		dt = now.Sub(entry.LastTick)
	}
	entry.LastTick = now
	entry.Ticks++

	ctrl := entry.Controller
	output := ctrl.Compute(current, dt)
	telemetry := &models.PidTelemetry{Zone: string(ctrl.Band()), Output: output, Integral: ctrl.Integral()}
	c.deps.PIDs.Publish(key, pid.View{
		Type:      c.ct,
		Setpoint:  target,
		Band:      ctrl.Band(),
		Output:    output,
		Integral:  ctrl.Integral(),
		Emergency: ctrl.Emergency(),
		Stats:     ctrl.Snapshot().Stats,
		UpdatedAt: now,
	})
	if c.deps.Observer != nil {
		c.deps.Observer.ObservePIDOutput(zone.ID, c.ct, output)
	}
	defer c.maybeSave(ctx, key, entry)

	if output <= 0 {
		why := fmt.Sprintf("pid output zero (band %s)", ctrl.Band())
		if ctrl.Emergency() {
			why = "emergency stop active"
		}
		res := c.veto(zone.ID, current, target, OutcomePIDZero, why)
		res.Decision.PID = telemetry
		c.emit(ctx, zone.ID, models.EventCorrectionDecision, res.Decision)
		return res, nil
	}

	resolved := c.deps.Actuators.Resolve(bindings)
	var (
		res *Result
		err error
	)
	switch c.ct {
	case models.CorrectionEC:
		res, err = c.doseEC(ctx, zone.ID, current, target, output, resolved)
	default:
		res, err = c.dosePH(ctx, zone.ID, current, target, output, resolved)
	}
	res.Decision.Diff = diff
	res.Decision.PID = telemetry
	if res.Decision.Applied {
		res.Decision.Reason = reason + "; " + res.Decision.Reason
	}

	c.emit(ctx, zone.ID, models.EventPIDOutput, map[string]any{
		"type":     c.ct,
		"output":   output,
		"integral": ctrl.Integral(),
		"zone":     ctrl.Band(),
		"dt_ms":    dt.Milliseconds(),
		"current":  current,
		"target":   target,
	})
	c.emit(ctx, zone.ID, models.EventCorrectionDecision, res.Decision)
	c.observe(res.Outcome)
	return res, err
}

// controllerFor returns the zone's PID, creating and restoring it on first use
// and applying tuning or setpoint changes otherwise.
func (c *Controller) controllerFor(ctx context.Context, key pid.Key, target float64) *pid.Entry {
	cfg := c.deps.Configs.Get(ctx, key.ZoneID, c.ct, target)
	entry, created := c.deps.PIDs.GetOrCreate(key, func() *pid.Controller {
		return pid.New(cfg, pid.WithClock(c.now))
	})
	if created {
		entry.Tuning = cfg
		if c.deps.State != nil {
			c.deps.State.Restore(ctx, key, entry.Controller)
		}
	} else {
		tuning := cfg
		tuning.Setpoint = entry.Tuning.Setpoint
		if tuning != entry.Tuning {
			entry.Controller.UpdateConfig(cfg)
			c.lg.Infow("pid_tuning_applied", "zone", key.ZoneID)
		}
		entry.Tuning = cfg
		entry.Controller.UpdateSetpoint(target)
	}

	c.mu.Lock()
	stopped := c.emergency[key.ZoneID]
	c.mu.Unlock()
	if stopped {
		entry.Controller.EmergencyStop()
	} else if entry.Controller.Emergency() {
		entry.Controller.Resume()
	}
	return entry
}

// checkFreshness returns the current reading and whether it may be used. It
// raises an alert after the configured number of consecutive failures and
// resolves it on the next fresh sample.
func (c *Controller) checkFreshness(ctx context.Context, zoneID int64, tel models.Telemetry) (float64, bool) {
	current, ok := tel.Value(c.ct)
	age := c.now().Sub(tel.SampledAt)
	if ok && !tel.SampledAt.IsZero() && age <= c.settings.MaxTelemetryAge {
		c.mu.Lock()
		n, seen := c.stale[zoneID]
		c.stale[zoneID] = 0
		c.mu.Unlock()
		if (!seen || n >= c.settings.FreshnessAlertAfter) && c.deps.Alerts != nil {
			if _, err := c.deps.Alerts.Resolve(ctx, zoneID, alerts.CodeTelemetryStale); err != nil {
				c.lg.Warnw("freshness_alert_resolve_failed", "zone", zoneID, "error", err)
			}
		}
		return current, true
	}

	c.mu.Lock()
	c.stale[zoneID]++
	n := c.stale[zoneID]
	c.mu.Unlock()
	err := fmt.Errorf("%w: zone=%d age=%s", models.ErrDataFreshness, zoneID, age.Round(time.Second))
	c.lg.Warnw("telemetry_stale", "zone", zoneID, "consecutive", n, "error", err)
	if n >= c.settings.FreshnessAlertAfter && c.deps.Alerts != nil {
		details := map[string]any{"type": c.ct, "consecutive": n, "age_seconds": int64(age.Seconds())}
		if _, err := c.deps.Alerts.Ensure(ctx, zoneID, alerts.CodeTelemetryStale, details); err != nil {
			c.lg.Warnw("freshness_alert_raise_failed", "zone", zoneID, "error", err)
		}
	}
	return current, false
}

func (c *Controller) veto(zoneID int64, current, target float64, outcome, reason string) *Result {
	c.lg.Infow("correction_vetoed", "zone", zoneID, "outcome", outcome, "reason", reason)
	c.observe(outcome)
	return &Result{
		Outcome: outcome,
		Decision: models.CorrectionDecision{
			Type:    c.ct,
			Current: current,
			Target:  target,
			Diff:    current - target,
			Reason:  reason,
		},
	}
}

func (c *Controller) observe(outcome string) {
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveOutcome(c.ct, outcome)
	}
}

func (c *Controller) emit(ctx context.Context, zoneID int64, eventType string, payload any) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.Emit(ctx, zoneID, eventType, payload); err != nil {
		c.lg.Warnw("event_emit_failed", "zone", zoneID, "event", eventType, "error", err)
	}
}

// dispatch publishes cmd and audits the outcome. Audit failures never fail the dose.
func (c *Controller) dispatch(ctx context.Context, cmd models.Command) (string, error) {
	cmdID, err := c.deps.Publisher.Publish(ctx, cmd)
	status := audit.StatusSent
	if err != nil {
		status = audit.StatusFailed
	}
	if c.deps.Audit != nil {
		if _, aerr := c.deps.Audit.Record(ctx, cmdID, cmd, status); aerr != nil {
			c.lg.Warnw("command_audit_failed", "zone", cmd.ZoneID, "cmd_id", cmdID, "error", aerr)
		}
	}
	if err != nil {
		return cmdID, fmt.Errorf("%w: %s on %s/%s: %v", models.ErrTransport, cmd.Cmd, cmd.NodeUID, cmd.Channel, err)
	}
	return cmdID, nil
}

func (c *Controller) maybeSave(ctx context.Context, key pid.Key, entry *pid.Entry) {
	if c.deps.State == nil || c.settings.SaveEvery <= 0 || entry.Ticks%c.settings.SaveEvery != 0 {
		return
	}
	if err := c.deps.State.Save(ctx, key, entry.Controller); err != nil {
		c.lg.Warnw("pid_state_save_failed", "zone", key.ZoneID, "error", err)
	}
}

// EmergencyStop halts dosing for a zone until Resume. The flag reaches the
// zone's PID instance on its next tick, from the task that owns it.
func (c *Controller) EmergencyStop(zoneID int64) {
	c.mu.Lock()
	c.emergency[zoneID] = true
	c.mu.Unlock()
	c.lg.Warnw("emergency_stop", "zone", zoneID)
}

// Resume lifts an emergency stop.
func (c *Controller) Resume(zoneID int64) {
	c.mu.Lock()
	delete(c.emergency, zoneID)
	c.mu.Unlock()
	c.lg.Infow("emergency_resumed", "zone", zoneID)
}

// ForgetZone persists and then drops this controller's state for a zone.
func (c *Controller) ForgetZone(ctx context.Context, zoneID int64) {
	key := pid.Key{ZoneID: zoneID, Type: c.ct}
	if e, ok := c.deps.PIDs.Get(key); ok && c.deps.State != nil {
		if err := c.deps.State.Save(ctx, key, e.Controller); err != nil {
			c.lg.Warnw("pid_state_save_failed", "zone", zoneID, "error", err)
		}
	}
	c.drop(zoneID)
}

// CleanupDeletedZones drops in-memory and persisted state for zones that no
// longer exist. It returns the removed zone ids.
func (c *Controller) CleanupDeletedZones(ctx context.Context) ([]int64, error) {
	if c.deps.Zones == nil {
		return nil, nil
	}
	var removed []int64
	for _, key := range c.deps.PIDs.Keys() {
		if key.Type != c.ct {
			continue
		}
		exists, err := c.deps.Zones.ZoneExists(ctx, key.ZoneID)
		if err != nil {
			return removed, fmt.Errorf("zone existence check: %w", err)
		}
		if exists {
			continue
		}
		if e, ok := c.deps.PIDs.Get(key); ok {
			st := e.Controller.Snapshot().Stats
			c.lg.Infow("pid_instance_evicted", "zone", key.ZoneID, "corrections", st.CorrectionCount, "avg_error", st.AvgError)
		}
		c.drop(key.ZoneID)
		if c.deps.State != nil {
			if err := c.deps.State.Delete(ctx, key.ZoneID); err != nil {
				c.lg.Warnw("pid_state_delete_failed", "zone", key.ZoneID, "error", err)
			}
		}
		removed = append(removed, key.ZoneID)
	}
	return removed, nil
}

func (c *Controller) drop(zoneID int64) {
	c.deps.PIDs.Remove(pid.Key{ZoneID: zoneID, Type: c.ct})
	c.mu.Lock()
	delete(c.stale, zoneID)
	delete(c.emergency, zoneID)
	c.mu.Unlock()
	if c.deps.Observer != nil {
		c.deps.Observer.ForgetZone(zoneID, c.ct)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
