// v0
// internal/correction/controller_test.go
package correction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/actuators"
	"nrgchamp/growcontrol/internal/alerts"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// --- fakes ---

type fakeGate struct {
	apply  bool
	reason string
}

func (g *fakeGate) ShouldApplyCorrection(context.Context, int64, models.CorrectionType, float64, float64, float64) (bool, string) {
	return g.apply, g.reason
}

type fakeConfigs struct{}

func (fakeConfigs) Get(_ context.Context, _ int64, ct models.CorrectionType, sp float64) pid.Config {
	cfg := pid.DefaultPH()
	if ct == models.CorrectionEC {
		cfg = pid.DefaultEC()
	}
	cfg.MinInterval = 0
	cfg.Setpoint = sp
	return cfg
}

type fakeState struct {
	mu       sync.Mutex
	saves    int
	restores int
	deleted  []int64
}

func (s *fakeState) Save(context.Context, pid.Key, *pid.Controller) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *fakeState) Restore(context.Context, pid.Key, *pid.Controller) bool {
	s.mu.Lock()
	s.restores++
	s.mu.Unlock()
	return false
}

func (s *fakeState) Delete(_ context.Context, zoneID int64) error {
	s.deleted = append(s.deleted, zoneID)
	return nil
}

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
}

type fakePublisher struct {
	log      *journal
	failOn   string
	commands []models.Command
}

func (p *fakePublisher) Publish(_ context.Context, cmd models.Command) (string, error) {
	p.log.add("publish:" + cmd.Channel)
	if cmd.Channel == p.failOn {
		return "cmd-fail", errors.New("broker unreachable")
	}
	p.commands = append(p.commands, cmd)
	return "cmd-" + cmd.Channel, nil
}

type fakeAudit struct{ statuses []string }

func (a *fakeAudit) Record(_ context.Context, _ string, _ models.Command, status string) (bool, error) {
	a.statuses = append(a.statuses, status)
	return true, nil
}

type fakeEvents struct{ types []string }

func (e *fakeEvents) Emit(_ context.Context, _ int64, eventType string, _ any) error {
	e.types = append(e.types, eventType)
	return nil
}

type fakeAlerts struct {
	ensured  map[string]int
	resolved map[string]int
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{ensured: map[string]int{}, resolved: map[string]int{}}
}

func (a *fakeAlerts) Ensure(_ context.Context, _ int64, code string, _ map[string]any) (bool, error) {
	a.ensured[code]++
	return true, nil
}

func (a *fakeAlerts) Resolve(_ context.Context, _ int64, code string) (bool, error) {
	a.resolved[code]++
	return true, nil
}

type fakeRechecker struct {
	log       *journal
	values    []float64
	calls     int
	noValue   bool
	sampledAt time.Time
}

func (r *fakeRechecker) LatestTelemetry(context.Context, int64) (models.Telemetry, error) {
	r.log.add("recheck")
	v := r.values[len(r.values)-1]
	if r.calls < len(r.values) {
		v = r.values[r.calls]
	}
	r.calls++
	at := r.sampledAt
	if at.IsZero() {
		at = time.Now()
	}
	if r.noValue {
		return models.Telemetry{SampledAt: at}, nil
	}
	return models.Telemetry{EC: &v, SampledAt: at}, nil
}

type fakeZones struct{ existing map[int64]bool }

func (z fakeZones) ZoneExists(_ context.Context, zoneID int64) (bool, error) {
	return z.existing[zoneID], nil
}

// --- harness ---

type harness struct {
	gate    *fakeGate
	state   *fakeState
	pub     *fakePublisher
	audit   *fakeAudit
	events  *fakeEvents
	alerts  *fakeAlerts
	recheck *fakeRechecker
	log     *journal
	pids    *pid.Registry
	now     time.Time
	sleeps  []time.Duration
}

func newHarness() *harness {
	log := &journal{}
	return &harness{
		gate:    &fakeGate{apply: true, reason: "critical deviation"},
		state:   &fakeState{},
		pub:     &fakePublisher{log: log},
		audit:   &fakeAudit{},
		events:  &fakeEvents{},
		alerts:  newFakeAlerts(),
		recheck: &fakeRechecker{log: log, values: []float64{1.0}},
		log:     log,
		pids:    pid.NewRegistry(),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) controller(ct models.CorrectionType, mutate ...func(*Settings)) *Controller {
	settings := DefaultSettings()
	for _, m := range mutate {
		m(&settings)
	}
	deps := Deps{
		Gate:      h.gate,
		Configs:   fakeConfigs{},
		State:     h.state,
		Publisher: h.pub,
		Audit:     h.audit,
		Events:    h.events,
		Alerts:    h.alerts,
		Rechecker: h.recheck,
		Zones:     fakeZones{existing: map[int64]bool{1: true}},
		PIDs:      h.pids,
	}
	return New(ct, deps, settings, zap.NewNop().Sugar(),
		WithClock(func() time.Time { return h.now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.log.add("sleep")
			return nil
		}),
	)
}

func f(v float64) *float64 { return &v }

func phBindings() []models.BindingRow {
	return []models.BindingRow{
		{Key: "pump_acid", NodeUID: "nd-ph", Channel: "acid", MLPerSec: 2},
		{Key: "ph_base_pump", NodeUID: "nd-ph", Channel: "base", MLPerSec: 4},
	}
}

func ecBindings() []models.BindingRow {
	return []models.BindingRow{
		{Key: actuators.RoleECNPKPump, NodeUID: "nd-ec", Channel: "npk", MLPerSec: 1},
		{Key: actuators.RoleECCalciumPump, NodeUID: "nd-ec", Channel: "ca", MLPerSec: 1},
		{Key: actuators.RoleECMagnesiumPump, NodeUID: "nd-ec", Channel: "mg", MLPerSec: 1},
		{Key: actuators.RoleECMicroPump, NodeUID: "nd-ec", Channel: "micro", MLPerSec: 1},
	}
}

func (h *harness) tel(ph, ec *float64) models.Telemetry {
	return models.Telemetry{PH: ph, EC: ec, SampledAt: h.now.Add(-time.Minute), WaterLevelOK: true}
}

var zone1 = models.Zone{ID: 1}

// --- tests ---

func TestNoTargetIsNoOp(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(f(6.8), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, h.events.types)
}

func TestStaleTelemetryRaisesAlertAfterThreshold(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	stale := models.Telemetry{PH: f(6.8), SampledAt: h.now.Add(-31 * time.Minute)}

	for i := 0; i < 2; i++ {
		res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, stale, phBindings(), true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeStale, res.Outcome)
	}
	assert.Zero(t, h.alerts.ensured[alerts.CodeTelemetryStale])

	_, _ = c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, stale, phBindings(), true)
	assert.Equal(t, 1, h.alerts.ensured[alerts.CodeTelemetryStale])
	assert.Empty(t, h.pub.commands)

	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, h.alerts.resolved[alerts.CodeTelemetryStale])
}

func TestWaterLevelVetoSuppressesDosing(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(7.5), nil), phBindings(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaterLevel, res.Outcome)
	assert.False(t, res.Decision.Applied)
	assert.Empty(t, h.pub.commands)
	assert.Contains(t, h.events.types, models.EventWaterLevelVeto)
}

func TestGateVetoEmitsDecision(t *testing.T) {
	h := newHarness()
	h.gate.apply, h.gate.reason = false, "cooldown active, 5m0s remaining"
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.3), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGateVeto, res.Outcome)
	assert.Equal(t, "cooldown active, 5m0s remaining", res.Decision.Reason)
	assert.InDelta(t, 0.3, res.Decision.Diff, 1e-9)
	assert.Equal(t, []string{models.EventCorrectionDecision}, h.events.types)
	assert.Zero(t, h.pids.Len())
}

func TestPHAboveTargetDosesAcid(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
	require.NoError(t, err)

	require.Len(t, res.Commands, 1)
	cmd := res.Commands[0]
	assert.Equal(t, "acid", cmd.Channel)
	assert.Equal(t, "dose", cmd.Cmd)
	assert.Equal(t, int64(4800), cmd.Params["duration_ms"])
	assert.True(t, res.Decision.Applied)
	require.NotNil(t, res.Decision.PID)
	assert.Equal(t, "FAR", res.Decision.PID.Zone)
	assert.InDelta(t, 9.6, res.Decision.PID.Output, 1e-9)
	assert.Equal(t, []string{models.EventPHCorrected, models.EventPIDOutput, models.EventCorrectionDecision}, h.events.types)
	assert.Equal(t, []string{"SENT"}, h.audit.statuses)
	assert.Equal(t, 1, h.state.restores)
}

func TestPHBelowTargetDosesBase(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(5.2), nil), phBindings(), true)
	require.NoError(t, err)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "base", res.Commands[0].Channel)
	assert.Equal(t, int64(2400), res.Commands[0].Params["duration_ms"])
}

func TestPHDeadZoneDoesNotDose(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.03), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomePIDZero, res.Outcome)
	assert.Equal(t, "DEAD", res.Decision.PID.Zone)
	assert.Empty(t, h.pub.commands)
}

func TestPHMissingBinding(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	rows := []models.BindingRow{{Key: "acid_doser_legacy", NodeUID: "nd", Channel: "acid", MLPerSec: 2}}
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), rows, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingBinding, res.Outcome)
	assert.False(t, res.Decision.Applied)
	assert.Empty(t, h.log.steps)
}

func TestPHPublishFailureIsTransportError(t *testing.T) {
	h := newHarness()
	h.pub.failOn = "acid"
	c := h.controller(models.CorrectionPH)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransport)
	assert.Equal(t, OutcomeTransport, res.Outcome)
	assert.Equal(t, []string{"FAILED"}, h.audit.statuses)
	assert.NotContains(t, h.events.types, models.EventPHCorrected)
}

func TestECFullSequenceIsStrictlySequential(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), ecBindings(), true)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, res.Commands, 4)
	assert.Equal(t, []string{
		"publish:npk", "sleep", "recheck",
		"publish:ca", "sleep", "recheck",
		"publish:mg", "sleep", "recheck",
		"publish:micro",
	}, h.log.steps)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, h.sleeps)

	// FAR band, kp 50, error 0.6: 30 ml split 50/25/15/10.
	assert.Equal(t, int64(15000), res.Commands[0].Params["duration_ms"])
	assert.Equal(t, int64(7500), res.Commands[1].Params["duration_ms"])
	assert.Equal(t, int64(4500), res.Commands[2].Params["duration_ms"])
	assert.Equal(t, int64(3000), res.Commands[3].Params["duration_ms"])
	assert.Contains(t, h.events.types, models.EventECDosing)
	assert.Equal(t, 1, h.alerts.resolved[alerts.CodeECPartialDose])
}

func TestECStopsWhenRecheckWithinTolerance(t *testing.T) {
	h := newHarness()
	h.recheck.values = []float64{1.55}
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), ecBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Len(t, res.Commands, 1)
	assert.Contains(t, res.Decision.Reason, "target reached")
}

func TestECPublishFailureAbortsRemainingComponents(t *testing.T) {
	h := newHarness()
	h.pub.failOn = "ca"
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), ecBindings(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransport)

	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Len(t, res.Commands, 1)
	assert.Equal(t, []string{"publish:npk", "sleep", "recheck", "publish:ca"}, h.log.steps)
	assert.Contains(t, h.events.types, models.EventECPartialDose)
	assert.NotContains(t, h.events.types, models.EventECDosing)
	assert.Equal(t, 1, h.alerts.ensured[alerts.CodeECPartialDose])
}

func TestECMissingBindingAborts(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionEC)
	rows := ecBindings()[:2]
	_, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), rows, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:npk", "sleep", "recheck", "publish:ca", "sleep", "recheck"}, h.log.steps)
	assert.Contains(t, h.events.types, models.EventECPartialDose)
}

func TestECAboveTargetNeverDosesNutrients(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(2.5)), ecBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeECAboveTarget, res.Outcome)
	assert.False(t, res.Decision.Applied)
	assert.Equal(t, "nutrient dosing cannot lower EC", res.Decision.Reason)
	assert.InDelta(t, 0.9, res.Decision.Diff, 1e-9)
	assert.Empty(t, h.pub.commands)
	assert.Empty(t, h.log.steps)
	assert.Equal(t, []string{models.EventCorrectionDecision}, h.events.types)
}

func TestECRecheckWithoutReadingAborts(t *testing.T) {
	h := newHarness()
	h.recheck.noValue = true
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), ecBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Len(t, res.Commands, 1)
	assert.Equal(t, []string{"publish:npk", "sleep", "recheck"}, h.log.steps)
	assert.Contains(t, res.Decision.Reason, "no ec reading")
	assert.Equal(t, 1, h.alerts.ensured[alerts.CodeECPartialDose])
}

func TestECRecheckStaleTelemetryAborts(t *testing.T) {
	h := newHarness()
	h.recheck.values = []float64{1.2}
	h.recheck.sampledAt = h.now.Add(-5 * time.Hour)
	c := h.controller(models.CorrectionEC)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), ecBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Len(t, res.Commands, 1)
	assert.Contains(t, res.Decision.Reason, "stale")
	assert.Contains(t, h.events.types, models.EventECPartialDose)
}

func TestECFirstBindingMissingIsNotAPartialDose(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionEC)
	rows := ecBindings()[1:]
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{EC: f(1.6)}, h.tel(nil, f(1.0)), rows, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingBinding, res.Outcome)
	assert.False(t, res.Decision.Applied)
	assert.Empty(t, h.pub.commands)
	assert.NotContains(t, h.events.types, models.EventECPartialDose)
	assert.Contains(t, h.events.types, models.EventCorrectionDecision)
	assert.Zero(t, h.alerts.ensured[alerts.CodeECPartialDose])
}

func TestEmergencyStopConcurrentWithCycle(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			c.EmergencyStop(1)
			c.Resume(1)
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
		require.NoError(t, err)
	}
	<-done

	c.EmergencyStop(1)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, "emergency stop active", res.Decision.Reason)
}

func TestStateSavedEveryNTicks(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH, func(s *Settings) { s.SaveEvery = 2 })
	for i := 0; i < 4; i++ {
		_, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
		require.NoError(t, err)
		h.now = h.now.Add(time.Minute)
	}
	assert.Equal(t, 2, h.state.saves)
	assert.Equal(t, 1, h.state.restores)
}

func TestEmergencyStopBlocksDosing(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	c.EmergencyStop(1)
	res, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(7.2), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomePIDZero, res.Outcome)
	assert.Equal(t, "emergency stop active", res.Decision.Reason)

	c.Resume(1)
	res, err = c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(7.2), nil), phBindings(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestCleanupDeletedZones(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	for _, id := range []int64{1, 2} {
		_, err := c.CheckAndCorrect(context.Background(), models.Zone{ID: id}, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
		require.NoError(t, err)
	}
	h.pids.GetOrCreate(pid.Key{ZoneID: 2, Type: models.CorrectionEC}, func() *pid.Controller { return pid.New(pid.DefaultEC()) })
	require.Equal(t, 3, h.pids.Len())

	removed, err := c.CleanupDeletedZones(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, removed)
	assert.Equal(t, []int64{2}, h.state.deleted)
	_, ok := h.pids.Get(pid.Key{ZoneID: 2, Type: models.CorrectionPH})
	assert.False(t, ok)
	_, ok = h.pids.Get(pid.Key{ZoneID: 2, Type: models.CorrectionEC})
	assert.True(t, ok, "other controller types are cleaned up by their own controller")
}

func TestForgetZoneSavesBeforeDropping(t *testing.T) {
	h := newHarness()
	c := h.controller(models.CorrectionPH)
	_, err := c.CheckAndCorrect(context.Background(), zone1, models.Targets{PH: f(6.0)}, h.tel(f(6.8), nil), phBindings(), true)
	require.NoError(t, err)
	c.ForgetZone(context.Background(), 1)
	assert.Equal(t, 1, h.state.saves)
	assert.Zero(t, h.pids.Len())
}
