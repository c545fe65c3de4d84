// v0
// internal/correction/ec.go
package correction

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"nrgchamp/growcontrol/internal/alerts"
	"nrgchamp/growcontrol/internal/models"
)

// EC sequence states.
const (
	ecStateIdle       = "idle"
	ecStateDosing     = "dosing"
	ecStateWaiting    = "waiting"
	ecStateRechecking = "rechecking"
	ecStateDone       = "done"
	ecStateAborted    = "aborted"
)

// EC sequence events.
const (
	ecEventDose    = "dose"
	ecEventDosed   = "dosed"
	ecEventRecheck = "recheck"
	ecEventFinish  = "finish"
	ecEventAbort   = "abort"
)

type dosedComponent struct {
	Role       string  `json:"role"`
	ML         float64 `json:"ml"`
	DurationMs int64   `json:"duration_ms"`
	CmdID      string  `json:"cmd_id"`
}

// ecSequence doses the nutrient components one after another. Component N+1
// is only dispatched after the recheck following component N.
type ecSequence struct {
	c        *Controller
	zoneID   int64
	target   float64
	totalML  float64
	bindings map[string]models.ActuatorBinding

	machine  *fsm.FSM
	idx      int
	dosed    []dosedComponent
	commands []models.Command
	stopWhy  string
	err      error
}

func newECSequence(c *Controller, zoneID int64, target, totalML float64, bindings map[string]models.ActuatorBinding) *ecSequence {
	s := &ecSequence{c: c, zoneID: zoneID, target: target, totalML: totalML, bindings: bindings}
	s.machine = fsm.NewFSM(
		ecStateIdle,
		fsm.Events{
			{Name: ecEventDose, Src: []string{ecStateIdle, ecStateRechecking}, Dst: ecStateDosing},
			{Name: ecEventDosed, Src: []string{ecStateDosing}, Dst: ecStateWaiting},
			{Name: ecEventRecheck, Src: []string{ecStateWaiting}, Dst: ecStateRechecking},
			{Name: ecEventFinish, Src: []string{ecStateDosing, ecStateRechecking}, Dst: ecStateDone},
			{Name: ecEventAbort, Src: []string{ecStateDosing, ecStateWaiting, ecStateRechecking}, Dst: ecStateAborted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.c.lg.Debugw("ec_sequence_transition", "zone", s.zoneID, "from", e.Src, "to", e.Dst, "component", s.idx)
			},
		},
	)
	return s
}

// run drives the machine to done or aborted.
func (s *ecSequence) run(ctx context.Context) {
	if err := s.machine.Event(ctx, ecEventDose); err != nil {
		s.fail(ctx, "sequence start: "+err.Error(), err)
		return
	}
	for {
		switch s.machine.Current() {
		case ecStateDosing:
			s.doseCurrent(ctx)
		case ecStateWaiting:
			if err := s.c.sleep(ctx, s.c.settings.ECDoseDelay); err != nil {
				s.fail(ctx, "interrupted while waiting", err)
				continue
			}
			s.fire(ctx, ecEventRecheck)
		case ecStateRechecking:
			s.recheck(ctx)
		default:
			return
		}
	}
}

func (s *ecSequence) doseCurrent(ctx context.Context) {
	comp := s.c.settings.ECComponents[s.idx]
	b, ok := s.bindings[comp.Role]
	if !ok || b.MLPerSec <= 0 {
		s.fail(ctx, fmt.Sprintf("missing or uncalibrated binding %s", comp.Role), nil)
		return
	}
	ml := s.totalML * comp.Ratio
	cmd := doseCommand(s.zoneID, b, ml)
	cmdID, err := s.c.dispatch(ctx, cmd)
	if err != nil {
		s.fail(ctx, fmt.Sprintf("publish to %s failed", comp.Role), err)
		return
	}
	s.commands = append(s.commands, cmd)
	s.dosed = append(s.dosed, dosedComponent{Role: comp.Role, ML: ml, DurationMs: doseDurationMs(b, ml), CmdID: cmdID})
	s.c.lg.Infow("ec_component_dosed", "zone", s.zoneID, "role", comp.Role, "ml", ml, "cmd_id", cmdID)

	if s.idx == len(s.c.settings.ECComponents)-1 {
		s.stopWhy = "all components dosed"
		s.fire(ctx, ecEventFinish)
		return
	}
	s.fire(ctx, ecEventDosed)
}

func (s *ecSequence) recheck(ctx context.Context) {
	if s.c.deps.Rechecker == nil {
		s.idx++
		s.fire(ctx, ecEventDose)
		return
	}
	tel, err := s.c.deps.Rechecker.LatestTelemetry(ctx, s.zoneID)
	if err != nil {
		s.fail(ctx, "recheck failed", err)
		return
	}
	v, ok := tel.Value(models.CorrectionEC)
	if !ok {
		s.fail(ctx, "recheck found no ec reading", nil)
		return
	}
	if age := s.c.now().Sub(tel.SampledAt); age > s.c.settings.MaxTelemetryAge {
		s.fail(ctx, fmt.Sprintf("recheck telemetry stale (age %s)", age.Round(time.Second)), nil)
		return
	}
	if math.Abs(v-s.target) <= s.c.settings.ECRecheckTolerance {
		s.stopWhy = fmt.Sprintf("target reached after %d components (ec=%.3f)", len(s.dosed), v)
		s.fire(ctx, ecEventFinish)
		return
	}
	s.idx++
	s.fire(ctx, ecEventDose)
}

func (s *ecSequence) fire(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		s.fail(ctx, "transition "+event+": "+err.Error(), err)
	}
}

// fail moves the machine to aborted. The abort transition is valid from every
// non-terminal state, so a failed abort forces the state directly.
func (s *ecSequence) fail(ctx context.Context, why string, err error) {
	s.stopWhy = why
	if err != nil && s.err == nil {
		s.err = err
	}
	if aerr := s.machine.Event(ctx, ecEventAbort); aerr != nil {
		s.machine.SetState(ecStateAborted)
	}
}

func (s *ecSequence) roles() string {
	out := make([]string, 0, len(s.dosed))
	for _, d := range s.dosed {
		out = append(out, d.Role)
	}
	return strings.Join(out, ",")
}

// doseEC runs the sequence and reports a partial dose when it is cut short.
func (c *Controller) doseEC(ctx context.Context, zoneID int64, current, target, outputML float64, bindings map[string]models.ActuatorBinding) (*Result, error) {
	seq := newECSequence(c, zoneID, target, outputML, bindings)
	seq.run(ctx)

	res := &Result{
		Commands: seq.commands,
		Decision: models.CorrectionDecision{Type: c.ct, Current: current, Target: target},
	}
	payload := map[string]any{
		"total_ml":   outputML,
		"components": seq.dosed,
		"current":    current,
		"target":     target,
		"reason":     seq.stopWhy,
	}

	if seq.machine.Current() == ecStateDone {
		res.Outcome = OutcomeApplied
		res.Decision.Applied = true
		res.Decision.Reason = fmt.Sprintf("dosed %s, %s", seq.roles(), seq.stopWhy)
		c.emit(ctx, zoneID, models.EventECDosing, payload)
		if c.deps.Alerts != nil {
			if _, err := c.deps.Alerts.Resolve(ctx, zoneID, alerts.CodeECPartialDose); err != nil {
				c.lg.Warnw("partial_dose_alert_resolve_failed", "zone", zoneID, "error", err)
			}
		}
		return res, nil
	}

	if len(seq.dosed) == 0 {
		// nothing was dosed: no partial-dose event, alert or cooldown
		res.Outcome = OutcomeMissingBinding
		if seq.err != nil {
			res.Outcome = OutcomeTransport
		}
		res.Decision.Reason = "ec sequence not started: " + seq.stopWhy
		c.lg.Warnw("ec_sequence_not_started", "zone", zoneID, "reason", seq.stopWhy)
		if seq.err != nil {
			return res, fmt.Errorf("ec sequence zone=%d: %w", zoneID, seq.err)
		}
		return res, nil
	}

	res.Outcome = OutcomePartial
	res.Decision.Applied = true
	res.Decision.Reason = fmt.Sprintf("ec sequence aborted after %d of %d components: %s", len(seq.dosed), len(c.settings.ECComponents), seq.stopWhy)
	payload["aborted"] = true
	c.emit(ctx, zoneID, models.EventECPartialDose, payload)
	c.lg.Warnw("ec_partial_dose", "zone", zoneID, "dosed", len(seq.dosed), "reason", seq.stopWhy)
	if c.deps.Alerts != nil {
		details := map[string]any{"dosed": seq.roles(), "reason": seq.stopWhy}
		if _, err := c.deps.Alerts.Ensure(ctx, zoneID, alerts.CodeECPartialDose, details); err != nil {
			c.lg.Warnw("partial_dose_alert_raise_failed", "zone", zoneID, "error", err)
		}
	}
	if seq.err != nil {
		return res, fmt.Errorf("ec sequence zone=%d: %w", zoneID, seq.err)
	}
	return res, nil
}
