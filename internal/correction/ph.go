// v0
// internal/correction/ph.go
package correction

import (
	"context"
	"fmt"
	"math"

	"nrgchamp/growcontrol/internal/actuators"
	"nrgchamp/growcontrol/internal/models"
)

// dosePH runs the single-pump correction: acid above target, base below.
func (c *Controller) dosePH(ctx context.Context, zoneID int64, current, target, outputML float64, bindings map[string]models.ActuatorBinding) (*Result, error) {
	role := actuators.RolePHBasePump
	if current > target {
		role = actuators.RolePHAcidPump
	}
	res := &Result{Decision: models.CorrectionDecision{Type: c.ct, Current: current, Target: target}}

	b, ok := bindings[role]
	if !ok || b.MLPerSec <= 0 {
		res.Outcome = OutcomeMissingBinding
		res.Decision.Reason = fmt.Sprintf("missing or uncalibrated binding %s", role)
		c.lg.Warnw("dosing_binding_missing", "zone", zoneID, "role", role)
		return res, nil
	}

	cmd := doseCommand(zoneID, b, outputML)
	cmdID, err := c.dispatch(ctx, cmd)
	if err != nil {
		res.Outcome = OutcomeTransport
		res.Decision.Reason = fmt.Sprintf("publish to %s failed", role)
		c.lg.Errorw("dosing_publish_failed", "zone", zoneID, "role", role, "error", err)
		return res, err
	}

	res.Outcome = OutcomeApplied
	res.Commands = []models.Command{cmd}
	res.Decision.Applied = true
	res.Decision.Reason = fmt.Sprintf("dosed %.2f ml via %s", outputML, role)
	c.emit(ctx, zoneID, models.EventPHCorrected, map[string]any{
		"role":        role,
		"ml":          outputML,
		"duration_ms": doseDurationMs(b, outputML),
		"cmd_id":      cmdID,
		"current":     current,
		"target":      target,
	})
	c.lg.Infow("ph_corrected", "zone", zoneID, "role", role, "ml", outputML, "cmd_id", cmdID)
	return res, nil
}

// doseCommand builds a timed pump run for ml of solution.
func doseCommand(zoneID int64, b models.ActuatorBinding, ml float64) models.Command {
	return models.Command{
		ZoneID:  zoneID,
		NodeUID: b.NodeUID,
		Channel: b.Channel,
		Cmd:     "dose",
		Params: map[string]any{
			"ml":          math.Round(ml*100) / 100,
			"duration_ms": doseDurationMs(b, ml),
		},
	}
}

func doseDurationMs(b models.ActuatorBinding, ml float64) int64 {
	return int64(math.Round(ml / b.MLPerSec * 1000))
}
