// v0
// internal/pidconfig/convert.go
package pidconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// Convert turns a stored config document into a pid.Config. Every missing or
// malformed field is replaced by its value in def and reported in problems,
// each wrapping models.ErrConfiguration. The DEAD band never has coefficients.
//
// Stored shape:
//
//	{"target":6.0,"dead_zone":0.05,"close_zone":0.3,"far_zone":1.0,
//	 "zone_coeffs":{"close":{"kp":5,"ki":0.05,"kd":0},"far":{...}},
//	 "max_output":20,"min_output":0,"max_integral":20,"min_interval_ms":90000,
//	 "enable_autotune":false,"adaptation_rate":0.05}
func Convert(raw json.RawMessage, def pid.Config) (pid.Config, []error) {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{models.ErrConfiguration}, args...)...))
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		bad("document is not an object")
		return def, problems
	}

	cfg := def
	num := func(key string, dst *float64, minVal float64) {
		v, present := doc[key]
		if !present || v == nil {
			return
		}
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < minVal {
			bad("field %s is malformed (%v)", key, v)
			return
		}
		*dst = f
	}
	num("target", &cfg.Setpoint, math.Inf(-1))
	num("dead_zone", &cfg.DeadZone, 0)
	num("close_zone", &cfg.CloseZone, 0)
	num("far_zone", &cfg.FarZone, 0)
	num("max_output", &cfg.MaxOutput, 0)
	num("min_output", &cfg.MinOutput, 0)
	num("max_integral", &cfg.MaxIntegral, 0)
	num("adaptation_rate", &cfg.AdaptationRate, 0)

	var intervalMs float64 = float64(def.MinInterval.Milliseconds())
	num("min_interval_ms", &intervalMs, 0)
	cfg.MinInterval = time.Duration(intervalMs) * time.Millisecond

	if v, present := doc["enable_autotune"]; present && v != nil {
		if b, ok := v.(bool); ok {
			cfg.EnableAutotune = b
		} else {
			bad("field enable_autotune is malformed (%v)", v)
		}
	}

	if !(cfg.DeadZone <= cfg.CloseZone && cfg.CloseZone <= cfg.FarZone) {
		bad("zone thresholds out of order (dead=%v close=%v far=%v)", cfg.DeadZone, cfg.CloseZone, cfg.FarZone)
		cfg.DeadZone, cfg.CloseZone, cfg.FarZone = def.DeadZone, def.CloseZone, def.FarZone
	}
	if cfg.MaxOutput <= 0 || cfg.MinOutput > cfg.MaxOutput {
		bad("output limits invalid (min=%v max=%v)", cfg.MinOutput, cfg.MaxOutput)
		cfg.MinOutput, cfg.MaxOutput = def.MinOutput, def.MaxOutput
	}
	if cfg.MaxIntegral <= 0 {
		bad("max_integral must be positive")
		cfg.MaxIntegral = def.MaxIntegral
	}
	if cfg.AdaptationRate > 1 {
		bad("adaptation_rate above 1")
		cfg.AdaptationRate = def.AdaptationRate
	}

	coeffs, present := doc["zone_coeffs"]
	zones, ok := coeffs.(map[string]any)
	if !present || !ok {
		if present {
			bad("zone_coeffs has wrong shape (%T)", coeffs)
		} else {
			bad("zone_coeffs missing")
		}
		cfg.Close, cfg.Far = def.Close, def.Far
		return cfg, problems
	}
	cfg.Close = coefficients(zones, "close", def.Close, bad)
	cfg.Far = coefficients(zones, "far", def.Far, bad)
	return cfg, problems
}

func coefficients(zones map[string]any, name string, def pid.Coefficients, bad func(string, ...any)) pid.Coefficients {
	raw, present := zones[name]
	obj, ok := raw.(map[string]any)
	if !present || !ok {
		bad("zone_coeffs.%s missing or malformed", name)
		return def
	}
	var out pid.Coefficients
	for key, dst := range map[string]*float64{"kp": &out.Kp, "ki": &out.Ki, "kd": &out.Kd} {
		f, ok := obj[key].(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			bad("zone_coeffs.%s.%s malformed (%v)", name, key, obj[key])
			return def
		}
		*dst = f
	}
	return out
}
