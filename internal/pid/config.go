// v0
// internal/pid/config.go
package pid

import "time"

// Band is the error-magnitude band the controller is operating in.
type Band string

const (
	BandDead  Band = "DEAD"
	BandClose Band = "CLOSE"
	BandFar   Band = "FAR"
)

// ParseBand maps a persisted label back to a Band, defaulting to DEAD.
func ParseBand(s string) Band {
	switch Band(s) {
	case BandClose:
		return BandClose
	case BandFar:
		return BandFar
	default:
		return BandDead
	}
}

// Coefficients is one kp/ki/kd triple.
type Coefficients struct {
	Kp float64 `yaml:"kp" json:"kp" validate:"gte=0"`
	Ki float64 `yaml:"ki" json:"ki" validate:"gte=0"`
	Kd float64 `yaml:"kd" json:"kd" validate:"gte=0"`
}

// Config is an immutable tuning snapshot for one (zone, type) controller.
// DEAD has no coefficients: the controller never outputs inside it.
type Config struct {
	Setpoint       float64       `yaml:"setpoint" json:"setpoint"`
	DeadZone       float64       `yaml:"dead_zone" json:"dead_zone" validate:"gte=0"`
	CloseZone      float64       `yaml:"close_zone" json:"close_zone" validate:"gtefield=DeadZone"`
	FarZone        float64       `yaml:"far_zone" json:"far_zone" validate:"gtefield=CloseZone"`
	Close          Coefficients  `yaml:"close" json:"close"`
	Far            Coefficients  `yaml:"far" json:"far"`
	MaxOutput      float64       `yaml:"max_output" json:"max_output" validate:"gt=0"`
	MinOutput      float64       `yaml:"min_output" json:"min_output" validate:"gte=0,ltefield=MaxOutput"`
	MaxIntegral    float64       `yaml:"max_integral" json:"max_integral" validate:"gt=0"`
	MinInterval    time.Duration `yaml:"min_interval" json:"min_interval"`
	EnableAutotune bool          `yaml:"enable_autotune" json:"enable_autotune"`
	AdaptationRate float64       `yaml:"adaptation_rate" json:"adaptation_rate" validate:"gte=0,lte=1"`
}

// Coefficients returns the triple for a band. DEAD is always zero.
func (c Config) Coefficients(b Band) Coefficients {
	switch b {
	case BandClose:
		return c.Close
	case BandFar:
		return c.Far
	default:
		return Coefficients{}
	}
}

// Band classifies an error magnitude.
func (c Config) Band(absErr float64) Band {
	switch {
	case absErr <= c.DeadZone:
		return BandDead
	case absErr <= c.CloseZone:
		return BandClose
	default:
		return BandFar
	}
}

// DefaultPH is the global pH tuning used when a zone has no stored config.
func DefaultPH() Config {
	return Config{
		Setpoint:       6.0,
		DeadZone:       0.05,
		CloseZone:      0.3,
		FarZone:        1.0,
		Close:          Coefficients{Kp: 5.0, Ki: 0.05, Kd: 0.0},
		Far:            Coefficients{Kp: 12.0, Ki: 0.1, Kd: 0.0},
		MaxOutput:      20.0,
		MinOutput:      0.0,
		MaxIntegral:    20.0,
		MinInterval:    90 * time.Second,
		AdaptationRate: 0.05,
	}
}

// DefaultEC is the global EC tuning used when a zone has no stored config.
func DefaultEC() Config {
	return Config{
		Setpoint:       1.6,
		DeadZone:       0.1,
		CloseZone:      0.5,
		FarZone:        1.5,
		Close:          Coefficients{Kp: 30.0, Ki: 0.3, Kd: 0.0},
		Far:            Coefficients{Kp: 50.0, Ki: 0.5, Kd: 0.0},
		MaxOutput:      100.0,
		MinOutput:      0.0,
		MaxIntegral:    100.0,
		MinInterval:    120 * time.Second,
		AdaptationRate: 0.05,
	}
}
