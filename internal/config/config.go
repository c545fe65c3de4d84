// v3
// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `validate:"gte=1"`
	ResetTimeout time.Duration `validate:"gt=0"`
}

// AppConfig is built once at startup and passed to every component.
type AppConfig struct {
	HTTPBind         string   `validate:"required"` // address:port for HTTP server
	PostgresDSN      string   `validate:"required"` // pgx connection string
	MQTTBroker       string   `validate:"required"` // tcp://host:1883
	MQTTClientID     string   `validate:"required"`
	KafkaBrokers     []string // optional; events are only mirrored when set
	EventTopicPrefix string   // per-zone event topics: zone.events.<zoneId>
	TargetsAPIURL    string   `validate:"required,url"` // base URL of the effective-targets API

	CycleInterval time.Duration `validate:"gt=0"`
	ShutdownGrace time.Duration `validate:"gte=0"`
	CleanupEvery  int           `validate:"gte=1"` // cycles between deleted-zone sweeps
	SnapshotEvery int           `validate:"gte=1"` // cycles between full PID snapshots

	Cooldown           time.Duration `validate:"gte=0"`
	TrendWindow        time.Duration `validate:"gt=0"`
	CriticalDiff       float64       `validate:"gtfield=MediumDiff"`
	MediumDiff         float64       `validate:"gt=0"`
	TelemetryMaxAge    time.Duration `validate:"gt=0"`
	FreshnessAlertAt   int           `validate:"gte=1"`
	PIDSaveEvery       int           `validate:"gte=1"`
	PIDConfigTTL       time.Duration `validate:"gt=0"`
	ECDoseDelay        time.Duration `validate:"gte=0"`
	ECRecheckTolerance float64       `validate:"gt=0"`

	AdaptiveConcurrency bool
	TargetCycle         time.Duration `validate:"gt=0"`
	MinConcurrency      int           `validate:"gte=1"`
	MaxConcurrency      int           `validate:"gtefield=MinConcurrency"`
	FixedConcurrency    int           `validate:"gte=1"`

	StorageBreaker   BreakerConfig
	TargetsBreaker   BreakerConfig
	TransportBreaker BreakerConfig
	EventsBreaker    BreakerConfig

	PIDDefaultsPath string
	PIDDefaults     map[models.CorrectionType]pid.Config
}

// pidDefaultsFile is the YAML layout of PID_DEFAULTS_PATH. Missing keys keep
// the built-in defaults.
type pidDefaultsFile struct {
	PH pid.Config `yaml:"ph"`
	EC pid.Config `yaml:"ec"`
}

// LoadEnvAndFiles reads the environment and the optional PID defaults file,
// then validates the result.
func LoadEnvAndFiles() (*AppConfig, error) {
	c := &AppConfig{
		HTTPBind:         getenv("HTTP_BIND", ":8080"),
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		MQTTBroker:       getenv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:     getenv("MQTT_CLIENT_ID", "growcontrol"),
		KafkaBrokers:     split(getenv("KAFKA_BROKERS", ""), ","),
		EventTopicPrefix: getenv("EVENT_TOPIC_PREFIX", "zone.events."),
		TargetsAPIURL:    getenv("TARGETS_API_URL", "http://localhost:8000"),

		CycleInterval: time.Duration(geti("CYCLE_INTERVAL_MS", 15000)) * time.Millisecond,
		ShutdownGrace: time.Duration(geti("SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,
		CleanupEvery:  geti("CLEANUP_EVERY_CYCLES", 20),
		SnapshotEvery: geti("SNAPSHOT_EVERY_CYCLES", 40),

		Cooldown:           time.Duration(geti("COOLDOWN_MINUTES", 10)) * time.Minute,
		TrendWindow:        time.Duration(geti("TREND_WINDOW_MINUTES", 120)) * time.Minute,
		CriticalDiff:       getf("CRITICAL_DIFF", 0.5),
		MediumDiff:         getf("MEDIUM_DIFF", 0.2),
		TelemetryMaxAge:    time.Duration(geti("TELEMETRY_MAX_AGE_MINUTES", 30)) * time.Minute,
		FreshnessAlertAt:   geti("FRESHNESS_ALERT_AFTER", 3),
		PIDSaveEvery:       geti("PID_SAVE_EVERY", 10),
		PIDConfigTTL:       time.Duration(geti("PID_CONFIG_TTL_SECONDS", 600)) * time.Second,
		ECDoseDelay:        time.Duration(geti("EC_DOSE_DELAY_SECONDS", 30)) * time.Second,
		ECRecheckTolerance: getf("EC_RECHECK_TOLERANCE", 0.1),

		AdaptiveConcurrency: getb("ADAPTIVE_CONCURRENCY", true),
		TargetCycle:         time.Duration(geti("TARGET_CYCLE_SECONDS", 15)) * time.Second,
		MinConcurrency:      geti("MIN_CONCURRENCY", 5),
		MaxConcurrency:      geti("MAX_CONCURRENCY", 50),
		FixedConcurrency:    geti("FIXED_CONCURRENCY", 10),

		StorageBreaker:   breaker("CB_DB", 5, 30),
		TargetsBreaker:   breaker("CB_API", 3, 60),
		TransportBreaker: breaker("CB_MQTT", 5, 30),
		EventsBreaker:    breaker("CB_KAFKA", 5, 30),

		PIDDefaultsPath: getenv("PID_DEFAULTS_PATH", ""),
	}
	if err := c.loadPIDDefaults(c.PIDDefaultsPath); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field constraints, including every PID default.
func (c *AppConfig) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	for ct, p := range c.PIDDefaults {
		if err := validate.Struct(p); err != nil {
			errs = append(errs, fmt.Errorf("pid defaults %s: %w", ct, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *AppConfig) loadPIDDefaults(path string) error {
	doc := pidDefaultsFile{PH: pid.DefaultPH(), EC: pid.DefaultEC()}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.PIDDefaults = map[models.CorrectionType]pid.Config{
		models.CorrectionPH: doc.PH,
		models.CorrectionEC: doc.EC,
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *AppConfig) Redacted() AppConfig {
	cp := *c
	if cp.PostgresDSN != "" {
		cp.PostgresDSN = "***"
	}
	return cp
}

func breaker(prefix string, failures, resetSeconds int) BreakerConfig {
	return BreakerConfig{
		MaxFailures:  geti(prefix+"_MAX_FAILURES", failures),
		ResetTimeout: time.Duration(geti(prefix+"_RESET_SECONDS", resetSeconds)) * time.Second,
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
func geti(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return d
}
func getf(k string, d float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return d
}
func getb(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}
func split(s, sep string) []string {
	if s == "" {
		return nil
	}
	p := strings.Split(s, sep)
	out := make([]string, 0, len(p))
	for _, x := range p {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
