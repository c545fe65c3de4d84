// v0
// internal/pidconfig/service.go
package pidconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// StoredConfig is a persisted PID config row.
type StoredConfig struct {
	Raw       json.RawMessage
	UpdatedAt time.Time
}

// Store is the persistence the service reads from.
type Store interface {
	GetPidConfig(ctx context.Context, zoneID int64, ct models.CorrectionType) (StoredConfig, bool, error)
	PidConfigUpdatedAt(ctx context.Context, zoneID int64, ct models.CorrectionType) (time.Time, bool, error)
}

type entry struct {
	cfg       pid.Config
	updatedAt time.Time
	persisted bool
}

// Service caches per-zone tuning and reloads it when the stored row changes.
type Service struct {
	store    Store
	defaults map[models.CorrectionType]pid.Config
	cache    *cache.Cache
	lg       *zap.SugaredLogger
}

// New builds a service. Entries live for ttl without a Get before being dropped.
func New(store Store, defaults map[models.CorrectionType]pid.Config, ttl time.Duration, lg *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		cache:    cache.New(ttl, 2*ttl),
		lg:       lg,
	}
}

func cacheKey(zoneID int64, ct models.CorrectionType) string {
	return fmt.Sprintf("%d:%s", zoneID, ct)
}

// Defaults returns the global tuning for a type.
func (s *Service) Defaults(ct models.CorrectionType) pid.Config {
	if d, ok := s.defaults[ct]; ok {
		return d
	}
	if ct == models.CorrectionEC {
		return pid.DefaultEC()
	}
	return pid.DefaultPH()
}

// Get returns the tuning for (zone, type) with setpoint applied. It never
// fails: storage problems fall back to cached values or to the defaults.
func (s *Service) Get(ctx context.Context, zoneID int64, ct models.CorrectionType, setpoint float64) pid.Config {
	key := cacheKey(zoneID, ct)
	if v, ok := s.cache.Get(key); ok {
		e := v.(entry)
		updatedAt, exists, err := s.store.PidConfigUpdatedAt(ctx, zoneID, ct)
		switch {
		case err != nil:
			s.lg.Warnw("pid_config_staleness_check_failed", "zone", zoneID, "type", ct, "error", err)
			return withSetpoint(e.cfg, setpoint)
		case exists == e.persisted && (!exists || updatedAt.Equal(e.updatedAt)):
			s.cache.SetDefault(key, e)
			return withSetpoint(e.cfg, setpoint)
		}
		s.lg.Infow("pid_config_changed", "zone", zoneID, "type", ct, "updated_at", updatedAt)
	}
	e, err := s.load(ctx, zoneID, ct)
	if err != nil {
		s.lg.Warnw("pid_config_load_failed", "zone", zoneID, "type", ct, "error", err)
		return withSetpoint(s.Defaults(ct), setpoint)
	}
	s.cache.SetDefault(key, e)
	return withSetpoint(e.cfg, setpoint)
}

// Invalidate evicts a cached entry.
func (s *Service) Invalidate(zoneID int64, ct models.CorrectionType) {
	s.cache.Delete(cacheKey(zoneID, ct))
}

// InvalidateZone evicts every type of a zone.
func (s *Service) InvalidateZone(zoneID int64) {
	s.Invalidate(zoneID, models.CorrectionPH)
	s.Invalidate(zoneID, models.CorrectionEC)
}

func (s *Service) load(ctx context.Context, zoneID int64, ct models.CorrectionType) (entry, error) {
	row, ok, err := s.store.GetPidConfig(ctx, zoneID, ct)
	if err != nil {
		return entry{}, err
	}
	if !ok {
		return entry{cfg: s.Defaults(ct)}, nil
	}
	cfg, problems := Convert(row.Raw, s.Defaults(ct))
	for _, p := range problems {
		s.lg.Warnw("pid_config_malformed", "zone", zoneID, "type", ct, "problem", p)
	}
	return entry{cfg: cfg, updatedAt: row.UpdatedAt, persisted: true}, nil
}

func withSetpoint(cfg pid.Config, sp float64) pid.Config {
	cfg.Setpoint = sp
	return cfg
}
