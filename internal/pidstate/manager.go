// v0
// internal/pidstate/manager.go
package pidstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// Row is the persisted shape of one controller, unique on (ZoneID, PidType).
type Row struct {
	ZoneID       int64
	PidType      models.CorrectionType
	Integral     float64
	PrevError    *float64
	LastOutputMs int64
	Stats        json.RawMessage
	CurrentZone  string
	UpdatedAt    time.Time
}

// Store persists rows. UpsertPidState must replace an existing row.
type Store interface {
	UpsertPidState(ctx context.Context, row Row) error
	GetPidState(ctx context.Context, zoneID int64, ct models.CorrectionType) (Row, bool, error)
	DeletePidState(ctx context.Context, zoneID int64) error
}

const saveAllLimit = 8

// Manager saves and restores controller runtime state.
type Manager struct {
	store Store
	lg    *zap.SugaredLogger
	now   func() time.Time
}

// New returns a manager backed by store.
func New(store Store, lg *zap.SugaredLogger) *Manager {
	return &Manager{store: store, lg: lg, now: time.Now}
}

// ToRow converts a controller snapshot into its persisted form.
func ToRow(key pid.Key, s pid.State, now time.Time) (Row, error) {
	stats, err := json.Marshal(s.Stats)
	if err != nil {
		return Row{}, fmt.Errorf("encode stats: %w", err)
	}
	row := Row{
		ZoneID:      key.ZoneID,
		PidType:     key.Type,
		Integral:    s.Integral,
		Stats:       stats,
		CurrentZone: string(s.Band),
		UpdatedAt:   now,
	}
	if s.HasPrevError {
		pe := s.PrevError
		row.PrevError = &pe
	}
	if !s.LastOutputAt.IsZero() {
		row.LastOutputMs = s.LastOutputAt.UnixMilli()
	}
	return row, nil
}

// FromRow rebuilds a snapshot from a persisted row.
func FromRow(row Row) (pid.State, error) {
	s := pid.State{
		Integral: row.Integral,
		Band:     pid.ParseBand(row.CurrentZone),
	}
	if row.PrevError != nil {
		s.PrevError = *row.PrevError
		s.HasPrevError = true
	}
	if row.LastOutputMs > 0 {
		s.LastOutputAt = time.UnixMilli(row.LastOutputMs)
	}
	if len(row.Stats) > 0 && string(row.Stats) != "null" {
		if err := json.Unmarshal(row.Stats, &s.Stats); err != nil {
			return pid.State{}, fmt.Errorf("decode stats: %w", err)
		}
	}
	return s, nil
}

// Save persists the current state of c.
func (m *Manager) Save(ctx context.Context, key pid.Key, c *pid.Controller) error {
	row, err := ToRow(key, c.Snapshot(), m.now())
	if err != nil {
		return err
	}
	if err := m.store.UpsertPidState(ctx, row); err != nil {
		return fmt.Errorf("%w: save pid state zone=%d type=%s: %v", models.ErrPersistence, key.ZoneID, key.Type, err)
	}
	return nil
}

// Load reads the persisted state for key.
func (m *Manager) Load(ctx context.Context, key pid.Key) (pid.State, bool, error) {
	row, ok, err := m.store.GetPidState(ctx, key.ZoneID, key.Type)
	if err != nil {
		return pid.State{}, false, fmt.Errorf("%w: load pid state: %v", models.ErrPersistence, err)
	}
	if !ok {
		return pid.State{}, false, nil
	}
	s, err := FromRow(row)
	if err != nil {
		return pid.State{}, false, err
	}
	return s, true, nil
}

// Restore loads persisted state into c. Failures are logged and leave c untouched.
func (m *Manager) Restore(ctx context.Context, key pid.Key, c *pid.Controller) bool {
	s, ok, err := m.Load(ctx, key)
	if err != nil {
		m.lg.Warnw("pid_state_restore_failed", "zone", key.ZoneID, "type", key.Type, "error", err)
		return false
	}
	if !ok {
		return false
	}
	c.Restore(s)
	m.lg.Infow("pid_state_restored", "zone", key.ZoneID, "type", key.Type, "integral", s.Integral, "band", s.Band)
	return true
}

// SaveAll persists every controller in reg concurrently. One failed save does
// not stop the others; failures are joined into the returned error.
func (m *Manager) SaveAll(ctx context.Context, reg *pid.Registry) (int, error) {
	keys := reg.Keys()
	var (
		mu    sync.Mutex
		saved int
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(saveAllLimit)
	for _, key := range keys {
		key := key
		e, ok := reg.Get(key)
		if !ok {
			continue
		}
		g.Go(func() error {
			err := m.Save(ctx, key, e.Controller)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			saved++
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		m.lg.Warnw("pid_state_save_all_partial", "saved", saved, "failed", len(errs))
	}
	return saved, errors.Join(errs...)
}

// Delete removes all persisted state for a zone.
func (m *Manager) Delete(ctx context.Context, zoneID int64) error {
	if err := m.store.DeletePidState(ctx, zoneID); err != nil {
		return fmt.Errorf("%w: delete pid state zone=%d: %v", models.ErrPersistence, zoneID, err)
	}
	return nil
}
