// v0
// internal/alerts/alerts.go
package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

// Alert codes raised by the correction loop.
const (
	CodeTelemetryStale = "TELEMETRY_STALE"
	CodeECPartialDose  = "EC_PARTIAL_DOSE"
)

// Store keeps at most one ACTIVE alert per (zone, code).
type Store interface {
	// InsertActiveAlert creates an ACTIVE alert and reports false when one already exists.
	InsertActiveAlert(ctx context.Context, zoneID int64, code string, details json.RawMessage) (bool, error)
	// ResolveActiveAlert marks the ACTIVE alert resolved and reports false when none was active.
	ResolveActiveAlert(ctx context.Context, zoneID int64, code string) (bool, error)
}

// Manager drives the ensure/resolve lifecycle.
type Manager struct {
	store Store
	lg    *zap.SugaredLogger
}

func New(store Store, lg *zap.SugaredLogger) *Manager {
	return &Manager{store: store, lg: lg}
}

// Ensure raises the alert unless it is already active. Repeated calls are no-ops.
func (m *Manager) Ensure(ctx context.Context, zoneID int64, code string, details map[string]any) (bool, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode alert details: %w", err)
	}
	created, err := m.store.InsertActiveAlert(ctx, zoneID, code, raw)
	if err != nil {
		return false, fmt.Errorf("%w: ensure alert %s zone=%d: %v", models.ErrPersistence, code, zoneID, err)
	}
	if created {
		m.lg.Warnw("alert_raised", "zone", zoneID, "code", code, "details", details)
	}
	return created, nil
}

// Resolve clears the active alert if there is one.
func (m *Manager) Resolve(ctx context.Context, zoneID int64, code string) (bool, error) {
	resolved, err := m.store.ResolveActiveAlert(ctx, zoneID, code)
	if err != nil {
		return false, fmt.Errorf("%w: resolve alert %s zone=%d: %v", models.ErrPersistence, code, zoneID, err)
	}
	if resolved {
		m.lg.Infow("alert_resolved", "zone", zoneID, "code", code)
	}
	return resolved, nil
}
