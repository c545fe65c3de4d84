// v0
// internal/audit/audit.go
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

// Entry is one row of the commands table.
type Entry struct {
	CmdID     string
	ZoneID    int64
	NodeUID   string
	Channel   string
	Cmd       string
	Params    json.RawMessage
	Status    string
	CreatedAt time.Time
}

// Command statuses.
const (
	StatusSent   = "SENT"
	StatusFailed = "FAILED"
)

// Store is the persistence used by CommandAudit.
type Store interface {
	ZoneExists(ctx context.Context, zoneID int64) (bool, error)
	InsertCommand(ctx context.Context, e Entry) error
}

// CommandAudit records issued commands for zones that still exist. A missing
// zone is warned about once until it is seen again.
type CommandAudit struct {
	store Store
	lg    *zap.SugaredLogger
	now   func() time.Time

	mu      sync.Mutex
	missing map[int64]struct{}
}

func New(store Store, lg *zap.SugaredLogger) *CommandAudit {
	return &CommandAudit{store: store, lg: lg, now: time.Now, missing: make(map[int64]struct{})}
}

// Record writes the command. It reports whether a row was written; a skipped
// row for a missing zone is not an error.
func (a *CommandAudit) Record(ctx context.Context, cmdID string, cmd models.Command, status string) (bool, error) {
	exists, err := a.store.ZoneExists(ctx, cmd.ZoneID)
	if err != nil {
		a.lg.Warnw("command_audit_zone_check_failed", "zone", cmd.ZoneID, "cmd_id", cmdID, "error", err)
		return false, fmt.Errorf("%w: zone check: %v", models.ErrPersistence, err)
	}
	if !exists {
		if a.markMissing(cmd.ZoneID) {
			a.lg.Warnw("command_audit_zone_missing", "zone", cmd.ZoneID, "cmd_id", cmdID, "cmd", cmd.Cmd)
		}
		return false, nil
	}
	a.clearMissing(cmd.ZoneID)

	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return false, fmt.Errorf("encode params: %w", err)
	}
	e := Entry{
		CmdID:     cmdID,
		ZoneID:    cmd.ZoneID,
		NodeUID:   cmd.NodeUID,
		Channel:   cmd.Channel,
		Cmd:       cmd.Cmd,
		Params:    params,
		Status:    status,
		CreatedAt: a.now(),
	}
	if err := a.store.InsertCommand(ctx, e); err != nil {
		a.lg.Warnw("command_audit_insert_failed", "zone", cmd.ZoneID, "cmd_id", cmdID, "error", err)
		return false, fmt.Errorf("%w: insert command: %v", models.ErrPersistence, err)
	}
	return true, nil
}

func (a *CommandAudit) markMissing(zoneID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.missing[zoneID]; seen {
		return false
	}
	a.missing[zoneID] = struct{}{}
	return true
}

func (a *CommandAudit) clearMissing(zoneID int64) {
	a.mu.Lock()
	delete(a.missing, zoneID)
	a.mu.Unlock()
}
