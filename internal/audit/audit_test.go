// v0
// internal/audit/audit_test.go
package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"nrgchamp/growcontrol/internal/models"
)

type fakeStore struct {
	zones     map[int64]bool
	inserted  []Entry
	insertErr error
}

func (f *fakeStore) ZoneExists(_ context.Context, zoneID int64) (bool, error) {
	return f.zones[zoneID], nil
}

func (f *fakeStore) InsertCommand(_ context.Context, e Entry) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, e)
	return nil
}

func cmd(zoneID int64) models.Command {
	return models.Command{ZoneID: zoneID, NodeUID: "nd-1", Channel: "pump_acid", Cmd: "dose", Params: map[string]any{"ms": 1200}}
}

func TestRecordWritesForExistingZone(t *testing.T) {
	st := &fakeStore{zones: map[int64]bool{1: true}}
	a := New(st, zap.NewNop().Sugar())
	ok, err := a.Record(context.Background(), "c-1", cmd(1), StatusSent)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, st.inserted, 1)
	assert.Equal(t, "c-1", st.inserted[0].CmdID)
	assert.JSONEq(t, `{"ms":1200}`, string(st.inserted[0].Params))
}

func TestMissingZoneWarnsOnceUntilItReappears(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st := &fakeStore{zones: map[int64]bool{}}
	a := New(st, zap.New(core).Sugar())

	for i := 0; i < 5; i++ {
		ok, err := a.Record(context.Background(), "c", cmd(9), StatusSent)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, logs.FilterMessage("command_audit_zone_missing").Len())
	assert.Empty(t, st.inserted)

	st.zones[9] = true
	ok, err := a.Record(context.Background(), "c", cmd(9), StatusSent)
	require.NoError(t, err)
	assert.True(t, ok)

	st.zones[9] = false
	_, _ = a.Record(context.Background(), "c", cmd(9), StatusSent)
	assert.Equal(t, 2, logs.FilterMessage("command_audit_zone_missing").Len())
}

func TestInsertFailureIsReturned(t *testing.T) {
	st := &fakeStore{zones: map[int64]bool{1: true}, insertErr: errors.New("disk full")}
	a := New(st, zap.NewNop().Sugar())
	ok, err := a.Record(context.Background(), "c", cmd(1), StatusFailed)
	assert.False(t, ok)
	assert.ErrorIs(t, err, models.ErrPersistence)
}
