// v0
// internal/alerts/alerts_test.go
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

type memStore struct {
	active map[string]json.RawMessage
	err    error
}

func key(zoneID int64, code string) string { return fmt.Sprintf("%d/%s", zoneID, code) }

func (s *memStore) InsertActiveAlert(_ context.Context, zoneID int64, code string, details json.RawMessage) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.active[key(zoneID, code)]; ok {
		return false, nil
	}
	s.active[key(zoneID, code)] = details
	return true, nil
}

func (s *memStore) ResolveActiveAlert(_ context.Context, zoneID int64, code string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.active[key(zoneID, code)]; !ok {
		return false, nil
	}
	delete(s.active, key(zoneID, code))
	return true, nil
}

func TestEnsureIsIdempotent(t *testing.T) {
	st := &memStore{active: map[string]json.RawMessage{}}
	m := New(st, zap.NewNop().Sugar())

	created, err := m.Ensure(context.Background(), 1, CodeTelemetryStale, map[string]any{"age_minutes": 45})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.Ensure(context.Background(), 1, CodeTelemetryStale, map[string]any{"age_minutes": 50})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, st.active, 1)
	assert.JSONEq(t, `{"age_minutes":45}`, string(st.active[key(1, CodeTelemetryStale)]))
}

func TestResolve(t *testing.T) {
	st := &memStore{active: map[string]json.RawMessage{}}
	m := New(st, zap.NewNop().Sugar())
	_, _ = m.Ensure(context.Background(), 1, CodeTelemetryStale, nil)

	resolved, err := m.Resolve(context.Background(), 1, CodeTelemetryStale)
	require.NoError(t, err)
	assert.True(t, resolved)

	resolved, err = m.Resolve(context.Background(), 1, CodeTelemetryStale)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestStoreErrorsWrapPersistence(t *testing.T) {
	st := &memStore{err: errors.New("conn reset")}
	m := New(st, zap.NewNop().Sugar())
	_, err := m.Ensure(context.Background(), 1, CodeECPartialDose, nil)
	assert.ErrorIs(t, err, models.ErrPersistence)
	_, err = m.Resolve(context.Background(), 1, CodeECPartialDose)
	assert.ErrorIs(t, err, models.ErrPersistence)
}
