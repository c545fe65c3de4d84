// v0
// internal/events/sink_test.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

type memStore struct {
	events []models.ZoneEvent
	err    error
}

func (m *memStore) InsertEvent(_ context.Context, ev models.ZoneEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

type memWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func newSink(store Store, w Writer) *Sink {
	s := New(store, w, "zone.events.", zap.NewNop().Sugar())
	s.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }
	s.newID = func() string { return "ev-1" }
	return s
}

func TestEmitStoresAndMirrors(t *testing.T) {
	st, w := &memStore{}, &memWriter{}
	err := newSink(st, w).Emit(context.Background(), 12, models.EventPHCorrected, map[string]any{"ml": 1.5})
	require.NoError(t, err)

	require.Len(t, st.events, 1)
	assert.Equal(t, "ev-1", st.events[0].ID)
	assert.JSONEq(t, `{"ml":1.5}`, string(st.events[0].Payload))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "zone.events.12", w.msgs[0].Topic)
	assert.Equal(t, "12", string(w.msgs[0].Key))
	var ev models.ZoneEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, models.EventPHCorrected, ev.Type)
}

func TestEmitMirrorFailureIsNotAnError(t *testing.T) {
	st := &memStore{}
	err := newSink(st, &memWriter{err: errors.New("leader not available")}).
		Emit(context.Background(), 1, models.EventPIDOutput, map[string]any{})
	require.NoError(t, err)
	assert.Len(t, st.events, 1)
}

func TestEmitStoreFailureSkipsMirror(t *testing.T) {
	w := &memWriter{}
	err := newSink(&memStore{err: errors.New("db down")}, w).
		Emit(context.Background(), 1, models.EventPIDOutput, map[string]any{})
	assert.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestEmitWithoutWriter(t *testing.T) {
	st := &memStore{}
	require.NoError(t, newSink(st, nil).Emit(context.Background(), 3, models.EventFreshnessSkip, nil))
	assert.JSONEq(t, `null`, string(st.events[0].Payload))
}
