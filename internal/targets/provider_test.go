// v0
// internal/targets/provider_test.go
package targets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/circuitbreaker"
)

func TestBatchParsesTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, batchPath, r.URL.Path)
		assert.Equal(t, "1,2", r.URL.Query().Get("zone_ids"))
		_, _ = w.Write([]byte(`{"data":{"1":{"ph":{"target":6.0},"ec":{"target":1.6}},"2":{"ph":{"target":5.8}}}}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/", srv.Client(), time.Hour, zap.NewNop().Sugar())
	got, err := p.Batch(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[1].PH)
	require.NotNil(t, got[1].EC)
	assert.Equal(t, 6.0, *got[1].PH)
	assert.Equal(t, 1.6, *got[1].EC)
	assert.Equal(t, 5.8, *got[2].PH)
	assert.Nil(t, got[2].EC)
}

func TestBatchFallsBackToLastKnown(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"1":{"ph":{"target":6.2}}}}`))
	}))
	defer srv.Close()

	client := circuitbreaker.NewHTTPClient("targets", circuitbreaker.Config{MaxFailures: 1, ResetTimeout: time.Minute}, "", srv.Client(), zap.NewNop().Sugar())
	p := New(srv.URL, client, time.Hour, zap.NewNop().Sugar())

	_, err := p.Batch(context.Background(), []int64{1, 2})
	require.NoError(t, err)

	fail.Store(true)
	got, err := p.Batch(context.Background(), []int64{1, 2})
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 6.2, *got[1].PH)

	got, err = p.Batch(context.Background(), []int64{1})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Len(t, got, 1)
}

func TestBatchEmpty(t *testing.T) {
	p := New("http://unused", http.DefaultClient, time.Hour, zap.NewNop().Sugar())
	got, err := p.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
