// v0
// internal/pid/pid_test.go
package pid

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/growcontrol/internal/models"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig() Config {
	return Config{
		Setpoint:    6.0,
		DeadZone:    0.2,
		CloseZone:   0.5,
		FarZone:     1.0,
		Close:       Coefficients{Kp: 5},
		Far:         Coefficients{Kp: 12},
		MaxOutput:   20,
		MinOutput:   0,
		MaxIntegral: 10,
		MinInterval: time.Minute,
	}
}

func TestComputeDeadZoneReturnsZero(t *testing.T) {
	c := New(testConfig(), WithClock(newClock().now))
	out := c.Compute(6.05, time.Second)
	assert.Equal(t, 0.0, out)
	assert.Equal(t, BandDead, c.Band())
	assert.Equal(t, 0.0, c.Integral())
}

func TestComputeFarZoneProportional(t *testing.T) {
	c := New(testConfig(), WithClock(newClock().now))
	out := c.Compute(6.8, time.Second)
	assert.InDelta(t, 9.6, out, 1e-9)
	assert.Equal(t, BandFar, c.Band())
	assert.Equal(t, int64(1), c.Snapshot().Stats.CorrectionCount)
}

func TestComputeFarZoneClampedToMaxOutput(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutput = 5
	c := New(cfg, WithClock(newClock().now))
	assert.Equal(t, 5.0, c.Compute(7.5, time.Second))
}

func TestComputeMinIntervalGate(t *testing.T) {
	clk := newClock()
	c := New(testConfig(), WithClock(clk.now))
	require.Greater(t, c.Compute(6.8, time.Second), 0.0)

	clk.advance(30 * time.Second)
	assert.Equal(t, 0.0, c.Compute(6.8, 30*time.Second))

	clk.advance(31 * time.Second)
	assert.Greater(t, c.Compute(6.8, 31*time.Second), 0.0)
}

func TestEmergencyStopAndResume(t *testing.T) {
	c := New(testConfig(), WithClock(newClock().now))
	c.EmergencyStop()
	assert.Equal(t, 0.0, c.Compute(7.0, time.Second))
	c.Resume()
	assert.Greater(t, c.Compute(7.0, time.Second), 0.0)
}

func TestAntiWindupDecaysIntegralWhenSaturated(t *testing.T) {
	clk := newClock()
	cfg := testConfig()
	cfg.Far = Coefficients{Kp: 100, Ki: 1}
	cfg.MinInterval = 0
	c := New(cfg, WithClock(clk.now))
	c.Restore(State{Integral: 4})

	c.Compute(7.0, time.Second)
	assert.InDelta(t, 3.8, c.Integral(), 1e-9)
}

func TestIntegralAccumulatesBelowSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.Close = Coefficients{Kp: 1, Ki: 0.5}
	cfg.MinInterval = 0
	c := New(cfg, WithClock(newClock().now))

	c.Compute(5.6, 2*time.Second)
	assert.InDelta(t, 0.8, c.Integral(), 1e-9)
}

func TestDerivativeUsesPreviousError(t *testing.T) {
	cfg := testConfig()
	cfg.Far = Coefficients{Kp: 0, Kd: 1}
	cfg.MinInterval = 0
	c := New(cfg, WithClock(newClock().now))

	assert.Equal(t, 0.0, c.Compute(7.0, time.Second))
	// error went from -1.0 to -1.5 in 1s
	assert.InDelta(t, 0.5, c.Compute(7.5, time.Second), 1e-9)
}

func TestUpdateSetpointResetsOnChange(t *testing.T) {
	cfg := testConfig()
	cfg.Close = Coefficients{Kp: 1, Ki: 1}
	cfg.MinInterval = 0
	c := New(cfg, WithClock(newClock().now))
	c.Compute(5.6, time.Second)
	require.NotZero(t, c.Integral())

	c.UpdateSetpoint(6.0 + 1e-9)
	assert.NotZero(t, c.Integral())

	c.UpdateSetpoint(6.5)
	assert.Zero(t, c.Integral())
	assert.False(t, c.Snapshot().HasPrevError)
}

func TestAutotuneAdjustsActiveBand(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAutotune = true
	cfg.AdaptationRate = 0.1
	cfg.MinInterval = 0
	c := New(cfg, WithClock(newClock().now))

	c.Compute(6.7, time.Second)
	c.Compute(6.9, time.Second)
	assert.InDelta(t, 13.2, c.Config().Far.Kp, 1e-9)

	c.Compute(6.8, time.Second)
	assert.InDelta(t, 13.2*0.9, c.Config().Far.Kp, 1e-9)
	assert.Equal(t, 5.0, c.Config().Close.Kp)
}

func TestAutotuneRespectsBounds(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAutotune = true
	cfg.AdaptationRate = 0.9
	cfg.Far = Coefficients{Kp: 90, Ki: 9}
	cfg.MinInterval = 0
	c := New(cfg, WithClock(newClock().now))
	for i := 0; i < 10; i++ {
		c.Compute(7.0+float64(i)*0.1, time.Second)
	}
	assert.LessOrEqual(t, c.Config().Far.Kp, maxKp)
	assert.LessOrEqual(t, c.Config().Far.Ki, maxKi)
}

func TestOutputAndIntegralStayBounded(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	clk := newClock()
	cfg := testConfig()
	cfg.Close = Coefficients{Kp: 8, Ki: 2, Kd: 1}
	cfg.Far = Coefficients{Kp: 20, Ki: 4, Kd: 2}
	cfg.MinOutput = 0.5
	cfg.MinInterval = 0
	cfg.EnableAutotune = true
	cfg.AdaptationRate = 0.2
	c := New(cfg, WithClock(clk.now))

	for i := 0; i < 2000; i++ {
		dt := time.Duration(rnd.Intn(5000)+1) * time.Millisecond
		clk.advance(dt)
		out := c.Compute(3+rnd.Float64()*6, dt)
		if out != 0 {
			require.GreaterOrEqual(t, out, cfg.MinOutput)
			require.LessOrEqual(t, out, cfg.MaxOutput)
		}
		require.LessOrEqual(t, math.Abs(c.Integral()), cfg.MaxIntegral)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clk := newClock()
	c := New(testConfig(), WithClock(clk.now))
	c.Compute(6.8, time.Second)
	s := c.Snapshot()

	d := New(testConfig(), WithClock(clk.now))
	d.Restore(s)
	assert.Equal(t, s, d.Snapshot())
	// restored last output still gates
	assert.Equal(t, 0.0, d.Compute(6.8, time.Second))
}

func TestRegistryEvict(t *testing.T) {
	r := NewRegistry()
	build := func() *Controller { return New(testConfig()) }
	_, created := r.GetOrCreate(Key{ZoneID: 1, Type: "ph"}, build)
	assert.True(t, created)
	_, created = r.GetOrCreate(Key{ZoneID: 1, Type: "ph"}, build)
	assert.False(t, created)
	r.GetOrCreate(Key{ZoneID: 1, Type: "ec"}, build)
	r.GetOrCreate(Key{ZoneID: 2, Type: "ph"}, build)

	assert.Equal(t, []int64{1, 2}, r.ZoneIDs())
	assert.Len(t, r.Evict(1), 2)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryViews(t *testing.T) {
	r := NewRegistry()
	build := func() *Controller { return New(testConfig()) }
	r.Publish(Key{ZoneID: 1, Type: "ph"}, View{Type: "ph"})
	assert.Empty(t, r.Views(1))

	r.GetOrCreate(Key{ZoneID: 1, Type: "ph"}, build)
	r.GetOrCreate(Key{ZoneID: 1, Type: "ec"}, build)
	r.Publish(Key{ZoneID: 1, Type: "ph"}, View{Type: "ph", Output: 2})
	r.Publish(Key{ZoneID: 1, Type: "ec"}, View{Type: "ec", Output: 5})
	views := r.Views(1)
	assert.Len(t, views, 2)
	assert.Equal(t, models.CorrectionType("ec"), views[0].Type)

	r.Remove(Key{ZoneID: 1, Type: "ec"})
	assert.Len(t, r.Views(1), 1)
	r.Evict(1)
	assert.Empty(t, r.Views(1))
}
