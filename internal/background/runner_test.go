package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	syncs atomic.Int32
	warms atomic.Int32
	fail  atomic.Bool
}

func (f *fakeValidator) Sync(context.Context) (bool, error) {
	f.syncs.Add(1)
	if f.fail.Load() {
		return false, errors.New("licensing server unreachable")
	}
	return true, nil
}

func (f *fakeValidator) WarmCache(context.Context, time.Duration) int {
	f.warms.Add(1)
	return 1
}

type fakeAddons struct{ refreshes atomic.Int32 }

func (f *fakeAddons) Refresh(context.Context) (int, error) {
	f.refreshes.Add(1)
	return 0, nil
}

func TestAddJobValidation(t *testing.T) {
	r := NewRunner(zerolog.Nop(), nil)
	require.Error(t, r.AddJob(Job{Name: "", Interval: time.Second, Fn: func(context.Context) error { return nil }}))
	require.Error(t, r.AddJob(Job{Name: "x", Interval: 0, Fn: func(context.Context) error { return nil }}))
	require.NoError(t, r.AddJob(Job{Name: "x", Interval: time.Second, Fn: func(context.Context) error { return nil }}))
	require.Error(t, r.AddJob(Job{Name: "x", Interval: time.Second, Fn: func(context.Context) error { return nil }}))
}

func TestRunnerTicksAndStops(t *testing.T) {
	r := NewRunner(zerolog.Nop(), nil)
	var ticks atomic.Int32
	require.NoError(t, r.AddJob(Job{
		Name:       "tick",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Fn: func(context.Context) error {
			ticks.Add(1)
			return nil
		},
	}))

	var serviceStopped atomic.Bool
	r.AddService("svc", RunnableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		serviceStopped.Store(true)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.True(t, serviceStopped.Load())
	assert.Error(t, r.Run(context.Background()), "runner cannot be restarted")
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRunner(zerolog.Nop(), m)

	var good, bad atomic.Int32
	require.NoError(t, r.AddJob(Job{Name: "bad", Interval: 5 * time.Millisecond, Fn: func(context.Context) error {
		bad.Add(1)
		return errors.New("boom")
	}}))
	require.NoError(t, r.AddJob(Job{Name: "panics", Interval: 5 * time.Millisecond, Fn: func(context.Context) error {
		panic("unexpected")
	}}))
	require.NoError(t, r.AddJob(Job{Name: "good", Interval: 5 * time.Millisecond, Fn: func(context.Context) error {
		good.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return bad.Load() >= 2 && good.Load() >= 2 && len(r.Status()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	status := r.Status()
	assert.Equal(t, "boom", status["bad"].Error)
	assert.Contains(t, status["panics"].Error, "panicked")
	assert.Empty(t, status["good"].Error)

	series, err := testutil.GatherAndCount(reg, "pulse_license_background_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestLicensingRunnerJobs(t *testing.T) {
	v := &fakeValidator{}
	a := &fakeAddons{}
	r, err := NewLicensingRunner(Deps{Validator: v, Addons: a}, Intervals{}, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.RunNow(ctx, JobLicenseSync))
	require.NoError(t, r.RunNow(ctx, JobCacheWarm))
	require.NoError(t, r.RunNow(ctx, JobAddonRefresh))
	require.Error(t, r.RunNow(ctx, "missing"))

	assert.Equal(t, int32(1), v.syncs.Load())
	assert.Equal(t, int32(1), v.warms.Load())
	assert.Equal(t, int32(1), a.refreshes.Load())

	v.fail.Store(true)
	err = r.RunNow(ctx, JobLicenseSync)
	require.Error(t, err)
	assert.Contains(t, r.Status()[JobLicenseSync].Error, "unreachable")
}

func TestLicensingRunnerSyncsOnStart(t *testing.T) {
	v := &fakeValidator{}
	r, err := NewLicensingRunner(Deps{Validator: v}, Intervals{Sync: time.Hour, Warm: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return v.syncs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, v.warms.Load(), "warming waits for its first tick")
}
