package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/guimove/fleetfit/internal/cloud/cloudtest"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/registrar"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	adjuster *Adjuster
	reg      *registrar.Registrar
	provider *cloudtest.Provider
	clock    *clocktesting.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registrar.NewMemoryStore()
	require.NoError(t, err)
	log, _ := test.NewNullLogger()
	fake := clocktesting.NewFakeClock(testStart)

	reg := registrar.New(store, "us-test-1", log)
	reg.Clock = fake
	t.Cleanup(func() { reg.Close() })

	provider := cloudtest.New(model.NewResources(4, 4))
	provider.Clock = fake

	a := NewAdjuster(reg, provider, log)
	a.Clock = fake
	a.Metrics = NewMetrics(prometheus.NewRegistry())
	return &fixture{adjuster: a, reg: reg, provider: provider, clock: fake}
}

// running registers an instance the provider also reports as running.
func (f *fixture) running(t *testing.T, address string, idleTimeout time.Duration, jobs ...model.Worker) {
	t.Helper()
	f.provider.AddInstance(address, true, f.clock.Now())
	f.register(t, address, idleTimeout, jobs...)
}

func (f *fixture) register(t *testing.T, address string, idleTimeout time.Duration, jobs ...model.Worker) {
	t.Helper()
	_, err := f.reg.RegisterInstance(context.Background(), model.Registration{
		Address:     address,
		Available:   model.NewResources(4, 4),
		InitialJobs: jobs,
		IdleTimeout: idleTimeout,
	})
	require.NoError(t, err)
}

func (f *fixture) registered(t *testing.T, address string) bool {
	t.Helper()
	_, err := f.reg.GetRegisteredInstance(context.Background(), address)
	if errors.Is(err, registrar.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestRunOnce_ScenarioC_PhantomDeregistered(t *testing.T) {
	f := newFixture(t)
	f.register(t, "10.1.0.1", time.Hour, model.Worker{ID: "worker-1", Resources: model.NewResources(1, 1)})

	res, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"10.1.0.1"}, res.PhantomsDeregistered)
	assert.False(t, f.registered(t, "10.1.0.1"))
	assert.Empty(t, f.provider.Terminated(), "nothing to terminate for a stopped instance")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.adjuster.Metrics.deregistrations.WithLabelValues(reasonNotRunning)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.adjuster.Metrics.passes))
}

func TestRunOnce_ScenarioD_IdleTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, "testhost-1", 10*time.Minute)

	rec, err := f.reg.GetRegisteredInstance(ctx, "testhost-1")
	require.NoError(t, err)
	ok, err := f.reg.AllocateJobsToInstance(ctx, rec, model.NewResources(1, 1), []string{"worker-1"})
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Step(time.Minute)
	ok, err = f.reg.DeallocateJobFromInstance(ctx, "testhost-1", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.adjuster.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Mutations(), "just went idle")
	assert.True(t, f.registered(t, "testhost-1"))

	f.clock.Step(10 * time.Minute)
	res, err = f.adjuster.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Mutations(), "idle for exactly the timeout")

	f.clock.Step(time.Second)
	res, err = f.adjuster.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"testhost-1"}, res.IdleTerminated)
	assert.False(t, f.registered(t, "testhost-1"))
	assert.Equal(t, []string{"testhost-1"}, f.provider.Terminated())
}

// interleavedRegistry runs between once, right after the pass has read its snapshot.
type interleavedRegistry struct {
	*registrar.Registrar
	between func()
}

func (r *interleavedRegistry) GetRegisteredInstances(ctx context.Context) ([]*model.InstanceRecord, error) {
	records, err := r.Registrar.GetRegisteredInstances(ctx)
	if r.between != nil {
		r.between()
		r.between = nil
	}
	return records, err
}

func TestRunOnce_IdleExpiryJudgedOnStoredRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, "testhost-1", 10*time.Minute)
	f.clock.Step(11 * time.Minute)

	// Expired in the snapshot, but it ran a job since.
	f.adjuster.Registrar = &interleavedRegistry{Registrar: f.reg, between: func() {
		rec, err := f.reg.GetRegisteredInstance(ctx, "testhost-1")
		require.NoError(t, err)
		ok, err := f.reg.AllocateJobsToInstance(ctx, rec, model.NewResources(1, 1), []string{"worker-1"})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = f.reg.DeallocateJobFromInstance(ctx, "testhost-1", "worker-1")
		require.NoError(t, err)
		require.True(t, ok)
	}}

	res, err := f.adjuster.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.IdleTerminated)
	assert.True(t, f.registered(t, "testhost-1"))
	assert.Empty(t, f.provider.Terminated())
}

func TestRunOnce_BusyAndUntimedInstancesKept(t *testing.T) {
	f := newFixture(t)
	f.running(t, "busy", time.Minute, model.Worker{ID: "worker-1", Resources: model.NewResources(1, 1)})
	f.running(t, "forever", 0)

	f.clock.Step(24 * time.Hour)
	res, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Checked)
	assert.Zero(t, res.Mutations())
	assert.True(t, f.registered(t, "busy"))
	assert.True(t, f.registered(t, "forever"))
}

func TestRunOnce_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "phantom", time.Minute)
	f.running(t, "idle", time.Minute)
	f.running(t, "busy", time.Minute, model.Worker{ID: "worker-1", Resources: model.NewResources(1, 1)})
	f.provider.AddInstance("orphan", true, testStart.Add(-time.Hour))
	f.clock.Step(2 * time.Minute)

	first, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Mutations())

	second, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Mutations())
	assert.Len(t, f.provider.Terminated(), 2)
}

func TestRunOnce_OrphanSweep(t *testing.T) {
	f := newFixture(t)
	f.provider.AddInstance("old-orphan", true, testStart.Add(-time.Hour))
	f.provider.AddInstance("young-orphan", true, testStart.Add(-time.Minute))
	f.provider.AddInstance("unmanaged", false, testStart.Add(-time.Hour))
	f.running(t, "registered", 0)

	res, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"old-orphan"}, res.OrphansTerminated)
	assert.True(t, f.provider.Running("young-orphan"))
	assert.True(t, f.provider.Running("unmanaged"))
	assert.True(t, f.provider.Running("registered"))

	f.adjuster.SweepOrphans = false
	f.clock.Step(time.Hour)
	res, err = f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.OrphansTerminated)
	assert.True(t, f.provider.Running("young-orphan"))
}

func TestRunOnce_ProviderErrorsDoNotAbort(t *testing.T) {
	f := newFixture(t)
	f.register(t, "phantom", 0)
	f.running(t, "flaky", 0)
	f.provider.RunningErr["flaky"] = errors.New("throttled")

	res, err := f.adjuster.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"phantom"}, res.PhantomsDeregistered)
	assert.True(t, f.registered(t, "flaky"), "unknown state leaves the record alone")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.adjuster.Metrics.errors.WithLabelValues("provider")))
}

func TestRunOnce_FailedTerminationIsSweptLater(t *testing.T) {
	f := newFixture(t)
	f.adjuster.OrphanGrace = 5 * time.Minute
	f.running(t, "testhost-1", time.Minute)
	f.provider.TerminateErr["testhost-1"] = errors.New("api down")
	f.clock.Step(2 * time.Minute)

	res, err := f.adjuster.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.False(t, f.registered(t, "testhost-1"), "deregistered before termination")
	assert.True(t, f.provider.Running("testhost-1"))

	delete(f.provider.TerminateErr, "testhost-1")
	f.clock.Step(5 * time.Minute)
	res, err = f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"testhost-1"}, res.OrphansTerminated)
	assert.False(t, f.provider.Running("testhost-1"))
}

func TestRunOnce_ChecksEveryInstanceOnce(t *testing.T) {
	f := newFixture(t)
	f.adjuster.Parallelism = 3
	for i := 0; i < 20; i++ {
		f.running(t, fmt.Sprintf("10.0.1.%d", i), 0)
	}

	res, err := f.adjuster.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Checked)
	assert.Equal(t, 20, f.provider.IsRunningCalls())
}

func TestRun_RepeatsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.adjuster.Clock = clock.RealClock{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.adjuster.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.adjuster.Metrics.passes) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
