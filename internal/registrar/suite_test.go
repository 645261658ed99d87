package registrar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/guimove/fleetfit/internal/model"
)

const testRegion = "us-test-1"

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func newTestRegistrar(t *testing.T, store Store) (*Registrar, *clocktesting.FakeClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fakeClock := clocktesting.NewFakeClock(testStart)
	r := New(store, testRegion, logger)
	r.Clock = fakeClock
	r.Backoff = wait.Backoff{Steps: 20, Duration: time.Millisecond, Factor: 1.5, Jitter: 0.5, Cap: 20 * time.Millisecond}
	t.Cleanup(func() { _ = r.Close() })
	return r, fakeClock
}

func register(t *testing.T, r *Registrar, address string, available model.Resources, jobs ...model.Worker) *model.InstanceRecord {
	t.Helper()
	rec, err := r.RegisterInstance(context.Background(), model.Registration{
		Address:     address,
		Name:        address + "-name",
		Available:   available,
		InitialJobs: jobs,
		IdleTimeout: time.Minute,
	})
	require.NoError(t, err)
	return rec
}

func available(t *testing.T, r *Registrar, address string) model.Resources {
	t.Helper()
	rec, err := r.GetRegisteredInstance(context.Background(), address)
	require.NoError(t, err)
	return rec.AvailableResources()
}

// runConformance checks the registrar contract against one backing store.
func runConformance(t *testing.T, newStore storeFactory) {
	tests := map[string]func(t *testing.T, r *Registrar, clk *clocktesting.FakeClock){
		"register and get":          testRegisterAndGet,
		"duplicate registration":    testDuplicateRegistration,
		"allocation round trip":     testAllocationRoundTrip,
		"insufficient resources":    testInsufficientResources,
		"repeated worker ids":       testRepeatedWorkerIDs,
		"stale snapshot":            testStaleSnapshot,
		"unknown instance":          testUnknownInstance,
		"deregister":                testDeregister,
		"idle timestamps":           testIdleTimestamps,
		"snapshot sorted":           testSnapshotSorted,
		"concurrent allocations":    testConcurrentAllocations,
		"store conditional writes":  testStoreConditionalWrites,
		"custom resources persist":  testCustomResourcesPersist,
		"deregister after allocate": testDeregisterAfterAllocate,
		"reregistered address":      testReregisteredAddress,
		"fractional jobs":           testFractionalJobs,
		"deregister idle instance":  testDeregisterIdleInstance,
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			r, clk := newTestRegistrar(t, newStore(t))
			tc(t, r, clk)
		})
	}
}

func testRegisterAndGet(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "testhost-2", model.NewResources(32, 4),
		model.Worker{ID: "worker-1", Resources: model.NewResources(1, 2)})
	assert.NotEmpty(t, rec.Version)

	got, err := r.GetRegisteredInstance(ctx, "testhost-2")
	require.NoError(t, err)
	assert.Equal(t, "testhost-2-name", got.Name)
	assert.True(t, got.TotalResources.Equal(model.NewResources(33, 6)), "total %v", got.TotalResources)
	assert.True(t, got.AvailableResources().Equal(model.NewResources(32, 4)), "available %v", got.AvailableResources())
	assert.Equal(t, []string{"worker-1"}, got.WorkerIDs())
	assert.Equal(t, time.Minute, got.IdleTimeout)
	assert.Nil(t, got.IdleSince)
	assert.True(t, got.RegisteredAt.Equal(testStart))
	assert.Equal(t, rec.Version, got.Version)
}

func testDuplicateRegistration(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	register(t, r, "testhost-1", model.NewResources(64, 8))

	_, err := r.RegisterInstance(ctx, model.Registration{Address: "testhost-1", Available: model.NewResources(1, 1)})
	assert.True(t, errors.Is(err, ErrDuplicateInstance), "got %v", err)

	assert.True(t, available(t, r, "testhost-1").Equal(model.NewResources(64, 8)))
}

// testAllocationRoundTrip walks through allocating and freeing workers on two
// instances registered with and without initial jobs.
func testAllocationRoundTrip(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	h1 := register(t, r, "testhost-1", model.NewResources(64, 8))
	register(t, r, "testhost-2", model.NewResources(32, 4),
		model.Worker{ID: "worker-1", Resources: model.NewResources(1, 2)})

	ok, err := r.DeallocateJobFromInstance(ctx, "testhost-2", "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, available(t, r, "testhost-2").Equal(model.NewResources(33, 6)))

	ok, err = r.DeallocateJobFromInstance(ctx, "testhost-2", "worker-1")
	require.NoError(t, err)
	assert.False(t, ok, "second deallocation must report false")

	ok, err = r.AllocateJobsToInstance(ctx, h1, model.NewResources(4, 2), []string{"worker-2", "worker-3"})
	require.NoError(t, err)
	assert.True(t, ok)

	h1, err = r.GetRegisteredInstance(ctx, "testhost-1")
	require.NoError(t, err)
	ok, err = r.AllocateJobsToInstance(ctx, h1, model.NewResources(3, 1), []string{"worker-4"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, available(t, r, "testhost-1").Equal(model.NewResources(53, 3)))

	ok, err = r.DeallocateJobFromInstance(ctx, "testhost-1", "worker-4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, available(t, r, "testhost-1").Equal(model.NewResources(56, 4)))

	h1, err = r.GetRegisteredInstance(ctx, "testhost-1")
	require.NoError(t, err)
	ok, err = r.AllocateJobsToInstance(ctx, h1, model.NewResources(1, 1), []string{"worker-2"})
	require.NoError(t, err)
	assert.False(t, ok, "reused worker id must be rejected")
	assert.True(t, available(t, r, "testhost-1").Equal(model.NewResources(56, 4)))
}

func testInsufficientResources(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "small", model.NewResources(4, 2))

	ok, err := r.AllocateJobsToInstance(ctx, rec, model.NewResources(2, 1), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.GetRegisteredInstance(ctx, "small")
	require.NoError(t, err)
	assert.Empty(t, got.Workers, "a failed allocation must commit nothing")
	assert.Equal(t, rec.Version, got.Version)

	ok, err = r.AllocateJobsToInstance(ctx, got, model.Resources{Custom: map[string]float64{"gpu": 1}}, []string{"a"})
	require.NoError(t, err)
	assert.False(t, ok, "missing custom resource must not fit")
}

func testRepeatedWorkerIDs(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	rec := register(t, r, "host", model.NewResources(16, 16))
	ok, err := r.AllocateJobsToInstance(context.Background(), rec, model.NewResources(1, 1), []string{"w", "w"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, available(t, r, "host").Equal(model.NewResources(16, 16)))
}

func testStaleSnapshot(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	stale := register(t, r, "host", model.NewResources(8, 4))

	fresh, err := r.GetRegisteredInstance(ctx, "host")
	require.NoError(t, err)
	ok, err := r.AllocateJobsToInstance(ctx, fresh, model.NewResources(2, 1), []string{"first"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AllocateJobsToInstance(ctx, stale, model.NewResources(2, 1), []string{"second"})
	require.NoError(t, err)
	assert.True(t, ok, "a stale snapshot is retried against the stored record")

	got, err := r.GetRegisteredInstance(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got.WorkerIDs())

	// The stale copy thinks there is room for four more, the stored record for two.
	ok, err = r.AllocateJobsToInstance(ctx, stale, model.NewResources(2, 1), []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.False(t, ok)

	// The stale copy thinks "first" is free, the stored record knows better.
	ok, err = r.AllocateJobsToInstance(ctx, stale, model.NewResources(1, 0), []string{"first"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUnknownInstance(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()

	_, err := r.GetRegisteredInstance(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ok, err := r.AllocateJobsToInstance(ctx, &model.InstanceRecord{Address: "ghost"}, model.NewResources(1, 1), []string{"w"})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ok, err = r.DeallocateJobFromInstance(ctx, "ghost", "w")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.DeregisterInstance(ctx, "ghost", false)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func testDeregister(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	register(t, r, "busy", model.NewResources(8, 8), model.Worker{ID: "w", Resources: model.NewResources(1, 1)})

	ok, err := r.DeregisterInstance(ctx, "busy", true)
	require.NoError(t, err)
	assert.False(t, ok, "instance with workers must be kept")
	_, err = r.GetRegisteredInstance(ctx, "busy")
	require.NoError(t, err)

	ok, err = r.DeregisterInstance(ctx, "busy", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DeregisterInstance(ctx, "busy", false)
	require.NoError(t, err)
	assert.False(t, ok, "second deregistration must report false")

	records, err := r.GetRegisteredInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testIdleTimestamps(t *testing.T, r *Registrar, clk *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "host", model.NewResources(8, 8))
	require.NotNil(t, rec.IdleSince)
	assert.True(t, rec.IdleSince.Equal(testStart))

	ok, err := r.AllocateJobsToInstance(ctx, rec, model.NewResources(1, 1), []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetRegisteredInstance(ctx, "host")
	require.NoError(t, err)
	assert.Nil(t, got.IdleSince)

	clk.Step(5 * time.Minute)
	_, err = r.DeallocateJobFromInstance(ctx, "host", "a")
	require.NoError(t, err)
	got, err = r.GetRegisteredInstance(ctx, "host")
	require.NoError(t, err)
	assert.Nil(t, got.IdleSince, "still one worker left")

	clk.Step(time.Minute)
	_, err = r.DeallocateJobFromInstance(ctx, "host", "b")
	require.NoError(t, err)
	got, err = r.GetRegisteredInstance(ctx, "host")
	require.NoError(t, err)
	require.NotNil(t, got.IdleSince)
	assert.True(t, got.IdleSince.Equal(testStart.Add(6*time.Minute)), "idle since %v", got.IdleSince)
}

func testSnapshotSorted(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	for _, addr := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		register(t, r, addr, model.NewResources(1, 1))
	}
	records, err := r.GetRegisteredInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		assert.Equal(t, want, records[i].Address)
		assert.NotEmpty(t, records[i].Version)
	}
}

func testConcurrentAllocations(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	snapshot := register(t, r, "shared", model.NewResources(4, 4))

	const contenders = 10
	var wg sync.WaitGroup
	results := make([]bool, contenders)
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.AllocateJobsToInstance(ctx, snapshot, model.NewResources(1, 1), []string{fmt.Sprintf("w-%d", i)})
		}(i)
	}
	wg.Wait()

	won := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] {
			won++
		}
	}
	assert.Equal(t, 4, won, "exactly as many jobs as fit")

	got, err := r.GetRegisteredInstance(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, got.Workers, 4)
	assert.True(t, got.AvailableResources().IsZero())
}

func testStoreConditionalWrites(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	register(t, r, "host", model.NewResources(2, 2))

	v1, err := r.store.Get(ctx, "host")
	require.NoError(t, err)

	next := v1.DeepCopy()
	next.SetWorker("w", model.NewResources(1, 1))
	v2, err := r.store.Update(ctx, next)
	require.NoError(t, err)
	assert.NotEqual(t, v1.Version, v2)

	_, err = r.store.Update(ctx, v1)
	assert.True(t, errors.Is(err, ErrConflict), "update with stale version: %v", err)

	err = r.store.Delete(ctx, "host", v1.Version)
	assert.True(t, errors.Is(err, ErrConflict), "delete with stale version: %v", err)

	unversioned := next.DeepCopy()
	unversioned.Version = ""
	_, err = r.store.Update(ctx, unversioned)
	assert.True(t, errors.Is(err, ErrConflict), "update without a version: %v", err)
	err = r.store.Delete(ctx, "host", "")
	assert.True(t, errors.Is(err, ErrConflict), "delete without a version: %v", err)

	require.NoError(t, r.store.Delete(ctx, "host", v2))

	_, err = r.store.Update(ctx, next)
	assert.True(t, errors.Is(err, ErrNotFound), "update of deleted record: %v", err)
	err = r.store.Delete(ctx, "host", v2)
	assert.True(t, errors.Is(err, ErrNotFound), "delete of deleted record: %v", err)
}

func testCustomResourcesPersist(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	total := model.Resources{MemoryGB: 16, LogicalCPU: 8, Custom: map[string]float64{"gpu": 2}}
	rec := register(t, r, "gpu-host", total)

	perJob := model.Resources{MemoryGB: 4, LogicalCPU: 2, Custom: map[string]float64{"gpu": 1}}
	ok, err := r.AllocateJobsToInstance(ctx, rec, perJob, []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetRegisteredInstance(ctx, "gpu-host")
	require.NoError(t, err)
	assert.True(t, got.AvailableResources().Equal(model.NewResources(8, 4)), "available %v", got.AvailableResources())
	assert.True(t, got.Workers["a"].Equal(perJob))
}

func testDeregisterAfterAllocate(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "host", model.NewResources(4, 4))

	ok, err := r.AllocateJobsToInstance(ctx, rec, model.NewResources(1, 1), []string{"w"})
	require.NoError(t, err)
	require.True(t, ok)

	// rec is now stale; the conditional delete must still see the worker.
	ok, err = r.DeregisterInstance(ctx, "host", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.DeallocateJobFromInstance(ctx, "host", "w")
	require.NoError(t, err)
	ok, err = r.DeregisterInstance(ctx, "host", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

// testReregisteredAddress covers a private IP reused by a new instance while a
// copy of the old record is still around.
func testReregisteredAddress(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	stale, err := r.RegisterInstance(ctx, model.Registration{Address: "10.0.0.7", Name: "old-vm", Available: model.NewResources(4, 4)})
	require.NoError(t, err)

	ok, err := r.DeregisterInstance(ctx, "10.0.0.7", true)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, err := r.RegisterInstance(ctx, model.Registration{Address: "10.0.0.7", Name: "new-vm", Available: model.NewResources(64, 32)})
	require.NoError(t, err)
	assert.NotEqual(t, stale.Version, fresh.Version, "versions must not be reused")

	_, err = r.store.Update(ctx, stale.DeepCopy())
	assert.True(t, errors.Is(err, ErrConflict), "update with the old registration's version: %v", err)

	ok, err = r.AllocateJobsToInstance(ctx, stale, model.NewResources(1, 1), []string{"w"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.GetRegisteredInstance(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, "new-vm", got.Name)
	assert.True(t, got.TotalResources.Equal(model.NewResources(64, 32)), "total %v", got.TotalResources)
	assert.Equal(t, []string{"w"}, got.WorkerIDs())
}

func testFractionalJobs(t *testing.T, r *Registrar, _ *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "testhost-1", model.NewResources(1.2, 8))

	ids := []string{"w-1", "w-2", "w-3", "w-4", "w-5", "w-6"}
	ok, err := r.AllocateJobsToInstance(ctx, rec, model.NewResources(0.2, 1), ids)
	require.NoError(t, err)
	assert.True(t, ok, "six jobs of 0.2 GB fit in 1.2 GB")

	got, err := r.GetRegisteredInstance(ctx, "testhost-1")
	require.NoError(t, err)
	assert.Equal(t, ids, got.WorkerIDs())
}

func testDeregisterIdleInstance(t *testing.T, r *Registrar, clk *clocktesting.FakeClock) {
	ctx := context.Background()
	rec := register(t, r, "host", model.NewResources(4, 4))
	snapshotAt := clk.Now().Add(2 * time.Minute)

	// Busy for a while, idle again just before the check.
	ok, err := r.AllocateJobsToInstance(ctx, rec, model.NewResources(1, 1), []string{"w"})
	require.NoError(t, err)
	require.True(t, ok)
	clk.Step(90 * time.Second)
	ok, err = r.DeallocateJobFromInstance(ctx, "host", "w")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.DeregisterIdleInstance(ctx, "host", snapshotAt)
	require.NoError(t, err)
	assert.False(t, ok, "idle for 30s of a one minute timeout")

	ok, err = r.DeregisterIdleInstance(ctx, "host", clk.Now().Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DeregisterIdleInstance(ctx, "host", clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "already gone")
}
