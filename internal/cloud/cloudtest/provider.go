// Package cloudtest provides an in-memory cloud.Provider for tests.
package cloudtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/model"
)

// ErrQuotaExceeded is returned, together with a partial launch, when a launch
// would exceed MaxInstances.
var ErrQuotaExceeded = quotaError{}

type quotaError struct{}

func (quotaError) Error() string      { return "instance quota exceeded" }
func (quotaError) IsQuotaError() bool { return true }

type instance struct {
	id         string
	address    string
	running    bool
	managed    bool
	launchedAt time.Time
}

// Provider simulates a cloud where every launched instance has the same shape.
type Provider struct {
	// Shape is the job capacity of every launched instance.
	Shape model.Resources

	// MaxInstances caps the number of instances one launch creates. Zero means no cap.
	MaxInstances int

	// Errors to inject. RunningErr and TerminateErr are keyed by address.
	LaunchErr    error
	RunningErr   map[string]error
	TerminateErr map[string]error

	Clock clock.PassiveClock

	mu             sync.Mutex
	instances      map[string]*instance
	seq            int
	launchRequests []cloud.LaunchRequest
	terminated     []string
	isRunningCalls int
}

// New returns a provider launching instances of the given shape.
func New(shape model.Resources) *Provider {
	return &Provider{
		Shape:        shape,
		RunningErr:   make(map[string]error),
		TerminateErr: make(map[string]error),
		Clock:        clock.RealClock{},
		instances:    make(map[string]*instance),
	}
}

// AddInstance puts a running instance at address, as if launched at launchedAt.
// Unmanaged instances are invisible to RunningInstances.
func (p *Provider) AddInstance(address string, managed bool, launchedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.instances[address] = &instance{
		id:         fmt.Sprintf("i-%06d", p.seq),
		address:    address,
		running:    true,
		managed:    managed,
		launchedAt: launchedAt,
	}
}

// Kill stops an instance behind fleetfit's back.
func (p *Provider) Kill(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[address]; ok {
		inst.running = false
	}
}

// Running reports whether address is running, without counting as an API call.
func (p *Provider) Running(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[address]
	return ok && inst.running
}

// Terminated returns the addresses passed to successful Terminate calls, in order.
func (p *Provider) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

// LaunchRequests returns every request LaunchInstances received.
func (p *Provider) LaunchRequests() []cloud.LaunchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cloud.LaunchRequest(nil), p.launchRequests...)
}

// IsRunningCalls returns how many times IsRunning was called.
func (p *Provider) IsRunningCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunningCalls
}

func (p *Provider) LaunchInstances(ctx context.Context, req cloud.LaunchRequest) ([]cloud.LaunchedInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launchRequests = append(p.launchRequests, req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.LaunchErr != nil {
		return nil, p.LaunchErr
	}
	if req.NumJobs <= 0 {
		return nil, nil
	}

	perInstance := p.Shape.JobsThatFit(req.ResourcesPerJob)
	if perInstance == 0 {
		return nil, errors.New("no instance shape fits the job")
	}
	count := 1
	if perInstance != math.MaxInt {
		count = (req.NumJobs + perInstance - 1) / perInstance
	}

	var err error
	if p.MaxInstances > 0 && count > p.MaxInstances {
		count = p.MaxInstances
		err = ErrQuotaExceeded
	}

	launched := make([]cloud.LaunchedInstance, 0, count)
	now := p.Clock.Now()
	for i := 0; i < count; i++ {
		p.seq++
		inst := &instance{
			id:         fmt.Sprintf("i-%06d", p.seq),
			address:    fmt.Sprintf("10.0.%d.%d", p.seq/256, p.seq%256),
			running:    true,
			managed:    true,
			launchedAt: now,
		}
		p.instances[inst.address] = inst
		launched = append(launched, cloud.LaunchedInstance{
			ID:           inst.id,
			Address:      inst.address,
			Name:         inst.id,
			InstanceType: "test.large",
			Resources:    p.Shape.Clone(),
			LaunchedAt:   now,
		})
	}
	return launched, err
}

func (p *Provider) IsRunning(_ context.Context, address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isRunningCalls++
	if err := p.RunningErr[address]; err != nil {
		return false, err
	}
	inst, ok := p.instances[address]
	return ok && inst.running, nil
}

func (p *Provider) Terminate(_ context.Context, address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.TerminateErr[address]; err != nil {
		return false, err
	}
	inst, ok := p.instances[address]
	if !ok || !inst.running {
		return false, nil
	}
	inst.running = false
	p.terminated = append(p.terminated, address)
	return true, nil
}

func (p *Provider) RunningInstances(_ context.Context) ([]cloud.RunningInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var running []cloud.RunningInstance
	for _, inst := range p.instances {
		if inst.running && inst.managed {
			running = append(running, cloud.RunningInstance{
				ID:         inst.id,
				Address:    inst.address,
				LaunchedAt: inst.launchedAt,
			})
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Address < running[j].Address })
	return running, nil
}
