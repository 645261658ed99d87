package registrar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/guimove/fleetfit/internal/model"
)

// DefaultBackoff bounds how long a conditional write keeps retrying on conflict.
var DefaultBackoff = wait.Backoff{
	Steps:    8,
	Duration: 10 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Cap:      time.Second,
}

// Registrar is the shared directory of instances and the work committed to them.
// All mutations go through conditional writes on the underlying Store, so any
// number of processes can share one backing store.
type Registrar struct {
	Clock   clock.PassiveClock
	Backoff wait.Backoff
	Log     logrus.FieldLogger

	store  Store
	region string
}

// New creates a registrar for region on top of store.
func New(store Store, region string, log logrus.FieldLogger) *Registrar {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registrar{
		Clock:   clock.RealClock{},
		Backoff: DefaultBackoff,
		Log:     log.WithField("region", region),
		store:   store,
		region:  region,
	}
}

// RegionName returns the region this registrar serves.
func (r *Registrar) RegionName() string {
	return r.region
}

// Close releases the backing store.
func (r *Registrar) Close() error {
	return r.store.Close()
}

// RegisterInstance atomically creates the record described by reg. It fails with
// ErrDuplicateInstance, leaving the stored record untouched, if the address is taken.
func (r *Registrar) RegisterInstance(ctx context.Context, reg model.Registration) (*model.InstanceRecord, error) {
	if reg.Address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidRecord)
	}
	seen := make(map[string]bool, len(reg.InitialJobs))
	for _, job := range reg.InitialJobs {
		if job.ID == "" || seen[job.ID] {
			return nil, fmt.Errorf("%w: initial job id %q is empty or repeated", ErrInvalidRecord, job.ID)
		}
		seen[job.ID] = true
	}

	rec := reg.NewInstanceRecord(r.Clock.Now())
	version, err := r.store.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", reg.Address, err)
	}
	rec.Version = version

	r.Log.WithFields(logrus.Fields{
		"address":   rec.Address,
		"total":     rec.TotalResources.String(),
		"workers":   len(rec.Workers),
		"idleAfter": rec.IdleTimeout,
	}).Info("registered instance")
	return rec, nil
}

// GetRegisteredInstances returns a point-in-time snapshot sorted by address.
func (r *Registrar) GetRegisteredInstances(ctx context.Context) ([]*model.InstanceRecord, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return records, nil
}

// GetRegisteredInstance returns one record or ErrNotFound.
func (r *Registrar) GetRegisteredInstance(ctx context.Context, address string) (*model.InstanceRecord, error) {
	return r.store.Get(ctx, address)
}

// AllocateJobsToInstance commits perJob to each of workerIDs on the instance, all
// or none. It returns false without error when a worker id is already in use,
// repeats within the call, or the instance lacks the resources. record.Version
// seeds the first conditional write; conflicts are retried on a fresh read.
func (r *Registrar) AllocateJobsToInstance(ctx context.Context, record *model.InstanceRecord, perJob model.Resources, workerIDs []string) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if len(workerIDs) == 0 {
		return true, nil
	}
	seen := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		if id == "" || seen[id] {
			return false, nil
		}
		seen[id] = true
	}

	ok, err := r.update(ctx, record.Address, record, func(rec *model.InstanceRecord) bool {
		// Fit is checked one job at a time, the same arithmetic the planner uses.
		remaining := rec.AvailableResources()
		for _, id := range workerIDs {
			if _, taken := rec.Workers[id]; taken {
				return false
			}
			var fits bool
			if remaining, fits = remaining.Subtract(perJob); !fits {
				return false
			}
		}
		for _, id := range workerIDs {
			rec.SetWorker(id, perJob)
		}
		return true
	})
	if err != nil {
		return false, fmt.Errorf("allocating on %s: %w", record.Address, err)
	}

	log := r.Log.WithFields(logrus.Fields{"address": record.Address, "workers": len(workerIDs)})
	if ok {
		log.Debug("allocated jobs")
	} else {
		log.Debug("instance cannot take jobs")
	}
	return ok, nil
}

// DeallocateJobFromInstance removes one worker. When it was the last one the
// instance starts idling. Removing a worker or instance that is already gone
// returns false.
func (r *Registrar) DeallocateJobFromInstance(ctx context.Context, address, workerID string) (bool, error) {
	ok, err := r.update(ctx, address, nil, func(rec *model.InstanceRecord) bool {
		return rec.RemoveWorker(workerID, r.Clock.Now())
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deallocating %s from %s: %w", workerID, address, err)
	}
	if ok {
		r.Log.WithFields(logrus.Fields{"address": address, "worker": workerID}).Debug("deallocated job")
	}
	return ok, nil
}

// DeregisterInstance deletes the record. With requireNoRunningJobs it only does
// so while the instance has no workers, and the check and delete are one
// conditional write. It returns false if the record was kept or already gone.
func (r *Registrar) DeregisterInstance(ctx context.Context, address string, requireNoRunningJobs bool) (bool, error) {
	return r.deregister(ctx, address, func(rec *model.InstanceRecord) bool {
		return !requireNoRunningJobs || rec.IsIdle()
	})
}

// DeregisterIdleInstance deletes the record only if, as stored, the instance has
// been idle for longer than its timeout at now.
func (r *Registrar) DeregisterIdleInstance(ctx context.Context, address string, now time.Time) (bool, error) {
	return r.deregister(ctx, address, func(rec *model.InstanceRecord) bool {
		return rec.IdleExpired(now)
	})
}

// deregister deletes the record if remove approves the stored copy. The check and
// the delete are one conditional write.
func (r *Registrar) deregister(ctx context.Context, address string, remove func(*model.InstanceRecord) bool) (bool, error) {
	var removed bool
	err := retry.OnError(r.Backoff, r.retriable(ctx), func() error {
		removed = false
		rec, err := r.store.Get(ctx, address)
		if err != nil {
			return err
		}
		if !remove(rec) {
			return nil
		}
		if err := r.store.Delete(ctx, address, rec.Version); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deregistering %s: %w", address, err)
	}
	if removed {
		r.Log.WithField("address", address).Info("deregistered instance")
	}
	return removed, nil
}

// update applies mutate to a copy of the record and writes it back conditionally,
// retrying on conflict with a fresh read. A seed carrying a version is tried
// first; if mutate rejects it the stored copy gets the final say. mutate returns
// false to leave the record untouched.
func (r *Registrar) update(ctx context.Context, address string, seed *model.InstanceRecord, mutate func(*model.InstanceRecord) bool) (bool, error) {
	var applied bool
	err := retry.OnError(r.Backoff, r.retriable(ctx), func() error {
		applied = false
		rec, fromSeed, err := r.current(ctx, address, seed)
		seed = nil
		if err != nil {
			return err
		}

		next := rec.DeepCopy()
		if !mutate(next) {
			if !fromSeed {
				return nil
			}
			if rec, err = r.store.Get(ctx, address); err != nil {
				return err
			}
			next = rec.DeepCopy()
			if !mutate(next) {
				return nil
			}
		}

		if _, err := r.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrConflict) {
				r.Log.WithField("address", address).Debug("conflicting write, retrying")
			}
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *Registrar) current(ctx context.Context, address string, seed *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	if seed != nil && seed.Version != "" && seed.Address == address {
		return seed, true, nil
	}
	rec, err := r.store.Get(ctx, address)
	return rec, false, err
}

func (r *Registrar) retriable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		return errors.Is(err, ErrConflict) && ctx.Err() == nil
	}
}
