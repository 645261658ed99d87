package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/registrar"
)

// ErrInsufficientCapacity is returned, along with the partial result, when not
// every requested job could be placed.
var ErrInsufficientCapacity = errors.New("insufficient capacity")

// Registry is the part of the registrar the engine needs.
type Registry interface {
	RegionName() string
	GetRegisteredInstances(ctx context.Context) ([]*model.InstanceRecord, error)
	RegisterInstance(ctx context.Context, reg model.Registration) (*model.InstanceRecord, error)
	AllocateJobsToInstance(ctx context.Context, record *model.InstanceRecord, perJob model.Resources, workerIDs []string) (bool, error)
}

// Engine places batches of jobs on the registered pool and launches instances
// for whatever does not fit.
type Engine struct {
	Registrar Registry
	Provider  cloud.Provider

	// NewWorkerID generates worker ids. Defaults to random UUIDs.
	NewWorkerID func() string

	Log logrus.FieldLogger
}

// NewEngine creates an allocation engine.
func NewEngine(reg Registry, provider cloud.Provider, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Registrar:   reg,
		Provider:    provider,
		NewWorkerID: uuid.NewString,
		Log:         log,
	}
}

// ChooseExistingInstances places up to numJobs jobs on the instances already
// registered and returns the worker ids committed per address. A failed commit on
// one instance is logged and skipped; commits already made are kept.
func (e *Engine) ChooseExistingInstances(ctx context.Context, perJob model.Resources, numJobs int) (map[string][]string, error) {
	records, err := e.Registrar.GetRegisteredInstances(ctx)
	if err != nil {
		return map[string][]string{}, fmt.Errorf("reading registered instances: %w", err)
	}
	return e.commit(ctx, records, perJob, numJobs)
}

// AllocateJobs finds room for req.NumJobs jobs, first on the existing pool and then
// on newly launched instances. The returned mapping always holds every committed
// worker, even when an error is returned.
func (e *Engine) AllocateJobs(ctx context.Context, req model.AllocationRequest) (map[string][]model.Worker, error) {
	result := make(map[string][]model.Worker)
	if req.NumJobs <= 0 {
		return result, nil
	}
	region := e.Registrar.RegionName()
	if req.Region != "" && req.Region != region {
		return result, fmt.Errorf("allocation for region %q sent to the %q registrar", req.Region, region)
	}

	log := e.Log.WithFields(logrus.Fields{
		"jobs":    req.NumJobs,
		"per_job": req.ResourcesPerJob.String(),
	})

	existing, err := e.ChooseExistingInstances(ctx, req.ResourcesPerJob, req.NumJobs)
	e.merge(result, existing, req.ResourcesPerJob)
	if err != nil {
		return result, err
	}
	remaining := req.NumJobs - countWorkers(existing)
	if remaining == 0 {
		log.Debug("allocated on existing instances")
		return result, nil
	}

	log.WithField("remaining", remaining).Info("launching instances")
	launched, launchErr := e.Provider.LaunchInstances(ctx, cloud.LaunchRequest{
		ResourcesPerJob: req.ResourcesPerJob,
		NumJobs:         remaining,
		IdleTimeout:     req.IdleTimeout,
		Region:          region,
	})

	fresh := e.registerLaunched(ctx, launched, req.IdleTimeout)
	placed, err := e.commit(ctx, fresh, req.ResourcesPerJob, remaining)
	e.merge(result, placed, req.ResourcesPerJob)
	remaining -= countWorkers(placed)
	if err != nil {
		return result, err
	}

	// Another client may have taken capacity on the new instances before us.
	if remaining > 0 && len(launched) > 0 {
		placed, err = e.ChooseExistingInstances(ctx, req.ResourcesPerJob, remaining)
		e.merge(result, placed, req.ResourcesPerJob)
		remaining -= countWorkers(placed)
		if err != nil {
			return result, err
		}
	}

	if launchErr != nil {
		log.WithError(launchErr).WithField("launched", len(launched)).Warn("launch incomplete")
		return result, fmt.Errorf("%w: %w", cloud.ErrProviderUnavailable, launchErr)
	}
	if remaining > 0 {
		return result, fmt.Errorf("%w: placed %d of %d jobs", ErrInsufficientCapacity, req.NumJobs-remaining, req.NumJobs)
	}
	return result, nil
}

// registerLaunched registers every launched instance and returns the records that
// were created, in launch order.
func (e *Engine) registerLaunched(ctx context.Context, launched []cloud.LaunchedInstance, idleTimeout time.Duration) []*model.InstanceRecord {
	records := make([]*model.InstanceRecord, 0, len(launched))
	for _, inst := range launched {
		rec, err := e.Registrar.RegisterInstance(ctx, model.Registration{
			Address:      inst.Address,
			Name:         inst.Name,
			InstanceType: inst.InstanceType,
			Available:    inst.Resources,
			IdleTimeout:  idleTimeout,
		})
		if err != nil {
			// A stale record at a reused address is cleaned up by adjust.
			e.Log.WithError(err).WithFields(logrus.Fields{
				"address":     inst.Address,
				"instance_id": inst.ID,
			}).Warn("registering launched instance")
			continue
		}
		records = append(records, rec)
	}
	return records
}

// commit plans numJobs jobs over records and commits each placement.
func (e *Engine) commit(ctx context.Context, records []*model.InstanceRecord, perJob model.Resources, numJobs int) (map[string][]string, error) {
	committed := make(map[string][]string)
	for _, p := range Plan(records, perJob, numJobs, e.NewWorkerID) {
		log := e.Log.WithFields(logrus.Fields{
			"address": p.Address,
			"workers": len(p.WorkerIDs),
		})
		ok, err := e.Registrar.AllocateJobsToInstance(ctx, p.Record, perJob, p.WorkerIDs)
		switch {
		case err != nil && ctx.Err() != nil:
			return committed, ctx.Err()
		case errors.Is(err, registrar.ErrConflict), errors.Is(err, registrar.ErrNotFound):
			log.WithError(err).Warn("instance changed while committing workers")
		case err != nil:
			log.WithError(err).Error("committing workers")
		case !ok:
			log.Info("instance no longer has room")
		default:
			log.Debug("committed workers")
			committed[p.Address] = p.WorkerIDs
		}
	}
	return committed, nil
}

func (e *Engine) merge(into map[string][]model.Worker, ids map[string][]string, perJob model.Resources) {
	for address, workerIDs := range ids {
		for _, id := range workerIDs {
			into[address] = append(into[address], model.Worker{ID: id, Resources: perJob.Clone()})
		}
	}
}
