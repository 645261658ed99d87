// Package reconcile aligns the registrar with what the cloud provider actually
// runs, and reclaims instances that have been idle for too long.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/model"
)

// Defaults for NewAdjuster.
const (
	DefaultParallelism = 8
	DefaultOrphanGrace = 15 * time.Minute
)

// Registry is the part of the registrar adjust needs.
type Registry interface {
	RegionName() string
	GetRegisteredInstances(ctx context.Context) ([]*model.InstanceRecord, error)
	DeregisterInstance(ctx context.Context, address string, requireNoRunningJobs bool) (bool, error)
	DeregisterIdleInstance(ctx context.Context, address string, now time.Time) (bool, error)
}

// Result summarizes one adjust pass.
type Result struct {
	Checked              int      `json:"checked"`
	PhantomsDeregistered []string `json:"phantoms_deregistered"`
	IdleTerminated       []string `json:"idle_terminated"`
	OrphansTerminated    []string `json:"orphans_terminated"`
	Errors               int      `json:"errors"`
}

// Mutations returns how many registrar or provider changes the pass made.
func (r Result) Mutations() int {
	return len(r.PhantomsDeregistered) + len(r.IdleTerminated) + len(r.OrphansTerminated)
}

// Adjuster runs reconciliation passes.
type Adjuster struct {
	Registrar Registry
	Provider  cloud.Provider
	Clock     clock.WithTicker

	// Parallelism bounds concurrent provider state checks.
	Parallelism int

	// SweepOrphans enables terminating running instances that have no record,
	// once they are older than OrphanGrace.
	SweepOrphans bool
	OrphanGrace  time.Duration

	Log     logrus.FieldLogger
	Metrics *Metrics
}

// NewAdjuster creates an adjuster with default settings and unregistered metrics.
func NewAdjuster(reg Registry, provider cloud.Provider, log logrus.FieldLogger) *Adjuster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adjuster{
		Registrar:    reg,
		Provider:     provider,
		Clock:        clock.RealClock{},
		Parallelism:  DefaultParallelism,
		SweepOrphans: true,
		OrphanGrace:  DefaultOrphanGrace,
		Log:          log.WithField("region", reg.RegionName()),
		Metrics:      NewMetrics(nil),
	}
}

// RunOnce performs one pass. Individual failures are logged and collected into
// the returned error; they do not stop the pass. Only an unreadable registrar or a
// cancelled context ends it early.
func (a *Adjuster) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	records, err := a.Registrar.GetRegisteredInstances(ctx)
	if err != nil {
		a.Metrics.errors.WithLabelValues("registrar").Inc()
		return res, fmt.Errorf("reading registered instances: %w", err)
	}
	res.Checked = len(records)
	now := a.Clock.Now()

	running, checkErrs := a.checkRunning(ctx, records)

	var errs *multierror.Error
	fail := func(source string, err error) {
		res.Errors++
		a.Metrics.errors.WithLabelValues(source).Inc()
		errs = multierror.Append(errs, err)
	}

	registered := make(map[string]bool, len(records))
	for i, rec := range records {
		registered[rec.Address] = true
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log := a.Log.WithField("address", rec.Address)

		if checkErrs[i] != nil {
			log.WithError(checkErrs[i]).Warn("checking instance state")
			fail("provider", fmt.Errorf("checking %s: %w", rec.Address, checkErrs[i]))
			continue
		}

		if !running[i] {
			ok, err := a.Registrar.DeregisterInstance(ctx, rec.Address, false)
			if err != nil {
				log.WithError(err).Warn("deregistering stopped instance")
				fail("registrar", fmt.Errorf("deregistering %s: %w", rec.Address, err))
				continue
			}
			if ok {
				log.WithFields(logrus.Fields{
					"reason":  reasonNotRunning,
					"workers": len(rec.Workers),
				}).Info("deregistered instance")
				a.Metrics.deregistrations.WithLabelValues(reasonNotRunning).Inc()
				res.PhantomsDeregistered = append(res.PhantomsDeregistered, rec.Address)
			}
			continue
		}

		if !rec.IdleExpired(now) {
			continue
		}
		// Deregister first so no allocation can land on an instance being terminated.
		// Expiry is judged again on the stored record, which may have moved on.
		ok, err := a.Registrar.DeregisterIdleInstance(ctx, rec.Address, now)
		if err != nil {
			log.WithError(err).Warn("deregistering idle instance")
			fail("registrar", fmt.Errorf("deregistering %s: %w", rec.Address, err))
			continue
		}
		if !ok {
			log.Debug("idle instance picked up work since the snapshot")
			continue
		}
		a.Metrics.deregistrations.WithLabelValues(reasonIdle).Inc()

		terminated, err := a.Provider.Terminate(ctx, rec.Address)
		if err != nil {
			// The instance is now unregistered and will be swept as an orphan.
			log.WithError(err).Warn("terminating idle instance")
			fail("provider", fmt.Errorf("terminating %s: %w", rec.Address, err))
			continue
		}
		log.WithFields(logrus.Fields{
			"reason":       reasonIdle,
			"idle_for":     rec.IdleFor(now).String(),
			"timeout":      rec.IdleTimeout.String(),
			"already_gone": !terminated,
		}).Info("terminated instance")
		a.Metrics.terminations.WithLabelValues(reasonIdle).Inc()
		res.IdleTerminated = append(res.IdleTerminated, rec.Address)
	}

	if a.SweepOrphans {
		a.sweepOrphans(ctx, now, registered, &res, fail)
	}

	a.Metrics.passes.Inc()
	a.Metrics.lastPass.Set(float64(a.Clock.Now().Unix()))
	a.Log.WithFields(logrus.Fields{
		"checked":   res.Checked,
		"mutations": res.Mutations(),
		"errors":    res.Errors,
	}).Debug("adjust pass done")
	return res, errs.ErrorOrNil()
}

// checkRunning asks the provider about every record, at most Parallelism at a time.
// Errors are kept per record so one failure does not cut the others short.
func (a *Adjuster) checkRunning(ctx context.Context, records []*model.InstanceRecord) ([]bool, []error) {
	running := make([]bool, len(records))
	errs := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(max(a.Parallelism, 1))
	for i, rec := range records {
		g.Go(func() error {
			running[i], errs[i] = a.Provider.IsRunning(ctx, rec.Address)
			return nil
		})
	}
	_ = g.Wait()
	return running, errs
}

func (a *Adjuster) sweepOrphans(ctx context.Context, now time.Time, registered map[string]bool, res *Result, fail func(string, error)) {
	instances, err := a.Provider.RunningInstances(ctx)
	if err != nil {
		a.Log.WithError(err).Warn("listing running instances")
		fail("provider", fmt.Errorf("listing running instances: %w", err))
		return
	}
	for _, inst := range instances {
		if registered[inst.Address] || now.Sub(inst.LaunchedAt) < a.OrphanGrace {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log := a.Log.WithFields(logrus.Fields{
			"address":     inst.Address,
			"instance_id": inst.ID,
			"reason":      reasonOrphan,
		})
		ok, err := a.Provider.Terminate(ctx, inst.Address)
		if err != nil {
			log.WithError(err).Warn("terminating orphaned instance")
			fail("provider", fmt.Errorf("terminating orphan %s: %w", inst.Address, err))
			continue
		}
		if !ok {
			continue
		}
		log.Info("terminated instance")
		a.Metrics.terminations.WithLabelValues(reasonOrphan).Inc()
		res.OrphansTerminated = append(res.OrphansTerminated, inst.Address)
	}
}

// Run performs a pass immediately and then every interval until ctx is done.
func (a *Adjuster) Run(ctx context.Context, interval time.Duration) error {
	ticker := a.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := a.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			a.Log.WithError(err).Warn("adjust pass had errors")
		case res.Mutations() > 0:
			a.Log.WithField("mutations", res.Mutations()).Info("adjust pass done")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}
