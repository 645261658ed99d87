package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/guimove/fleetfit/internal/allocation"
	"github.com/guimove/fleetfit/internal/aws"
	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/config"
	"github.com/guimove/fleetfit/internal/kube"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/reconcile"
	"github.com/guimove/fleetfit/internal/registrar"
	"github.com/guimove/fleetfit/internal/report"
)

// ErrNoCatalogue is returned by InstanceTypes when the provider cannot list them.
var ErrNoCatalogue = errors.New("provider does not expose an instance type catalogue")

// Catalogue is implemented by providers that can list their instance types.
type Catalogue interface {
	InstanceTypes(ctx context.Context) ([]model.InstanceType, error)
}

// Orchestrator wires the registrar, the allocation engine and the adjuster
// together for the CLI, and reports their results.
type Orchestrator struct {
	Registrar *registrar.Registrar
	Provider  cloud.Provider
	Engine    *allocation.Engine
	Adjuster  *reconcile.Adjuster
	Config    config.Config
	Writer    io.Writer
	Log       logrus.FieldLogger
	Clock     clock.PassiveClock
}

// OpenRegistrar connects to the configured registrar backend.
func OpenRegistrar(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*registrar.Registrar, error) {
	rc := cfg.Registrar
	var store registrar.Store

	switch rc.Backend {
	case config.BackendMemory:
		s, err := registrar.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		store = s

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Address,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		if err := client.WithContext(ctx).Ping().Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Redis.Address, err)
		}
		store = registrar.NewRedisStore(client, rc.Redis.KeyPrefix, cfg.Region)

	case config.BackendEtcd:
		s, err := registrar.NewEtcdStore(rc.Etcd.Endpoints, rc.Etcd.DialTimeout, rc.Etcd.KeyPrefix, cfg.Region)
		if err != nil {
			return nil, err
		}
		store = s

	case config.BackendKubernetes:
		client, namespace, err := kube.NewClient(kube.Target{
			Kubeconfig: rc.Kubernetes.Kubeconfig,
			Context:    rc.Kubernetes.Context,
			Namespace:  rc.Kubernetes.Namespace,
		})
		if err != nil {
			return nil, err
		}
		store = registrar.NewKubeStore(client, namespace, cfg.Region)

	default:
		return nil, fmt.Errorf("unknown registrar backend %q", rc.Backend)
	}

	reg := registrar.New(store, cfg.Region, log)
	reg.Backoff = rc.Retry.Backoff()
	return reg, nil
}

// ProviderOptions maps the AWS section of cfg to provider options.
func ProviderOptions(cfg config.Config) aws.Options {
	ac := cfg.AWS
	archs := make([]model.Architecture, len(ac.Instances.Architectures))
	for i, a := range ac.Instances.Architectures {
		archs[i] = model.Architecture(a)
	}

	return aws.Options{
		Region:                cfg.Region,
		ManagedBy:             ac.ManagedBy,
		ImageID:               ac.ImageID,
		SubnetID:              ac.SubnetID,
		SecurityGroupIDs:      ac.SecurityGroupIDs,
		KeyName:               ac.KeyName,
		IAMInstanceProfile:    ac.IAMInstanceProfile,
		CapacityType:          model.CapacityType(ac.CapacityType),
		MaxInstancesPerLaunch: ac.MaxInstancesPerLaunch,
		Filter: aws.InstanceFilter{
			Families:              ac.Instances.Families,
			MinVCPUs:              ac.Instances.MinVCPUs,
			MaxVCPUs:              ac.Instances.MaxVCPUs,
			Architectures:         archs,
			CurrentGenerationOnly: ac.Instances.CurrentGenerationOnly,
			ExcludeBareMetal:      ac.Instances.ExcludeBareMetal,
			ExcludeBurstable:      ac.Instances.ExcludeBurstable,
		},
		SystemReserved: model.NewResources(
			float64(ac.SystemReserved.MemoryMiB)/1024,
			float64(ac.SystemReserved.CPUMillis)/1000,
		),
		CacheDir:      ac.CacheDir,
		CacheTTL:      ac.CacheTTL,
		LaunchTimeout: ac.LaunchTimeout,
		PollInterval:  ac.PollInterval,
	}
}

// OpenProvider creates the EC2 provider for cfg.
func OpenProvider(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*aws.EC2Provider, error) {
	return aws.NewEC2Provider(ctx, ProviderOptions(cfg), log)
}

// SharedBackend reports whether the configured registrar outlives this process
// and is visible to other fleetfit processes.
func SharedBackend(cfg config.Config) bool {
	return cfg.Registrar.Backend != config.BackendMemory
}

// New creates an orchestrator. Adjust metrics are registered with reg when it is
// not nil.
func New(reg *registrar.Registrar, provider cloud.Provider, cfg config.Config, log logrus.FieldLogger, promReg prometheus.Registerer) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}

	adjuster := reconcile.NewAdjuster(reg, provider, log)
	adjuster.Parallelism = cfg.Adjust.Parallelism
	adjuster.SweepOrphans = cfg.Adjust.SweepOrphans
	adjuster.OrphanGrace = cfg.Adjust.OrphanGrace
	if adjuster.SweepOrphans && !SharedBackend(cfg) {
		// Instances registered by other processes are invisible here and would
		// all look orphaned.
		log.WithField("backend", cfg.Registrar.Backend).Warn("orphan sweep disabled for a process-local registrar")
		adjuster.SweepOrphans = false
	}
	if promReg != nil {
		adjuster.Metrics = reconcile.NewMetrics(promReg)
	}

	return &Orchestrator{
		Registrar: reg,
		Provider:  provider,
		Engine:    allocation.NewEngine(reg, provider, log),
		Adjuster:  adjuster,
		Config:    cfg,
		Writer:    os.Stdout,
		Log:       log,
		Clock:     clock.RealClock{},
	}
}

func (o *Orchestrator) reporter() report.Reporter {
	return report.NewReporter(o.Config.Output.Format, o.Writer)
}

func (o *Orchestrator) meta() report.Meta {
	return report.Meta{
		Region:  o.Registrar.RegionName(),
		Backend: o.Config.Registrar.Backend,
		Now:     o.Clock.Now(),
	}
}

// DefaultJob returns the per-job resources configured under allocation.
func (o *Orchestrator) DefaultJob() (model.Resources, error) {
	ac := o.Config.Allocation
	custom, err := model.ParseCustom(ac.Custom)
	if err != nil {
		return model.Resources{}, fmt.Errorf("allocation.custom: %w", err)
	}
	res := model.NewResources(ac.MemoryGB, ac.LogicalCPU)
	res.Custom = custom
	return res, nil
}

// Allocate places req.NumJobs jobs and reports where they went. Partial results
// are reported before the error is returned.
func (o *Orchestrator) Allocate(ctx context.Context, req model.AllocationRequest) (map[string][]model.Worker, error) {
	if req.IdleTimeout == 0 {
		req.IdleTimeout = o.Config.Allocation.IdleTimeout
	}
	if req.Region == "" {
		req.Region = o.Registrar.RegionName()
	}

	workers, err := o.Engine.AllocateJobs(ctx, req)
	if len(workers) > 0 || err == nil {
		if rerr := o.reporter().Allocation(ctx, workers, o.meta()); rerr != nil {
			return workers, fmt.Errorf("generating report: %w", rerr)
		}
	}
	return workers, err
}

// Deallocate releases one worker.
func (o *Orchestrator) Deallocate(ctx context.Context, address, workerID string) (bool, error) {
	return o.Registrar.DeallocateJobFromInstance(ctx, address, workerID)
}

// Register adds an existing instance to the registrar.
func (o *Orchestrator) Register(ctx context.Context, reg model.Registration) (*model.InstanceRecord, error) {
	if reg.IdleTimeout == 0 {
		reg.IdleTimeout = o.Config.Allocation.IdleTimeout
	}
	return o.Registrar.RegisterInstance(ctx, reg)
}

// Deregister removes an instance from the registrar without touching the VM.
func (o *Orchestrator) Deregister(ctx context.Context, address string, requireNoRunningJobs bool) (bool, error) {
	return o.Registrar.DeregisterInstance(ctx, address, requireNoRunningJobs)
}

// Instances reports the registered fleet.
func (o *Orchestrator) Instances(ctx context.Context) ([]*model.InstanceRecord, error) {
	records, err := o.Registrar.GetRegisteredInstances(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.reporter().Instances(ctx, records, o.meta()); err != nil {
		return records, fmt.Errorf("generating report: %w", err)
	}
	return records, nil
}

// InstanceTypes reports the instance types the provider would launch from.
func (o *Orchestrator) InstanceTypes(ctx context.Context) ([]model.InstanceType, error) {
	cat, ok := o.Provider.(Catalogue)
	if !ok {
		return nil, ErrNoCatalogue
	}
	types, err := cat.InstanceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching instance types: %w", err)
	}
	if err := o.reporter().InstanceTypes(ctx, types, o.meta()); err != nil {
		return types, fmt.Errorf("generating report: %w", err)
	}
	return types, nil
}

// Adjust runs one reconciliation pass and reports it.
func (o *Orchestrator) Adjust(ctx context.Context) (reconcile.Result, error) {
	res, err := o.Adjuster.RunOnce(ctx)
	if rerr := o.reporter().Adjust(ctx, res, o.meta()); rerr != nil && err == nil {
		err = fmt.Errorf("generating report: %w", rerr)
	}
	return res, err
}

// RunAdjust reconciles every configured interval until ctx is done.
func (o *Orchestrator) RunAdjust(ctx context.Context) error {
	o.Log.WithField("interval", o.Config.Adjust.Interval).Info("starting adjust loop")
	return o.Adjuster.Run(ctx, o.Config.Adjust.Interval)
}

// Close releases the registrar's backing store.
func (o *Orchestrator) Close() error {
	return o.Registrar.Close()
}
