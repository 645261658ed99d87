// Package metrics exports the registered fleet as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/guimove/fleetfit/internal/allocation"
	"github.com/guimove/fleetfit/internal/model"
)

// Snapshotter is the part of the registrar the collector reads.
type Snapshotter interface {
	RegionName() string
	GetRegisteredInstances(ctx context.Context) ([]*model.InstanceRecord, error)
}

// FleetCollector reads a registrar snapshot on every scrape and reports the
// fleet's size and utilization.
type FleetCollector struct {
	source  Snapshotter
	timeout time.Duration
	log     logrus.FieldLogger

	instances     *prometheus.Desc
	workers       *prometheus.Desc
	resources     *prometheus.Desc
	stranded      *prometheus.Desc
	underutilized *prometheus.Desc
	balance       *prometheus.Desc
	idleSeconds   *prometheus.Desc
}

// CollectorOption configures a FleetCollector.
type CollectorOption func(*FleetCollector)

// WithTimeout bounds how long a scrape waits for the registrar.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *FleetCollector) { c.timeout = d }
}

// WithLogger sets where scrape failures are logged.
func WithLogger(log logrus.FieldLogger) CollectorOption {
	return func(c *FleetCollector) { c.log = log }
}

// NewFleetCollector creates a collector over source.
func NewFleetCollector(source Snapshotter, opts ...CollectorOption) *FleetCollector {
	labels := prometheus.Labels{"region": source.RegionName()}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("fleetfit", "fleet", name), help, variable, labels)
	}
	c := &FleetCollector{
		source:        source,
		timeout:       10 * time.Second,
		log:           logrus.StandardLogger(),
		instances:     desc("instances", "Registered instances by state (idle or busy).", "state"),
		workers:       desc("workers", "Workers committed across the fleet."),
		resources:     desc("resources", "Fleet resources by resource name and kind (total or available).", "resource", "kind"),
		stranded:      desc("stranded_resources", "Free resources on instances whose other dimension is nearly full.", "resource"),
		underutilized: desc("underutilized_ratio", "Fraction of instances with CPU or memory utilization below 50%."),
		balance:       desc("resource_balance_score", "1 when CPU and memory utilization match on every instance."),
		idleSeconds:   desc("instance_idle_seconds", "How long each idle instance has had no workers.", "address"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.workers
	ch <- c.resources
	ch <- c.stranded
	ch <- c.underutilized
	ch <- c.balance
	ch <- c.idleSeconds
}

// Collect implements prometheus.Collector.
func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	records, err := c.source.GetRegisteredInstances(ctx)
	if err != nil {
		c.log.WithError(err).Warn("reading registered instances for metrics")
		ch <- prometheus.NewInvalidMetric(c.instances, err)
		return
	}
	s := allocation.Summarize(records)

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}
	gauge(c.instances, float64(s.IdleInstances), "idle")
	gauge(c.instances, float64(s.Instances-s.IdleInstances), "busy")
	gauge(c.workers, float64(s.Workers))

	gauge(c.resources, s.Total.MemoryGB, model.MemoryGB, "total")
	gauge(c.resources, s.Available.MemoryGB, model.MemoryGB, "available")
	gauge(c.resources, s.Total.LogicalCPU, model.LogicalCPU, "total")
	gauge(c.resources, s.Available.LogicalCPU, model.LogicalCPU, "available")
	for name, value := range s.Total.Custom {
		gauge(c.resources, value, name, "total")
		gauge(c.resources, s.Available.Custom[name], name, "available")
	}

	gauge(c.stranded, s.StrandedMemoryGB, model.MemoryGB)
	gauge(c.stranded, s.StrandedCPU, model.LogicalCPU)
	gauge(c.underutilized, s.UnderutilizedFraction)
	gauge(c.balance, s.ResourceBalanceScore)

	now := time.Now()
	for _, rec := range records {
		if rec.IsIdle() && rec.IdleSince != nil {
			gauge(c.idleSeconds, rec.IdleFor(now).Seconds(), rec.Address)
		}
	}
}
