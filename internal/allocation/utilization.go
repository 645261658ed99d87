package allocation

import (
	"math"

	"github.com/guimove/fleetfit/internal/model"
)

// Utilization thresholds used to classify instances.
const (
	highUtilization = 0.85
	lowUtilization  = 0.50
)

// FleetSummary describes how well the registered fleet is packed.
type FleetSummary struct {
	Instances     int `json:"instances"`
	IdleInstances int `json:"idle_instances"`
	Workers       int `json:"workers"`

	Total     model.Resources `json:"total"`
	Available model.Resources `json:"available"`

	CPUUtilization    float64 `json:"cpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`

	// UnderutilizedFraction is the share of instances with CPU or memory below 50%.
	UnderutilizedFraction float64 `json:"underutilized_fraction"`

	// Stranded capacity sits on instances where the other dimension is nearly full,
	// so no job of a balanced shape can use it.
	StrandedCPU      float64 `json:"stranded_cpu"`
	StrandedMemoryGB float64 `json:"stranded_memory_gb"`

	// ResourceBalanceScore is 1 when CPU and memory utilization match on every instance.
	ResourceBalanceScore float64 `json:"resource_balance_score"`
}

// Summarize computes a FleetSummary from a registrar snapshot.
func Summarize(records []*model.InstanceRecord) FleetSummary {
	summary := FleetSummary{Instances: len(records), ResourceBalanceScore: 1.0}
	if len(records) == 0 {
		return summary
	}

	var underutilized, measured int
	var balance float64
	for _, rec := range records {
		if rec.IsIdle() {
			summary.IdleInstances++
		}
		summary.Workers += len(rec.Workers)
		summary.Total = summary.Total.Add(rec.TotalResources)

		available := rec.AvailableResources()
		summary.Available = summary.Available.Add(available)

		total := rec.TotalResources
		if total.LogicalCPU == 0 || total.MemoryGB == 0 {
			continue
		}
		measured++

		cpuUtil := (total.LogicalCPU - available.LogicalCPU) / total.LogicalCPU
		memUtil := (total.MemoryGB - available.MemoryGB) / total.MemoryGB

		if cpuUtil > highUtilization && memUtil < lowUtilization {
			summary.StrandedMemoryGB += available.MemoryGB
		}
		if memUtil > highUtilization && cpuUtil < lowUtilization {
			summary.StrandedCPU += available.LogicalCPU
		}
		if cpuUtil < lowUtilization || memUtil < lowUtilization {
			underutilized++
		}
		balance += 1.0 - math.Abs(cpuUtil-memUtil)
	}

	if summary.Total.LogicalCPU > 0 {
		summary.CPUUtilization = 1 - summary.Available.LogicalCPU/summary.Total.LogicalCPU
	}
	if summary.Total.MemoryGB > 0 {
		summary.MemoryUtilization = 1 - summary.Available.MemoryGB/summary.Total.MemoryGB
	}
	if measured > 0 {
		summary.UnderutilizedFraction = float64(underutilized) / float64(measured)
		summary.ResourceBalanceScore = balance / float64(measured)
	}
	return summary
}
