package model

// CapacityType represents the EC2 purchasing option.
type CapacityType string

const (
	CapacityOnDemand CapacityType = "on-demand"
	CapacitySpot     CapacityType = "spot"
)

// Architecture represents the CPU architecture.
type Architecture string

const (
	ArchAMD64 Architecture = "amd64"
	ArchARM64 Architecture = "arm64"
)

// InstanceType is a launchable machine shape offered by the cloud provider.
type InstanceType struct {
	// Identity
	Name         string       `json:"name"`   // e.g., "m7g.xlarge"
	Family       string       `json:"family"` // e.g., "m7g"
	Generation   int          `json:"generation"`
	Size         string       `json:"size"` // e.g., "xlarge"
	Architecture Architecture `json:"architecture"`

	// Raw hardware
	VCPUs     int32 `json:"vcpus"`
	MemoryMiB int64 `json:"memory_mib"`

	// Resources usable by jobs, after the per-instance system reservation
	Resources Resources `json:"resources"`

	// Pricing (hourly)
	OnDemandPricePerHour float64      `json:"on_demand_price_per_hour"`
	SpotPricePerHour     float64      `json:"spot_price_per_hour"`
	CapacityType         CapacityType `json:"capacity_type"`

	CurrentGeneration bool   `json:"current_generation"`
	Region            string `json:"region"`
}

// EffectivePricePerHour returns the price based on the configured CapacityType.
func (t InstanceType) EffectivePricePerHour() float64 {
	if t.CapacityType == CapacitySpot && t.SpotPricePerHour > 0 {
		return t.SpotPricePerHour
	}
	return t.OnDemandPricePerHour
}

// MonthlyCost returns the estimated monthly cost.
func (t InstanceType) MonthlyCost() float64 {
	return t.EffectivePricePerHour() * HoursPerMonth
}

// HoursPerMonth is the standard number of hours used for monthly cost estimates.
const HoursPerMonth = 730.0
