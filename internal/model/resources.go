package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Built-in resource names.
const (
	MemoryGB   = "memory_gb"
	LogicalCPU = "logical_cpu"
)

// Resources is a multi-dimensional resource quantity. It describes both what an
// instance has available and what a single job requires. Values are never negative.
type Resources struct {
	MemoryGB   float64            `json:"memory_gb"`
	LogicalCPU float64            `json:"logical_cpu"`
	Custom     map[string]float64 `json:"custom,omitempty"`
}

// NewResources is a shorthand for building a vector without custom resources.
func NewResources(memoryGB, logicalCPU float64) Resources {
	return Resources{MemoryGB: memoryGB, LogicalCPU: logicalCPU}
}

// Add returns the component-wise sum of two vectors.
func (r Resources) Add(other Resources) Resources {
	sum := Resources{
		MemoryGB:   r.MemoryGB + other.MemoryGB,
		LogicalCPU: r.LogicalCPU + other.LogicalCPU,
	}
	for _, key := range customKeys(r, other) {
		sum.setCustom(key, r.Custom[key]+other.Custom[key])
	}
	return sum
}

// Subtract returns r - other. The second return value is false, and the vector is
// zero, when any dimension would go below zero.
func (r Resources) Subtract(other Resources) (Resources, bool) {
	if !r.Covers(other) {
		return Resources{}, false
	}
	diff := Resources{
		MemoryGB:   r.MemoryGB - other.MemoryGB,
		LogicalCPU: r.LogicalCPU - other.LogicalCPU,
	}
	for _, key := range customKeys(r, other) {
		diff.setCustom(key, r.Custom[key]-other.Custom[key])
	}
	return diff, true
}

// Covers reports whether every dimension of r is at least the corresponding
// dimension of other. Dimensions missing from r count as zero.
func (r Resources) Covers(other Resources) bool {
	if r.MemoryGB < other.MemoryGB || r.LogicalCPU < other.LogicalCPU {
		return false
	}
	for key, value := range other.Custom {
		if r.Custom[key] < value {
			return false
		}
	}
	return true
}

// Equal compares two vectors dimension by dimension. A missing custom resource
// equals an explicit zero.
func (r Resources) Equal(other Resources) bool {
	if r.MemoryGB != other.MemoryGB || r.LogicalCPU != other.LogicalCPU {
		return false
	}
	for _, key := range customKeys(r, other) {
		if r.Custom[key] != other.Custom[key] {
			return false
		}
	}
	return true
}

// IsZero returns true if every dimension is zero.
func (r Resources) IsZero() bool {
	return r.Equal(Resources{})
}

// JobsThatFit returns how many jobs of shape perJob fit into r, bounded by the most
// constraining dimension. A job that requires nothing fits math.MaxInt times.
func (r Resources) JobsThatFit(perJob Resources) int {
	fit := math.MaxInt
	bound := func(available, required float64) {
		if required <= 0 {
			return
		}
		n := math.Floor(available / required)
		if n < float64(fit) {
			fit = int(n)
		}
	}
	bound(r.MemoryGB, perJob.MemoryGB)
	bound(r.LogicalCPU, perJob.LogicalCPU)
	for key, value := range perJob.Custom {
		bound(r.Custom[key], value)
	}
	if fit < 0 {
		return 0
	}
	return fit
}

// CustomTotal returns the sum of all custom resource quantities.
func (r Resources) CustomTotal() float64 {
	var total float64
	for _, value := range r.Custom {
		total += value
	}
	return total
}

// Clone returns a copy that shares no map with r.
func (r Resources) Clone() Resources {
	c := Resources{MemoryGB: r.MemoryGB, LogicalCPU: r.LogicalCPU}
	for key, value := range r.Custom {
		c.setCustom(key, value)
	}
	return c
}

func (r Resources) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%gGB/%gCPU", r.MemoryGB, r.LogicalCPU)
	keys := make([]string, 0, len(r.Custom))
	for key := range r.Custom {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "/%s=%g", key, r.Custom[key])
	}
	return b.String()
}

func (r *Resources) setCustom(key string, value float64) {
	if r.Custom == nil {
		r.Custom = make(map[string]float64)
	}
	r.Custom[key] = value
}

// customKeys returns the sorted union of custom resource names.
func customKeys(a, b Resources) []string {
	seen := make(map[string]bool, len(a.Custom)+len(b.Custom))
	for key := range a.Custom {
		seen[key] = true
	}
	for key := range b.Custom {
		seen[key] = true
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ParseCustom parses "gpu=1,fpga=0.5" into a custom resource map.
func ParseCustom(s string) (map[string]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	custom := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid custom resource %q, want name=quantity", pair)
		}
		if name == MemoryGB || name == LogicalCPU {
			return nil, fmt.Errorf("%q is a built-in resource", name)
		}
		q, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for %q: %w", name, err)
		}
		if q < 0 {
			return nil, fmt.Errorf("negative quantity for %q", name)
		}
		custom[name] = q
	}
	return custom, nil
}
