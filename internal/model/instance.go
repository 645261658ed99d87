package model

import (
	"sort"
	"time"
)

// InstanceRecord is the registrar's view of one cloud VM.
type InstanceRecord struct {
	// Address is the primary key, usually the instance's private IP.
	Address string `json:"address"`
	Name    string `json:"name"`

	// InstanceType is informational, e.g. "m5.xlarge". Empty for adopted instances.
	InstanceType string `json:"instance_type,omitempty"`

	// TotalResources is fixed at registration.
	TotalResources Resources `json:"total_resources"`

	// Workers maps worker id to the resources committed to it.
	Workers map[string]Resources `json:"workers"`

	// IdleSince is set while Workers is empty and nil otherwise.
	IdleSince *time.Time `json:"idle_since,omitempty"`

	// IdleTimeout is how long the instance may stay idle before adjust reclaims it.
	// Zero means never.
	IdleTimeout time.Duration `json:"idle_timeout"`

	RegisteredAt time.Time `json:"registered_at"`

	// Version is the opaque token of the stored revision this copy was read from.
	// It is filled in by the store on every read and never persisted in the body.
	Version string `json:"-"`
}

// AllocatedResources returns the sum of all worker commitments.
func (ir *InstanceRecord) AllocatedResources() Resources {
	var used Resources
	for _, id := range ir.WorkerIDs() {
		used = used.Add(ir.Workers[id])
	}
	return used
}

// AvailableResources returns TotalResources minus every worker commitment.
func (ir *InstanceRecord) AvailableResources() Resources {
	available, ok := ir.TotalResources.Subtract(ir.AllocatedResources())
	if !ok {
		return Resources{}
	}
	return available
}

// IsIdle returns true when no workers are allocated.
func (ir *InstanceRecord) IsIdle() bool {
	return len(ir.Workers) == 0
}

// IdleFor returns how long the instance has been idle as of now, or zero.
func (ir *InstanceRecord) IdleFor(now time.Time) time.Duration {
	if ir.IdleSince == nil || !ir.IsIdle() {
		return 0
	}
	return now.Sub(*ir.IdleSince)
}

// IdleExpired reports whether the instance has been idle for longer than its timeout.
func (ir *InstanceRecord) IdleExpired(now time.Time) bool {
	if ir.IdleTimeout <= 0 || ir.IdleSince == nil || !ir.IsIdle() {
		return false
	}
	return ir.IdleFor(now) > ir.IdleTimeout
}

// WorkerIDs returns the worker ids in sorted order.
func (ir *InstanceRecord) WorkerIDs() []string {
	ids := make([]string, 0, len(ir.Workers))
	for id := range ir.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetWorker commits resources to a worker id and clears IdleSince.
func (ir *InstanceRecord) SetWorker(id string, res Resources) {
	if ir.Workers == nil {
		ir.Workers = make(map[string]Resources)
	}
	ir.Workers[id] = res.Clone()
	ir.IdleSince = nil
}

// RemoveWorker drops a worker and stamps IdleSince if it was the last one.
// It returns false if the worker was not present.
func (ir *InstanceRecord) RemoveWorker(id string, now time.Time) bool {
	if _, ok := ir.Workers[id]; !ok {
		return false
	}
	delete(ir.Workers, id)
	if len(ir.Workers) == 0 {
		ir.IdleSince = &now
	}
	return true
}

// DeepCopy returns a copy that shares no maps or pointers with ir.
func (ir *InstanceRecord) DeepCopy() *InstanceRecord {
	if ir == nil {
		return nil
	}
	c := *ir
	c.TotalResources = ir.TotalResources.Clone()
	c.Workers = make(map[string]Resources, len(ir.Workers))
	for id, res := range ir.Workers {
		c.Workers[id] = res.Clone()
	}
	if ir.IdleSince != nil {
		t := *ir.IdleSince
		c.IdleSince = &t
	}
	return &c
}

// Worker is one job's occupancy of part of an instance.
type Worker struct {
	ID        string    `json:"worker_id"`
	Resources Resources `json:"resources"`
}

// Registration holds the arguments for registering an instance.
type Registration struct {
	Address      string
	Name         string
	InstanceType string

	// Available is the capacity still free after InitialJobs. The stored total is
	// Available plus the sum of InitialJobs.
	Available Resources

	// InitialJobs are workers already running when the instance is adopted.
	InitialJobs []Worker

	IdleTimeout time.Duration
}

// NewInstanceRecord builds the record a registration describes.
func (r Registration) NewInstanceRecord(now time.Time) *InstanceRecord {
	rec := &InstanceRecord{
		Address:        r.Address,
		Name:           r.Name,
		InstanceType:   r.InstanceType,
		TotalResources: r.Available.Clone(),
		Workers:        make(map[string]Resources, len(r.InitialJobs)),
		IdleTimeout:    r.IdleTimeout,
		RegisteredAt:   now,
	}
	for _, job := range r.InitialJobs {
		rec.TotalResources = rec.TotalResources.Add(job.Resources)
		rec.Workers[job.ID] = job.Resources.Clone()
	}
	if len(rec.Workers) == 0 {
		rec.IdleSince = &now
	}
	return rec
}

// AllocationRequest asks for NumJobs slots of ResourcesPerJob in Region.
type AllocationRequest struct {
	ResourcesPerJob Resources
	NumJobs         int
	IdleTimeout     time.Duration
	Region          string
}
