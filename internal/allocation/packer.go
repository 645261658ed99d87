package allocation

import (
	"github.com/guimove/fleetfit/internal/model"
)

// Placement is the set of new workers planned for one instance.
type Placement struct {
	Address   string
	Record    *model.InstanceRecord
	WorkerIDs []string
}

// candidate tracks an instance's remaining capacity while planning.
type candidate struct {
	record    *model.InstanceRecord
	remaining model.Resources
	workerIDs []string
}

// fitKey orders candidates for one job. Lower is a tighter fit.
type fitKey struct {
	jobsLeft  int
	custom    float64
	composite float64
}

func (k fitKey) less(o fitKey) bool {
	if k.jobsLeft != o.jobsLeft {
		return k.jobsLeft < o.jobsLeft
	}
	if k.custom != o.custom {
		return k.custom < o.custom
	}
	return k.composite < o.composite
}

// Plan places up to numJobs jobs of shape perJob onto records using best fit. Each
// job goes to the instance that would have the least room left for another job of
// the same shape, so an instance fills up before the next one is used. Ties keep
// the order of records.
//
// Plan does not mutate records. Jobs that fit nowhere are left out, so the
// placements may hold fewer than numJobs workers.
func Plan(records []*model.InstanceRecord, perJob model.Resources, numJobs int, newID func() string) []Placement {
	if numJobs <= 0 || len(records) == 0 {
		return nil
	}

	candidates := make([]candidate, len(records))
	for i, rec := range records {
		candidates[i] = candidate{record: rec, remaining: rec.AvailableResources()}
	}

	for job := 0; job < numJobs; job++ {
		best := -1
		var bestKey fitKey
		for i := range candidates {
			key, ok := keyAfterPlacing(&candidates[i], perJob)
			if !ok {
				continue
			}
			if best < 0 || key.less(bestKey) {
				best = i
				bestKey = key
			}
		}
		if best < 0 {
			break
		}
		place(&candidates[best], perJob, newID())
	}

	var placements []Placement
	for _, c := range candidates {
		if len(c.workerIDs) == 0 {
			continue
		}
		placements = append(placements, Placement{
			Address:   c.record.Address,
			Record:    c.record,
			WorkerIDs: c.workerIDs,
		})
	}
	return placements
}

func keyAfterPlacing(c *candidate, perJob model.Resources) (fitKey, bool) {
	left, ok := c.remaining.Subtract(perJob)
	if !ok {
		return fitKey{}, false
	}
	return fitKey{
		jobsLeft:  left.JobsThatFit(perJob),
		custom:    left.CustomTotal(),
		composite: left.MemoryGB + 2*left.LogicalCPU,
	}, true
}

func place(c *candidate, perJob model.Resources, id string) {
	c.remaining, _ = c.remaining.Subtract(perJob)
	c.workerIDs = append(c.workerIDs, id)
}

// countWorkers returns the number of worker ids across an address mapping.
func countWorkers(m map[string][]string) int {
	n := 0
	for _, ids := range m {
		n += len(ids)
	}
	return n
}
