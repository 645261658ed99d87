package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/guimove/fleetfit/internal/allocation"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/reconcile"
)

// JSONReporter outputs results as indented JSON documents.
type JSONReporter struct {
	w io.Writer
}

type jsonInstances struct {
	Meta      Meta                    `json:"meta"`
	Summary   allocation.FleetSummary `json:"summary"`
	Instances []*model.InstanceRecord `json:"instances"`
}

type jsonAllocation struct {
	Meta    Meta                      `json:"meta"`
	Jobs    int                       `json:"jobs"`
	Workers map[string][]model.Worker `json:"workers"`
}

type jsonInstanceTypes struct {
	Meta          Meta                 `json:"meta"`
	InstanceTypes []model.InstanceType `json:"instance_types"`
}

type jsonAdjust struct {
	Meta   Meta             `json:"meta"`
	Result reconcile.Result `json:"result"`
}

func (r *JSONReporter) Instances(ctx context.Context, records []*model.InstanceRecord, meta Meta) error {
	if records == nil {
		records = []*model.InstanceRecord{}
	}
	return r.encode(jsonInstances{Meta: meta, Summary: allocation.Summarize(records), Instances: records})
}

func (r *JSONReporter) Allocation(ctx context.Context, workers map[string][]model.Worker, meta Meta) error {
	jobs := 0
	for _, w := range workers {
		jobs += len(w)
	}
	if workers == nil {
		workers = map[string][]model.Worker{}
	}
	return r.encode(jsonAllocation{Meta: meta, Jobs: jobs, Workers: workers})
}

func (r *JSONReporter) InstanceTypes(ctx context.Context, types []model.InstanceType, meta Meta) error {
	if types == nil {
		types = []model.InstanceType{}
	}
	return r.encode(jsonInstanceTypes{Meta: meta, InstanceTypes: types})
}

func (r *JSONReporter) Adjust(ctx context.Context, res reconcile.Result, meta Meta) error {
	return r.encode(jsonAdjust{Meta: meta, Result: res})
}

func (r *JSONReporter) encode(v interface{}) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
