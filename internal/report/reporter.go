package report

import (
	"context"
	"io"
	"time"

	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/reconcile"
)

// Reporter formats and writes command results to an output destination.
type Reporter interface {
	Instances(ctx context.Context, records []*model.InstanceRecord, meta Meta) error
	Allocation(ctx context.Context, workers map[string][]model.Worker, meta Meta) error
	InstanceTypes(ctx context.Context, types []model.InstanceType, meta Meta) error
	Adjust(ctx context.Context, res reconcile.Result, meta Meta) error
}

// Meta contains contextual metadata for a report.
type Meta struct {
	Region  string    `json:"region"`
	Backend string    `json:"backend,omitempty"`
	Now     time.Time `json:"generated_at"`
}

// NewReporter creates a reporter for the given format writing to w.
func NewReporter(format string, w io.Writer) Reporter {
	switch format {
	case "json":
		return &JSONReporter{w: w}
	default:
		return &TableReporter{w: w}
	}
}
