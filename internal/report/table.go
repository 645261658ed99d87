package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/guimove/fleetfit/internal/allocation"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/reconcile"
)

// TableReporter outputs results as formatted terminal tables.
type TableReporter struct {
	w io.Writer
}

func (r *TableReporter) header(title string, meta Meta) {
	fmt.Fprintf(r.w, "\n")
	fmt.Fprintf(r.w, "%s\n", title)
	fmt.Fprintf(r.w, "%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(r.w, "Region:      %s\n", meta.Region)
	if meta.Backend != "" {
		fmt.Fprintf(r.w, "Backend:     %s\n", meta.Backend)
	}
}

func (r *TableReporter) Instances(ctx context.Context, records []*model.InstanceRecord, meta Meta) error {
	summary := allocation.Summarize(records)

	r.header("FleetFit Instances", meta)
	fmt.Fprintf(r.w, "Instances:   %d (%d idle)\n", summary.Instances, summary.IdleInstances)
	fmt.Fprintf(r.w, "Workers:     %d\n", summary.Workers)
	fmt.Fprintf(r.w, "Capacity:    %s total, %s free\n", summary.Total, summary.Available)
	fmt.Fprintf(r.w, "%s\n\n", strings.Repeat("=", 60))

	if len(records) == 0 {
		fmt.Fprintf(r.w, "No registered instances.\n")
		return nil
	}

	fmt.Fprintf(r.w, "%-16s %-24s %-12s %-20s %-20s %7s %s\n",
		"Address", "Name", "Type", "Total", "Available", "Workers", "Idle")
	fmt.Fprintf(r.w, "%s\n", strings.Repeat("-", 110))

	for _, rec := range records {
		name := rec.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		instanceType := rec.InstanceType
		if instanceType == "" {
			instanceType = "-"
		}
		fmt.Fprintf(r.w, "%-16s %-24s %-12s %-20s %-20s %7d %s\n",
			rec.Address,
			name,
			instanceType,
			rec.TotalResources,
			rec.AvailableResources(),
			len(rec.Workers),
			idleColumn(rec, meta.Now),
		)
	}

	fmt.Fprintf(r.w, "%s\n", strings.Repeat("-", 110))
	fmt.Fprintf(r.w, "  CPU util:       %.1f%%\n", summary.CPUUtilization*100)
	fmt.Fprintf(r.w, "  Memory util:    %.1f%%\n", summary.MemoryUtilization*100)
	fmt.Fprintf(r.w, "  Underutilized:  %.0f%% of instances\n", summary.UnderutilizedFraction*100)
	fmt.Fprintf(r.w, "  Balance score:  %.2f\n", summary.ResourceBalanceScore)
	if summary.StrandedCPU > 0 || summary.StrandedMemoryGB > 0 {
		fmt.Fprintf(r.w, "  Stranded:       %.1f CPU, %.1f GB\n", summary.StrandedCPU, summary.StrandedMemoryGB)
	}
	fmt.Fprintf(r.w, "\n")
	return nil
}

func idleColumn(rec *model.InstanceRecord, now time.Time) string {
	if !rec.IsIdle() || rec.IdleSince == nil {
		return "-"
	}
	idle := rec.IdleFor(now).Truncate(time.Second).String()
	if rec.IdleTimeout > 0 {
		idle += "/" + rec.IdleTimeout.String()
		if rec.IdleExpired(now) {
			idle += " (expired)"
		}
	}
	return idle
}

func (r *TableReporter) Allocation(ctx context.Context, workers map[string][]model.Worker, meta Meta) error {
	addresses := make([]string, 0, len(workers))
	jobs := 0
	for address, w := range workers {
		addresses = append(addresses, address)
		jobs += len(w)
	}
	sort.Strings(addresses)

	r.header("FleetFit Allocation", meta)
	fmt.Fprintf(r.w, "Jobs:        %d on %d instances\n", jobs, len(addresses))
	fmt.Fprintf(r.w, "%s\n\n", strings.Repeat("=", 60))

	for _, address := range addresses {
		fmt.Fprintf(r.w, "%s\n", address)
		for _, w := range workers[address] {
			fmt.Fprintf(r.w, "  %s  %s\n", w.ID, w.Resources)
		}
	}
	fmt.Fprintf(r.w, "\n")
	return nil
}

func (r *TableReporter) InstanceTypes(ctx context.Context, types []model.InstanceType, meta Meta) error {
	r.header("FleetFit Instance Types", meta)
	fmt.Fprintf(r.w, "Types:       %d\n", len(types))
	fmt.Fprintf(r.w, "%s\n\n", strings.Repeat("=", 60))

	if len(types) == 0 {
		fmt.Fprintf(r.w, "No instance types match the filters.\n")
		return nil
	}

	fmt.Fprintf(r.w, "%-16s %-6s %5s %9s %-24s %9s %9s %9s\n",
		"Type", "Arch", "vCPU", "Mem GiB", "Usable", "$/hour", "Spot", "$/month")
	fmt.Fprintf(r.w, "%s\n", strings.Repeat("-", 96))

	for _, t := range types {
		monthly := "-"
		if m := t.MonthlyCost(); m > 0 {
			monthly = fmt.Sprintf("%.0f", m)
		}
		fmt.Fprintf(r.w, "%-16s %-6s %5d %9.1f %-24s %9s %9s %9s\n",
			t.Name,
			t.Architecture,
			t.VCPUs,
			float64(t.MemoryMiB)/1024,
			t.Resources,
			price(t.OnDemandPricePerHour),
			price(t.SpotPricePerHour),
			monthly,
		)
	}
	fmt.Fprintf(r.w, "\n")
	return nil
}

func price(p float64) string {
	if p <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", p)
}

func (r *TableReporter) Adjust(ctx context.Context, res reconcile.Result, meta Meta) error {
	r.header("FleetFit Adjust", meta)
	fmt.Fprintf(r.w, "Checked:     %d instances\n", res.Checked)
	fmt.Fprintf(r.w, "Errors:      %d\n", res.Errors)
	fmt.Fprintf(r.w, "%s\n\n", strings.Repeat("=", 60))

	if res.Mutations() == 0 {
		fmt.Fprintf(r.w, "Nothing to do.\n")
		return nil
	}

	sections := []struct {
		title     string
		addresses []string
	}{
		{"Deregistered (not running)", res.PhantomsDeregistered},
		{"Terminated (idle)", res.IdleTerminated},
		{"Terminated (orphaned)", res.OrphansTerminated},
	}
	for _, s := range sections {
		if len(s.addresses) == 0 {
			continue
		}
		fmt.Fprintf(r.w, "%s:\n", s.title)
		for _, address := range s.addresses {
			fmt.Fprintf(r.w, "  - %s\n", address)
		}
	}
	fmt.Fprintf(r.w, "\n")
	return nil
}
