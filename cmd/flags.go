package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/model"
	"github.com/guimove/fleetfit/internal/orchestrator"
)

func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("memory-gb", 0, "memory per job in GB (default from allocation.memory_gb)")
	f.Float64("cpu", 0, "logical CPUs per job (default from allocation.logical_cpu)")
	f.String("custom", "", "custom resources per job, e.g. gpu=1")
	f.Duration("idle-timeout", 0, "idle time before adjust reclaims the instance (default from allocation.idle_timeout)")
}

// jobResources starts from the configured default job and applies the job flags.
func jobResources(cmd *cobra.Command, defaults model.Resources) (model.Resources, error) {
	f := cmd.Flags()
	res := defaults.Clone()
	if f.Changed("memory-gb") {
		res.MemoryGB, _ = f.GetFloat64("memory-gb")
	}
	if f.Changed("cpu") {
		res.LogicalCPU, _ = f.GetFloat64("cpu")
	}
	if f.Changed("custom") {
		s, _ := f.GetString("custom")
		custom, err := model.ParseCustom(s)
		if err != nil {
			return model.Resources{}, err
		}
		res.Custom = custom
	}
	if res.MemoryGB < 0 || res.LogicalCPU < 0 {
		return model.Resources{}, fmt.Errorf("job resources must be non-negative, got %s", res)
	}
	return res, nil
}

// parseInitialJob parses "id:memoryGB:cpu" with an optional ":gpu=1,..." suffix.
func parseInitialJob(s string) (model.Worker, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 || parts[0] == "" {
		return model.Worker{}, fmt.Errorf("invalid initial job %q, want id:memory_gb:cpu[:custom]", s)
	}
	mem, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || mem < 0 {
		return model.Worker{}, fmt.Errorf("invalid memory in initial job %q", s)
	}
	cpu, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || cpu < 0 {
		return model.Worker{}, fmt.Errorf("invalid cpu in initial job %q", s)
	}
	res := model.NewResources(mem, cpu)
	if len(parts) == 4 {
		if res.Custom, err = model.ParseCustom(parts[3]); err != nil {
			return model.Worker{}, fmt.Errorf("initial job %q: %w", parts[0], err)
		}
	}
	return model.Worker{ID: parts[0], Resources: res}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requireSharedBackend rejects commands whose effects would be lost with a
// registrar that lives only as long as this process.
func requireSharedBackend(command string) error {
	if orchestrator.SharedBackend(cfg) {
		return nil
	}
	return fmt.Errorf("%s needs a registrar shared between runs, set registrar.backend to redis, etcd, or kubernetes (got %q)",
		command, cfg.Registrar.Backend)
}

// openOrchestrator connects to the registrar and, when withProvider is set, to EC2.
func openOrchestrator(ctx context.Context, withProvider bool, promReg prometheus.Registerer) (*orchestrator.Orchestrator, error) {
	reg, err := orchestrator.OpenRegistrar(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening registrar: %w", err)
	}

	var provider cloud.Provider
	if withProvider {
		p, err := orchestrator.OpenProvider(ctx, cfg, log)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("creating AWS provider: %w", err)
		}
		provider = p
	}

	return orchestrator.New(reg, provider, cfg, log, promReg), nil
}
