package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/guimove/fleetfit/internal/metrics"
)

var adjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Reconcile the registrar with the instances actually running",
	Long: `Deregisters instances that are no longer running, terminates instances idle
past their timeout, and terminates managed instances that have no record.
With --loop it keeps doing so every adjust.interval and can serve Prometheus
metrics about the fleet.`,
	RunE: runAdjust,
}

func init() {
	f := adjustCmd.Flags()
	f.Bool("loop", false, "keep reconciling every adjust.interval until interrupted")
	f.Duration("interval", 0, "time between passes with --loop (default from adjust.interval)")
	f.String("metrics-listen", "", "serve /metrics on this address with --loop, e.g. :9100")
	f.Bool("no-orphan-sweep", false, "do not terminate running instances without a record")

	rootCmd.AddCommand(adjustCmd)
}

func runAdjust(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	f := cmd.Flags()
	loop, _ := f.GetBool("loop")
	if f.Changed("interval") {
		cfg.Adjust.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = f.GetString("metrics-listen")
	}
	if noSweep, _ := f.GetBool("no-orphan-sweep"); noSweep {
		cfg.Adjust.SweepOrphans = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var promReg *prometheus.Registry
	if loop && cfg.Metrics.Listen != "" {
		promReg = prometheus.NewRegistry()
	}

	var orchReg prometheus.Registerer
	if promReg != nil {
		orchReg = promReg
	}
	orch, err := openOrchestrator(ctx, true, orchReg)
	if err != nil {
		return err
	}
	defer orch.Close()
	orch.Writer = cmd.OutOrStdout()

	if !loop {
		_, err := orch.Adjust(ctx)
		return err
	}

	if promReg != nil {
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			versioncollector.NewCollector("fleetfit"),
			metrics.NewFleetCollector(orch.Registrar, metrics.WithLogger(log)),
		)
		stop := serveMetrics(cfg.Metrics.Listen, promReg)
		defer stop()
	}

	return orch.RunAdjust(ctx)
}

// serveMetrics serves reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("listen", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
