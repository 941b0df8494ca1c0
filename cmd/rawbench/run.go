package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/config"
	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/metrics"
)

// runFlags holds every flag that shapes a run.
type runFlags struct {
	configFile  string
	writeConfig string
	reportFile  string
	dump        bool
	quiet       bool

	path       string
	engineType string
	payload    string
	buffered   bool
	workers    int
	readers    int
	writers    int
	readShare  int
	writeShare int
	runtime    time.Duration
	iterations int
	divisions  int
	resolution time.Duration
	capacity   int
	seed       int64
	message    string
	scheduler  string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	d := config.Default().Settings
	fs.StringVar(&f.configFile, "config", "", "Path to a YAML run configuration (disables the other run flags)")
	fs.StringVar(&f.writeConfig, "write-config", "", "Save the effective configuration to this YAML file")
	fs.StringVar(&f.reportFile, "report", "", "Write the result to this JSON file")
	fs.BoolVar(&f.dump, "dump", false, "Print every claimed (block, division) cell after the run")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "No progress lines")

	fs.StringVarP(&f.path, "path", "p", "", "Raw device or backing file")
	fs.StringVar(&f.engineType, "engine", d.EngineType, "I/O engine: sync, uring or libaio")
	fs.StringVar(&f.payload, "payload", humanize.IBytes(uint64(d.PayloadBytes)), "Payload size per operation, rounded up to the device's minimum op size")
	fs.BoolVar(&f.buffered, "buffered", false, "Do not open with O_DIRECT")
	fs.IntVarP(&f.workers, "workers", "w", d.Workers, "Total workers, split by --read-share:--write-share")
	fs.IntVar(&f.readers, "readers", 0, "Explicit reader count (overrides --workers)")
	fs.IntVar(&f.writers, "writers", 0, "Explicit writer count (overrides --workers)")
	fs.IntVar(&f.readShare, "read-share", d.ReadShare, "Reader share of --workers")
	fs.IntVar(&f.writeShare, "write-share", d.WriteShare, "Writer share of --workers")
	fs.DurationVarP(&f.runtime, "runtime", "t", d.Runtime, "Run length")
	fs.IntVar(&f.iterations, "iterations", 0, "Stop each worker after this many iterations (0 for no limit)")
	fs.IntVar(&f.divisions, "divisions", d.Divisions, "Divisions per write region")
	fs.DurationVar(&f.resolution, "resolution", d.Resolution, "Latency histogram resolution")
	fs.IntVar(&f.capacity, "histogram-capacity", d.HistogramCapacity, "Maximum distinct latency values")
	fs.Int64Var(&f.seed, "seed", 0, "Run seed (0 picks one)")
	fs.StringVar(&f.message, "message", d.Message, "Text stamped into written divisions")
	fs.StringVar(&f.scheduler, "scheduler", "", "Set the device's kernel I/O scheduler before running")
}

// loadConfig returns the config from --config, or builds one from flags.
func (f *runFlags) loadConfig() (*config.Config, error) {
	if f.configFile != "" {
		cfg, err := config.Load(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		return cfg, nil
	}

	if f.path == "" {
		return nil, fmt.Errorf("--path is required when not using --config")
	}
	payload, err := humanize.ParseBytes(f.payload)
	if err != nil {
		return nil, fmt.Errorf("invalid --payload: %w", err)
	}

	cfg := &config.Config{
		Target: f.path,
		Settings: config.Settings{
			EngineType:        f.engineType,
			Buffered:          f.buffered,
			PayloadBytes:      int(payload),
			Workers:           f.workers,
			ReadShare:         f.readShare,
			WriteShare:        f.writeShare,
			Readers:           f.readers,
			Writers:           f.writers,
			Runtime:           f.runtime,
			Iterations:        f.iterations,
			Divisions:         f.divisions,
			Resolution:        f.resolution,
			HistogramCapacity: f.capacity,
			Seed:              f.seed,
			Message:           f.message,
			Scheduler:         f.scheduler,
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *runFlags) maybeWriteConfig(out io.Writer, cfg *config.Config) error {
	if f.writeConfig == "" {
		return nil
	}
	if err := cfg.Save(f.writeConfig); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(out, "Configuration written to %s\n", f.writeConfig)
	return nil
}

func newRunCommand(log func() pslog.Logger) *cobra.Command {
	var f runFlags
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run readers and writers against a device and report latency percentiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if err := f.maybeWriteConfig(out, cfg); err != nil {
				return err
			}
			logger := log()

			if mode := cfg.Settings.Scheduler; mode != "" {
				if err := device.SetScheduler(cfg.Target, mode); err != nil {
					return err
				}
				logger.Info("device.scheduler", "path", cfg.Target, "mode", mode)
			}

			opts := []engine.Option{engine.WithLogger(logger)}
			if metricsAddr != "" {
				m, err := serveMetrics(cmd.Context(), metricsAddr, logger)
				if err != nil {
					return err
				}
				opts = append(opts, engine.WithMetrics(m))
			}

			params := cfg.Params()
			params.DumpReservations = f.dump
			if !f.quiet {
				params.Progress = progressPrinter(out)
			}

			fmt.Fprintf(out, "Running %s on %s: %d readers, %d writers, %s payload, %v\n",
				params.EngineType, params.Path, params.Readers, params.Writers,
				humanize.IBytes(uint64(params.PayloadBytes)), params.Runtime)
			res, err := engine.New(opts...).Run(cmd.Context(), params)
			if err != nil {
				return err
			}

			printResult(out, res)
			if f.dump {
				printReservations(out, res.Reservations)
			}
			return writeJSON(out, f.reportFile, res)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (e.g. :9100)")
	return cmd
}

// serveMetrics exposes a fresh registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger pslog.Logger) (*metrics.Metrics, error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve.failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return m, nil
}
