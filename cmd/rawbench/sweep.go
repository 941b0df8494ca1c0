package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/cluster"
	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/sweep"
)

func newSweepCommand(log func() pslog.Logger) *cobra.Command {
	var f runFlags
	var minWorkers, maxWorkers, step int
	var nodes string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repeat a run at increasing worker counts and find where IOPS stop scaling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			counts, err := sweep.Counts(minWorkers, maxWorkers, step)
			if err != nil {
				return err
			}
			if nodes != "" && f.path == "" && f.configFile == "" {
				f.path = "REMOTE_MANAGED"
			}
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if err := f.maybeWriteConfig(out, cfg); err != nil {
				return err
			}
			logger := log()

			var runner engine.Runner = engine.New(engine.WithLogger(logger))
			if nodes != "" {
				runner = cluster.New(strings.Split(nodes, ","), logger.With("svc", "cluster"))
			}
			s := sweep.New(runner,
				sweep.WithShares(cfg.Settings.ReadShare, cfg.Settings.WriteShare),
				sweep.WithLogger(logger),
				sweep.WithProgress(func(i, n int, st sweep.Step) {
					fmt.Fprintf(out, "[%d/%d] workers=%d -> IOPS: %s, P90: %v\n",
						i, n, st.Workers, humanize.CommafWithDigits(st.Result.IOPS, 0), st.Result.P90Latency)
				}),
			)

			fmt.Fprintf(out, "Sweeping workers %d..%d on %s...\n", minWorkers, maxWorkers, cfg.Target)
			report, err := s.Run(cmd.Context(), cfg.Params(), counts)
			if err != nil {
				return err
			}
			printSweep(out, report)
			return writeJSON(out, f.reportFile, report)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().IntVar(&minWorkers, "min", 1, "Smallest worker count")
	cmd.Flags().IntVar(&maxWorkers, "max", 16, "Largest worker count")
	cmd.Flags().IntVar(&step, "step", 1, "Worker count increment")
	cmd.Flags().StringVar(&nodes, "nodes", "", "Comma-separated agent addresses; runs locally when empty")
	return cmd
}

func printSweep(out io.Writer, r *sweep.Report) {
	fmt.Fprintf(out, "\n>>> Sweep Complete <<<\n")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Workers\tIOPS\tP50\tP90\tErrors\n")
	for _, st := range r.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%v\t%v\t%d\n", st.Workers,
			humanize.CommafWithDigits(st.Result.IOPS, 0), st.Result.P50Latency, st.Result.P90Latency, st.Result.IOErrors)
	}
	tw.Flush()

	a := r.Analysis
	if a.Knee.X > 0 {
		fmt.Fprintf(out, "Knee found at: %.0f workers (IOPS: %.0f)\n", a.Knee.X, a.Knee.Y)
	}
	if a.LinearLimit.X > 0 {
		fmt.Fprintf(out, "Linear scaling ends at: %.0f workers\n", a.LinearLimit.X)
	}
	if a.SaturationPoint.X > 0 {
		fmt.Fprintf(out, "Saturated at: %.0f workers\n", a.SaturationPoint.X)
	}
	fmt.Fprintf(out, "Curve confidence: %.2f\n", a.Confidence)
}
