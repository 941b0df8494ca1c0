package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RAWBENCH_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rawbench")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var logLevel string
	logger := baseLogger

	cmd := &cobra.Command{
		Use:           "rawbench",
		Short:         "rawbench measures random read/write latency against a raw block device",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" {
				return nil
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			logger = baseLogger.LogLevel(level)
			return nil
		},
		Example: `
  # 30 second run, 3 readers per writer, 4KiB operations
  rawbench run --path /dev/nvme1n1 --workers 8 --payload 4KiB --runtime 30s

  # Same run from a saved config, with a JSON report
  rawbench run --config run.yaml --report result.json

  # Show what rawbench discovers about a device
  rawbench probe /dev/nvme1n1
`,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides RAWBENCH_LOG_LEVEL")

	log := func() pslog.Logger { return logger }
	cmd.AddCommand(
		newRunCommand(log),
		newProbeCommand(),
		newReadCommand(),
		newWriteCommand(),
		newFioCommand(),
		newAgentCommand(log),
		newRemoteCommand(log),
		newSweepCommand(log),
	)
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
