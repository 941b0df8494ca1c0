package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/agent"
	"github.com/runningwild/rawbench/pkg/cluster"
)

func newAgentCommand(log func() pslog.Logger) *cobra.Command {
	var listen, path string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve runs for a remote controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := agent.NewServer(path, log().With("svc", "agent"))
			if err != nil {
				return err
			}
			if err := srv.VerifyAccess(); err != nil {
				return fmt.Errorf("agent startup: %w", err)
			}
			return srv.ListenAndServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9000", "Address to listen on")
	cmd.Flags().StringVar(&path, "path", "", "Target device (overrides the path in remote requests)")
	return cmd
}

func newRemoteCommand(log func() pslog.Logger) *cobra.Command {
	var f runFlags
	var nodes string
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Split a run across agents and merge their histograms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var hosts []string
			for _, n := range strings.Split(nodes, ",") {
				if n = strings.TrimSpace(n); n != "" {
					hosts = append(hosts, n)
				}
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--nodes is required")
			}

			// Agents started with --path ignore this one.
			if f.path == "" && f.configFile == "" {
				f.path = "REMOTE_MANAGED"
			}
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if err := f.maybeWriteConfig(out, cfg); err != nil {
				return err
			}

			params := cfg.Params()
			fmt.Fprintf(out, "Running on %d agents: %d readers, %d writers, %v\n",
				len(hosts), params.Readers, params.Writers, params.Runtime)
			res, err := cluster.New(hosts, log().With("svc", "cluster")).Run(cmd.Context(), params)
			if err != nil {
				return err
			}
			printResult(out, res)
			return writeJSON(out, f.reportFile, res)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&nodes, "nodes", "", "Comma-separated agent addresses (host:port)")
	return cmd
}
