package main

import (
	"fmt"
	"net"
	"strconv"

	cacheproxy "github.com/ferro-labs/cache-proxy"
	"github.com/ferro-labs/cache-proxy/internal/demo"
	"github.com/ferro-labs/cache-proxy/internal/version"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a proxy configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cacheproxy.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cacheproxy.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Listen:   %s\n", net.JoinHostPort(cfg.Listen.Host, strconv.Itoa(cfg.Listen.Port)))
			fmt.Fprintf(out, "  Origin:   %s (read timeout %s)\n",
				net.JoinHostPort(cfg.Origin.Host, strconv.Itoa(cfg.Origin.Port)), cfg.Origin.ReadTimeout)
			fmt.Fprintf(out, "  Cache:    %d entries\n", cfg.Cache.Capacity)
			fmt.Fprintf(out, "  Workers:  %d (queue %d)\n", cfg.Workers.PoolSize, cfg.Workers.QueueSize)
			breaker := "disabled"
			if cfg.CircuitBreaker.Enabled {
				breaker = fmt.Sprintf("after %d failures, %s cooldown", cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Timeout)
			}
			fmt.Fprintf(out, "  Breaker:  %s\n", breaker)
			admin := "disabled"
			if cfg.AdminEnabled() {
				admin = cfg.Admin.Addr
			}
			fmt.Fprintf(out, "  Admin:    %s\n", admin)
			fmt.Fprintf(out, "  EventLog: %s\n", cfg.EventLog.Driver)
			return nil
		},
	}
}

func newOriginCmd() *cobra.Command {
	var (
		addr    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "origin",
		Short: "Run the demo origin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return demo.NewOrigin(addr, workers).Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", demo.DefaultOriginAddr, "listen address")
	cmd.Flags().IntVar(&workers, "workers", demo.DefaultOriginWorkers, "concurrent connections served")
	return cmd
}

func newLoadCmd() *cobra.Command {
	opts := demo.LoadOptions{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Send concurrent GET requests through the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := demo.RunLoad(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Addr, "addr", net.JoinHostPort("localhost", strconv.Itoa(cacheproxy.DefaultListenPort)), "proxy address")
	f.IntVarP(&opts.Clients, "clients", "n", demo.DefaultClients, "number of clients")
	f.IntVar(&opts.Parallelism, "parallelism", demo.DefaultParallelism, "clients running at once")
	f.StringVar(&opts.Path, "path", "/", "request path")
	f.DurationVar(&opts.Timeout, "timeout", demo.DefaultLoadTimeout, "per-client timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cacheproxy %s\n", version.String())
		},
	}
}
