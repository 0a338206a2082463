// Command cacheproxy runs the caching reverse proxy and its admin server, and
// bundles the demo origin and load generator used to exercise it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "cacheproxy",
		Short:         "Caching reverse proxy for a single origin",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Flags beat LOG_LEVEL/LOG_FORMAT, which logging reads at init.
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") {
				logging.Setup(firstNonEmpty(opts.logLevel, os.Getenv("LOG_LEVEL")),
					firstNonEmpty(opts.logFormat, os.Getenv("LOG_FORMAT")))
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json or text (env LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newOriginCmd(),
		newLoadCmd(),
		newVersionCmd(),
	)
	return root
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
