package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Long: `Starts the API server. Devices come from the config file; executions,
progress events, plans and interactive terminals are served under /api.

The listen address defaults to the config value and can be overridden
with --listen or NETDOC_LISTEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Printf("[SERVER] %d device(s) in inventory", len(cfg.Devices))
			return a.server().ListenAndServe(ctx)
		},
	}

	serveCmd.Flags().String("listen", "", "Listen address (host:port)")
	_ = opts.settings.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	return serveCmd
}
