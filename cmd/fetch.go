package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var output string

	fetchCmd := &cobra.Command{
		Use:   "fetch <device-id> <remote-path>",
		Short: "Copy a file from a device over SFTP",
		Long: `Downloads a file such as a saved configuration from the device. The
content goes to stdout unless --output is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dev, err := a.inventory.Get(ctx, args[0])
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			n, err := a.sessions.FetchFile(ctx, dev, args[1], w)
			if err != nil {
				if output != "" {
					_ = os.Remove(output)
				}
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, output)
			}
			return nil
		},
	}

	fetchCmd.Flags().StringVarP(&output, "output", "o", "", "Write the file here instead of stdout")
	return fetchCmd
}
