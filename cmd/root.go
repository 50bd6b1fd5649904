// Package cmd implements the netdoc command line
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidroman0O/netdoc/pkg/config"
)

// Version is set at build time
var Version = "dev"

// rootOptions carries the settings shared by every subcommand. Flags are
// layered over NETDOC_* environment variables.
type rootOptions struct {
	settings *viper.Viper
}

// Execute runs the netdoc CLI
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	settings := viper.New()
	settings.SetEnvPrefix("NETDOC")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "netdoc",
		Short: "Document network devices over their CLI",
		Long: `netdoc opens SSH sessions to network devices, runs batches of show commands,
parses their output and streams progress to any number of viewers.

It can run as an API server (serve) or drive devices directly from the
command line (exec, test-connection, plan, fetch).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8001", "API base URL for client commands")
	_ = settings.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	opts := &rootOptions{settings: settings}
	rootCmd.AddCommand(
		newServeCmd(opts),
		newExecCmd(opts),
		newTestConnectionCmd(opts),
		newPlanCmd(opts),
		newSuggestCmd(),
		newTemplatesCmd(),
		newAttachCmd(opts),
		newFetchCmd(opts),
		newSchemaCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads --config when given, defaults otherwise
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := o.settings.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if listen := o.settings.GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "netdoc", Version)
			return err
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
