package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/netdoc/pkg/server"
)

func newSchemaCmd() *cobra.Command {
	var list bool

	schemaCmd := &cobra.Command{
		Use:   "schema [name]",
		Short: "Print JSON schemas of the API messages",
		Long:  "Without a name prints every schema keyed by name. Use --list for the names only.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				for _, name := range server.SchemaNames() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			if len(args) == 0 {
				return printJSON(out, server.Schemas())
			}
			schema, err := server.Schema(args[0])
			if err != nil {
				return err
			}
			return printJSON(out, schema)
		},
	}

	schemaCmd.Flags().BoolVarP(&list, "list", "l", false, "List schema names")
	return schemaCmd
}
