package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/planner"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var (
		goal       string
		assumeSudo bool
		run        string
		confirm    bool
		asJSON     bool
	)

	planCmd := &cobra.Command{
		Use:   "plan <device-id>",
		Short: "Propose validated commands for a documentation goal",
		Long: `Asks the planner for read-only commands that serve the goal on this device.
Commands are sanitized and checked before they are shown; destructive
ones are flagged.

Run selected steps by number:
  netdoc plan core1 --goal "document bgp peers" --run 1,2`,
		Args: cobra.ExactArgs(1),
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
			plan, err := a.planner.Plan(ctx, planner.Request{
				DeviceID:   dev.ID,
				Family:     dev.Family,
				Vendor:     dev.Vendor,
				Role:       dev.Role,
				Goal:       goal,
				AssumeSudo: assumeSudo,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, plan); err != nil {
					return err
				}
			} else {
				printPlan(out, plan)
			}
			if run == "" {
				return nil
			}

			ids, err := stepIDs(plan, run)
			if err != nil {
				return err
			}
			if plan.HasDestructive(ids) && !confirm {
				return nderrors.New(nderrors.ErrInvalidInput, "selection contains destructive steps, pass --confirm-destructive to run them")
			}
			commands, err := plan.Select(ids)
			if err != nil {
				return err
			}
			return runExec(ctx, a, out, dev.ID, commands, asJSON)
		},
	}

	planCmd.Flags().StringVarP(&goal, "goal", "g", "", "What to document (required)")
	planCmd.Flags().BoolVar(&assumeSudo, "assume-sudo", false, "Prefix linux commands with sudo")
	planCmd.Flags().StringVar(&run, "run", "", "Comma separated step numbers to execute after planning")
	planCmd.Flags().BoolVar(&confirm, "confirm-destructive", false, "Allow running steps flagged destructive")
	planCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	_ = planCmd.MarkFlagRequired("goal")
	return planCmd
}

func printPlan(out io.Writer, plan *planner.Plan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Plan %s for %s (%s)\n", plan.ID, plan.DeviceID, plan.Family)
	fmt.Fprintln(w, "#\tCOMMAND\tDESCRIPTION\t")
	for i, step := range plan.Steps {
		flag := ""
		if step.Destructive {
			flag = " [destructive]"
		}
		fmt.Fprintf(w, "%d\t%s\t%s%s\t\n", i+1, step.Command, step.Description, flag)
	}
	w.Flush()
	if plan.Rejected > 0 {
		fmt.Fprintf(out, "%d proposed command(s) rejected\n", plan.Rejected)
	}
	if plan.Truncated {
		fmt.Fprintln(out, "plan truncated to the step limit")
	}
}

// stepIDs maps 1-based step numbers onto step ids
func stepIDs(plan *planner.Plan, list string) ([]string, error) {
	var ids []string
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(plan.Steps) {
			return nil, nderrors.Newf(nderrors.ErrInvalidInput, "invalid step number %q, plan has %d steps", field, len(plan.Steps))
		}
		ids = append(ids, plan.Steps[n-1].ID)
	}
	if len(ids) == 0 {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "no steps selected")
	}
	return ids, nil
}

func newSuggestCmd() *cobra.Command {
	var req planner.SuggestRequest

	suggestCmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest commands for a kind of device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := planner.Suggest(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}

	suggestCmd.Flags().StringVar(&req.DeviceType, "device-type", "", "Device type, e.g. cisco_ios")
	suggestCmd.Flags().StringVar(&req.Vendor, "vendor", "", "Vendor used when the device type is unknown")
	suggestCmd.Flags().StringVar(&req.Role, "role", "", "Device role, e.g. router or switch")
	suggestCmd.Flags().StringVar(&req.Goal, "goal", "", "What to document")
	_ = suggestCmd.MarkFlagRequired("device-type")
	return suggestCmd
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates [device-type]",
		Short: "List built-in command templates",
		Long:  "Without arguments lists the device types that have templates.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, f := range planner.TemplateFamilies() {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			}
			return printJSON(cmd.OutOrStdout(), planner.Templates(device.ParseFamily(args[0])))
		},
	}
}
