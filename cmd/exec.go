package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/broadcast"
	"github.com/davidroman0O/netdoc/pkg/execution"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	execCmd := &cobra.Command{
		Use:   "exec <device-id> <command> [command...]",
		Short: "Run commands on a device and print their output",
		Long: `Connects to the device from the inventory, runs the commands one after
another over a single CLI session and prints each output as it completes.

Quote commands that contain spaces:
  netdoc exec core1 "show version" "show ip bgp summary"`,
		Args: cobra.MinimumNArgs(2),
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

			return runExec(ctx, a, cmd.OutOrStdout(), args[0], args[1:], asJSON)
		},
	}

	execCmd.Flags().BoolVar(&asJSON, "json", false, "Print the final execution as JSON")
	return execCmd
}

// runExec submits the commands and follows the device's event stream until
// the execution is terminal
func runExec(ctx context.Context, a *app, out io.Writer, deviceID string, commands []string, asJSON bool) error {
	sub := a.events.Subscribe(deviceID)
	defer sub.Close()

	exec, err := a.engine.Submit(ctx, deviceID, commands)
	if err != nil {
		return err
	}

	if !asJSON {
		followEvents(ctx, sub, exec.ID, len(exec.Commands), out)
	}

	final, err := a.engine.Wait(ctx, exec.ID)
	if err != nil {
		return err
	}
	if asJSON {
		if err := printJSON(out, final); err != nil {
			return err
		}
	}
	if final.Status == execution.StatusFailed {
		return nderrors.Newf(nderrors.ErrExecution, "execution %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func followEvents(ctx context.Context, sub *broadcast.Subscription, execID string, total int, out io.Writer) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.ExecutionID != execID {
				continue
			}
			switch ev.Type {
			case broadcast.EventExecutionStarted:
				fmt.Fprintf(out, "execution %s started on %s\n", ev.ExecutionID, ev.DeviceID)
			case broadcast.EventExecutionProgress:
				switch ev.Status {
				case broadcast.StatusStarted:
					fmt.Fprintf(out, "\n[%d/%d] %s\n", ev.Index+1, total, ev.Command)
				case broadcast.StatusCompleted:
					fmt.Fprintln(out, strings.TrimRight(ev.Output, "\r\n"))
				case broadcast.StatusError:
					fmt.Fprintf(out, "error: %s\n", ev.Error)
				}
			case broadcast.EventExecutionCompleted:
				fmt.Fprintf(out, "\nexecution completed\n")
				return
			case broadcast.EventExecutionFailed:
				fmt.Fprintf(out, "\nexecution failed: %s\n", ev.Error)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func newTestConnectionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <device-id>",
		Short: "Log into a device and run its check command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.TestConnection(ctx, args[0])
			if err != nil {
				return fmt.Errorf("connection to %s failed: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
