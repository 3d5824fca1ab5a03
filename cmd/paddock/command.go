package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/types"
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Run shell commands on machines",
}

var commandRunCmd = &cobra.Command{
	Use:   "run -- COMMAND [ARGS...]",
	Short: "Run a command on selected machines, or the whole fleet",
	Long: `Run a shell command over SSH. --machine selects targets and repeats;
without it the command fans out to every machine not in maintenance.

A non-zero remote exit code is part of the result, not a failure of this
command. Transport failures are reported per machine.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machines, _ := cmd.Flags().GetStringArray("machine")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		command := shellquote.Join(args...)

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if timeout > 0 {
			// The HTTP call has to outlive the remote command.
			c.SetTimeout(timeout + 30*time.Second)
		}

		if len(machines) == 1 {
			res, err := c.RunCommand(cmd.Context(), machines[0], command, timeout)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		}

		results, err := c.FanOutCommand(cmd.Context(), machines, command, timeout)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i, id := range ids {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("=== %s\n", id)
			printResult(results[id])
		}
		return nil
	},
}

func printResult(res *types.CommandResult) {
	if res.Error != "" {
		fmt.Printf("transport error: %s\n", res.Error)
		return
	}
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Print(res.Stderr)
	}
	if res.ExitCode != 0 {
		fmt.Printf("(exit %d, %dms)\n", res.ExitCode, res.DurationMS)
	}
}

func init() {
	commandCmd.AddCommand(commandRunCmd)

	commandRunCmd.Flags().StringArray("machine", nil, "Target machine ID (repeatable; empty means the fleet)")
	commandRunCmd.Flags().Duration("timeout", 0, "Remote command timeout (0 uses the server default)")
}
