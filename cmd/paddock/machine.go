package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/fleet"
)

var machineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Manage machines",
}

var machineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		machines, err := c.ListMachines(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(machines))
		for _, m := range machines {
			addr := fmt.Sprintf("%s@%s:%d", m.User, m.Host, m.Port)
			rows = append(rows, []string{
				m.ID, m.Name, addr, string(m.Status), ago(m.LastProbe), dash(m.LastError),
			})
		}
		table([]string{"ID", "NAME", "ADDRESS", "STATUS", "LAST PROBE", "ERROR"}, rows)
		return nil
	},
}

var machineAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a machine",
	Long: `Register a machine by name, SSH address, and private key. The key is
encrypted before it is stored; the first probe runs right away and pins
the host key it sees.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		keyFile, _ := cmd.Flags().GetString("key")
		labelPairs, _ := cmd.Flags().GetStringArray("label")

		key, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key file: %w", err)
		}
		labels, err := parseLabels(labelPairs)
		if err != nil {
			return err
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		m, err := c.RegisterMachine(cmd.Context(), &fleet.RegisterRequest{
			Name:   args[0],
			Host:   host,
			Port:   port,
			User:   user,
			Key:    string(key),
			Labels: labels,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Machine registered: %s (ID: %s)\n", m.Name, m.ID)
		return nil
	},
}

var machineShowCmd = &cobra.Command{
	Use:   "show MACHINE",
	Short: "Show one machine and its latest probe metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		m, err := c.GetMachine(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:         %s\n", m.ID)
		fmt.Printf("Name:       %s\n", m.Name)
		fmt.Printf("Address:    %s@%s:%d\n", m.User, m.Host, m.Port)
		fmt.Printf("Status:     %s\n", m.Status)
		fmt.Printf("Labels:     %s\n", labelString(m.Labels))
		fmt.Printf("Last probe: %s\n", ago(m.LastProbe))
		if m.LastError != "" {
			fmt.Printf("Last error: %s\n", m.LastError)
		}

		metrics, err := c.MachineMetrics(cmd.Context(), m.ID)
		if err != nil {
			// A machine that was never probed has no metrics yet.
			return nil
		}
		fmt.Println()
		fmt.Printf("CPU:        %.1f%%\n", metrics.CPUPercent)
		fmt.Printf("Memory:     %s / %s\n", mem(metrics.MemoryUsedBytes), mem(metrics.MemoryTotalBytes))
		if metrics.DiskTotalBytes > 0 {
			fmt.Printf("Disk:       %s / %s\n", mem(metrics.DiskUsedBytes), mem(metrics.DiskTotalBytes))
		}
		fmt.Printf("Docker:     active=%v containers=%d\n", metrics.DockerActive, metrics.ContainersRunning)
		fmt.Printf("Collected:  %s\n", ago(metrics.CollectedAt))
		return nil
	},
}

var machineRemoveCmd = &cobra.Command{
	Use:   "remove MACHINE",
	Short: "Remove a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteMachine(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("✓ Machine removed: %s\n", args[0])
		return nil
	},
}

var machineProbeCmd = &cobra.Command{
	Use:   "probe MACHINE",
	Short: "Probe a machine now, outside the monitor cadence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		m, err := c.ProbeMachine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if m.LastError != "" {
			fmt.Printf("Machine %s is %s: %s\n", m.Name, m.Status, m.LastError)
			return nil
		}
		fmt.Printf("✓ Machine %s is %s\n", m.Name, m.Status)
		return nil
	},
}

var machineMaintenanceCmd = &cobra.Command{
	Use:   "maintenance MACHINE on|off",
	Short: "Suspend or resume probing for a machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return fmt.Errorf("mode must be 'on' or 'off', got %q", args[1])
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		m, err := c.SetMaintenance(cmd.Context(), args[0], on)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Machine %s is now %s\n", m.Name, m.Status)
		return nil
	},
}

var machineProvisionCmd = &cobra.Command{
	Use:   "provision MACHINE",
	Short: "Install and enable docker on a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		res, err := c.ProvisionMachine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			fmt.Printf("Provisioning exited %d:\n%s\n", res.ExitCode, res.Stderr)
			return nil
		}
		fmt.Printf("✓ Machine provisioned\n%s", res.Stdout)
		return nil
	},
}

func init() {
	machineCmd.AddCommand(machineListCmd)
	machineCmd.AddCommand(machineAddCmd)
	machineCmd.AddCommand(machineShowCmd)
	machineCmd.AddCommand(machineRemoveCmd)
	machineCmd.AddCommand(machineProbeCmd)
	machineCmd.AddCommand(machineMaintenanceCmd)
	machineCmd.AddCommand(machineProvisionCmd)

	machineAddCmd.Flags().String("host", "", "Hostname or IP to SSH into")
	machineAddCmd.Flags().Int("port", 22, "SSH port")
	machineAddCmd.Flags().String("user", "root", "SSH user")
	machineAddCmd.Flags().String("key", "", "Path to the PEM private key")
	machineAddCmd.Flags().StringArray("label", nil, "Label as key=value (repeatable)")
	_ = machineAddCmd.MarkFlagRequired("host")
	_ = machineAddCmd.MarkFlagRequired("key")

	machineRemoveCmd.Flags().Bool("force", false, "Remove even with containers still tracked on it")
}
