package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/types"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage containers",
}

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, _ := cmd.Flags().GetString("machine")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		containers, err := c.ListContainers(cmd.Context(), machine)
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(containers))
		for _, ct := range containers {
			rows = append(rows, []string{
				ct.ID, ct.Name, ct.Image, ct.MachineID, string(ct.State), ago(ct.CreatedAt),
			})
		}
		table([]string{"ID", "NAME", "IMAGE", "MACHINE", "STATE", "CREATED"}, rows)
		return nil
	},
}

var containerDeployCmd = &cobra.Command{
	Use:   "deploy NAME [-- COMMAND [ARGS...]]",
	Short: "Deploy a container to a machine",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specFromFlags(cmd, args)
		if err != nil {
			return err
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ct, err := c.DeployContainer(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container deployed: %s (ID: %s, state: %s)\n", ct.Name, ct.ID, ct.State)
		return nil
	},
}

// specFromFlags assembles a container spec from the deploy flags. Everything
// after -- becomes the container command.
func specFromFlags(cmd *cobra.Command, args []string) (*types.ContainerSpec, error) {
	image, _ := cmd.Flags().GetString("image")
	machine, _ := cmd.Flags().GetString("machine")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	portSpecs, _ := cmd.Flags().GetStringArray("port")
	volumeSpecs, _ := cmd.Flags().GetStringArray("volume")
	labelPairs, _ := cmd.Flags().GetStringArray("label")
	network, _ := cmd.Flags().GetString("network")
	restart, _ := cmd.Flags().GetString("restart")
	cpus, _ := cmd.Flags().GetFloat64("cpus")
	memory, _ := cmd.Flags().GetString("memory")

	env, err := parseLabels(envPairs)
	if err != nil {
		return nil, err
	}
	labels, err := parseLabels(labelPairs)
	if err != nil {
		return nil, err
	}

	ports := make([]types.PortMap, 0, len(portSpecs))
	for _, s := range portSpecs {
		p, err := parsePortFlag(s)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}

	volumes := make([]types.VolumeMap, 0, len(volumeSpecs))
	for _, s := range volumeSpecs {
		v, err := parseVolumeFlag(s)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}

	var memoryLimit int64
	if memory != "" {
		memoryLimit, err = units.RAMInBytes(memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", memory, err)
		}
	}

	return &types.ContainerSpec{
		Name:          args[0],
		Image:         image,
		MachineID:     machine,
		Env:           env,
		Ports:         ports,
		Volumes:       volumes,
		Labels:        labels,
		Network:       network,
		Command:       args[1:],
		RestartPolicy: restart,
		CPULimit:      cpus,
		MemoryLimit:   memoryLimit,
	}, nil
}

// parsePortFlag reads the compact "host:container[/proto]" form.
func parsePortFlag(s string) (types.PortMap, error) {
	proto := "tcp"
	spec := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		spec, proto = s[:i], s[i+1:]
	}
	if proto != "tcp" && proto != "udp" {
		return types.PortMap{}, fmt.Errorf("invalid port %q: protocol must be tcp or udp", s)
	}

	hostStr, contStr, ok := strings.Cut(spec, ":")
	if !ok {
		return types.PortMap{}, fmt.Errorf("invalid port %q (want host:container[/proto])", s)
	}
	host, err := strconv.Atoi(hostStr)
	if err != nil {
		return types.PortMap{}, fmt.Errorf("invalid port %q: %w", s, err)
	}
	cont, err := strconv.Atoi(contStr)
	if err != nil {
		return types.PortMap{}, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return types.PortMap{HostPort: host, ContainerPort: cont, Protocol: proto}, nil
}

// parseVolumeFlag reads the compact "source:target[:mode]" form.
func parseVolumeFlag(s string) (types.VolumeMap, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return types.VolumeMap{}, fmt.Errorf("invalid volume %q (want source:target[:mode])", s)
	}
	v := types.VolumeMap{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		v.Mode = parts[2]
	}
	return v, nil
}

var containerStartCmd = &cobra.Command{
	Use:   "start CONTAINER",
	Short: "Start a stopped container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ct, err := c.StartContainer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container %s is %s\n", ct.Name, ct.State)
		return nil
	},
}

var containerStopCmd = &cobra.Command{
	Use:   "stop CONTAINER",
	Short: "Stop a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetInt("timeout")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ct, err := c.StopContainer(cmd.Context(), args[0], timeout)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container %s is %s\n", ct.Name, ct.State)
		return nil
	},
}

var containerRestartCmd = &cobra.Command{
	Use:   "restart CONTAINER",
	Short: "Restart a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetInt("timeout")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ct, err := c.RestartContainer(cmd.Context(), args[0], timeout)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container %s is %s\n", ct.Name, ct.State)
		return nil
	},
}

var containerRemoveCmd = &cobra.Command{
	Use:   "remove CONTAINER",
	Short: "Remove a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.RemoveContainer(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("✓ Container removed: %s\n", args[0])
		return nil
	},
}

var containerLogsCmd = &cobra.Command{
	Use:   "logs CONTAINER",
	Short: "Fetch container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		since, _ := cmd.Flags().GetDuration("since")
		timestamps, _ := cmd.Flags().GetBool("timestamps")
		opts := types.LogOptions{Tail: tail, Timestamps: timestamps}
		if since > 0 {
			opts.Since = time.Now().Add(-since)
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		logs, err := c.ContainerLogs(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var containerExecCmd = &cobra.Command{
	Use:   "exec CONTAINER -- COMMAND [ARGS...]",
	Short: "Run a command inside a container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		workdir, _ := cmd.Flags().GetString("workdir")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		res, err := c.ExecContainer(cmd.Context(), args[0], args[1:], types.ExecOptions{
			User:    user,
			WorkDir: workdir,
		})
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var containerStatsCmd = &cobra.Command{
	Use:   "stats CONTAINER",
	Short: "Show a live resource snapshot for a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.ContainerStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("CPU:     %.1f%%\n", st.CPUPercent)
		fmt.Printf("Memory:  %s / %s (%.1f%%)\n", mem(st.MemoryUsage), mem(st.MemoryLimit), st.MemoryPercent)
		fmt.Printf("Network: rx %s, tx %s\n", mem(st.NetworkRx), mem(st.NetworkTx))
		fmt.Printf("Block:   read %s, write %s\n", mem(st.BlockRead), mem(st.BlockWrite))
		fmt.Printf("PIDs:    %d\n", st.PIDs)
		return nil
	},
}

var containerReconcileCmd = &cobra.Command{
	Use:   "reconcile MACHINE",
	Short: "Re-read engine state for every tracked container on a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		containers, err := c.ReconcileContainers(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Reconciled %d containers\n", len(containers))
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerDeployCmd)
	containerCmd.AddCommand(containerStartCmd)
	containerCmd.AddCommand(containerStopCmd)
	containerCmd.AddCommand(containerRestartCmd)
	containerCmd.AddCommand(containerRemoveCmd)
	containerCmd.AddCommand(containerLogsCmd)
	containerCmd.AddCommand(containerExecCmd)
	containerCmd.AddCommand(containerStatsCmd)
	containerCmd.AddCommand(containerReconcileCmd)

	containerListCmd.Flags().String("machine", "", "Only containers on this machine")

	containerDeployCmd.Flags().String("image", "", "Container image")
	containerDeployCmd.Flags().String("machine", "", "Target machine ID")
	containerDeployCmd.Flags().StringArray("env", nil, "Environment variable as KEY=value (repeatable)")
	containerDeployCmd.Flags().StringArray("port", nil, "Port as host:container[/proto] (repeatable)")
	containerDeployCmd.Flags().StringArray("volume", nil, "Volume as source:target[:mode] (repeatable)")
	containerDeployCmd.Flags().StringArray("label", nil, "Label as key=value (repeatable)")
	containerDeployCmd.Flags().String("network", "", "Docker network to attach")
	containerDeployCmd.Flags().String("restart", "", "Restart policy (no, on-failure, always, unless-stopped)")
	containerDeployCmd.Flags().Float64("cpus", 0, "CPU limit in cores")
	containerDeployCmd.Flags().String("memory", "", "Memory limit (e.g. 512m, 2g)")
	_ = containerDeployCmd.MarkFlagRequired("image")
	_ = containerDeployCmd.MarkFlagRequired("machine")

	containerStopCmd.Flags().Int("timeout", 0, "Grace period in seconds before the kill (0 uses the engine default)")
	containerRestartCmd.Flags().Int("timeout", 0, "Grace period in seconds before the kill (0 uses the engine default)")
	containerRemoveCmd.Flags().Bool("force", false, "Remove even while running")

	containerLogsCmd.Flags().Int("tail", 0, "Only the last N lines (0 means all)")
	containerLogsCmd.Flags().Duration("since", 0, "Only lines newer than this (e.g. 10m, 2h)")
	containerLogsCmd.Flags().Bool("timestamps", false, "Prefix lines with timestamps")

	containerExecCmd.Flags().String("user", "", "Run as this user")
	containerExecCmd.Flags().String("workdir", "", "Working directory inside the container")
}
