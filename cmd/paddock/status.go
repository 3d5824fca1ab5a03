package main

import (
	"fmt"
	"sort"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and plugin status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		health, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Health: %s\n", health.Status)
		checks := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			checks = append(checks, name)
		}
		sort.Strings(checks)
		for _, name := range checks {
			fmt.Printf("  %-10s %s\n", name, health.Checks[name])
		}

		info, err := c.System(cmd.Context())
		if err != nil {
			// The system route needs auth; health alone is still an answer.
			return err
		}
		fmt.Println()
		fmt.Printf("Version: %s\n", info.Version)
		fmt.Printf("Uptime:  %s\n", units.HumanDuration(time.Duration(info.UptimeSeconds)*time.Second))
		fmt.Println()

		rows := make([][]string, 0, len(info.Plugins))
		for _, p := range info.Plugins {
			healthy := "yes"
			if !p.Health.Healthy {
				healthy = "no"
			}
			rows = append(rows, []string{p.Name, p.Version, healthy, dash(p.Health.Detail)})
		}
		table([]string{"PLUGIN", "VERSION", "HEALTHY", "DETAIL"}, rows)
		return nil
	},
}
