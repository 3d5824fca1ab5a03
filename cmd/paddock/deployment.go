package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/paddock/pkg/client"
	"github.com/cuemby/paddock/pkg/types"
)

var deploymentCmd = &cobra.Command{
	Use:     "deployment",
	Aliases: []string{"deploy"},
	Short:   "Manage multi-service deployments",
}

var deploymentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		deployments, err := c.ListDeployments(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(deployments))
		for _, d := range deployments {
			services := 0
			if d.Config != nil {
				services = len(d.Config.Services)
			}
			rows = append(rows, []string{
				d.ID, d.Name, fmt.Sprintf("%d", services), string(d.Status), ago(d.UpdatedAt),
			})
		}
		table([]string{"ID", "NAME", "SERVICES", "STATUS", "UPDATED"}, rows)
		return nil
	},
}

var deploymentApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a deployment from a manifest",
	Long: `Apply a deployment manifest. The manifest names the deployment and its
services; a deployment with that name is updated in place, otherwise a
new one is created.

Example manifest:

  name: blog
  services:
    db:
      image: postgres:16
      env:
        POSTGRES_PASSWORD: secret
    app:
      image: ghost:5
      depends_on: [db]
      ports: ["8080:2368"]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		machine, _ := cmd.Flags().GetString("machine")

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		var cfg types.ComposeConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		existing, err := findDeployment(cmd.Context(), c, cfg.Name)
		if err != nil {
			return err
		}

		if existing != nil {
			dep, err := c.UpdateDeployment(cmd.Context(), existing.ID, &cfg, machine)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Deployment updated: %s (status: %s)\n", dep.Name, dep.Status)
			return nil
		}

		dep, err := c.CreateDeployment(cmd.Context(), &cfg, machine)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Deployment created: %s (ID: %s, status: %s)\n", dep.Name, dep.ID, dep.Status)
		return nil
	},
}

// findDeployment matches a deployment by name, nil when there is none.
func findDeployment(ctx context.Context, c *client.Client, name string) (*types.Deployment, error) {
	deployments, err := c.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, nil
}

var deploymentStatusCmd = &cobra.Command{
	Use:   "status DEPLOYMENT",
	Short: "Show per-service state, recomputed from the engines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		dep, err := c.DeploymentStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Deployment: %s (%s)\n", dep.Name, dep.Status)
		fmt.Println()

		services := make([]string, 0, len(dep.Containers))
		for svc := range dep.Containers {
			services = append(services, svc)
		}
		for svc := range dep.Errors {
			if _, ok := dep.Containers[svc]; !ok {
				services = append(services, svc)
			}
		}
		sort.Strings(services)

		rows := make([][]string, 0, len(services))
		for _, svc := range services {
			rows = append(rows, []string{svc, dash(dep.Containers[svc]), dash(dep.Errors[svc])})
		}
		table([]string{"SERVICE", "CONTAINER", "ERROR"}, rows)
		return nil
	},
}

var deploymentLogsCmd = &cobra.Command{
	Use:   "logs DEPLOYMENT",
	Short: "Fetch logs from every service, dependency-ordered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		logs, err := c.DeploymentLogs(cmd.Context(), args[0], tail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var deploymentRemoveCmd = &cobra.Command{
	Use:   "remove DEPLOYMENT",
	Short: "Tear down a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.RemoveDeployment(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("✓ Deployment removed: %s\n", args[0])
		return nil
	},
}

func init() {
	deploymentCmd.AddCommand(deploymentListCmd)
	deploymentCmd.AddCommand(deploymentApplyCmd)
	deploymentCmd.AddCommand(deploymentStatusCmd)
	deploymentCmd.AddCommand(deploymentLogsCmd)
	deploymentCmd.AddCommand(deploymentRemoveCmd)

	deploymentApplyCmd.Flags().StringP("file", "f", "", "Manifest file (required)")
	deploymentApplyCmd.Flags().String("machine", "", "Default machine for services without one")
	_ = deploymentApplyCmd.MarkFlagRequired("file")

	deploymentLogsCmd.Flags().Int("tail", 0, "Only the last N lines per service (0 means all)")

	deploymentRemoveCmd.Flags().Bool("force", false, "Continue teardown past individual failures")
}
