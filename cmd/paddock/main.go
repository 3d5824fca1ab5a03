package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Paddock - container workloads on plain Linux hosts",
	Long: `Paddock manages a fleet of Linux machines over SSH: it deploys and
supervises docker containers on them, probes host health, keeps the
metrics, and alerts when rules fire.

One binary serves both roles: 'paddock server' runs the control plane,
every other command talks to a running server over its HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Paddock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", envOr("PADDOCK_SERVER", "http://127.0.0.1:8420"), "Server URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("PADDOCK_TOKEN"), "API bearer token")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(machineCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(deploymentCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(notificationCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Paddock version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// apiClient builds the HTTP client from the persistent flags.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
