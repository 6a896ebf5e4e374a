package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rookery",
	Short: "Rookery - network workload orchestrator",
	Long:  `Rookery coordinates a network of compute nodes: it maps the topology, acquires execution rights, tracks memory capacity, and places worker scripts where they fit.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7583", "Control plane address")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workloadsCmd)
	rootCmd.AddCommand(placementsCmd)
	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
