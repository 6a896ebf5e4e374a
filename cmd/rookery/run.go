package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [script] [target]",
	Short: "Queue a worker script for placement",
	Long:  `Queues a workload. The daemon places it on the first authorized node with enough free capacity and relaunches it if the node is lost.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSubmit,
}

var (
	runThreads int
	runArgs    string
)

func init() {
	runCmd.Flags().IntVar(&runThreads, "threads", 1, "Requested thread count")
	runCmd.Flags().StringVar(&runArgs, "args", "", "Script arguments (space separated)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"script":  args[0],
		"target":  args[1],
		"threads": runThreads,
		"args":    strings.Fields(runArgs),
	}

	resp, err := apiPost("/workloads", body)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Queued workload: %s\n", result["id"])
	return nil
}
