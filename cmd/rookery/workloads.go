package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "List queued and finished workloads",
	RunE:  runWorkloadList,
}

var workloadShowCmd = &cobra.Command{
	Use:   "show [workload-id]",
	Short: "Show workload details",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadShow,
}

var workloadStatus string

func init() {
	workloadsCmd.AddCommand(workloadShowCmd)
	workloadsCmd.Flags().StringVar(&workloadStatus, "status", "", "Filter by status (pending, claimed, placed, completed, starved, failed)")
}

func runWorkloadList(cmd *cobra.Command, args []string) error {
	url := "/workloads"
	if workloadStatus != "" {
		url += "?status=" + workloadStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var workloads []map[string]interface{}
	if err := json.Unmarshal(resp, &workloads); err != nil {
		return err
	}

	if len(workloads) == 0 {
		fmt.Println("No workloads found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCRIPT\tTARGET\tTHREADS\tSTATUS\tATTEMPTS")
	for _, wl := range workloads {
		id := truncateID(wl["id"].(string))
		script := wl["script"].(string)
		target := wl["target"].(string)
		threads := wl["threads"].(float64)
		status := wl["status"].(string)
		attempts := wl["attempts"].(float64)
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%.0f\n", id, script, target, threads, status, attempts)
	}
	w.Flush()
	return nil
}

func runWorkloadShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/workloads/" + args[0])
	if err != nil {
		return err
	}

	var wl map[string]interface{}
	if err := json.Unmarshal(resp, &wl); err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", wl["id"])
	fmt.Printf("Script:       %s\n", wl["script"])
	fmt.Printf("Target:       %s\n", wl["target"])
	fmt.Printf("Threads:      %.0f\n", wl["threads"].(float64))
	fmt.Printf("Status:       %s\n", wl["status"])
	fmt.Printf("Attempts:     %.0f / %.0f\n", wl["attempts"].(float64), wl["max_attempts"].(float64))
	if le, ok := wl["last_error"].(string); ok && le != "" {
		fmt.Printf("Last Error:   %s\n", le)
	}
	if pid, ok := wl["placement_id"].(string); ok && pid != "" {
		fmt.Printf("Placement:    %s\n", pid)
	}
	fmt.Printf("Created:      %s\n", wl["created_at"])
	fmt.Printf("Updated:      %s\n", wl["updated_at"])

	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
