package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a daemon summary",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if err != nil && health == nil {
		return fmt.Errorf("daemon unreachable at %s: %w", apiAddr, err)
	}

	resp, err := apiGet("/status")
	if err != nil {
		return err
	}

	var st map[string]interface{}
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	if health.OK {
		fmt.Println("Daemon:      healthy")
	} else {
		fmt.Printf("Daemon:      degraded (db: %s)\n", health.DB)
	}
	fmt.Printf("Version:     %s\n", st["version"])
	fmt.Printf("Scan:        %.0f nodes seen", st["scan_size"].(float64))
	if sweep, ok := st["last_sweep"].(string); ok && sweep != "" {
		fmt.Printf(" (last sweep %s)", sweep)
	}
	fmt.Println()

	if access, ok := st["access"].(map[string]interface{}); ok && len(access) > 0 {
		fmt.Printf("Access:      %s\n", formatCounts(access))
	}

	if capacity, ok := st["capacity"].(map[string]interface{}); ok {
		fmt.Printf("Capacity:    %.0f nodes, %.2f free of %.2f\n",
			capacity["nodes"].(float64), capacity["free"].(float64), capacity["total"].(float64))
	}

	fmt.Printf("Placements:  %.0f live\n", st["active_placements"].(float64))

	if queue, ok := st["queue"].(map[string]interface{}); ok && len(queue) > 0 {
		fmt.Printf("Queue:       %s\n", formatCounts(queue))
	}

	if fl, ok := st["fleet"].(map[string]interface{}); ok {
		if enabled, _ := fl["enabled"].(bool); enabled {
			fmt.Printf("Fleet:       %.0f / %.0f nodes\n", fl["size"].(float64), fl["max_nodes"].(float64))
		} else {
			fmt.Println("Fleet:       disabled")
		}
	}

	return nil
}

// formatCounts renders a status-count map as "3 pending, 1 placed".
func formatCounts(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%.0f %s", m[k].(float64), k)
	}
	return out
}
