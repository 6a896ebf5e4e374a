package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Manage the purchased node fleet",
}

var fleetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List purchased nodes",
	RunE:  runFleetList,
}

var fleetBuyCmd = &cobra.Command{
	Use:   "buy",
	Short: "Buy a node at the given capacity tier",
	RunE:  runFleetBuy,
}

var buyCapacity float64

func init() {
	fleetCmd.AddCommand(fleetListCmd, fleetBuyCmd)

	fleetBuyCmd.Flags().Float64Var(&buyCapacity, "capacity", 0, "Capacity tier to buy (required, power of two)")
	fleetBuyCmd.MarkFlagRequired("capacity")
}

func runFleetList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/fleet")
	if err != nil {
		return err
	}

	var fl map[string]interface{}
	if err := json.Unmarshal(resp, &fl); err != nil {
		return err
	}

	if enabled, _ := fl["enabled"].(bool); !enabled {
		fmt.Println("Fleet manager is disabled")
		return nil
	}

	nodes, _ := fl["nodes"].([]interface{})
	fmt.Printf("Fleet: %.0f / %.0f nodes\n", fl["size"].(float64), fl["max_nodes"].(float64))
	if len(nodes) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tCAPACITY\tBOUGHT")
	for _, raw := range nodes {
		n := raw.(map[string]interface{})
		fmt.Fprintf(w, "%s\t%.0f\t%s\n", n["name"], n["capacity"].(float64), n["bought_at"])
	}
	w.Flush()
	return nil
}

func runFleetBuy(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"capacity": buyCapacity,
	}

	resp, err := apiPost("/fleet/buy", body)
	if err != nil {
		return err
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(resp, &entry); err != nil {
		return err
	}

	fmt.Printf("Bought node %s at capacity %.0f\n", entry["name"], entry["capacity"].(float64))
	return nil
}
