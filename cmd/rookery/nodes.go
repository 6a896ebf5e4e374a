package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect known nodes and their capacity",
	RunE:  runNodesList,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known nodes",
	RunE:  runNodesList,
}

var nodesShowCmd = &cobra.Command{
	Use:   "show [node]",
	Short: "Show node details",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesShow,
}

var placementsCmd = &cobra.Command{
	Use:   "placements",
	Short: "List placements",
	RunE:  runPlacements,
}

var placementStatus string

func init() {
	nodesCmd.AddCommand(nodesListCmd, nodesShowCmd)
	placementsCmd.Flags().StringVar(&placementStatus, "status", "", "Filter by status (live, exited, invalidated)")
}

func runNodesList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/nodes")
	if err != nil {
		return err
	}

	var nodes []map[string]interface{}
	if err := json.Unmarshal(resp, &nodes); err != nil {
		return err
	}

	if len(nodes) == 0 {
		fmt.Println("No nodes known yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tKIND\tTOTAL\tCOMMITTED\tFREE\tACCESS")
	for _, n := range nodes {
		kind := ""
		if k, ok := n["kind"].(string); ok {
			kind = k
		}
		access := n["access"].(string)
		if reason, ok := n["reason"].(string); ok && reason != "" {
			access += " (" + reason + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.2f\t%.2f\t%s\n",
			n["id"], kind, n["total"].(float64), n["committed"].(float64), n["free"].(float64), access)
	}
	w.Flush()
	return nil
}

func runNodesShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/nodes/" + args[0])
	if err != nil {
		return err
	}

	var n map[string]interface{}
	if err := json.Unmarshal(resp, &n); err != nil {
		return err
	}

	fmt.Printf("Node:         %s\n", n["id"])
	if kind, ok := n["kind"].(string); ok && kind != "" {
		fmt.Printf("Kind:         %s\n", kind)
	}
	fmt.Printf("Total:        %.0f GB\n", n["total"].(float64))
	fmt.Printf("Committed:    %.2f GB\n", n["committed"].(float64))
	fmt.Printf("Free:         %.2f GB\n", n["free"].(float64))
	fmt.Printf("Access:       %s\n", n["access"])
	if reason, ok := n["reason"].(string); ok && reason != "" {
		fmt.Printf("Reason:       %s\n", reason)
	}
	return nil
}

func runPlacements(cmd *cobra.Command, args []string) error {
	url := "/placements"
	if placementStatus != "" {
		url += "?status=" + placementStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var placements []map[string]interface{}
	if err := json.Unmarshal(resp, &placements); err != nil {
		return err
	}

	if len(placements) == 0 {
		fmt.Println("No placements found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNODE\tSCRIPT\tTARGET\tTHREADS\tMEM\tPID\tSTATUS")
	for _, p := range placements {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f\t%.2f\t%.0f\t%s\n",
			truncateID(p["id"].(string)), p["node"], p["script"], p["target"],
			p["threads"].(float64), p["mem"].(float64), p["pid"].(float64), p["status"])
	}
	w.Flush()
	return nil
}
