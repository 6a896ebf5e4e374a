package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Manage script chains",
}

var chainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured chains",
	RunE:  runChainList,
}

var chainRunCmd = &cobra.Command{
	Use:   "run [chain-name]",
	Short: "Start a chain run",
	Args:  cobra.ExactArgs(1),
	RunE:  runChainRun,
}

var chainRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show chain run history",
	RunE:  runChainRuns,
}

var chainRunsLimit int

func init() {
	chainCmd.AddCommand(chainListCmd, chainRunCmd, chainRunsCmd)

	chainRunsCmd.Flags().IntVar(&chainRunsLimit, "limit", 20, "Maximum runs to show")
}

func runChainList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/chains")
	if err != nil {
		return err
	}

	var chains []map[string]interface{}
	if err := json.Unmarshal(resp, &chains); err != nil {
		return err
	}

	if len(chains) == 0 {
		fmt.Println("No chains configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tSTAGES")
	for _, c := range chains {
		stages, _ := c["stages"].([]interface{})
		names := make([]string, 0, len(stages))
		for _, s := range stages {
			names = append(names, s.(string))
		}
		fmt.Fprintf(w, "%s\t%s\n", c["name"], strings.Join(names, " > "))
	}
	w.Flush()
	return nil
}

func runChainRun(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/chains/"+args[0]+"/run", nil)
	if err != nil {
		return err
	}

	var run map[string]interface{}
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}

	fmt.Printf("Started chain %s\n", run["chain"])
	fmt.Printf("Run ID: %s\n", run["id"])
	fmt.Printf("Stages: %.0f\n", run["stage_count"].(float64))
	return nil
}

func runChainRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/chains/runs?limit=%d", chainRunsLimit))
	if err != nil {
		return err
	}

	var runs []map[string]interface{}
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHAIN\tSTAGE\tSTATUS\tDETAIL")
	for _, r := range runs {
		detail := ""
		if d, ok := r["detail"].(string); ok {
			detail = truncate(d, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f/%.0f\t%s\t%s\n",
			truncateID(r["id"].(string)), r["chain"], r["stage"].(float64), r["stage_count"].(float64), r["status"], detail)
	}
	w.Flush()
	return nil
}
