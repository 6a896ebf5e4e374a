package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit event log",
	RunE:  runEvents,
}

var (
	eventComponent string
	eventLimit     int
)

func init() {
	eventsCmd.Flags().StringVar(&eventComponent, "component", "", "Filter by component (recon, sched, fleet, chain, api)")
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 50, "Maximum events to show")
}

func runEvents(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if eventComponent != "" {
		q.Set("component", eventComponent)
	}
	q.Set("limit", fmt.Sprintf("%d", eventLimit))

	resp, err := apiGet("/events?" + q.Encode())
	if err != nil {
		return err
	}

	var events []map[string]interface{}
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCOMPONENT\tKIND\tNODE\tDETAIL")
	for _, e := range events {
		node := ""
		if n, ok := e["node"].(string); ok {
			node = n
		}
		detail := ""
		if d, ok := e["detail"].(string); ok {
			detail = truncate(d, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e["timestamp"], e["component"], e["kind"], node, detail)
	}
	w.Flush()
	return nil
}
