package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the rookery API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

// Status fetches the composite daemon summary
func (c *Client) Status() (*StatusView, error) {
	resp, err := c.get("/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sum struct {
		Version   string         `json:"version"`
		ScanSize  int            `json:"scan_size"`
		LastSweep string         `json:"last_sweep"`
		Access    map[string]int `json:"access"`
		Capacity  struct {
			Nodes     int     `json:"nodes"`
			Total     float64 `json:"total"`
			Committed float64 `json:"committed"`
		} `json:"capacity"`
		ActivePlacements int            `json:"active_placements"`
		Queue            map[string]int `json:"queue"`
		Fleet            struct {
			Enabled bool `json:"enabled"`
			Size    int  `json:"size"`
		} `json:"fleet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		return nil, err
	}

	return &StatusView{
		Version:          sum.Version,
		ScanSize:         sum.ScanSize,
		LastSweep:        shortTime(sum.LastSweep),
		Access:           sum.Access,
		Nodes:            sum.Capacity.Nodes,
		Total:            sum.Capacity.Total,
		Committed:        sum.Capacity.Committed,
		ActivePlacements: sum.ActivePlacements,
		Queue:            sum.Queue,
		FleetEnabled:     sum.Fleet.Enabled,
		FleetSize:        sum.Fleet.Size,
	}, nil
}

// Nodes fetches the node list
func (c *Client) Nodes() ([]NodeView, error) {
	resp, err := c.get("/nodes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var nodes []struct {
		ID        string  `json:"id"`
		Kind      string  `json:"kind"`
		Total     float64 `json:"total"`
		Committed float64 `json:"committed"`
		Free      float64 `json:"free"`
		Access    string  `json:"access"`
		Reason    string  `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, err
	}

	views := make([]NodeView, len(nodes))
	for i, n := range nodes {
		views[i] = NodeView{
			ID:        n.ID,
			Kind:      n.Kind,
			Total:     n.Total,
			Committed: n.Committed,
			Free:      n.Free,
			Access:    n.Access,
			Reason:    n.Reason,
		}
	}
	return views, nil
}

// Placements fetches placement history
func (c *Client) Placements() ([]PlacementView, error) {
	resp, err := c.get("/placements")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var placements []struct {
		ID         string  `json:"id"`
		Node       string  `json:"node"`
		Script     string  `json:"script"`
		Target     string  `json:"target"`
		Threads    int     `json:"threads"`
		Mem        float64 `json:"mem"`
		PID        int64   `json:"pid"`
		Status     string  `json:"status"`
		LaunchedAt string  `json:"launched_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&placements); err != nil {
		return nil, err
	}

	views := make([]PlacementView, len(placements))
	for i, p := range placements {
		views[i] = PlacementView{
			ID:       p.ID,
			Node:     p.Node,
			Script:   p.Script,
			Target:   p.Target,
			Threads:  p.Threads,
			Mem:      p.Mem,
			PID:      p.PID,
			Status:   p.Status,
			Launched: shortTime(p.LaunchedAt),
		}
	}
	return views, nil
}

// Fleet fetches the purchased fleet summary
func (c *Client) Fleet() (*FleetView, error) {
	resp, err := c.get("/fleet")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sum struct {
		Enabled  bool `json:"enabled"`
		Size     int  `json:"size"`
		MaxNodes int  `json:"max_nodes"`
		Nodes    []struct {
			Name     string  `json:"name"`
			Capacity float64 `json:"capacity"`
			BoughtAt string  `json:"bought_at"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		return nil, err
	}

	view := &FleetView{
		Enabled:  sum.Enabled,
		Size:     sum.Size,
		MaxNodes: sum.MaxNodes,
		Nodes:    make([]FleetNodeView, len(sum.Nodes)),
	}
	for i, n := range sum.Nodes {
		view.Nodes[i] = FleetNodeView{
			Name:     n.Name,
			Capacity: n.Capacity,
			BoughtAt: shortTime(n.BoughtAt),
		}
	}
	return view, nil
}

// Chains fetches the configured chain definitions
func (c *Client) Chains() ([]ChainView, error) {
	resp, err := c.get("/chains")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chains []struct {
		Name   string   `json:"name"`
		Stages []string `json:"stages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chains); err != nil {
		return nil, err
	}

	views := make([]ChainView, len(chains))
	for i, ch := range chains {
		views[i] = ChainView{Name: ch.Name, Stages: ch.Stages}
	}
	return views, nil
}

// ChainRuns fetches chain execution history
func (c *Client) ChainRuns(limit int) ([]ChainRunView, error) {
	resp, err := c.get(fmt.Sprintf("/chains/runs?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var runs []struct {
		ID         string `json:"id"`
		Chain      string `json:"chain"`
		Stage      int    `json:"stage"`
		StageCount int    `json:"stage_count"`
		Status     string `json:"status"`
		Detail     string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, err
	}

	views := make([]ChainRunView, len(runs))
	for i, r := range runs {
		views[i] = ChainRunView{
			ID:         r.ID,
			Chain:      r.Chain,
			Stage:      r.Stage,
			StageCount: r.StageCount,
			Status:     r.Status,
			Detail:     r.Detail,
		}
	}
	return views, nil
}

// Events fetches recent audit events
func (c *Client) Events(limit int) ([]EventView, error) {
	resp, err := c.get(fmt.Sprintf("/events?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []struct {
		Component string `json:"component"`
		Kind      string `json:"kind"`
		Node      string `json:"node"`
		Detail    string `json:"detail"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, err
	}

	views := make([]EventView, len(events))
	for i, e := range events {
		views[i] = EventView{
			Time:      shortTime(e.Timestamp),
			Component: e.Component,
			Kind:      e.Kind,
			Node:      e.Node,
			Detail:    e.Detail,
		}
	}
	return views, nil
}

func (c *Client) get(path string) (*http.Response, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return resp, nil
}

// shortTime trims an RFC3339 timestamp down to its clock portion.
func shortTime(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("15:04:05")
}
