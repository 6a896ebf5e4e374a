package tui

// StatusView is the summary shown in the dashboard header.
type StatusView struct {
	Version          string
	ScanSize         int
	LastSweep        string
	Access           map[string]int
	Nodes            int
	Total            float64
	Committed        float64
	ActivePlacements int
	Queue            map[string]int
	FleetEnabled     bool
	FleetSize        int
}

// NodeView is one row of the nodes pane.
type NodeView struct {
	ID        string
	Kind      string
	Total     float64
	Committed float64
	Free      float64
	Access    string
	Reason    string
}

// PlacementView is one row of the placements pane.
type PlacementView struct {
	ID       string
	Node     string
	Script   string
	Target   string
	Threads  int
	Mem      float64
	PID      int64
	Status   string
	Launched string
}

// FleetView is the fleet pane payload.
type FleetView struct {
	Enabled  bool
	Size     int
	MaxNodes int
	Nodes    []FleetNodeView
}

// FleetNodeView is one purchased node.
type FleetNodeView struct {
	Name     string
	Capacity float64
	BoughtAt string
}

// ChainView is one configured chain definition.
type ChainView struct {
	Name   string
	Stages []string
}

// ChainRunView is one chain execution record.
type ChainRunView struct {
	ID         string
	Chain      string
	Stage      int
	StageCount int
	Status     string
	Detail     string
}

// EventView is one audit event line.
type EventView struct {
	Time      string
	Component string
	Kind      string
	Node      string
	Detail    string
}
