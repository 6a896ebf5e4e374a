// Package models defines the core domain types for rookery.
package models

import "time"

// NodeKind distinguishes how a node entered the working set.
type NodeKind string

const (
	NodeKindHome      NodeKind = "home"
	NodeKindPurchased NodeKind = "purchased"
	NodeKindRemote    NodeKind = "remote"
)

// AccessState is the per-node authorization state. Transitions are
// forward-only: Unknown -> Locked -> Authorized.
type AccessState string

const (
	AccessUnknown    AccessState = "unknown"
	AccessLocked     AccessState = "locked"
	AccessAuthorized AccessState = "authorized"
)

// Node is a compute unit with finite memory capacity.
// Committed never exceeds Total; the ledger owns both counters.
type Node struct {
	ID        string      `json:"id"`
	Kind      NodeKind    `json:"kind"`
	Total     float64     `json:"total"`
	Committed float64     `json:"committed"`
	Access    AccessState `json:"access,omitempty"`
}

// WorkloadStatus represents the queue state of a submitted workload.
type WorkloadStatus string

const (
	WorkloadStatusPending   WorkloadStatus = "pending"
	WorkloadStatusClaimed   WorkloadStatus = "claimed"
	WorkloadStatusPlaced    WorkloadStatus = "placed"
	WorkloadStatusCompleted WorkloadStatus = "completed"
	WorkloadStatusStarved   WorkloadStatus = "starved"
	WorkloadStatusFailed    WorkloadStatus = "failed"
)

// Workload is a request to run a worker script against a target.
// Threads is the requested count; the scheduler may grant fewer.
type Workload struct {
	ID          string         `json:"id"`
	Script      string         `json:"script"`
	Target      string         `json:"target"`
	Threads     int            `json:"threads"`
	Args        []string       `json:"args,omitempty"`
	Status      WorkloadStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	PlacementID string         `json:"placement_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PlacementStatus represents the lifecycle of an admitted placement.
type PlacementStatus string

const (
	PlacementStatusLive        PlacementStatus = "live"
	PlacementStatusExited      PlacementStatus = "exited"
	PlacementStatusInvalidated PlacementStatus = "invalidated"
)

// Placement is an admitted assignment of a workload to a node.
// Mem is the reserved capacity: Threads * memory-per-thread.
type Placement struct {
	ID         string          `json:"id"`
	WorkloadID string          `json:"workload_id,omitempty"`
	Node       string          `json:"node"`
	Script     string          `json:"script"`
	Target     string          `json:"target"`
	Threads    int             `json:"threads"`
	Mem        float64         `json:"mem"`
	PID        int64           `json:"pid"`
	Status     PlacementStatus `json:"status"`
	LaunchedAt time.Time       `json:"launched_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// FleetEntry is one purchased node: identity plus its sequence index.
// Index 0 keeps the bare base name; index k carries suffix k.
type FleetEntry struct {
	Name     string    `json:"name"`
	Index    int       `json:"index"`
	Capacity float64   `json:"capacity"`
	BoughtAt time.Time `json:"bought_at"`
}

// ChainStage is one ordered element of a chain: a workload to launch
// once the prior stage's process has exited.
type ChainStage struct {
	Name    string   `json:"name"`
	Script  string   `json:"script"`
	Target  string   `json:"target"`
	Threads int      `json:"threads"`
	Args    []string `json:"args,omitempty"`
}

// ChainDef is a named ordered list of stages.
type ChainDef struct {
	Name   string       `json:"name"`
	Stages []ChainStage `json:"stages"`
}

// ChainRunStatus represents the state of one chain execution.
type ChainRunStatus string

const (
	ChainRunStatusRunning   ChainRunStatus = "running"
	ChainRunStatusWaiting   ChainRunStatus = "waiting"
	ChainRunStatusCompleted ChainRunStatus = "completed"
	ChainRunStatusFailed    ChainRunStatus = "failed"
)

// ChainRun is the progress record of one chain execution.
type ChainRun struct {
	ID         string         `json:"id"`
	Chain      string         `json:"chain"`
	Stage      int            `json:"stage"`
	StageCount int            `json:"stage_count"`
	Status     ChainRunStatus `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Event is one audit record: a decision or transition some component took.
type Event struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	Kind      string    `json:"kind"`
	Node      string    `json:"node,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
