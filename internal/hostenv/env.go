// Package hostenv declares the capability surface the orchestrator
// consumes from its host environment. The core never talks to the host
// directly; everything flows through Env so the environment can be
// simulated in tests and local runs.
package hostenv

import "context"

// NodeInfo describes a node as published by the host.
type NodeInfo struct {
	TotalCapacity     float64 `json:"total_capacity"`
	RequiredAuthLevel int     `json:"required_auth_level"`
	RequiredPortCount int     `json:"required_port_count"`
}

// Env is the host capability surface.
//
// Launch, purchase and upgrade calls may fail transiently; callers treat
// those failures as steady states and retry on their own schedule.
type Env interface {
	// ListNeighbors returns the node ids adjacent to nodeID in the
	// network relation. Purchased nodes are not linked into the
	// topology and never appear here.
	ListNeighbors(ctx context.Context, nodeID string) ([]string, error)

	// NodeInfo returns the published capacity and access requirements
	// of a node.
	NodeInfo(ctx context.Context, nodeID string) (NodeInfo, error)

	// TryOpenPort applies a capability tool against a node and reports
	// whether the port is now open.
	TryOpenPort(ctx context.Context, tool, nodeID string) (bool, error)

	// ElevateAccess grants execution rights on a node whose port and
	// level requirements are met.
	ElevateAccess(ctx context.Context, nodeID string) error

	// SkillLevel returns the caller's effective authorization level.
	SkillLevel(ctx context.Context) (int, error)

	// ScriptMemory returns the per-thread memory requirement of a
	// worker script.
	ScriptMemory(ctx context.Context, scriptID string) (float64, error)

	// LaunchProcess starts a worker on a node and returns its pid.
	LaunchProcess(ctx context.Context, nodeID, scriptID string, threads int, args []string) (int64, error)

	// IsProcessLive reports whether the process behind pid is still
	// running. Unknown pids report false.
	IsProcessLive(ctx context.Context, pid int64) (bool, error)

	// CurrentFunds returns the money available to the fleet manager.
	CurrentFunds(ctx context.Context) (float64, error)

	// NodeCost returns the purchase price of a node of the given
	// capacity. Monotonically increasing with capacity.
	NodeCost(ctx context.Context, capacity float64) (float64, error)

	// PurchaseNode buys a node and returns its id.
	PurchaseNode(ctx context.Context, name string, capacity float64) (string, error)

	// UpgradeNode destructively replaces a purchased node with one of
	// the given capacity, killing its processes, and returns the id.
	UpgradeNode(ctx context.Context, nodeID string, newCapacity float64) (string, error)
}
