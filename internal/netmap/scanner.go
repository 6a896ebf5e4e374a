// Package netmap discovers the reachable node topology by walking the
// host's neighbor relation.
package netmap

import (
	"context"
	"log/slog"
)

// Topology is the slice of the host surface the scanner needs.
type Topology interface {
	ListNeighbors(ctx context.Context, nodeID string) ([]string, error)
}

// Scanner walks the neighbor relation breadth-first.
type Scanner struct {
	env Topology
	log *slog.Logger
}

// NewScanner creates a scanner over the given topology.
func NewScanner(env Topology, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{env: env, log: log.With("component", "netmap")}
}

// Discover returns every node transitively reachable from root, in BFS
// order with root first. Each node is visited exactly once, so cyclic
// topologies terminate. A root the host does not know yields a
// singleton result. Purchased nodes are not linked into the relation
// and never appear. Cancelling ctx returns the portion discovered so
// far.
func (s *Scanner) Discover(ctx context.Context, root string) []string {
	visited := map[string]bool{root: true}
	order := []string{root}
	queue := []string{root}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return order
		default:
		}

		node := queue[0]
		queue = queue[1:]

		neighbors, err := s.env.ListNeighbors(ctx, node)
		if err != nil {
			// Malformed or unknown nodes are treated as leaves.
			s.log.Debug("neighbor listing failed", "node", node, "error", err)
			continue
		}
		for _, nb := range neighbors {
			if nb == "" || visited[nb] {
				continue
			}
			visited[nb] = true
			order = append(order, nb)
			queue = append(queue, nb)
		}
	}
	return order
}
