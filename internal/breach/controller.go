package breach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wrenholt/rookery/internal/hostenv"
	"github.com/wrenholt/rookery/internal/models"
)

// Host is the slice of the host surface the controller needs.
type Host interface {
	NodeInfo(ctx context.Context, nodeID string) (hostenv.NodeInfo, error)
	TryOpenPort(ctx context.Context, tool, nodeID string) (bool, error)
	ElevateAccess(ctx context.Context, nodeID string) error
	SkillLevel(ctx context.Context) (int, error)
}

type nodeAccess struct {
	state  models.AccessState
	reason string
}

// Controller runs the per-node access state machine. States move
// forward only: Unknown -> Locked -> Authorized.
type Controller struct {
	env   Host
	tools *ToolRegistry
	log   *slog.Logger

	mu     sync.Mutex
	states map[string]*nodeAccess
}

// NewController creates a controller using the given toolchain.
func NewController(env Host, tools *ToolRegistry, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		env:    env,
		tools:  tools,
		log:    log.With("component", "breach"),
		states: make(map[string]*nodeAccess),
	}
}

// TryAuthorize attempts to obtain execution rights on a node. Calling
// it on an Authorized node is a no-op. A node that stays Locked is a
// steady state, not an error; the returned error reports host
// unavailability only. The reported state is always current.
func (c *Controller) TryAuthorize(ctx context.Context, nodeID string) (models.AccessState, error) {
	if c.State(nodeID) == models.AccessAuthorized {
		return models.AccessAuthorized, nil
	}

	info, err := c.env.NodeInfo(ctx, nodeID)
	if err != nil {
		return c.State(nodeID), fmt.Errorf("node info for %s: %w", nodeID, err)
	}
	skill, err := c.env.SkillLevel(ctx)
	if err != nil {
		return c.State(nodeID), fmt.Errorf("skill level: %w", err)
	}

	opened := 0
	for _, tool := range c.tools.Ranked() {
		if opened >= info.RequiredPortCount {
			break
		}
		ok, err := c.env.TryOpenPort(ctx, tool.ID, nodeID)
		if err != nil {
			c.log.Warn("port tool failed", "tool", tool.ID, "node", nodeID, "error", err)
			continue
		}
		if ok {
			opened++
		}
	}

	if opened < info.RequiredPortCount {
		reason := fmt.Sprintf("ports %d of %d", opened, info.RequiredPortCount)
		c.setState(nodeID, models.AccessLocked, reason)
		c.log.Debug("node locked", "node", nodeID, "reason", reason)
		return c.State(nodeID), nil
	}
	if skill < info.RequiredAuthLevel {
		reason := fmt.Sprintf("skill %d below %d", skill, info.RequiredAuthLevel)
		c.setState(nodeID, models.AccessLocked, reason)
		c.log.Debug("node locked", "node", nodeID, "reason", reason)
		return c.State(nodeID), nil
	}

	if err := c.env.ElevateAccess(ctx, nodeID); err != nil {
		c.setState(nodeID, models.AccessLocked, "elevation failed")
		return c.State(nodeID), fmt.Errorf("elevate access on %s: %w", nodeID, err)
	}

	c.setState(nodeID, models.AccessAuthorized, "")
	c.log.Info("node authorized", "node", nodeID, "ports", opened, "skill", skill)
	return models.AccessAuthorized, nil
}

// State returns the last known access state of a node.
func (c *Controller) State(nodeID string) models.AccessState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.states[nodeID]; ok {
		return a.state
	}
	return models.AccessUnknown
}

// Reason returns why a node is in its current state, empty when
// Authorized or Unknown.
func (c *Controller) Reason(nodeID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.states[nodeID]; ok {
		return a.reason
	}
	return ""
}

// States returns a snapshot of every tracked node's access state.
func (c *Controller) States() map[string]models.AccessState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.AccessState, len(c.states))
	for id, a := range c.states {
		out[id] = a.state
	}
	return out
}

// setState records a state, never downgrading an Authorized node.
func (c *Controller) setState(nodeID string, state models.AccessState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.states[nodeID]
	if ok && cur.state == models.AccessAuthorized {
		return
	}
	if ok {
		cur.state = state
		cur.reason = reason
		return
	}
	c.states[nodeID] = &nodeAccess{state: state, reason: reason}
}
