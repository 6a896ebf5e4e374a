// Package simenv implements hostenv.Env as an in-memory simulation: a
// node graph with access requirements, a script catalog, accruing funds
// and clock-driven process lifetimes. It is the backend for local runs
// and the test double for every control loop.
package simenv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/hostenv"
)

// Purchased capacity is priced linearly per memory unit.
const costPerUnit = 55_000

var (
	ErrNoSuchNode         = errors.New("no such node")
	ErrScriptMissing      = errors.New("script not installed")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNameTaken          = errors.New("node name already in use")
	ErrPortsRequired      = errors.New("open ports below requirement")
	ErrNotAuthorized      = errors.New("no execution rights on node")
	ErrNotPurchased       = errors.New("node is not purchased")
	ErrInsufficientMemory = errors.New("insufficient node memory")
)

type simNode struct {
	id        string
	capacity  float64
	level     int
	ports     int
	neighbors []string
	openPorts map[string]bool
	rooted    bool
	purchased bool
}

type simProc struct {
	pid      int64
	node     string
	script   string
	threads  int
	mem      float64
	deadline time.Time
	killed   bool
}

// Sim is a hostenv.Env backed by an in-memory world.
type Sim struct {
	mu      sync.Mutex
	clk     clock.Clock
	root    string
	skill   int
	funds   float64
	rate    float64
	accrued time.Time
	scripts map[string]WorldScript
	nodes   map[string]*simNode
	procs   map[int64]*simProc
	nextPID int64
}

// New builds a simulation from a world definition.
func New(w World, clk clock.Clock) (*Sim, error) {
	w.applyDefaults()
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("invalid world: %w", err)
	}

	s := &Sim{
		clk:     clk,
		root:    w.Root,
		skill:   w.Skill,
		funds:   w.Funds,
		rate:    w.FundsRate,
		accrued: clk.Now(),
		scripts: make(map[string]WorldScript, len(w.Scripts)),
		nodes:   make(map[string]*simNode, len(w.Nodes)),
		procs:   make(map[int64]*simProc),
	}
	for _, sc := range w.Scripts {
		s.scripts[sc.ID] = sc
	}
	for _, n := range w.Nodes {
		s.nodes[n.ID] = &simNode{
			id:        n.ID,
			capacity:  n.Capacity,
			level:     n.Level,
			ports:     n.Ports,
			neighbors: append([]string(nil), n.Neighbors...),
			openPorts: make(map[string]bool),
		}
	}
	// The operator always has rights on the root node.
	s.nodes[s.root].rooted = true
	return s, nil
}

func (s *Sim) ListNeighbors(ctx context.Context, nodeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	return append([]string(nil), n.neighbors...), nil
}

func (s *Sim) NodeInfo(ctx context.Context, nodeID string) (hostenv.NodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return hostenv.NodeInfo{}, fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	return hostenv.NodeInfo{
		TotalCapacity:     n.capacity,
		RequiredAuthLevel: n.level,
		RequiredPortCount: n.ports,
	}, nil
}

func (s *Sim) TryOpenPort(ctx context.Context, tool, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	n.openPorts[tool] = true
	return true, nil
}

func (s *Sim) ElevateAccess(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	if len(n.openPorts) < n.ports {
		return fmt.Errorf("%w: %s has %d of %d", ErrPortsRequired, nodeID, len(n.openPorts), n.ports)
	}
	n.rooted = true
	return nil
}

func (s *Sim) SkillLevel(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skill, nil
}

func (s *Sim) ScriptMemory(ctx context.Context, scriptID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[scriptID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrScriptMissing, scriptID)
	}
	return sc.Mem, nil
}

func (s *Sim) LaunchProcess(ctx context.Context, nodeID, scriptID string, threads int, args []string) (int64, error) {
	if threads < 1 {
		return 0, fmt.Errorf("thread count must be positive, got %d", threads)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	if !n.rooted {
		return 0, fmt.Errorf("%w: %s", ErrNotAuthorized, nodeID)
	}
	sc, ok := s.scripts[scriptID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrScriptMissing, scriptID)
	}

	mem := sc.Mem * float64(threads)
	if s.usedMemLocked(nodeID)+mem > n.capacity {
		return 0, fmt.Errorf("%w: %s needs %v", ErrInsufficientMemory, nodeID, mem)
	}

	s.nextPID++
	pid := s.nextPID
	s.procs[pid] = &simProc{
		pid:      pid,
		node:     nodeID,
		script:   scriptID,
		threads:  threads,
		mem:      mem,
		deadline: s.clk.Now().Add(sc.Duration()),
	}
	return pid, nil
}

func (s *Sim) IsProcessLive(ctx context.Context, pid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		return false, nil
	}
	return s.liveLocked(p), nil
}

func (s *Sim) CurrentFunds(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accrueLocked()
	return s.funds, nil
}

func (s *Sim) NodeCost(ctx context.Context, capacity float64) (float64, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("capacity must be positive, got %v", capacity)
	}
	return capacity * costPerUnit, nil
}

func (s *Sim) PurchaseNode(ctx context.Context, name string, capacity float64) (string, error) {
	if name == "" {
		return "", fmt.Errorf("node name cannot be empty")
	}
	if capacity <= 0 {
		return "", fmt.Errorf("capacity must be positive, got %v", capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[name]; exists {
		return "", fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	s.accrueLocked()
	cost := capacity * costPerUnit
	if s.funds < cost {
		return "", fmt.Errorf("%w: need %v, have %v", ErrInsufficientFunds, cost, s.funds)
	}
	s.funds -= cost
	s.nodes[name] = &simNode{
		id:        name,
		capacity:  capacity,
		openPorts: make(map[string]bool),
		rooted:    true,
		purchased: true,
	}
	return name, nil
}

func (s *Sim) UpgradeNode(ctx context.Context, nodeID string, newCapacity float64) (string, error) {
	if newCapacity <= 0 {
		return "", fmt.Errorf("capacity must be positive, got %v", newCapacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchNode, nodeID)
	}
	if !n.purchased {
		return "", fmt.Errorf("%w: %s", ErrNotPurchased, nodeID)
	}
	s.accrueLocked()
	cost := newCapacity * costPerUnit
	if s.funds < cost {
		return "", fmt.Errorf("%w: need %v, have %v", ErrInsufficientFunds, cost, s.funds)
	}
	s.funds -= cost

	// Replacement is destructive: anything running on the old node dies.
	for _, p := range s.procs {
		if p.node == nodeID {
			p.killed = true
		}
	}
	n.capacity = newCapacity
	return nodeID, nil
}

// Terminate kills a process early. Test and demo helper.
func (s *Sim) Terminate(pid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[pid]
	if !ok || !s.liveLocked(p) {
		return false
	}
	p.killed = true
	return true
}

// SetSkill overrides the operator's skill level. Test helper.
func (s *Sim) SetSkill(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skill = level
}

// SetFunds overrides the current balance. Test helper.
func (s *Sim) SetFunds(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrueLocked()
	s.funds = amount
}

func (s *Sim) accrueLocked() {
	now := s.clk.Now()
	if s.rate > 0 && now.After(s.accrued) {
		s.funds += s.rate * now.Sub(s.accrued).Seconds()
	}
	s.accrued = now
}

func (s *Sim) usedMemLocked(nodeID string) float64 {
	var used float64
	for _, p := range s.procs {
		if p.node == nodeID && s.liveLocked(p) {
			used += p.mem
		}
	}
	return used
}

func (s *Sim) liveLocked(p *simProc) bool {
	return !p.killed && s.clk.Now().Before(p.deadline)
}
