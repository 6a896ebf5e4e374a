// Package fleet grows and upgrades the set of purchased nodes under a
// budget. It runs independently of individual workloads and feeds the
// nodes it owns into the capacity ledger.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/metrics"
	"github.com/wrenholt/rookery/internal/models"
)

var (
	// ErrFleetFull reports that the fleet is at its node ceiling.
	ErrFleetFull = errors.New("fleet at maximum node count")
	// ErrInsufficientFunds reports that a purchase would dip into the
	// held-back reserve. A steady state, retried on a later tick.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTierCeiling reports a capacity above the configured maximum.
	ErrTierCeiling = errors.New("capacity above maximum tier")
)

// Host is the capability surface the fleet manager needs from the
// environment.
type Host interface {
	CurrentFunds(ctx context.Context) (float64, error)
	NodeCost(ctx context.Context, capacity float64) (float64, error)
	PurchaseNode(ctx context.Context, name string, capacity float64) (string, error)
	UpgradeNode(ctx context.Context, nodeID string, newCapacity float64) (string, error)
}

// Invalidator evicts live placements from a node ahead of a
// destructive replace.
type Invalidator interface {
	InvalidateNode(nodeID string) int
}

// Config defines the fleet growth policy.
type Config struct {
	// TickInterval is how often the policy runs.
	TickInterval time.Duration
	// BaseName prefixes purchased node names.
	BaseName string
	// SeedCount is how many nodes to own before upgrading any.
	SeedCount int
	// SeedCapacity is the tier seed purchases are made at.
	SeedCapacity float64
	// MaxNodes caps fleet size.
	MaxNodes int
	// MaxCapacity caps the upgrade tier.
	MaxCapacity float64
	// ReserveFraction is the share of current funds never spent.
	ReserveFraction float64
}

// DefaultConfig returns the default fleet policy.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:    20 * time.Second,
		BaseName:        "drone",
		SeedCount:       4,
		SeedCapacity:    8,
		MaxNodes:        12,
		MaxCapacity:     1024,
		ReserveFraction: 0.1,
	}
}

// NodeName returns the deterministic name for a fleet sequence index:
// index 0 is the bare base name, index k carries the suffix k.
func NodeName(base string, index int) string {
	if index == 0 {
		return base
	}
	return fmt.Sprintf("%s%d", base, index)
}

// Manager owns the purchased fleet.
type Manager struct {
	env    Host
	ledger *ledger.Ledger
	inv    Invalidator
	clk    clock.Clock
	config *Config
	rec    *audit.Recorder
	log    *slog.Logger

	mu    sync.Mutex
	fleet []models.FleetEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fleet manager. The invalidator may be nil when no
// scheduler is attached.
func New(env Host, led *ledger.Ledger, inv Invalidator, clk clock.Clock, cfg *Config, rec *audit.Recorder, log *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		env:    env,
		ledger: led,
		inv:    inv,
		clk:    clk,
		config: cfg,
		rec:    rec,
		log:    log.With("component", "fleet"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic policy loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info("fleet manager started", "tick_interval", m.config.TickInterval)
}

// Stop cancels the loop and waits for it to drain.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("fleet manager stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := m.clk.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.Tick(m.ctx); err != nil {
				m.log.Error("fleet tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass of the growth policy: seed purchases below the
// seed count, then upgrades of the smallest node while affordable.
// Running out of funds is a quiet stop, not an error.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedLocked(ctx); err != nil {
		return err
	}
	return m.upgradeLocked(ctx)
}

// Buy purchases one node at the given capacity outside the automatic
// policy. Guarded by the node ceiling and the funds reserve.
func (m *Manager) Buy(ctx context.Context, capacity float64) (*models.FleetEntry, error) {
	if capacity > m.config.MaxCapacity {
		return nil, fmt.Errorf("%w: %g > %g", ErrTierCeiling, capacity, m.config.MaxCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fleet) >= m.config.MaxNodes {
		return nil, fmt.Errorf("%w: %d nodes", ErrFleetFull, len(m.fleet))
	}

	cost, err := m.affordableLocked(ctx, capacity)
	if err != nil {
		return nil, err
	}
	return m.buyLocked(ctx, capacity, cost)
}

// Fleet returns a snapshot of owned nodes in sequence order.
func (m *Manager) Fleet() []models.FleetEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.FleetEntry, len(m.fleet))
	copy(out, m.fleet)
	return out
}

// Size returns the number of owned nodes.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fleet)
}

// seedLocked buys seed-tier nodes until the seed count is reached or
// funds run out.
func (m *Manager) seedLocked(ctx context.Context) error {
	for len(m.fleet) < m.config.SeedCount && len(m.fleet) < m.config.MaxNodes {
		cost, err := m.affordableLocked(ctx, m.config.SeedCapacity)
		if errors.Is(err, ErrInsufficientFunds) {
			m.log.Debug("seed purchase deferred", "capacity", m.config.SeedCapacity)
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := m.buyLocked(ctx, m.config.SeedCapacity, cost); err != nil {
			return err
		}
	}
	return nil
}

// upgradeLocked replaces the smallest node with the next power-of-two
// tier, repeating while affordable.
func (m *Manager) upgradeLocked(ctx context.Context) error {
	for {
		target := m.smallestLocked()
		if target == nil {
			return nil
		}
		next := nextPowerOfTwo(target.Capacity)
		if next > m.config.MaxCapacity {
			// The smallest node is at the ceiling, so every node is.
			return nil
		}

		cost, err := m.affordableLocked(ctx, next)
		if errors.Is(err, ErrInsufficientFunds) {
			m.log.Debug("upgrade deferred", "node", target.Name, "next", next)
			return nil
		}
		if err != nil {
			return err
		}

		if err := m.replaceLocked(ctx, target, next, cost); err != nil {
			return err
		}
	}
}

// affordableLocked prices a node of the given capacity against current
// funds minus the held-back reserve.
func (m *Manager) affordableLocked(ctx context.Context, capacity float64) (float64, error) {
	funds, err := m.env.CurrentFunds(ctx)
	if err != nil {
		return 0, fmt.Errorf("current funds: %w", err)
	}
	cost, err := m.env.NodeCost(ctx, capacity)
	if err != nil {
		return 0, fmt.Errorf("node cost: %w", err)
	}
	budget := funds * (1 - m.config.ReserveFraction)
	if cost > budget {
		return 0, fmt.Errorf("%w: cost %.0f, budget %.0f", ErrInsufficientFunds, cost, budget)
	}
	return cost, nil
}

// buyLocked purchases and registers one node at the next sequence
// index.
func (m *Manager) buyLocked(ctx context.Context, capacity, cost float64) (*models.FleetEntry, error) {
	index := len(m.fleet)
	name := NodeName(m.config.BaseName, index)

	id, err := m.env.PurchaseNode(ctx, name, capacity)
	if err != nil {
		return nil, fmt.Errorf("purchase %s: %w", name, err)
	}
	if err := m.ledger.Register(id, capacity, models.NodeKindPurchased); err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	entry := models.FleetEntry{
		Name:     id,
		Index:    index,
		Capacity: capacity,
		BoughtAt: m.clk.Now().UTC(),
	}
	m.fleet = append(m.fleet, entry)

	metrics.FleetNodes.Set(float64(len(m.fleet)))
	metrics.FleetSpend.Add(cost)
	metrics.FleetActions.WithLabelValues("purchase").Inc()

	m.log.Info("purchased node", "node", id, "capacity", capacity, "cost", cost)
	m.rec.Record("purchase", id, fmt.Sprintf("capacity %g cost %.0f", capacity, cost))
	return &m.fleet[index], nil
}

// replaceLocked destructively upgrades one node: live placements are
// invalidated, the ledger entry is swapped, and the host replaces the
// machine.
func (m *Manager) replaceLocked(ctx context.Context, target *models.FleetEntry, next, cost float64) error {
	evicted := 0
	if m.inv != nil {
		evicted = m.inv.InvalidateNode(target.Name)
	}
	if err := m.ledger.Deregister(target.Name); err != nil && !errors.Is(err, ledger.ErrUnknownNode) {
		return fmt.Errorf("deregister %s: %w", target.Name, err)
	}

	newID, err := m.env.UpgradeNode(ctx, target.Name, next)
	if err != nil {
		// The old node is still there; restore its ledger entry.
		if regErr := m.ledger.Register(target.Name, target.Capacity, models.NodeKindPurchased); regErr != nil {
			m.log.Error("failed to restore ledger entry after failed upgrade",
				"node", target.Name, "error", regErr)
		}
		return fmt.Errorf("upgrade %s: %w", target.Name, err)
	}

	if err := m.ledger.Register(newID, next, models.NodeKindPurchased); err != nil {
		return fmt.Errorf("register upgraded %s: %w", newID, err)
	}

	oldCapacity := target.Capacity
	target.Name = newID
	target.Capacity = next

	metrics.FleetSpend.Add(cost)
	metrics.FleetActions.WithLabelValues("upgrade").Inc()

	m.log.Info("upgraded node",
		"node", newID,
		"capacity", next,
		"previous", oldCapacity,
		"cost", cost,
		"evicted", evicted)
	m.rec.Record("upgrade", newID, fmt.Sprintf("capacity %g -> %g cost %.0f evicted %d", oldCapacity, next, cost, evicted))
	return nil
}

// smallestLocked returns the owned node with the least capacity, ties
// broken by lowest sequence index.
func (m *Manager) smallestLocked() *models.FleetEntry {
	var target *models.FleetEntry
	for i := range m.fleet {
		if target == nil || m.fleet[i].Capacity < target.Capacity {
			target = &m.fleet[i]
		}
	}
	return target
}

// nextPowerOfTwo returns the smallest power of two strictly above
// capacity.
func nextPowerOfTwo(capacity float64) float64 {
	next := 1.0
	for next <= capacity {
		next *= 2
	}
	return next
}
