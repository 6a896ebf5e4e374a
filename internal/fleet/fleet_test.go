package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/ledger"
)

// stubHost prices nodes linearly by capacity and deducts funds on
// purchase and upgrade, like the real environment.
type stubHost struct {
	mu          sync.Mutex
	funds       float64
	costPerUnit float64
	purchases   []string
	upgrades    []string
	purchaseErr error
	upgradeErr  error
}

func newStubHost(funds float64) *stubHost {
	return &stubHost{funds: funds, costPerUnit: 1000}
}

func (h *stubHost) CurrentFunds(context.Context) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.funds, nil
}

func (h *stubHost) NodeCost(_ context.Context, capacity float64) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return capacity * h.costPerUnit, nil
}

func (h *stubHost) PurchaseNode(_ context.Context, name string, capacity float64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.purchaseErr != nil {
		return "", h.purchaseErr
	}
	h.funds -= capacity * h.costPerUnit
	h.purchases = append(h.purchases, name)
	return name, nil
}

func (h *stubHost) UpgradeNode(_ context.Context, nodeID string, newCapacity float64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.upgradeErr != nil {
		return "", h.upgradeErr
	}
	h.funds -= newCapacity * h.costPerUnit
	h.upgrades = append(h.upgrades, fmt.Sprintf("%s->%g", nodeID, newCapacity))
	return nodeID, nil
}

type stubInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (i *stubInvalidator) InvalidateNode(nodeID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, nodeID)
	return 1
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, host Host, inv Invalidator, cfg *Config) (*Manager, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(testLogger())
	m := New(host, led, inv, clock.NewFake(), cfg, nil, testLogger())
	return m, led
}

func TestNodeName(t *testing.T) {
	if got := NodeName("drone", 0); got != "drone" {
		t.Errorf(`NodeName("drone", 0) = %q, want "drone"`, got)
	}
	if got := NodeName("drone", 3); got != "drone3" {
		t.Errorf(`NodeName("drone", 3) = %q, want "drone3"`, got)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{8, 16},
		{12, 16},
		{16, 32},
		{1, 2},
		{0.5, 1},
	}
	for _, c := range cases {
		if got := nextPowerOfTwo(c.in); got != c.want {
			t.Errorf("nextPowerOfTwo(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}

func TestTick_ZeroFunds(t *testing.T) {
	host := newStubHost(0)
	m, _ := newTestManager(t, host, nil, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick with zero funds failed: %v", err)
	}
	if len(host.purchases) != 0 || len(host.upgrades) != 0 {
		t.Errorf("Purchases = %d, upgrades = %d, want 0/0", len(host.purchases), len(host.upgrades))
	}
	if m.Size() != 0 {
		t.Errorf("Size = %d, want 0", m.Size())
	}
}

func TestTick_SeedsUntilBudgetExhausted(t *testing.T) {
	// Seed tier 8 costs 8000. 18000 funds afford two seeds before the
	// 10% reserve blocks the third.
	host := newStubHost(18000)
	m, led := newTestManager(t, host, nil, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if m.Size() != 2 {
		t.Fatalf("Size = %d, want 2", m.Size())
	}

	fleet := m.Fleet()
	if fleet[0].Name != "drone" || fleet[1].Name != "drone1" {
		t.Errorf("Names = %q, %q, want drone, drone1", fleet[0].Name, fleet[1].Name)
	}
	if fleet[0].Index != 0 || fleet[1].Index != 1 {
		t.Errorf("Indexes = %d, %d, want 0, 1", fleet[0].Index, fleet[1].Index)
	}
	for _, entry := range fleet {
		total, committed, ok := led.CapacityOf(entry.Name)
		if !ok {
			t.Errorf("Node %s not registered in ledger", entry.Name)
			continue
		}
		if total != 8 || committed != 0 {
			t.Errorf("Ledger entry for %s = total %g committed %g, want 8/0", entry.Name, total, committed)
		}
	}

	// Seeding resumes where it left off once funds return.
	host.mu.Lock()
	host.funds = 100000
	host.mu.Unlock()
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Second tick failed: %v", err)
	}
	if m.Size() != 4 {
		t.Errorf("Size = %d after refunding, want full seed count 4", m.Size())
	}
}

func TestTick_UpgradesSmallestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeedCount = 2
	// 2 seeds cost 16000; one upgrade to tier 16 costs 16000. 34000
	// covers seeding plus exactly one upgrade inside the reserve.
	host := newStubHost(34000)
	m, led := newTestManager(t, host, nil, cfg)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	fleet := m.Fleet()
	if len(fleet) != 2 {
		t.Fatalf("Size = %d, want 2", len(fleet))
	}
	// Tie on capacity 8 breaks to index 0, so drone upgrades first.
	if fleet[0].Capacity != 16 {
		t.Errorf("drone capacity = %g, want 16", fleet[0].Capacity)
	}
	if fleet[1].Capacity != 8 {
		t.Errorf("drone1 capacity = %g, want 8 (unaffordable)", fleet[1].Capacity)
	}

	total, _, ok := led.CapacityOf("drone")
	if !ok || total != 16 {
		t.Errorf("Ledger total for drone = %g (ok=%v), want 16", total, ok)
	}

	if len(host.upgrades) != 1 || host.upgrades[0] != "drone->16" {
		t.Errorf("Upgrades = %v, want [drone->16]", host.upgrades)
	}
}

func TestTick_StopsAtMaxTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeedCount = 1
	cfg.SeedCapacity = 16
	cfg.MaxCapacity = 16
	host := newStubHost(1e9)
	m, _ := newTestManager(t, host, nil, cfg)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(host.upgrades) != 0 {
		t.Errorf("Upgrades = %v, want none at max tier", host.upgrades)
	}
	if m.Fleet()[0].Capacity != 16 {
		t.Errorf("Capacity = %g, want 16", m.Fleet()[0].Capacity)
	}
}

func TestUpgrade_InvalidatesAndSwapsLedgerEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeedCount = 1
	inv := &stubInvalidator{}
	host := newStubHost(8000 / 0.9) // exactly one seed purchase
	m, led := newTestManager(t, host, inv, cfg)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Seed tick failed: %v", err)
	}
	if m.Size() != 1 {
		t.Fatalf("Size = %d, want 1", m.Size())
	}

	// Simulate live load on the node, then fund an upgrade.
	if !led.Reserve("drone", 4) {
		t.Fatal("Reserve failed")
	}
	host.mu.Lock()
	host.funds = 20000
	host.mu.Unlock()

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Upgrade tick failed: %v", err)
	}

	if len(inv.calls) != 1 || inv.calls[0] != "drone" {
		t.Errorf("Invalidator calls = %v, want [drone]", inv.calls)
	}
	total, committed, ok := led.CapacityOf("drone")
	if !ok {
		t.Fatal("drone missing from ledger after upgrade")
	}
	if total != 16 || committed != 0 {
		t.Errorf("Ledger entry = total %g committed %g, want 16/0 after replace", total, committed)
	}
}

func TestBuy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 1
	host := newStubHost(100000)
	m, led := newTestManager(t, host, nil, cfg)

	entry, err := m.Buy(context.Background(), 32)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if entry.Name != "drone" || entry.Capacity != 32 {
		t.Errorf("Entry = %+v, want drone at 32", entry)
	}
	if !led.Has("drone") {
		t.Error("Bought node missing from ledger")
	}

	if _, err := m.Buy(context.Background(), 32); !errors.Is(err, ErrFleetFull) {
		t.Errorf("Expected ErrFleetFull, got %v", err)
	}
	if _, err := m.Buy(context.Background(), cfg.MaxCapacity*2); !errors.Is(err, ErrTierCeiling) {
		t.Errorf("Expected ErrTierCeiling, got %v", err)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	host := newStubHost(100)
	m, _ := newTestManager(t, host, nil, nil)

	if _, err := m.Buy(context.Background(), 8); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
	if m.Size() != 0 {
		t.Errorf("Size = %d, want 0", m.Size())
	}
}

func TestTick_PurchaseErrorPropagates(t *testing.T) {
	host := newStubHost(100000)
	host.purchaseErr = errors.New("host refused")
	m, _ := newTestManager(t, host, nil, nil)

	err := m.Tick(context.Background())
	if err == nil {
		t.Fatal("Expected error from failing purchase")
	}
	if !errors.Is(err, host.purchaseErr) {
		t.Errorf("Expected wrapped purchase error, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	host := newStubHost(0)
	m, _ := newTestManager(t, host, nil, nil)

	m.Start()
	m.Stop()
}
