package recon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/hostenv"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/store"
)

// stubWorld plays discoverer, authorizer and host in one: a fixed node
// list with per-node access outcomes and capacities.
type stubWorld struct {
	mu       sync.Mutex
	nodes    []string
	access   map[string]models.AccessState
	authErr  map[string]error
	capacity map[string]float64
	attempts map[string]int
}

func newStubWorld(nodes ...string) *stubWorld {
	w := &stubWorld{
		nodes:    nodes,
		access:   make(map[string]models.AccessState),
		authErr:  make(map[string]error),
		capacity: make(map[string]float64),
		attempts: make(map[string]int),
	}
	for _, n := range nodes {
		w.access[n] = models.AccessAuthorized
		w.capacity[n] = 16
	}
	return w
}

func (w *stubWorld) Discover(context.Context, string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.nodes))
	copy(out, w.nodes)
	return out
}

func (w *stubWorld) TryAuthorize(_ context.Context, nodeID string) (models.AccessState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[nodeID]++
	if err := w.authErr[nodeID]; err != nil {
		return models.AccessUnknown, err
	}
	return w.access[nodeID], nil
}

func (w *stubWorld) NodeInfo(_ context.Context, nodeID string) (hostenv.NodeInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total, ok := w.capacity[nodeID]
	if !ok {
		return hostenv.NodeInfo{}, errors.New("no such node")
	}
	return hostenv.NodeInfo{TotalCapacity: total}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSweeper(world *stubWorld) (*Sweeper, *ledger.Ledger) {
	led := ledger.New(testLogger())
	s := New(world, world, world, led, clock.NewFake(), "home", 30*time.Second, nil, testLogger())
	return s, led
}

func TestSweep_RegistersAuthorizedNodes(t *testing.T) {
	world := newStubWorld("home", "mintleaf", "copperline")
	world.access["copperline"] = models.AccessLocked
	world.capacity["home"] = 32

	s, led := newTestSweeper(world)
	s.Sweep(context.Background())

	if !led.Has("home") || !led.Has("mintleaf") {
		t.Error("Authorized nodes missing from ledger")
	}
	if led.Has("copperline") {
		t.Error("Locked node must not be registered")
	}

	total, _, _ := led.CapacityOf("home")
	if total != 32 {
		t.Errorf("home total = %g, want 32", total)
	}

	snap := led.Snapshot()
	for _, n := range snap {
		want := models.NodeKindRemote
		if n.ID == "home" {
			want = models.NodeKindHome
		}
		if n.Kind != want {
			t.Errorf("Kind of %s = %s, want %s", n.ID, n.Kind, want)
		}
	}
}

func TestSweep_LockedNodeRetriedNextSweep(t *testing.T) {
	world := newStubWorld("home", "copperline")
	world.access["copperline"] = models.AccessLocked

	s, led := newTestSweeper(world)
	s.Sweep(context.Background())

	if led.Has("copperline") {
		t.Fatal("Locked node registered too early")
	}

	// The node unlocks between sweeps.
	world.mu.Lock()
	world.access["copperline"] = models.AccessAuthorized
	world.mu.Unlock()

	s.Sweep(context.Background())
	if !led.Has("copperline") {
		t.Error("Node missing after it became authorized")
	}
	if world.attempts["copperline"] != 2 {
		t.Errorf("Attempts = %d, want 2 (one per sweep)", world.attempts["copperline"])
	}
}

func TestSweep_IdempotentAcrossSweeps(t *testing.T) {
	world := newStubWorld("home", "mintleaf")
	s, led := newTestSweeper(world)

	s.Sweep(context.Background())
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	if got := len(led.Snapshot()); got != 2 {
		t.Errorf("Ledger entries = %d after repeated sweeps, want 2", got)
	}
}

func TestSweep_AuthorizeErrorSkipsNode(t *testing.T) {
	world := newStubWorld("home", "flaky")
	world.authErr["flaky"] = errors.New("probe timeout")

	s, led := newTestSweeper(world)
	s.Sweep(context.Background())

	if led.Has("flaky") {
		t.Error("Node with failing authorization must not be registered")
	}
	if !led.Has("home") {
		t.Error("Healthy node should still register")
	}
}

func TestSweep_RecordsLastScan(t *testing.T) {
	world := newStubWorld("home", "mintleaf")
	s, _ := newTestSweeper(world)

	nodes, at := s.LastScan()
	if len(nodes) != 0 || !at.IsZero() {
		t.Fatalf("LastScan before any sweep = %v at %v, want empty", nodes, at)
	}

	s.Sweep(context.Background())
	nodes, at = s.LastScan()
	if len(nodes) != 2 {
		t.Errorf("LastScan = %d nodes, want 2", len(nodes))
	}
	if at.IsZero() {
		t.Error("LastScan time not set")
	}
}

func TestStartStop_ImmediateSweep(t *testing.T) {
	world := newStubWorld("home")
	s, led := newTestSweeper(world)

	s.Start()
	defer s.Stop()

	// Start sweeps synchronously before the loop begins.
	if !led.Has("home") {
		t.Error("Root missing from ledger after Start")
	}
}

func TestSweep_EmitsOneEventPerTransition(t *testing.T) {
	world := newStubWorld("home", "copperline")
	world.access["copperline"] = models.AccessLocked

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led := ledger.New(testLogger())
	s := New(world, world, world, led, clock.NewFake(), "home", 30*time.Second,
		audit.NewRecorder(st, "recon", testLogger()), testLogger())

	// Two identical sweeps: transitions are recorded once, not per sweep.
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	counts := eventCounts(t, st)
	want := map[string]int{"discovered": 2, "authorized": 1, "locked": 1, "registered": 1}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("Events of kind %q = %d after two sweeps, want %d", kind, counts[kind], n)
		}
	}

	// The locked node unlocks; the next sweep records that one move.
	world.mu.Lock()
	world.access["copperline"] = models.AccessAuthorized
	world.mu.Unlock()
	s.Sweep(context.Background())

	counts = eventCounts(t, st)
	if counts["authorized"] != 2 || counts["registered"] != 2 {
		t.Errorf("Events after unlock: authorized = %d, registered = %d, want 2/2",
			counts["authorized"], counts["registered"])
	}
	if counts["discovered"] != 2 {
		t.Errorf("Discovered events = %d after re-sweep, want still 2", counts["discovered"])
	}
}

func eventCounts(t *testing.T, st *store.Store) map[string]int {
	t.Helper()
	events, err := st.ListEvents("recon", 100)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return counts
}
