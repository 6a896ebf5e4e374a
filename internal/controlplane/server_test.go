package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/chain"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/config"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/store"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st, _, cleanup := newTestServer(t)
	defer cleanup()

	// Close the store to simulate DB error
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestStatusEndpoint_Composite(t *testing.T) {
	s, st, led, cleanup := newTestServer(t)
	defer cleanup()

	if err := led.Register("alpha", 32, models.NodeKindRemote); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !led.Reserve("alpha", 8) {
		t.Fatal("Reserve failed")
	}
	if _, err := st.EnqueueWorkload("harvest", "alpha", 4, nil, 10); err != nil {
		t.Fatalf("EnqueueWorkload failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	s.handleStatus(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var sum StatusSummary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if sum.Version == "" {
		t.Error("Expected version to be set")
	}
	if sum.Capacity.Nodes != 1 {
		t.Errorf("Expected 1 node in capacity summary, got %d", sum.Capacity.Nodes)
	}
	if sum.Capacity.Total != 32 || sum.Capacity.Committed != 8 {
		t.Errorf("Expected capacity 32/8, got %g/%g", sum.Capacity.Total, sum.Capacity.Committed)
	}
	if sum.Capacity.Free != 24 {
		t.Errorf("Expected free capacity 24, got %g", sum.Capacity.Free)
	}
	if sum.Queue["pending"] != 1 {
		t.Errorf("Expected 1 pending workload, got %d", sum.Queue["pending"])
	}
	if sum.Fleet.Enabled {
		t.Error("Expected fleet to be disabled in test server")
	}
}

func TestNodesEndpoint_ListAndGet(t *testing.T) {
	s, _, led, cleanup := newTestServer(t)
	defer cleanup()

	if err := led.Register("bravo", 16, models.NodeKindRemote); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := led.Register("alpha", 32, models.NodeKindHome); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	w := httptest.NewRecorder()
	s.handleNodes(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var nodes []NodeSummary
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].ID != "alpha" || nodes[1].ID != "bravo" {
		t.Errorf("Expected nodes sorted by id, got %s, %s", nodes[0].ID, nodes[1].ID)
	}
	if nodes[0].Access != models.AccessAuthorized {
		t.Errorf("Expected registered node to be authorized, got %s", nodes[0].Access)
	}
	if nodes[0].Free != 32 {
		t.Errorf("Expected free capacity 32, got %g", nodes[0].Free)
	}

	req = httptest.NewRequest(http.MethodGet, "/nodes/bravo", nil)
	w = httptest.NewRecorder()
	s.handleNodeByID(w, req)

	resp = w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var node NodeSummary
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if node.ID != "bravo" || node.Total != 16 {
		t.Errorf("Expected bravo with total 16, got %s with %g", node.ID, node.Total)
	}

	req = httptest.NewRequest(http.MethodGet, "/nodes/ghost", nil)
	w = httptest.NewRecorder()
	s.handleNodeByID(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown node, got %d", w.Result().StatusCode)
	}
}

func TestWorkloadEndpoints_SubmitAndFetch(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	body := strings.NewReader(`{"script":"harvest","target":"alpha","threads":4}`)
	req := httptest.NewRequest(http.MethodPost, "/workloads", body)
	w := httptest.NewRecorder()
	s.handleWorkloads(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	var created models.Workload
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Status != models.WorkloadStatusPending {
		t.Errorf("Expected status pending, got %s", created.Status)
	}
	if created.MaxAttempts != config.Default().Scheduler.MaxAttempts {
		t.Errorf("Expected default max attempts, got %d", created.MaxAttempts)
	}

	req = httptest.NewRequest(http.MethodGet, "/workloads", nil)
	w = httptest.NewRecorder()
	s.handleWorkloads(w, req)

	var listed []models.Workload
	if err := json.NewDecoder(w.Result().Body).Decode(&listed); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("Expected 1 workload, got %d", len(listed))
	}

	req = httptest.NewRequest(http.MethodGet, "/workloads/"+created.ID, nil)
	w = httptest.NewRecorder()
	s.handleWorkloadByID(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/workloads/missing", nil)
	w = httptest.NewRecorder()
	s.handleWorkloadByID(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown workload, got %d", w.Result().StatusCode)
	}
}

func TestWorkloadEndpoints_Validation(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/workloads", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	s.handleWorkloads(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid json, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodPost, "/workloads", strings.NewReader(`{"target":"alpha"}`))
	w = httptest.NewRecorder()
	s.handleWorkloads(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing script, got %d", w.Result().StatusCode)
	}
}

func TestPlacementsEndpoint(t *testing.T) {
	s, st, _, cleanup := newTestServer(t)
	defer cleanup()

	p := &models.Placement{
		ID:         "p1",
		Node:       "alpha",
		Script:     "harvest",
		Target:     "alpha",
		Threads:    4,
		Mem:        8,
		PID:        42,
		Status:     models.PlacementStatusLive,
		LaunchedAt: time.Now().UTC(),
	}
	if err := st.CreatePlacement(p); err != nil {
		t.Fatalf("CreatePlacement failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/placements", nil)
	w := httptest.NewRecorder()
	s.handlePlacements(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var placements []models.Placement
	if err := json.NewDecoder(resp.Body).Decode(&placements); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(placements) != 1 || placements[0].ID != "p1" {
		t.Fatalf("Expected placement p1, got %+v", placements)
	}
}

func TestFleetEndpoints_Disabled(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/fleet", nil)
	w := httptest.NewRecorder()
	s.handleFleet(w, req)

	var sum FleetSummary
	if err := json.NewDecoder(w.Result().Body).Decode(&sum); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sum.Enabled || sum.Size != 0 {
		t.Errorf("Expected disabled empty fleet, got %+v", sum)
	}
	if sum.Nodes == nil {
		t.Error("Expected empty nodes slice, got null")
	}

	req = httptest.NewRequest(http.MethodPost, "/fleet/buy", strings.NewReader(`{"capacity":8}`))
	w = httptest.NewRecorder()
	s.handleFleetBuy(w, req)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 when fleet is disabled, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodPost, "/fleet/buy", strings.NewReader(`{"capacity":0}`))
	w = httptest.NewRecorder()
	s.handleFleetBuy(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for zero capacity, got %d", w.Result().StatusCode)
	}
}

func TestChainEndpoints_ListRunAndRuns(t *testing.T) {
	s, _, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/chains", nil)
	w := httptest.NewRecorder()
	s.handleChains(w, req)

	var chains []ChainSummary
	if err := json.NewDecoder(w.Result().Body).Decode(&chains); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(chains) != 1 || chains[0].Name != "standard" {
		t.Fatalf("Expected the standard chain, got %+v", chains)
	}
	if len(chains[0].Stages) != 3 {
		t.Errorf("Expected 3 stages, got %d", len(chains[0].Stages))
	}

	req = httptest.NewRequest(http.MethodPost, "/chains/standard/run", nil)
	w = httptest.NewRecorder()
	s.handleChainAction(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var run models.ChainRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if run.Chain != "standard" || run.StageCount != 3 {
		t.Errorf("Expected standard run with 3 stages, got %+v", run)
	}

	req = httptest.NewRequest(http.MethodGet, "/chains/runs", nil)
	w = httptest.NewRecorder()
	s.handleChainAction(w, req)

	var runs []models.ChainRun
	if err := json.NewDecoder(w.Result().Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("Expected run %s in history, got %+v", run.ID, runs)
	}

	req = httptest.NewRequest(http.MethodPost, "/chains/ghost/run", nil)
	w = httptest.NewRecorder()
	s.handleChainAction(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown chain, got %d", w.Result().StatusCode)
	}
}

func TestEventsEndpoint_FilterByComponent(t *testing.T) {
	s, st, _, cleanup := newTestServer(t)
	defer cleanup()

	if _, err := st.AppendEvent("fleet", "purchased", "drone", "capacity 8"); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if _, err := st.AppendEvent("sched", "placed", "alpha", "harvest x4"); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?component=fleet", nil)
	w := httptest.NewRecorder()
	s.handleEvents(w, req)

	var events []models.Event
	if err := json.NewDecoder(w.Result().Body).Decode(&events); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(events) != 1 || events[0].Component != "fleet" {
		t.Fatalf("Expected 1 fleet event, got %+v", events)
	}
}

// stubSched admits every workload instantly.
type stubSched struct{}

func (stubSched) Schedule(_ context.Context, w *models.Workload) (*models.Placement, error) {
	return &models.Placement{
		ID:      "p-" + w.ID,
		Node:    "home",
		Script:  w.Script,
		Target:  w.Target,
		Threads: w.Threads,
		PID:     1,
		Status:  models.PlacementStatusLive,
	}, nil
}

// stubLiveness reports every process as still running.
type stubLiveness struct{}

func (stubLiveness) IsProcessLive(_ context.Context, _ int64) (bool, error) {
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *store.Store, *ledger.Ledger, func()) {
	t.Helper()
	tmpDir := t.TempDir()

	st, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	logger := testLogger()
	led := ledger.New(logger)
	rec := audit.NewRecorder(st, "api", logger)
	seq := chain.New(stubSched{}, stubLiveness{}, clock.NewFake(), st, nil, rec, logger)
	service := NewService(st, rec, led, nil, nil, nil, seq, nil, config.Default())
	server := NewServer(service, st, "127.0.0.1:0", logger)

	cleanup := func() {
		seq.Stop()
		st.Close()
	}
	return server, st, led, cleanup
}
