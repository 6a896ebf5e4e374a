// Package controlplane provides the HTTP API and service layer for the
// rookery daemon.
package controlplane

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/breach"
	"github.com/wrenholt/rookery/internal/chain"
	"github.com/wrenholt/rookery/internal/config"
	"github.com/wrenholt/rookery/internal/fleet"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/recon"
	"github.com/wrenholt/rookery/internal/sched"
	"github.com/wrenholt/rookery/internal/store"
	"github.com/wrenholt/rookery/internal/update"
)

// Service composes the daemon components behind the HTTP handlers.
// The fleet manager and sweeper may be nil when those loops are not
// running; the affected surfaces degrade to empty summaries.
type Service struct {
	store *store.Store
	rec   *audit.Recorder
	led   *ledger.Ledger
	acc   *breach.Controller
	schd  *sched.Scheduler
	mgr   *fleet.Manager
	seq   *chain.Sequencer
	swp   *recon.Sweeper
	cfg   *config.Config
}

// NewService creates a new control plane service.
func NewService(st *store.Store, rec *audit.Recorder, led *ledger.Ledger, acc *breach.Controller, schd *sched.Scheduler, mgr *fleet.Manager, seq *chain.Sequencer, swp *recon.Sweeper, cfg *config.Config) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		store: st,
		rec:   rec,
		led:   led,
		acc:   acc,
		schd:  schd,
		mgr:   mgr,
		seq:   seq,
		swp:   swp,
		cfg:   cfg,
	}
}

// NodeSummary is one node as the operator sees it: the ledger's
// capacity counters joined with the access controller's view.
type NodeSummary struct {
	ID        string             `json:"id"`
	Kind      models.NodeKind    `json:"kind,omitempty"`
	Total     float64            `json:"total"`
	Committed float64            `json:"committed"`
	Free      float64            `json:"free"`
	Access    models.AccessState `json:"access"`
	Reason    string             `json:"reason,omitempty"`
}

// CapacitySummary aggregates the ledger across all registered nodes.
type CapacitySummary struct {
	Nodes     int     `json:"nodes"`
	Total     float64 `json:"total"`
	Committed float64 `json:"committed"`
	Free      float64 `json:"free"`
}

// FleetSummary describes the purchased fleet.
type FleetSummary struct {
	Enabled  bool                `json:"enabled"`
	Size     int                 `json:"size"`
	MaxNodes int                 `json:"max_nodes,omitempty"`
	Nodes    []models.FleetEntry `json:"nodes"`
}

// ChainSummary is one configured chain definition.
type ChainSummary struct {
	Name   string   `json:"name"`
	Stages []string `json:"stages"`
}

// StatusSummary is the composite /status payload.
type StatusSummary struct {
	Version          string            `json:"version"`
	Time             string            `json:"time"`
	ScanSize         int               `json:"scan_size"`
	LastSweep        string            `json:"last_sweep,omitempty"`
	Access           map[string]int    `json:"access"`
	Capacity         CapacitySummary   `json:"capacity"`
	ActivePlacements int               `json:"active_placements"`
	Queue            map[string]int    `json:"queue"`
	Fleet            FleetSummary      `json:"fleet"`
	ChainRuns        []models.ChainRun `json:"chain_runs"`
	RecentEvents     []models.Event    `json:"recent_events"`
}

// Status builds the composite daemon summary.
func (s *Service) Status() (*StatusSummary, error) {
	sum := &StatusSummary{
		Version: update.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Access:  make(map[string]int),
	}

	if s.swp != nil {
		seen, at := s.swp.LastScan()
		sum.ScanSize = len(seen)
		if !at.IsZero() {
			sum.LastSweep = at.UTC().Format(time.RFC3339)
		}
	}

	if s.acc != nil {
		for _, state := range s.acc.States() {
			sum.Access[string(state)]++
		}
	}

	if s.led != nil {
		for _, c := range s.led.Snapshot() {
			sum.Capacity.Nodes++
			sum.Capacity.Total += c.Total
			sum.Capacity.Committed += c.Committed
		}
		sum.Capacity.Free = sum.Capacity.Total - sum.Capacity.Committed
	}

	if s.schd != nil {
		sum.ActivePlacements = s.schd.ActiveCount()
	}

	queue, err := s.store.CountWorkloadsByStatus()
	if err != nil {
		return nil, err
	}
	sum.Queue = queue

	sum.Fleet = s.FleetEntries()

	runs, err := s.store.ListChainRuns(5)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []models.ChainRun{}
	}
	sum.ChainRuns = runs

	events, err := s.store.ListEvents("", 10)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.Event{}
	}
	sum.RecentEvents = events

	return sum, nil
}

// Nodes returns every node the daemon knows about, sorted by id. The
// union covers ledger entries and nodes the access controller has seen
// but not yet unlocked.
func (s *Service) Nodes() []NodeSummary {
	byID := make(map[string]*NodeSummary)

	if s.led != nil {
		for _, c := range s.led.Snapshot() {
			byID[c.ID] = &NodeSummary{
				ID:        c.ID,
				Kind:      c.Kind,
				Total:     c.Total,
				Committed: c.Committed,
				Free:      c.Free(),
			}
		}
	}

	if s.acc != nil {
		for id, state := range s.acc.States() {
			n, ok := byID[id]
			if !ok {
				n = &NodeSummary{ID: id}
				byID[id] = n
			}
			n.Access = state
			n.Reason = s.acc.Reason(id)
		}
	}

	out := make([]NodeSummary, 0, len(byID))
	for _, n := range byID {
		// Nodes reach the ledger only after authorization or purchase,
		// so a ledger entry without a tracked access state is usable.
		if n.Access == "" {
			n.Access = models.AccessAuthorized
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node returns one node summary, or nil when the id is unknown.
func (s *Service) Node(id string) *NodeSummary {
	for _, n := range s.Nodes() {
		if n.ID == id {
			return &n
		}
	}
	return nil
}

// SubmitWorkload enqueues a workload for the dispatch loop.
func (s *Service) SubmitWorkload(script, target string, threads int, args []string) (*models.Workload, error) {
	w, err := s.store.EnqueueWorkload(script, target, threads, args, s.cfg.Scheduler.MaxAttempts)
	if err != nil {
		return nil, err
	}
	s.rec.Record("submitted", target, fmt.Sprintf("workload %s: %s x%d", w.ID, script, threads))
	return w, nil
}

// Workloads returns queued workloads, optionally filtered by status.
func (s *Service) Workloads(status string) ([]models.Workload, error) {
	return s.store.ListWorkloads(status)
}

// Workload returns one workload, or nil when the id is unknown.
func (s *Service) Workload(id string) (*models.Workload, error) {
	return s.store.GetWorkload(id)
}

// Placements returns placement history, optionally filtered by status.
func (s *Service) Placements(status string) ([]models.Placement, error) {
	return s.store.ListPlacements(status)
}

// FleetEntries summarizes the purchased fleet.
func (s *Service) FleetEntries() FleetSummary {
	if s.mgr == nil {
		return FleetSummary{Nodes: []models.FleetEntry{}}
	}
	nodes := s.mgr.Fleet()
	if nodes == nil {
		nodes = []models.FleetEntry{}
	}
	return FleetSummary{
		Enabled:  true,
		Size:     len(nodes),
		MaxNodes: s.cfg.Fleet.MaxNodes,
		Nodes:    nodes,
	}
}

// BuyNode purchases one node at the given capacity tier.
func (s *Service) BuyNode(ctx context.Context, capacity float64) (*models.FleetEntry, error) {
	if s.mgr == nil {
		return nil, ErrFleetDisabled
	}
	return s.mgr.Buy(ctx, capacity)
}

// Chains lists the configured chain definitions, sorted by name.
func (s *Service) Chains() []ChainSummary {
	out := make([]ChainSummary, 0, len(s.cfg.Chain.Definitions))
	for name, stages := range s.cfg.Chain.Definitions {
		scripts := make([]string, 0, len(stages))
		for _, st := range stages {
			scripts = append(scripts, st.Script)
		}
		out = append(out, ChainSummary{Name: name, Stages: scripts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunChain starts a configured chain in the background and returns its
// run record.
func (s *Service) RunChain(name string) (*models.ChainRun, error) {
	if s.seq == nil {
		return nil, ErrChainUnknown
	}
	stages, ok := s.cfg.Chain.Definitions[name]
	if !ok {
		return nil, ErrChainUnknown
	}

	def := models.ChainDef{Name: name}
	for _, st := range stages {
		def.Stages = append(def.Stages, models.ChainStage{
			Name:    st.Script,
			Script:  st.Script,
			Target:  st.Target,
			Threads: st.Threads,
		})
	}

	run := s.seq.StartRun(def)
	s.rec.Record("chain_started", "", fmt.Sprintf("chain %s run %s", name, run.ID))
	return run, nil
}

// ChainRuns returns recorded chain runs, newest first.
func (s *Service) ChainRuns(limit int) ([]models.ChainRun, error) {
	return s.store.ListChainRuns(limit)
}

// Events returns audit events, optionally filtered by component.
func (s *Service) Events(component string, limit int) ([]models.Event, error) {
	return s.store.ListEvents(component, limit)
}
