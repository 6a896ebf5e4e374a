// Package sched places workloads onto authorized nodes and tracks the
// processes it launched. Admission goes through the capacity ledger;
// a workload that cannot be admitted anywhere is declined and retried
// by the dispatch loop, never dropped.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/metrics"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/store"
)

// ErrDeclined reports that no node can currently admit the workload.
// It is a steady state under capacity pressure, not a failure.
var ErrDeclined = errors.New("no node can admit the workload")

// Host is the capability surface the scheduler needs from the
// environment.
type Host interface {
	ScriptMemory(ctx context.Context, scriptID string) (float64, error)
	LaunchProcess(ctx context.Context, nodeID, scriptID string, threads int, args []string) (int64, error)
	IsProcessLive(ctx context.Context, pid int64) (bool, error)
}

// Config defines the scheduler loop timings and retry budget.
type Config struct {
	// DispatchInterval is how often the workload queue is drained.
	DispatchInterval time.Duration
	// ReapInterval is how often placement liveness is polled.
	ReapInterval time.Duration
	// MaxAttempts is the per-workload retry budget before starving.
	MaxAttempts int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DispatchInterval: 2 * time.Second,
		ReapInterval:     5 * time.Second,
		MaxAttempts:      10,
	}
}

// Candidate is one admission option: a node and the free capacity it
// showed when the candidate list was built.
type Candidate struct {
	Node string
	Free float64
}

// Scheduler admits workloads against the ledger and launches their
// processes through the host.
type Scheduler struct {
	store  *store.Store
	ledger *ledger.Ledger
	env    Host
	clk    clock.Clock
	config *Config
	rec    *audit.Recorder
	log    *slog.Logger

	// Active placements, keyed by placement ID. Removal is the
	// release point; a placement leaves the map exactly once.
	mu     sync.Mutex
	active map[string]*models.Placement

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. The store may be nil when no queue or
// history persistence is wanted.
func New(st *store.Store, led *ledger.Ledger, env Host, clk clock.Clock, cfg *Config, rec *audit.Recorder, log *slog.Logger) *Scheduler {
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

	return &Scheduler{
		store:  st,
		ledger: led,
		env:    env,
		clk:    clk,
		config: cfg,
		rec:    rec,
		log:    log.With("component", "sched"),
		active: make(map[string]*models.Placement),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the dispatch and reaper loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.reapLoop()
	s.log.Info("scheduler started",
		"dispatch_interval", s.config.DispatchInterval,
		"reap_interval", s.config.ReapInterval)
}

// Stop cancels the loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Place admits a workload against the given candidates. Candidates are
// tried most-free-first (ties broken by node id); per candidate the
// thread count is the free capacity divided by the per-thread memory,
// clamped to the requested count. A reservation lost to a concurrent
// grant falls through to the next candidate. Returns false when no
// candidate yields at least one thread.
func (s *Scheduler) Place(w *models.Workload, memPerThread float64, candidates []Candidate) (*models.Placement, bool) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Free != candidates[j].Free {
			return candidates[i].Free > candidates[j].Free
		}
		return candidates[i].Node < candidates[j].Node
	})

	for _, c := range candidates {
		threads := int(c.Free / memPerThread)
		if threads > w.Threads {
			threads = w.Threads
		}
		if threads < 1 {
			continue
		}
		amount := float64(threads) * memPerThread
		if !s.ledger.Reserve(c.Node, amount) {
			// Lost the capacity race; the next candidate may still fit.
			continue
		}
		return &models.Placement{
			ID:         uuid.New().String(),
			WorkloadID: w.ID,
			Node:       c.Node,
			Script:     w.Script,
			Target:     w.Target,
			Threads:    threads,
			Mem:        amount,
			Status:     models.PlacementStatusLive,
		}, true
	}
	return nil, false
}

// Schedule admits and launches one workload. Declined admissions
// return ErrDeclined; launch failures release the reservation and
// return the wrapped launch error.
func (s *Scheduler) Schedule(ctx context.Context, w *models.Workload) (*models.Placement, error) {
	if w.Threads < 1 {
		return nil, fmt.Errorf("workload %s requests %d threads", w.ID, w.Threads)
	}

	memPerThread, err := s.env.ScriptMemory(ctx, w.Script)
	if err != nil {
		return nil, fmt.Errorf("script memory for %q: %w", w.Script, err)
	}
	if memPerThread <= 0 {
		return nil, fmt.Errorf("script %q reports memory per thread %g", w.Script, memPerThread)
	}

	p, ok := s.Place(w, memPerThread, s.candidates())
	if !ok {
		metrics.ScheduleOutcomes.WithLabelValues("declined").Inc()
		return nil, fmt.Errorf("%w: %s x%d", ErrDeclined, w.Script, w.Threads)
	}

	args := w.Args
	if len(args) == 0 && w.Target != "" {
		args = []string{w.Target}
	}
	pid, err := s.env.LaunchProcess(ctx, p.Node, w.Script, p.Threads, args)
	if err != nil {
		if relErr := s.ledger.Release(p.Node, p.Mem); relErr != nil {
			s.log.Error("release after failed launch", "node", p.Node, "error", relErr)
		}
		metrics.ScheduleOutcomes.WithLabelValues("launch_failed").Inc()
		return nil, fmt.Errorf("launch %s on %s: %w", w.Script, p.Node, err)
	}

	p.PID = pid
	p.LaunchedAt = s.clk.Now().UTC()

	s.mu.Lock()
	s.active[p.ID] = p
	s.mu.Unlock()

	metrics.ScheduleOutcomes.WithLabelValues("placed").Inc()
	metrics.PlacementsActive.Set(float64(s.ActiveCount()))

	if s.store != nil {
		if err := s.store.CreatePlacement(p); err != nil {
			s.log.Warn("failed to persist placement", "placement", p.ID, "error", err)
		}
	}

	s.log.Info("placed workload",
		"workload", w.ID,
		"node", p.Node,
		"script", w.Script,
		"threads", p.Threads,
		"pid", pid)
	s.rec.Record("placed", p.Node, fmt.Sprintf("%s x%d pid=%d", w.Script, p.Threads, pid))

	return p, nil
}

// Active returns a snapshot of live placements sorted by launch time.
func (s *Scheduler) Active() []models.Placement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Placement, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LaunchedAt.Equal(out[j].LaunchedAt) {
			return out[i].LaunchedAt.Before(out[j].LaunchedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount returns the number of live placements.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// InvalidateNode releases and invalidates every active placement on a
// node. Used before a destructive node replacement. Returns the number
// of placements invalidated.
func (s *Scheduler) InvalidateNode(nodeID string) int {
	s.mu.Lock()
	var victims []*models.Placement
	for id, p := range s.active {
		if p.Node == nodeID {
			victims = append(victims, p)
			delete(s.active, id)
		}
	}
	s.mu.Unlock()

	for _, p := range victims {
		s.finalize(p, models.PlacementStatusInvalidated)
	}
	if len(victims) > 0 {
		s.log.Info("invalidated placements", "node", nodeID, "count", len(victims))
	}
	return len(victims)
}

// candidates builds the admission list from the ledger snapshot.
func (s *Scheduler) candidates() []Candidate {
	snap := s.ledger.Snapshot()
	out := make([]Candidate, 0, len(snap))
	for _, n := range snap {
		out = append(out, Candidate{Node: n.ID, Free: n.Free()})
	}
	return out
}

// dispatchLoop drains the workload queue on a fixed interval.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := s.clk.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.drainQueue()
		}
	}
}

// drainQueue claims and dispatches pending workloads until the queue
// is empty or a workload is declined. A declined workload went back to
// pending, so continuing the drain would spin on it within one tick.
func (s *Scheduler) drainQueue() {
	if s.store == nil {
		return
	}
	for {
		w, err := s.store.ClaimNextWorkload()
		if err != nil {
			if !errors.Is(err, store.ErrWorkloadNotClaimable) {
				s.log.Error("failed to claim workload", "error", err)
			}
			return
		}
		if w == nil {
			return
		}
		if !s.dispatch(w) {
			return
		}
	}
}

// dispatch schedules one claimed workload. Returns false when the
// drain should stop for this tick.
func (s *Scheduler) dispatch(w *models.Workload) bool {
	if w.Attempts >= w.MaxAttempts {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", w.Attempts, w.LastError)
		if err := s.store.StarveWorkload(w.ID, reason); err != nil {
			s.log.Error("failed to starve workload", "workload", w.ID, "error", err)
		}
		metrics.ScheduleOutcomes.WithLabelValues("starved").Inc()
		s.log.Warn("workload starved", "workload", w.ID, "attempts", w.Attempts)
		s.rec.Record("starved", "", fmt.Sprintf("workload %s after %d attempts", w.ID, w.Attempts))
		return true
	}

	p, err := s.Schedule(s.ctx, w)
	if err != nil {
		if errors.Is(err, ErrDeclined) {
			if reqErr := s.store.RequeueWorkload(w.ID, "no capacity"); reqErr != nil {
				s.log.Error("failed to requeue workload", "workload", w.ID, "error", reqErr)
			}
			s.log.Debug("workload declined", "workload", w.ID, "script", w.Script, "threads", w.Threads)
			return false
		}
		// Launch failures and oracle errors are retried like declines,
		// but with the cause recorded.
		if reqErr := s.store.RequeueWorkload(w.ID, err.Error()); reqErr != nil {
			s.log.Error("failed to requeue workload", "workload", w.ID, "error", reqErr)
		}
		s.log.Warn("workload dispatch failed", "workload", w.ID, "error", err)
		return true
	}

	if err := s.store.MarkWorkloadPlaced(w.ID, p.ID); err != nil {
		s.log.Error("failed to mark workload placed", "workload", w.ID, "error", err)
	}
	return true
}

// reapLoop polls placement liveness on a fixed interval.
func (s *Scheduler) reapLoop() {
	defer s.wg.Done()

	ticker := s.clk.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.Reap(s.ctx)
		}
	}
}

// Reap releases every placement whose process is no longer live. The
// release happens exactly once per placement; the map removal under
// the lock is the claim.
func (s *Scheduler) Reap(ctx context.Context) {
	for _, p := range s.Active() {
		live, err := s.env.IsProcessLive(ctx, p.PID)
		if err != nil {
			s.log.Warn("liveness probe failed", "placement", p.ID, "pid", p.PID, "error", err)
			continue
		}
		if live {
			continue
		}

		s.mu.Lock()
		stored, ok := s.active[p.ID]
		if ok {
			delete(s.active, p.ID)
		}
		s.mu.Unlock()
		if !ok {
			// Already invalidated or reaped concurrently.
			continue
		}

		s.finalize(stored, models.PlacementStatusExited)
		if s.store != nil && stored.WorkloadID != "" {
			if err := s.store.CompleteWorkload(stored.WorkloadID); err != nil {
				s.log.Error("failed to complete workload", "workload", stored.WorkloadID, "error", err)
			}
		}
		s.log.Info("reaped placement",
			"placement", stored.ID,
			"node", stored.Node,
			"script", stored.Script,
			"pid", stored.PID)
	}
}

// finalize releases a placement's reservation and closes its record.
// The caller must already have removed it from the active map.
func (s *Scheduler) finalize(p *models.Placement, status models.PlacementStatus) {
	if err := s.ledger.Release(p.Node, p.Mem); err != nil {
		// The node may have been deregistered by a fleet upgrade;
		// its capacity went with it.
		if !errors.Is(err, ledger.ErrUnknownNode) {
			s.log.Error("failed to release reservation", "node", p.Node, "amount", p.Mem, "error", err)
		}
	}

	p.Status = status
	ended := s.clk.Now().UTC()
	p.EndedAt = &ended

	metrics.PlacementsActive.Set(float64(s.ActiveCount()))

	if s.store != nil {
		if err := s.store.FinishPlacement(p.ID, status, ended); err != nil {
			s.log.Warn("failed to finish placement record", "placement", p.ID, "error", err)
		}
	}
	s.rec.Record(string(status), p.Node, fmt.Sprintf("%s x%d pid=%d", p.Script, p.Threads, p.PID))
}
