// Package recon runs the discover-authorize-register sweep. Every
// sweep walks the topology from the root, pushes each reachable node
// toward authorization, and feeds newly authorized nodes into the
// capacity ledger. Locked nodes are left for a later sweep; the sweep
// is the bounded retry the access controller expects.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/hostenv"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/metrics"
	"github.com/wrenholt/rookery/internal/models"
)

// Discoverer walks the topology.
type Discoverer interface {
	Discover(ctx context.Context, root string) []string
}

// Authorizer pushes one node toward the authorized state.
type Authorizer interface {
	TryAuthorize(ctx context.Context, nodeID string) (models.AccessState, error)
}

// Host is the capability surface recon needs from the environment.
type Host interface {
	NodeInfo(ctx context.Context, nodeID string) (hostenv.NodeInfo, error)
}

// Sweeper owns the periodic recon pass.
type Sweeper struct {
	disc   Discoverer
	auth   Authorizer
	env    Host
	ledger *ledger.Ledger
	clk    clock.Clock
	rec    *audit.Recorder
	log    *slog.Logger

	root     string
	interval time.Duration

	mu        sync.Mutex
	lastScan  []string
	lastSweep time.Time
	access    map[string]models.AccessState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper rooted at the given node.
func New(disc Discoverer, auth Authorizer, env Host, led *ledger.Ledger, clk clock.Clock, root string, interval time.Duration, rec *audit.Recorder, log *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		disc:     disc,
		auth:     auth,
		env:      env,
		ledger:   led,
		clk:      clk,
		rec:      rec,
		log:      log.With("component", "recon"),
		root:     root,
		interval: interval,
		access:   make(map[string]models.AccessState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs one sweep immediately, then sweeps on the configured
// interval. The immediate sweep brings the root into the working set
// before any scheduling happens.
func (s *Sweeper) Start() {
	s.Sweep(s.ctx)

	s.wg.Add(1)
	go s.loop()
	s.log.Info("recon started", "root", s.root, "interval", s.interval)
}

// Stop cancels the loop and waits for it to drain.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("recon stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep(s.ctx)
		}
	}
}

// Sweep runs one discover-authorize-register pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	nodes := s.disc.Discover(ctx, s.root)
	metrics.ScanNodes.Set(float64(len(nodes)))

	authorized := 0
	registered := 0
	for _, id := range nodes {
		if s.firstSighting(id) {
			s.rec.Record("discovered", id, "")
		}
		state, err := s.auth.TryAuthorize(ctx, id)
		if err != nil {
			s.log.Warn("authorization attempt failed", "node", id, "error", err)
			continue
		}
		if s.stateChanged(id, state) && state != models.AccessUnknown {
			s.rec.Record(string(state), id, "")
		}
		if state != models.AccessAuthorized {
			continue
		}
		authorized++

		if s.ledger.Has(id) {
			continue
		}
		if s.register(ctx, id) {
			registered++
		}
	}
	metrics.NodesAuthorized.Set(float64(authorized))

	s.mu.Lock()
	s.lastScan = nodes
	s.lastSweep = s.clk.Now().UTC()
	s.mu.Unlock()

	s.log.Info("sweep complete",
		"discovered", len(nodes),
		"authorized", authorized,
		"registered", registered)
}

// firstSighting marks a node as seen, reporting whether this sweep is
// the first to reach it.
func (s *Sweeper) firstSighting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.access[id]; ok {
		return false
	}
	s.access[id] = models.AccessUnknown
	return true
}

// stateChanged updates the remembered access state, reporting whether
// it moved. Steady states stay silent so the event log carries one line
// per transition instead of one per sweep.
func (s *Sweeper) stateChanged(id string, state models.AccessState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access[id] == state {
		return false
	}
	s.access[id] = state
	return true
}

// register adds one authorized node to the capacity ledger.
func (s *Sweeper) register(ctx context.Context, id string) bool {
	info, err := s.env.NodeInfo(ctx, id)
	if err != nil {
		s.log.Warn("node info unavailable", "node", id, "error", err)
		return false
	}

	kind := models.NodeKindRemote
	if id == s.root {
		kind = models.NodeKindHome
	}
	if err := s.ledger.Register(id, info.TotalCapacity, kind); err != nil {
		// Another loop may have registered it between Has and here.
		if !errors.Is(err, ledger.ErrDuplicateNode) {
			s.log.Error("failed to register node", "node", id, "error", err)
		}
		return false
	}

	s.log.Info("node joined working set", "node", id, "capacity", info.TotalCapacity, "kind", kind)
	s.rec.Record("registered", id, fmt.Sprintf("capacity %g", info.TotalCapacity))
	return true
}

// LastScan returns the node ids seen by the most recent sweep and
// when it ran.
func (s *Sweeper) LastScan() ([]string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.lastScan))
	copy(out, s.lastScan)
	return out, s.lastSweep
}
