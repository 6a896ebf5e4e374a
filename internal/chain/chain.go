// Package chain runs ordered stages of workloads. A stage launches
// its workload through the scheduler and holds until the launched
// process is no longer live; a declined launch retries the same stage
// after a fixed delay, so a chain never skips or reorders stages.
package chain

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
	"github.com/wrenholt/rookery/internal/metrics"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/sched"
	"github.com/wrenholt/rookery/internal/store"
)

// Scheduler is the admission surface the sequencer drives.
type Scheduler interface {
	Schedule(ctx context.Context, w *models.Workload) (*models.Placement, error)
}

// Host is the liveness surface the sequencer polls.
type Host interface {
	IsProcessLive(ctx context.Context, pid int64) (bool, error)
}

// ErrStageFailed marks a run aborted because a stage could not execute,
// as opposed to a run cancelled by shutdown.
var ErrStageFailed = errors.New("chain stage failed")

// Config defines the sequencer timings.
type Config struct {
	// PollInterval is how often a live stage process is checked.
	PollInterval time.Duration
	// RetryDelay is the wait before retrying a declined stage.
	RetryDelay time.Duration
}

// DefaultConfig returns the default sequencer configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 2 * time.Second,
		RetryDelay:   4 * time.Second,
	}
}

// Sequencer executes chains one stage at a time. Independent chains
// may run concurrently; stages within one chain never overlap.
type Sequencer struct {
	sched  Scheduler
	env    Host
	clk    clock.Clock
	store  *store.Store
	config *Config
	rec    *audit.Recorder
	log    *slog.Logger

	mu   sync.Mutex
	runs map[string]*models.ChainRun

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sequencer. The store may be nil when run progress
// should not be persisted.
func New(schd Scheduler, env Host, clk clock.Clock, st *store.Store, cfg *Config, rec *audit.Recorder, log *slog.Logger) *Sequencer {
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

	return &Sequencer{
		sched:  schd,
		env:    env,
		clk:    clk,
		store:  st,
		config: cfg,
		rec:    rec,
		log:    log.With("component", "chain"),
		runs:   make(map[string]*models.ChainRun),
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartRun begins a chain in the background and returns its run
// record immediately.
func (q *Sequencer) StartRun(def models.ChainDef) *models.ChainRun {
	run := q.newRun(def)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.run(q.ctx, def, run); err != nil {
			q.log.Warn("chain run ended with error", "chain", def.Name, "run", run.ID, "error", err)
		}
	}()
	return q.snapshotRun(run.ID)
}

// Run executes a chain to completion, blocking the caller. Returns
// the final run record; the error is non-nil when the chain aborted.
func (q *Sequencer) Run(ctx context.Context, def models.ChainDef) (*models.ChainRun, error) {
	return q.run(ctx, def, q.newRun(def))
}

// Stop cancels in-flight runs and waits for them to wind down.
func (q *Sequencer) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Runs returns a snapshot of all runs this sequencer has seen,
// oldest first.
func (q *Sequencer) Runs() []models.ChainRun {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.ChainRun, 0, len(q.runs))
	for _, r := range q.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Sequencer) newRun(def models.ChainDef) *models.ChainRun {
	now := q.clk.Now().UTC()
	run := &models.ChainRun{
		ID:         uuid.New().String(),
		Chain:      def.Name,
		Stage:      0,
		StageCount: len(def.Stages),
		Status:     models.ChainRunStatusRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	q.mu.Lock()
	q.runs[run.ID] = run
	q.mu.Unlock()
	q.persist(run)
	return run
}

func (q *Sequencer) run(ctx context.Context, def models.ChainDef, run *models.ChainRun) (*models.ChainRun, error) {
	if len(def.Stages) == 0 {
		return q.finish(run, nil)
	}

	q.log.Info("chain started", "chain", def.Name, "run", run.ID, "stages", len(def.Stages))
	q.rec.Record("started", "", fmt.Sprintf("chain %s run %s, %d stages", def.Name, run.ID, len(def.Stages)))

	for i, stage := range def.Stages {
		placement, err := q.launchStage(ctx, run, i, stage)
		if err != nil {
			return q.finish(run, err)
		}
		if err := q.awaitExit(ctx, run, i, placement); err != nil {
			return q.finish(run, err)
		}
		metrics.ChainStages.WithLabelValues("completed").Inc()
		q.log.Info("chain stage completed", "chain", def.Name, "run", run.ID, "stage", i, "script", stage.Script)
	}

	return q.finish(run, nil)
}

// launchStage schedules one stage, retrying the same stage on declined
// admissions until it launches or the context ends.
func (q *Sequencer) launchStage(ctx context.Context, run *models.ChainRun, index int, stage models.ChainStage) (*models.Placement, error) {
	for {
		w := &models.Workload{
			ID:      uuid.New().String(),
			Script:  stage.Script,
			Target:  stage.Target,
			Threads: stage.Threads,
			Args:    stage.Args,
		}
		p, err := q.sched.Schedule(ctx, w)
		if err == nil {
			metrics.ChainStages.WithLabelValues("launched").Inc()
			q.update(run, index, models.ChainRunStatusWaiting,
				fmt.Sprintf("stage %d (%s) live, pid %d on %s", index, stage.Script, p.PID, p.Node))
			return p, nil
		}
		if !errors.Is(err, sched.ErrDeclined) {
			return nil, fmt.Errorf("%w: stage %d (%s): %w", ErrStageFailed, index, stage.Script, err)
		}

		metrics.ChainStages.WithLabelValues("retried").Inc()
		q.update(run, index, models.ChainRunStatusWaiting,
			fmt.Sprintf("stage %d (%s) declined, retrying", index, stage.Script))
		if err := q.clk.Sleep(ctx, q.config.RetryDelay); err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", index, stage.Script, err)
		}
	}
}

// awaitExit polls the stage process until it is no longer live.
func (q *Sequencer) awaitExit(ctx context.Context, run *models.ChainRun, index int, p *models.Placement) error {
	for {
		if err := q.clk.Sleep(ctx, q.config.PollInterval); err != nil {
			return fmt.Errorf("stage %d: %w", index, err)
		}
		live, err := q.env.IsProcessLive(ctx, p.PID)
		if err != nil {
			return fmt.Errorf("%w: stage %d liveness: %w", ErrStageFailed, index, err)
		}
		if !live {
			return nil
		}
	}
}

// finish closes out a run. A nil err marks it completed, anything
// else failed with the error recorded.
func (q *Sequencer) finish(run *models.ChainRun, err error) (*models.ChainRun, error) {
	q.mu.Lock()
	if err == nil {
		run.Stage = run.StageCount
		run.Status = models.ChainRunStatusCompleted
		run.Detail = ""
	} else {
		run.Status = models.ChainRunStatusFailed
		run.Detail = err.Error()
	}
	run.UpdatedAt = q.clk.Now().UTC()
	snapshot := *run
	q.mu.Unlock()

	q.persist(&snapshot)
	if err == nil {
		q.rec.Record("completed", "", fmt.Sprintf("chain %s run %s", run.Chain, run.ID))
	} else {
		q.rec.Record("failed", "", fmt.Sprintf("chain %s run %s: %v", run.Chain, run.ID, err))
	}
	return &snapshot, err
}

// update advances a run's visible progress.
func (q *Sequencer) update(run *models.ChainRun, stage int, status models.ChainRunStatus, detail string) {
	q.mu.Lock()
	run.Stage = stage
	run.Status = status
	run.Detail = detail
	run.UpdatedAt = q.clk.Now().UTC()
	snapshot := *run
	q.mu.Unlock()

	q.persist(&snapshot)
}

func (q *Sequencer) persist(run *models.ChainRun) {
	if q.store == nil {
		return
	}
	if err := q.store.UpsertChainRun(run); err != nil {
		q.log.Warn("failed to persist chain run", "run", run.ID, "error", err)
	}
}

func (q *Sequencer) snapshotRun(id string) *models.ChainRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.runs[id]; ok {
		snapshot := *r
		return &snapshot
	}
	return nil
}
