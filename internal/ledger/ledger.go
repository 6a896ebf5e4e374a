// Package ledger tracks total and committed memory capacity per node.
// It is the single source of truth for admission decisions and the only
// mutable state shared across components.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wrenholt/rookery/internal/metrics"
	"github.com/wrenholt/rookery/internal/models"
)

var (
	// ErrDuplicateNode indicates a Register call for an id that is
	// already tracked. This is an invariant violation, not a retry case.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrUnknownNode indicates an operation against an id the ledger
	// does not track.
	ErrUnknownNode = errors.New("node not registered")

	// ErrOverRelease indicates a release larger than the node's
	// committed capacity. The ledger floors committed at 0 and reports
	// the violation.
	ErrOverRelease = errors.New("release exceeds committed capacity")
)

// NodeCapacity is a read-only snapshot of one ledger entry.
type NodeCapacity struct {
	ID        string          `json:"id"`
	Kind      models.NodeKind `json:"kind"`
	Total     float64         `json:"total"`
	Committed float64         `json:"committed"`
}

// Free returns the uncommitted capacity in the snapshot.
func (c NodeCapacity) Free() float64 {
	return c.Total - c.Committed
}

type entry struct {
	kind      models.NodeKind
	total     float64
	committed float64
}

// Ledger guards every capacity counter behind one mutex so that
// check-and-increment is atomic under concurrent reservation attempts.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *slog.Logger
}

// New creates an empty ledger.
func New(log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		entries: make(map[string]*entry),
		log:     log.With("component", "ledger"),
	}
}

// Register adds a node with zero committed capacity.
func (l *Ledger) Register(id string, total float64, kind models.NodeKind) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if total < 0 {
		return fmt.Errorf("node %s: negative capacity %v", id, total)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	l.entries[id] = &entry{kind: kind, total: total}
	l.log.Info("node registered", "node", id, "kind", string(kind), "total", total)
	return nil
}

// Reserve atomically checks committed+amount against total and commits
// the amount if it fits. Returns false with no side effects when the
// amount does not fit, the node is unknown, or the amount is not
// positive. Concurrent reservations whose sum exceeds total can never
// both succeed.
func (l *Ledger) Reserve(id string, amount float64) bool {
	if amount <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		metrics.Reservations.WithLabelValues("declined").Inc()
		return false
	}
	if e.committed+amount > e.total {
		metrics.Reservations.WithLabelValues("declined").Inc()
		return false
	}
	e.committed += amount
	metrics.Reservations.WithLabelValues("granted").Inc()
	l.log.Debug("capacity reserved", "node", id, "amount", amount, "committed", e.committed, "total", e.total)
	return true
}

// Release returns capacity to a node, floored at zero committed.
// Releasing more than is committed floors the counter and returns
// ErrOverRelease: a placement was double-released somewhere.
func (l *Ledger) Release(id string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("node %s: negative release %v", id, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if amount > e.committed {
		over := amount - e.committed
		e.committed = 0
		l.log.Error("over-release detected", "node", id, "amount", amount, "excess", over)
		return fmt.Errorf("%w: node %s over by %v", ErrOverRelease, id, over)
	}
	e.committed -= amount
	l.log.Debug("capacity released", "node", id, "amount", amount, "committed", e.committed)
	return nil
}

// Deregister removes a node from the ledger. Part of the purchased-node
// replace lifecycle: callers invalidate placements first.
func (l *Ledger) Deregister(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if e.committed > 0 {
		l.log.Warn("deregistering node with committed capacity", "node", id, "committed", e.committed)
	}
	delete(l.entries, id)
	l.log.Info("node deregistered", "node", id)
	return nil
}

// CapacityOf returns a point-in-time view of one node's counters.
func (l *Ledger) CapacityOf(id string) (total, committed float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, found := l.entries[id]
	if !found {
		return 0, 0, false
	}
	return e.total, e.committed, true
}

// Has reports whether the node is registered.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Snapshot returns every entry sorted by id. The result is a copy;
// holding it does not observe later mutations.
func (l *Ledger) Snapshot() []NodeCapacity {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]NodeCapacity, 0, len(l.entries))
	for id, e := range l.entries {
		out = append(out, NodeCapacity{
			ID:        id,
			Kind:      e.kind,
			Total:     e.total,
			Committed: e.committed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
