// Package audit provides best-effort event recording for rookery.
// Every state-mutating decision (authorization, purchase, upgrade,
// placement, chain progress) lands in the events table so operators
// can reconstruct what the daemon did and why.
package audit

import (
	"log/slog"

	"github.com/wrenholt/rookery/internal/store"
)

// Recorder writes audit events scoped to a single component.
// A nil Recorder and a Recorder with a nil store both discard events,
// so callers never need to guard their Record calls.
type Recorder struct {
	store     *store.Store
	component string
	log       *slog.Logger
}

// NewRecorder creates a recorder for the given component name.
func NewRecorder(s *store.Store, component string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		store:     s,
		component: component,
		log:       log.With("component", "audit"),
	}
}

// Record writes one event. Failures are logged, never propagated;
// audit must not block or fail the action it describes.
func (r *Recorder) Record(kind, node, detail string) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.AppendEvent(r.component, kind, node, detail); err != nil {
		r.log.Warn("failed to record audit event",
			"source", r.component,
			"kind", kind,
			"node", node,
			"error", err)
	}
}
