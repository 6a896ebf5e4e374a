// Package metrics holds the Prometheus collectors shared by the control
// loops. They register on the default registry and are served by the
// control plane's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations counts ledger reservation attempts by outcome
	// (granted, declined).
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_ledger_reservations_total",
		Help: "Capacity ledger reservation attempts by outcome.",
	}, []string{"outcome"})

	// ScheduleOutcomes counts scheduler entry-point results
	// (placed, declined, launch_failed).
	ScheduleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_schedule_outcomes_total",
		Help: "Scheduler decisions by outcome.",
	}, []string{"outcome"})

	// PlacementsActive tracks currently live placements.
	PlacementsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rookery_placements_active",
		Help: "Placements currently backed by a live process.",
	})

	// FleetNodes tracks the purchased fleet size.
	FleetNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rookery_fleet_nodes",
		Help: "Purchased nodes currently owned.",
	})

	// FleetSpend accumulates funds spent on purchases and upgrades.
	FleetSpend = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rookery_fleet_spend_total",
		Help: "Total funds spent by the fleet manager.",
	})

	// FleetActions counts fleet mutations (purchase, upgrade).
	FleetActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_fleet_actions_total",
		Help: "Fleet manager actions by kind.",
	}, []string{"action"})

	// ChainStages counts chain stage events (launched, retried, completed).
	ChainStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_chain_stage_events_total",
		Help: "Chain sequencer stage events by kind.",
	}, []string{"event"})

	// ScanNodes tracks the size of the last topology scan.
	ScanNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rookery_scan_nodes",
		Help: "Nodes discovered by the most recent topology sweep.",
	})

	// NodesAuthorized tracks how many discovered nodes are authorized.
	NodesAuthorized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rookery_nodes_authorized",
		Help: "Discovered nodes currently in the authorized state.",
	})
)
