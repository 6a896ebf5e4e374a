package simenv

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// World is the declarative description of a simulated host environment:
// the node graph, the worker script catalog, and the operator's starting
// position. Worlds load from YAML or come from DefaultWorld.
type World struct {
	Root      string        `yaml:"root"`
	Skill     int           `yaml:"skill"`
	Funds     float64       `yaml:"funds"`
	FundsRate float64       `yaml:"funds_rate"` // accrual per second
	Scripts   []WorldScript `yaml:"scripts"`
	Nodes     []WorldNode   `yaml:"nodes"`
}

// WorldScript is one catalog entry: a worker script with its per-thread
// memory cost and how long a launched instance runs before exiting.
type WorldScript struct {
	ID          string  `yaml:"id"`
	Mem         float64 `yaml:"mem"`
	DurationSec float64 `yaml:"duration_sec"`
}

// Duration returns the script's run time.
func (s WorldScript) Duration() time.Duration {
	return time.Duration(s.DurationSec * float64(time.Second))
}

// WorldNode is one node in the simulated topology.
type WorldNode struct {
	ID        string   `yaml:"id"`
	Capacity  float64  `yaml:"capacity"`
	Level     int      `yaml:"level"`
	Ports     int      `yaml:"ports"`
	Neighbors []string `yaml:"neighbors"`
}

// LoadWorld reads a world definition from a YAML file.
func LoadWorld(path string) (World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return World{}, fmt.Errorf("read world file: %w", err)
	}
	var w World
	if err := yaml.Unmarshal(data, &w); err != nil {
		return World{}, fmt.Errorf("parse world file: %w", err)
	}
	w.applyDefaults()
	if err := w.validate(); err != nil {
		return World{}, fmt.Errorf("invalid world %s: %w", path, err)
	}
	return w, nil
}

func (w *World) applyDefaults() {
	if w.Root == "" {
		w.Root = "home"
	}
	if w.Skill <= 0 {
		w.Skill = 1
	}
	for i := range w.Scripts {
		if w.Scripts[i].DurationSec <= 0 {
			w.Scripts[i].DurationSec = 10
		}
	}
}

func (w *World) validate() error {
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node %q", n.ID)
		}
		if n.Capacity < 0 {
			return fmt.Errorf("node %q: negative capacity", n.ID)
		}
		seen[n.ID] = true
	}
	if !seen[w.Root] {
		return fmt.Errorf("root node %q not defined", w.Root)
	}
	for _, n := range w.Nodes {
		for _, nb := range n.Neighbors {
			if !seen[nb] {
				return fmt.Errorf("node %q: unknown neighbor %q", n.ID, nb)
			}
		}
	}
	for _, s := range w.Scripts {
		if s.ID == "" {
			return fmt.Errorf("script with empty id")
		}
		if s.Mem <= 0 {
			return fmt.Errorf("script %q: mem must be positive", s.ID)
		}
	}
	return nil
}

// DefaultWorld returns the built-in demo topology: a ten-node mesh with
// two cycles, rising access requirements, and a small script catalog.
func DefaultWorld() World {
	return World{
		Root:      "home",
		Skill:     250,
		Funds:     200_000,
		FundsRate: 500,
		Scripts: []WorldScript{
			{ID: "probe", Mem: 1.0, DurationSec: 4},
			{ID: "soften", Mem: 1.75, DurationSec: 20},
			{ID: "swell", Mem: 1.75, DurationSec: 16},
			{ID: "harvest", Mem: 2.0, DurationSec: 12},
		},
		Nodes: []WorldNode{
			{ID: "home", Capacity: 32, Neighbors: []string{"mintleaf", "copperline"}},
			{ID: "mintleaf", Capacity: 16, Level: 1, Ports: 0, Neighbors: []string{"home", "quarry"}},
			{ID: "copperline", Capacity: 16, Level: 25, Ports: 1, Neighbors: []string{"home", "ashgrid"}},
			{ID: "quarry", Capacity: 32, Level: 80, Ports: 1, Neighbors: []string{"mintleaf", "tollbooth"}},
			{ID: "ashgrid", Capacity: 32, Level: 150, Ports: 2, Neighbors: []string{"copperline", "tollbooth"}},
			{ID: "tollbooth", Capacity: 64, Level: 300, Ports: 2, Neighbors: []string{"quarry", "ashgrid", "silverflat"}},
			{ID: "silverflat", Capacity: 64, Level: 450, Ports: 3, Neighbors: []string{"tollbooth", "glasshouse", "catacomb"}},
			{ID: "glasshouse", Capacity: 128, Level: 600, Ports: 3, Neighbors: []string{"silverflat", "ironvault"}},
			{ID: "ironvault", Capacity: 128, Level: 750, Ports: 4, Neighbors: []string{"glasshouse", "catacomb"}},
			{ID: "catacomb", Capacity: 256, Level: 900, Ports: 5, Neighbors: []string{"ironvault", "silverflat"}},
		},
	}
}
