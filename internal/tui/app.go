// Package tui provides the live terminal dashboard for the rookery daemon.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const refreshInterval = 2 * time.Second

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	columnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	mutedTextStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	cyanTextStyle = lipgloss.NewStyle().
			Foreground(cyanColor)
)

const (
	tabNodes = iota
	tabPlacements
	tabFleet
	tabChains
	tabEvents
)

var tabNames = []string{"Nodes", "Placements", "Fleet", "Chains", "Events"}

// App is the dashboard application.
type App struct {
	client *Client
	width  int
	height int
	tab    int

	status     *StatusView
	nodes      []NodeView
	placements []PlacementView
	fleet      *FleetView
	chains     []ChainView
	runs       []ChainRunView
	events     []EventView

	eventsView   viewport.Model
	spin         spinner.Model
	loading      bool
	daemonOnline bool
	message      string
}

// New creates a dashboard that polls the control plane at apiAddr.
func New(apiAddr string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		client:     NewClient(apiAddr),
		eventsView: viewport.New(80, 20),
		spin:       sp,
		loading:    true,
	}
}

// Run starts the dashboard and blocks until the user quits.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.fetchSnapshot())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "tab", "l", "right":
			a.tab = (a.tab + 1) % len(tabNames)

		case "shift+tab", "h", "left":
			a.tab = (a.tab + len(tabNames) - 1) % len(tabNames)

		case "r":
			a.loading = true
			return a, a.fetchSnapshot()

		case "up", "k":
			if a.tab == tabEvents {
				a.eventsView.LineUp(1)
			}

		case "down", "j":
			if a.tab == tabEvents {
				a.eventsView.LineDown(1)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.eventsView.Width = max(msg.Width-4, 20)
		a.eventsView.Height = max(a.contentHeight()-1, 5)

	case snapshotMsg:
		a.loading = false
		a.daemonOnline = true
		a.message = ""
		a.status = msg.status
		a.nodes = msg.nodes
		a.placements = msg.placements
		a.fleet = msg.fleet
		a.chains = msg.chains
		a.runs = msg.runs
		a.events = msg.events
		a.eventsView.SetContent(a.renderEventLines())
		// Schedule the next tick only after the current fetch is complete.
		return a, tickCmd()

	case errMsg:
		a.loading = false
		a.daemonOnline = false
		a.message = "Error: " + msg.err.Error()
		// Keep polling so the dashboard recovers when the daemon comes back.
		return a, tickCmd()

	case tickMsg:
		return a, a.fetchSnapshot()

	default:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader())
	b.WriteString("\n")
	b.WriteString(a.renderTabBar())
	b.WriteString("\n\n")

	switch a.tab {
	case tabNodes:
		b.WriteString(a.renderNodesPanel())
	case tabPlacements:
		b.WriteString(a.renderPlacementsPanel())
	case tabFleet:
		b.WriteString(a.renderFleetPanel())
	case tabChains:
		b.WriteString(a.renderChainsPanel())
	case tabEvents:
		b.WriteString(a.eventsView.View())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if a.message != "" {
		b.WriteString(errorTextStyle.Render(a.message))
		b.WriteString("\n")
	}
	b.WriteString(a.renderStatusBar())

	return b.String()
}

func (a *App) renderHeader() string {
	daemon := onlineStyle.Render("● daemon")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ daemon")
	}

	header := titleStyle.Render("rookery") + "  " + daemon
	if a.status != nil {
		header += "  " + mutedTextStyle.Render("v"+a.status.Version)
		header += "  " + cyanTextStyle.Render(fmt.Sprintf("%d nodes seen", a.status.ScanSize))
		if a.status.ActivePlacements > 0 {
			header += "  " + onlineStyle.Render(fmt.Sprintf("%d live", a.status.ActivePlacements))
		}
	}
	if a.loading {
		header += "  " + a.spin.View()
	}
	return header
}

func (a *App) renderTabBar() string {
	tabs := make([]string, 0, len(tabNames))
	for i, name := range tabNames {
		if i == a.tab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a *App) renderNodesPanel() string {
	if len(a.nodes) == 0 {
		return mutedTextStyle.Render("  No nodes yet. The sweeper populates this as the network is scanned.") + "\n"
	}

	var b strings.Builder
	b.WriteString(columnStyle.Render(fmt.Sprintf("  %-20s %-10s %-28s %-12s %s", "NODE", "KIND", "CAPACITY", "ACCESS", "FREE")))
	b.WriteString("\n")

	limit := a.contentHeight()
	for i, n := range a.nodes {
		if i >= limit {
			b.WriteString(mutedTextStyle.Render(fmt.Sprintf("  ... and %d more", len(a.nodes)-limit)))
			b.WriteString("\n")
			break
		}
		bar := capacityBar(n.Committed, n.Total, 16)
		b.WriteString(fmt.Sprintf("  %-20s %-10s %s %-12s %s\n",
			truncate(n.ID, 20), n.Kind, bar, accessBadge(n.Access), formatGB(n.Free)))
	}
	return b.String()
}

func (a *App) renderPlacementsPanel() string {
	if len(a.placements) == 0 {
		return mutedTextStyle.Render("  No placements yet.") + "\n"
	}

	var b strings.Builder
	b.WriteString(columnStyle.Render(fmt.Sprintf("  %-10s %-16s %-18s %-16s %4s %8s %-12s %s", "ID", "NODE", "SCRIPT", "TARGET", "THR", "MEM", "STATUS", "LAUNCHED")))
	b.WriteString("\n")

	limit := a.contentHeight()
	for i, p := range a.placements {
		if i >= limit {
			b.WriteString(mutedTextStyle.Render(fmt.Sprintf("  ... and %d more", len(a.placements)-limit)))
			b.WriteString("\n")
			break
		}
		b.WriteString(fmt.Sprintf("  %-10s %-16s %-18s %-16s %4d %8s %s %s\n",
			truncate(p.ID, 10), truncate(p.Node, 16), truncate(p.Script, 18), truncate(p.Target, 16),
			p.Threads, formatGB(p.Mem), placementBadge(p.Status), p.Launched))
	}
	return b.String()
}

func (a *App) renderFleetPanel() string {
	if a.fleet == nil || !a.fleet.Enabled {
		return mutedTextStyle.Render("  Fleet manager is disabled. Enable it in the config to buy and upgrade nodes.") + "\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("  Fleet: %s\n\n", cyanTextStyle.Render(fmt.Sprintf("%d / %d nodes", a.fleet.Size, a.fleet.MaxNodes))))

	if len(a.fleet.Nodes) == 0 {
		b.WriteString(mutedTextStyle.Render("  No nodes purchased yet."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(columnStyle.Render(fmt.Sprintf("  %-20s %10s %s", "NODE", "CAPACITY", "BOUGHT")))
	b.WriteString("\n")
	for _, n := range a.fleet.Nodes {
		b.WriteString(fmt.Sprintf("  %-20s %10s %s\n", truncate(n.Name, 20), formatGB(n.Capacity), n.BoughtAt))
	}
	return b.String()
}

func (a *App) renderChainsPanel() string {
	var b strings.Builder

	if len(a.chains) == 0 {
		b.WriteString(mutedTextStyle.Render("  No chains defined."))
		b.WriteString("\n")
	} else {
		b.WriteString(columnStyle.Render("  CHAINS"))
		b.WriteString("\n")
		for _, c := range a.chains {
			b.WriteString(fmt.Sprintf("  %-16s %s\n", c.Name, mutedTextStyle.Render(strings.Join(c.Stages, " > "))))
		}
	}

	b.WriteString("\n")
	b.WriteString(columnStyle.Render("  RECENT RUNS"))
	b.WriteString("\n")
	if len(a.runs) == 0 {
		b.WriteString(mutedTextStyle.Render("  No runs yet."))
		b.WriteString("\n")
		return b.String()
	}

	for _, r := range a.runs {
		progress := fmt.Sprintf("stage %d/%d", r.Stage, r.StageCount)
		line := fmt.Sprintf("  %s %-10s %-16s %-10s %s", runBadge(r.Status), truncate(r.ID, 10), r.Chain, progress, mutedTextStyle.Render(truncate(r.Detail, 48)))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (a *App) renderEventLines() string {
	if len(a.events) == 0 {
		return mutedTextStyle.Render("  No events recorded yet.")
	}

	var b strings.Builder
	for _, e := range a.events {
		node := e.Node
		if node == "" {
			node = "-"
		}
		b.WriteString(fmt.Sprintf("  %s  %-10s %-14s %-16s %s\n",
			mutedTextStyle.Render(e.Time), e.Component, cyanTextStyle.Render(e.Kind), truncate(node, 16), e.Detail))
	}
	return b.String()
}

func (a *App) renderStatusBar() string {
	var left string
	if a.status != nil {
		queued := a.status.Queue["pending"]
		left = fmt.Sprintf("free %s of %s | %d queued | %d live", formatGB(a.status.Total-a.status.Committed), formatGB(a.status.Total), queued, a.status.ActivePlacements)
	} else {
		left = "waiting for daemon"
	}
	help := helpStyle.Render("tab/h/l: switch | j/k: scroll | r: refresh | q: quit")
	return statusBarStyle.Render(left) + " " + help
}

// contentHeight is the number of rows available for the active panel.
func (a *App) contentHeight() int {
	h := a.height - 8
	if h < 5 {
		return 5
	}
	return h
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		healthy, err := a.client.CheckHealth()
		if err != nil {
			return errMsg{err}
		}
		if !healthy {
			return errMsg{fmt.Errorf("daemon is reachable but unhealthy")}
		}
		status, err := a.client.Status()
		if err != nil {
			return errMsg{err}
		}
		nodes, err := a.client.Nodes()
		if err != nil {
			return errMsg{err}
		}
		placements, err := a.client.Placements()
		if err != nil {
			return errMsg{err}
		}
		fleet, err := a.client.Fleet()
		if err != nil {
			return errMsg{err}
		}
		chains, err := a.client.Chains()
		if err != nil {
			return errMsg{err}
		}
		runs, err := a.client.ChainRuns(20)
		if err != nil {
			return errMsg{err}
		}
		events, err := a.client.Events(200)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{
			status:     status,
			nodes:      nodes,
			placements: placements,
			fleet:      fleet,
			chains:     chains,
			runs:       runs,
			events:     events,
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// capacityBar renders committed/total as a fixed-width utilization bar.
func capacityBar(committed, total float64, width int) string {
	if total <= 0 {
		return mutedTextStyle.Render(strings.Repeat("░", width) + "   0/0    ")
	}
	frac := committed / total
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * float64(width))

	style := onlineStyle
	switch {
	case frac >= 0.9:
		style = errorTextStyle
	case frac >= 0.7:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}

	bar := style.Render(strings.Repeat("█", filled)) + mutedTextStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %9s", bar, fmt.Sprintf("%.0f/%.0f", committed, total))
}

func accessBadge(state string) string {
	switch state {
	case "authorized":
		return onlineStyle.Render("● open")
	case "locked":
		return errorTextStyle.Render("✗ locked")
	default:
		return mutedTextStyle.Render("○ unknown")
	}
}

func placementBadge(status string) string {
	switch status {
	case "live":
		return onlineStyle.Render("● live       ")
	case "exited":
		return mutedTextStyle.Render("○ exited     ")
	case "invalidated":
		return errorTextStyle.Render("✗ invalidated")
	default:
		return mutedTextStyle.Render(fmt.Sprintf("%-13s", status))
	}
}

func runBadge(status string) string {
	switch status {
	case "running":
		return cyanTextStyle.Render("●")
	case "waiting":
		return lipgloss.NewStyle().Foreground(warningColor).Render("◌")
	case "completed":
		return onlineStyle.Render("✓")
	case "failed":
		return errorTextStyle.Render("✗")
	default:
		return mutedTextStyle.Render("○")
	}
}

func formatGB(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%.0fGB", v)
	}
	return fmt.Sprintf("%.2fGB", v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Messages

type snapshotMsg struct {
	status     *StatusView
	nodes      []NodeView
	placements []PlacementView
	fleet      *FleetView
	chains     []ChainView
	runs       []ChainRunView
	events     []EventView
}

type errMsg struct{ err error }

type tickMsg time.Time
