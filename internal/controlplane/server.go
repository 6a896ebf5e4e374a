package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wrenholt/rookery/internal/fleet"
	"github.com/wrenholt/rookery/internal/models"
	"github.com/wrenholt/rookery/internal/store"
	"github.com/wrenholt/rookery/internal/update"
)

// Server provides the HTTP API for the rookery daemon.
type Server struct {
	service *Service
	store   *store.Store
	addr    string
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		service: service,
		store:   st,
		addr:    addr,
		log:     log.With("component", "api"),
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/nodes/", s.handleNodeByID)

	mux.HandleFunc("/workloads", s.handleWorkloads)
	mux.HandleFunc("/workloads/", s.handleWorkloadByID)
	mux.HandleFunc("/placements", s.handlePlacements)

	mux.HandleFunc("/fleet", s.handleFleet)
	mux.HandleFunc("/fleet/buy", s.handleFleetBuy)

	mux.HandleFunc("/chains", s.handleChains)
	mux.HandleFunc("/chains/", s.handleChainAction)

	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("control plane listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: update.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
	}

	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sum, err := s.service.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleNodes handles GET /nodes
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Nodes())
}

// handleNodeByID handles GET /nodes/{id}
func (s *Server) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/nodes/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "node id required", http.StatusBadRequest)
		return
	}

	node := s.service.Node(id)
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleWorkloads handles POST /workloads and GET /workloads
func (s *Server) handleWorkloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createWorkload(w, r)
	case http.MethodGet:
		s.listWorkloads(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type submitWorkloadRequest struct {
	Script  string   `json:"script"`
	Target  string   `json:"target"`
	Threads int      `json:"threads"`
	Args    []string `json:"args"`
}

func (s *Server) createWorkload(w http.ResponseWriter, r *http.Request) {
	var req submitWorkloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Script == "" || req.Target == "" {
		http.Error(w, "script and target are required", http.StatusBadRequest)
		return
	}
	if req.Threads < 1 {
		req.Threads = 1
	}

	wl, err := s.service.SubmitWorkload(req.Script, req.Target, req.Threads, req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, wl)
}

func (s *Server) listWorkloads(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	workloads, err := s.service.Workloads(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if workloads == nil {
		workloads = []models.Workload{}
	}
	writeJSON(w, http.StatusOK, workloads)
}

// handleWorkloadByID handles GET /workloads/{id}
func (s *Server) handleWorkloadByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/workloads/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "workload id required", http.StatusBadRequest)
		return
	}

	wl, err := s.service.Workload(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wl == nil {
		http.Error(w, "workload not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// handlePlacements handles GET /placements
func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := r.URL.Query().Get("status")
	placements, err := s.service.Placements(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if placements == nil {
		placements = []models.Placement{}
	}
	writeJSON(w, http.StatusOK, placements)
}

// handleFleet handles GET /fleet
func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.FleetEntries())
}

type buyNodeRequest struct {
	Capacity float64 `json:"capacity"`
}

// handleFleetBuy handles POST /fleet/buy
func (s *Server) handleFleetBuy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req buyNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Capacity <= 0 {
		http.Error(w, "capacity must be positive", http.StatusBadRequest)
		return
	}

	entry, err := s.service.BuyNode(r.Context(), req.Capacity)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, fleet.ErrTierCeiling):
			status = http.StatusBadRequest
		case errors.Is(err, ErrFleetDisabled), errors.Is(err, fleet.ErrFleetFull), errors.Is(err, fleet.ErrInsufficientFunds):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleChains handles GET /chains
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Chains())
}

// handleChainAction handles GET /chains/runs and POST /chains/{name}/run
func (s *Server) handleChainAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/chains/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "chain name required", http.StatusBadRequest)
		return
	}

	switch {
	case parts[0] == "runs" && len(parts) == 1 && r.Method == http.MethodGet:
		s.listChainRuns(w, r)
	case len(parts) == 2 && parts[1] == "run" && r.Method == http.MethodPost:
		s.runChain(w, r, parts[0])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) listChainRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	runs, err := s.service.ChainRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.ChainRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) runChain(w http.ResponseWriter, r *http.Request, name string) {
	run, err := s.service.RunChain(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrChainUnknown) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleEvents handles GET /events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	component := r.URL.Query().Get("component")
	limit := queryLimit(r, 50)
	events, err := s.service.Events(component, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
