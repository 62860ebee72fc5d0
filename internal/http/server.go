package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/metricstate"
	"raftmetrics/pkg/replica"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iNode interface {
	Record(ctx context.Context, name string, value float64) error
	Delete(ctx context.Context, name string) error
	Get(name string) (float64, bool)
	GetAggregate(name string) (metricstate.Aggregate, bool)
	Totals() (count uint64, sum, average float64)

	ShardFor(name string) int
	IsLeader(shard int) bool
	LeaderAddr(shard int) (string, bool)
	Step(ctx context.Context, shard int, msg raftpb.Message) error
}

// Server exposes the metrics node over HTTP: the public metrics API, the
// raft peer endpoint, health and observability.
type Server struct {
	node           iNode
	metricsHandler http.Handler
	logger         *slog.Logger
	httpServer     *http.Server
	URL            string
	addr           string
}

// NewServer creates a new server instance. metricsHandler serves GET
// /metrics and may be nil when scraping is disabled.
func NewServer(node iNode, port string, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:           node,
		metricsHandler: metricsHandler,
		logger:         logger,
		URL:            "http://localhost:" + port,
		addr:           ":" + port,
	}
}

// Start runs the HTTP listener in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Get("/metrics", s.metricsHandler.ServeHTTP)
	}

	r.Put("/api/metrics", s.handleRecord)
	r.Get("/api/metrics/{name}", s.handleGet)
	r.Get("/api/metrics/{name}/aggregate", s.handleAggregate)
	r.Delete("/api/metrics/{name}", s.handleDelete)
	r.Get("/api/aggregate", s.handleTotals)

	r.Post("/api/internal/raft/{shard}", s.handleRaft)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// redirectLeader sends the client to the leader of the metric's shard when
// this node is a follower. With the leader unknown the request is handled
// locally and fails with a retryable error instead.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request, shard int) bool {
	if s.node.IsLeader(shard) {
		return false
	}
	leaderAddr, ok := s.node.LeaderAddr(shard)
	if !ok || leaderAddr == s.URL {
		return false
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.logger.Error("Failed to build leader URL", "leader", leaderAddr, "error", err)
		return false
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replica.ErrNotLeader):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("not the shard leader"))
	case errors.Is(err, replica.ErrProposalQueueFull):
		s.writeJSON(w, http.StatusTooManyRequests, NewErrorResponse("proposal queue is full"))
	case errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, NewErrorResponse("timed out waiting for commit"))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type recordRequest struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse request body"))
		return
	}
	if req.Name == "" || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing name or value"))
		return
	}

	if s.redirectLeader(w, r, s.node.ShardFor(req.Name)) {
		return
	}

	if err := s.node.Record(r.Context(), req.Name, *req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	value, found := s.node.Get(name)
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Metric not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, ValueResponse{Name: name, Value: value})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	agg, found := s.node.GetAggregate(name)
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Metric not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, AggregateResponse{Name: name, Aggregate: agg})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing name"))
		return
	}

	if s.redirectLeader(w, r, s.node.ShardFor(name)) {
		return
	}

	if err := s.node.Delete(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	count, sum, average := s.node.Totals()
	s.writeJSON(w, http.StatusOK, TotalsResponse{Count: count, Sum: sum, Average: average})
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	shard, err := strconv.Atoi(chi.URLParam(r, "shard"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid shard"))
		return
	}

	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Step(r.Context(), shard, msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
