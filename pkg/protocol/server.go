package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/syntor/agentmesh/pkg/logging"
	"github.com/syntor/agentmesh/pkg/models"
)

const maxBodyBytes = 4 << 20

// StatsFunc supplies the body of GET /a2a/stats.
type StatsFunc func() map[string]float64

// ServerConfig configures the A2A HTTP server.
type ServerConfig struct {
	Addr      string
	Validator TokenValidator // nil disables authentication
	RateLimit float64        // requests per second, 0 disables limiting
	Burst     int
	Stats     StatsFunc
}

// Server exposes a Dispatcher over the A2A wire contract.
type Server struct {
	config     ServerConfig
	dispatcher *Dispatcher
	router     chi.Router
	httpServer *http.Server
	logger     logging.Logger
}

// BatchRequest is the body of POST /a2a/batch.
type BatchRequest struct {
	Messages []*models.Message `json:"messages"`
}

// BatchResponse is the reply to POST /a2a/batch.
type BatchResponse struct {
	Responses []*models.Message `json:"responses"`
}

// HealthResponse is the body of GET /a2a/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	AgentID   string    `json:"agent_id"`
	Handlers  []string  `json:"handlers"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer builds the router. Extra routes may be mounted through Router before Start.
func NewServer(d *Dispatcher, config ServerConfig, logger logging.Logger) *Server {
	s := &Server{
		config:     config,
		dispatcher: d,
		router:     chi.NewRouter(),
		logger:     logging.OrNop(logger).With(logging.String("component", "a2a_server")),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(PathHealth, s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.config.RateLimit > 0 {
			r.Use(RateLimit(s.config.RateLimit, s.config.Burst))
		}
		if s.config.Validator != nil {
			r.Use(BearerAuth(s.config.Validator, s.logger))
		}
		r.Post(PathMessage, s.handleMessage)
		r.Post(PathBatch, s.handleBatch)
		r.Get(PathStats, s.handleStats)
	})
}

// Router exposes the chi router for additional endpoints such as /metrics.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP lets the server be used directly with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("a2a server listening", logging.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse(nil,
			models.NewRPCError(models.CodeParseError, "parse error")))
		return
	}

	resp := s.dispatcher.HandleMessage(r.Context(), &msg)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse(nil,
			models.NewRPCError(models.CodeParseError, "parse error")))
		return
	}

	out := BatchResponse{Responses: make([]*models.Message, 0, len(batch.Messages))}
	for _, msg := range batch.Messages {
		if msg == nil {
			continue
		}
		if resp := s.dispatcher.HandleMessage(r.Context(), msg); resp != nil {
			out.Responses = append(out.Responses, resp)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		AgentID:   s.dispatcher.agentID,
		Handlers:  s.dispatcher.Methods(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]float64{}
	if s.config.Stats != nil {
		stats = s.config.Stats()
	}
	ds := s.dispatcher.Stats()
	if _, ok := stats["messages_received"]; !ok {
		stats["messages_received"] = float64(ds.Received)
	}
	if _, ok := stats["errors"]; !ok {
		stats["errors"] = float64(ds.Errors)
	}
	writeJSON(w, http.StatusOK, stats)
}

// RateLimit rejects requests above limit per second with 429.
func RateLimit(limit float64, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = int(limit) + 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
