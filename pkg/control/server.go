package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nodepool/gpusched/pkg/observability"
	"github.com/nodepool/gpusched/pkg/registry"
)

// Server bundles the Registry and its observability collaborators
// behind the HTTP route table of SPEC_FULL.md §6, grounded on the
// teacher's pkg/observability/web_dashboard.go router assembly
// (mux.NewRouter + PathPrefix subrouters + Methods filters).
type Server struct {
	reg     *registry.Registry
	hub     *observability.Hub
	metrics *observability.Metrics
	logs    *MapLogBinding
	tracer  *observability.TracingService
	logger  *logrus.Entry
	router  *mux.Router
	http    *http.Server
}

// Deps bundles Server's collaborators; Metrics, Hub, and Tracer may be
// nil, in which case /metrics, the websocket route, and HTTP tracing
// spans are simply not wired.
type Deps struct {
	Registry *registry.Registry
	Hub      *observability.Hub
	Metrics  *observability.Metrics
	Logs     *MapLogBinding
	Tracer   *observability.TracingService
	Logger   *logrus.Entry
}

// NewServer builds a Server listening on addr with the SPEC_FULL.md §6
// route table mounted.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		reg:     deps.Registry,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logs:    deps.Logs,
		tracer:  deps.Tracer,
		logger:  logger,
	}

	s.router = mux.NewRouter()
	s.setupRoutes()

	handler := http.Handler(s.router)
	if s.tracer != nil {
		handler = s.tracer.HTTPMiddleware()(handler)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/v1/schedulers", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/schedulers", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/schedulers/{mode}/{config_index}", s.handleStop).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/schedulers/{mode}/{config_index}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/schedulers/{mode}/{config_index}/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/logs/{mode}/{config_index}/{queue_id}/{process_index}", s.handleLogTail).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// ListenAndServe blocks serving HTTP until ctx is canceled, then shuts
// the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("control plane listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
