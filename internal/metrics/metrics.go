package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Engine transitions
	UsernamesConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earn_usernames_confirmed_total",
			Help: "Total usernames locked for an identity",
		},
	)

	AccrualsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earn_accruals_started_total",
			Help: "Total 24h accrual periods started",
		},
	)

	OperationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earn_operations_rejected_total",
			Help: "Engine operations rejected by a precondition",
		},
		[]string{"operation", "reason"},
	)

	PeriodAmountFolded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earn_period_amount_folded_total",
			Help: "Units moved from finished periods into running totals",
		},
	)

	// Persistence metrics
	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earn_persistence_errors_total",
			Help: "Storage reads or writes that failed",
		},
		[]string{"op"},
	)

	CorruptRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earn_corrupt_records_total",
			Help: "Stored records discarded because they failed to decode",
		},
	)

	// API metrics
	SnapshotsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earn_snapshots_served_total",
			Help: "Accrual snapshots computed for a presentation layer",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "earn_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		UsernamesConfirmed,
		AccrualsStarted,
		OperationsRejected,
		PeriodAmountFolded,
		PersistenceErrors,
		CorruptRecords,
		SnapshotsServed,
		RequestDuration,
	)
}

// Server serves /metrics and /health.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a metrics server bound to addr on Start.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener makes Start serve on ln instead of binding Addr.
// Used with systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the listener and serves in the background.
// Bind errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
		}
		s.listener = ln
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
