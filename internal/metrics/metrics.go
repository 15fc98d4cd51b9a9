package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ingestion metrics
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_events_ingested_total",
			Help: "Total app usage events ingested",
		},
		[]string{"device", "using"},
	)

	HeartSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_heart_samples_total",
			Help: "Total heart-rate samples recorded",
		},
		[]string{"device", "source"},
	)

	// Storage metrics
	StoreSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_store_saves_total",
			Help: "Document saves by backend and result",
		},
		[]string{"backend", "result"},
	)

	StoreLoadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_store_load_attempts_total",
			Help: "Document load attempts by result",
		},
		[]string{"result"},
	)

	// Maintenance metrics
	MaintenanceTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_maintenance_ticks_total",
			Help: "Maintenance ticks by result",
		},
		[]string{"result"},
	)

	OfflineDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_offline_devices",
			Help: "Number of devices currently marked offline",
		},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presence_query_duration_seconds",
			Help:    "Usage query duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsIngested,
		HeartSamples,
		StoreSaves,
		StoreLoadAttempts,
		MaintenanceTicks,
		OfflineDevices,
		QueryDuration,
		RequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
