package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/presence/internal/presence"
	"github.com/rs/zerolog"
)

// Config holds HTTP API settings.
type Config struct {
	ListenAddr string
	// Secret guards the write routes. Empty disables the check.
	Secret string
}

// Server is the JSON HTTP API in front of the engine.
type Server struct {
	config   Config
	engine   *presence.Engine
	server   *http.Server
	router   *gin.Engine
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, engine *presence.Engine, logger zerolog.Logger) *Server {
	if logger.GetLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logger.With().Str("component", "api").Logger()
	if cfg.Secret == "" {
		logger.Warn().Msg("No secret configured, write routes are open")
	}

	// No default middleware; requests are logged as JSON by our own.
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		engine: engine,
		router: router,
		logger: logger,
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(LoggingMiddleware(s.logger))
	r.Use(MetricsMiddleware())
	r.Use(VisitMiddleware(s.engine))

	v := &views{engine: s.engine, logger: s.logger}

	// Public
	r.GET("/query", v.Query)
	r.GET("/none", v.None)
	r.GET("/device/history", v.History)
	r.GET("/device/usage", v.Usage)
	r.GET("/recent", v.Recent)
	r.GET("/device/heart/history", v.HeartHistory)
	r.GET("/stats/visits", v.Visits)

	// Secret required
	auth := r.Group("/")
	auth.Use(SecretMiddleware(s.config.Secret))
	{
		auth.GET("/set", v.SetStatus)
		auth.GET("/device/set", v.DeviceSet)
		auth.POST("/device/set", v.DeviceSet)
		auth.GET("/device/remove", v.DeviceRemove)
		auth.GET("/device/clear", v.DeviceClear)
		auth.GET("/device/private_mode", v.PrivateMode)
		auth.GET("/save_data", v.SaveData)
		auth.GET("/device/heart", v.HeartSet)
		auth.POST("/device/heart", v.HeartSet)
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts serving in the background.
func (s *Server) Start() error {
	go func() {
		s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
