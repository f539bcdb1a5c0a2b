// Package api exposes the engine's HTTP surface: signal ingestion, health
// probes, venue queries, the trading config tree and prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/aggregator"
	"petrosa-tradeengine/internal/dispatcher"
	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/tradingconfig"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server is the engine's HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	agg     *aggregator.Aggregator
	disp    *dispatcher.Dispatcher
	client  exchange.Client
	manager *position.Manager
	tracker *position.Tracker
	pairs   *oco.Manager
	cfg     *tradingconfig.Service
	metrics *metrics.Metrics

	ready func() bool
}

// NewServer builds the router. ready reports whether the engine finished
// startup (hedge check, rehydration); /ready reflects it.
func NewServer(config ServerConfig, agg *aggregator.Aggregator, disp *dispatcher.Dispatcher,
	client exchange.Client, manager *position.Manager, tracker *position.Tracker,
	pairs *oco.Manager, cfg *tradingconfig.Service, m *metrics.Metrics,
	ready func() bool, logger zerolog.Logger) *Server {

	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:  router,
		logger:  logger.With().Str("component", "APIServer").Logger(),
		agg:     agg,
		disp:    disp,
		client:  client,
		manager: manager,
		tracker: tracker,
		pairs:   pairs,
		cfg:     cfg,
		metrics: m,
		ready:   ready,
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/live", s.handleLive)

	s.router.POST("/trade", s.handleTrade)

	s.router.GET("/account", s.handleAccount)
	s.router.GET("/price/:symbol", s.handlePrice)
	s.router.GET("/order/:symbol/:order_id", s.handleQueryOrder)
	s.router.DELETE("/order/:symbol/:order_id", s.handleCancelOrder)

	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/positions/strategy/:strategy_id", s.handleStrategyPositions)
	s.router.POST("/positions/:id/close", s.handleClosePosition)
	s.router.GET("/oco/pairs", s.handleOCOPairs)

	cfg := s.router.Group("/api/v1/config/trading")
	{
		cfg.GET("", s.handleGetConfig)
		cfg.GET("/:symbol", s.handleGetConfig)
		cfg.GET("/:symbol/:side", s.handleGetConfig)
		cfg.POST("", s.handleSetConfig)
		cfg.POST("/:symbol", s.handleSetConfig)
		cfg.POST("/:symbol/:side", s.handleSetConfig)
		cfg.DELETE("/:symbol", s.handleDeleteConfig)
		cfg.DELETE("/:symbol/:side", s.handleDeleteConfig)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
