package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appconfig "github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/logger"
	"github.com/aldric144/ghostquant-crypto-sub006/reader/binance"
	"github.com/aldric144/ghostquant-crypto-sub006/writer"
)

// Broker reports publisher connectivity and counters.
type Broker interface {
	IsHealthy(ctx context.Context) bool
	Stats() writer.PublisherStats
}

// Ingest reports websocket reader state.
type Ingest interface {
	ActiveConnections() int64
	GetStats() binance.Stats
}

// PairSource exposes the current pair working set.
type PairSource interface {
	GetPairs() []string
}

// Server hosts the Gin-powered health and stats surface for the trade feed.
type Server struct {
	cfg        appconfig.HealthConfig
	log        *logger.Log
	broker     Broker
	ingest     Ingest
	pairs      PairSource
	instanceID string
	httpServer *http.Server
}

// NewServer constructs a health server when the surface is enabled. When it
// is disabled the returned server will be nil and Run becomes a no-op.
func NewServer(cfg appconfig.HealthConfig, broker Broker, ingest Ingest, pairs PairSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:        cfg,
		log:        logger.GetLogger(),
		broker:     broker,
		ingest:     ingest,
		pairs:      pairs,
		instanceID: uuid.NewString(),
	}, nil
}

// Run starts the health HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("health_server").WithFields(logger.Fields{
		"address":     s.cfg.Address,
		"instance_id": s.instanceID,
	}).Info("health server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the health server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/pairs", s.handlePairs)

	return router, nil
}

// unhealthyReason walks readiness conditions in dependency order and returns
// the first failure, or empty when the feed is serving.
func (s *Server) unhealthyReason(ctx context.Context) string {
	if s.broker == nil {
		return "publisher not initialized"
	}
	if !s.broker.IsHealthy(ctx) {
		return "broker not connected"
	}
	if s.ingest == nil || s.ingest.ActiveConnections() == 0 {
		return "no active websocket connections"
	}
	return ""
}

func (s *Server) handleHealth(c *gin.Context) {
	if reason := s.unhealthyReason(c.Request.Context()); reason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": reason,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                "healthy",
		"broker":                "connected",
		"websocket_connections": s.ingest.ActiveConnections(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	payload := gin.H{"instance_id": s.instanceID}

	if s.broker != nil {
		payload["publisher"] = s.broker.Stats()
	} else {
		payload["publisher"] = writer.PublisherStats{}
	}

	if s.ingest != nil {
		payload["ingest"] = s.ingest.GetStats()
	} else {
		payload["ingest"] = binance.Stats{}
	}

	pairs := s.currentPairs()
	sample := pairs
	if len(sample) > 10 {
		sample = sample[:10]
	}
	payload["pairs_count"] = len(pairs)
	payload["pairs_sample"] = sample

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handlePairs(c *gin.Context) {
	pairs := s.currentPairs()
	c.JSON(http.StatusOK, gin.H{
		"count": len(pairs),
		"pairs": pairs,
	})
}

func (s *Server) currentPairs() []string {
	if s.pairs == nil {
		return []string{}
	}
	if pairs := s.pairs.GetPairs(); pairs != nil {
		return pairs
	}
	return []string{}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
