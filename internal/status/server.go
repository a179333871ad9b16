// Package status serves the operational HTTP API of the daemon: health,
// feed state, runtime subscription management, exchange status and the
// recent metric, log and host resource history.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quantfeed/config"
	"quantfeed/internal/metrics"
	"quantfeed/internal/stream"
	"quantfeed/logger"
)

// Feed is the read-only view of one stream client.
type Feed interface {
	Name() string
	State() stream.State
	Subscriptions() map[stream.InstrumentKey]stream.Mode
	Retry() stream.RetryState
	Dropped() int64
}

// SubscriptionManager is a feed whose subscriptions can be changed.
type SubscriptionManager interface {
	Feed
	Subscribe(keys []stream.InstrumentKey, mode stream.Mode) error
	Unsubscribe(keys []stream.InstrumentKey) error
	ChangeMode(keys []stream.InstrumentKey, mode stream.Mode) error
}

// MarketStatusFunc looks up the trading status of an exchange.
type MarketStatusFunc func(ctx context.Context, exchange string) (any, error)

// Deps are the components the API reports on. Nil members disable the
// matching routes.
type Deps struct {
	Market       SubscriptionManager
	Feeds        []Feed
	MarketStatus MarketStatusFunc
	DefaultMode  stream.Mode
}

type Server struct {
	cfg             config.StatusConfig
	deps            Deps
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	unregister      func()
	resourceSampler *resourceSampler
	httpServer      *http.Server
	started         time.Time
}

// NewServer returns nil when the status API is disabled.
func NewServer(cfg config.StatusConfig, log *logger.Log, deps Deps) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.History <= 0 {
		cfg.History = 200
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if deps.DefaultMode == "" {
		deps.DefaultMode = stream.ModeFull
	}

	store := newMetricStore(cfg.History)
	logs := newLogStore(cfg.History)
	log.AddHook(logs)

	return &Server{
		cfg:             cfg,
		deps:            deps,
		log:             log,
		metricStore:     store,
		logStore:        logs,
		unregister:      metrics.RegisterMetricHandler(store.handle),
		resourceSampler: newResourceSampler(cfg.History, cfg.SampleInterval, "/", log),
		started:         time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("status").WithField("addr", s.cfg.Addr).Info("status api listening")

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
		return err
	}
}

func (s *Server) cleanup() {
	s.unregister()
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/feeds", s.handleFeeds)

	if s.deps.Market != nil {
		subs := router.Group("/feeds/market/subscriptions")
		subs.GET("", s.handleListSubscriptions)
		subs.POST("", s.handleSubscribe)
		subs.DELETE("", s.handleUnsubscribe)
		subs.PUT("/mode", s.handleChangeMode)
	}
	if s.deps.MarketStatus != nil {
		router.GET("/market/status/:exchange", s.handleMarketStatus)
	}

	api := router.Group("/api")
	api.GET("/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
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

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
