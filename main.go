package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/metrics"
	"quantfeed/internal/status"
	"quantfeed/internal/stream"
	"quantfeed/logger"
	"quantfeed/models"
	"quantfeed/processor"
	"quantfeed/reader/upstox"
	"quantfeed/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	watchlistPath := flag.String("watchlist", "", "Path to watchlist file, overrides app.watchlist")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting quantfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	channels := channel.NewChannels(
		cfg.Channels.TickBuffer,
		cfg.Channels.BatchBuffer,
		cfg.Channels.PortfolioBuffer,
	)
	channels.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)
	metrics.StartChannelSizeMetrics(ctx, channels, cfg.Metrics.ReportInterval)

	api := upstox.NewAPI(cfg.Auth)
	token := cfg.Auth.AccessToken

	var (
		market    *upstox.MarketClient
		portfolio *upstox.PortfolioClient
		detach    []func()
		feeds     []status.Feed
	)

	if cfg.Feeds.Market.Enabled {
		market, err = upstox.NewMarketClient(cfg, api)
		if err != nil {
			log.WithError(err).Error("failed to create market feed client")
			os.Exit(1)
		}
		detach = append(detach, metrics.ObserveFeed(market), upstox.PipeMarket(ctx, market, channels.Market))
		feeds = append(feeds, market)

		watchlist := firstNonEmpty(*watchlistPath, cfg.App.Watchlist)
		if watchlist != "" {
			wl, err := config.LoadWatchlist(watchlist, cfg.Feeds.Market.DefaultMode)
			if err != nil {
				log.WithError(err).Error("failed to load watchlist")
				os.Exit(1)
			}
			if err := upstox.SubscribeWatchlist(market, wl); err != nil {
				log.WithError(err).Error("failed to register watchlist")
				os.Exit(1)
			}
			log.WithComponent("main").WithFields(logger.Fields{
				"path": watchlist,
				"keys": wl.Len(),
			}).Info("watchlist loaded")
		}
	}

	if cfg.Feeds.Portfolio.Enabled {
		portfolio = upstox.NewPortfolioClient(cfg, api)
		detach = append(detach, metrics.ObserveFeed(portfolio), upstox.PipePortfolio(ctx, portfolio, channels.Portfolio))
		feeds = append(feeds, portfolio)
	}

	tickProcessor := processor.NewTickProcessor(cfg, channels.Market)

	var (
		tickWriter  *writer.TickWriter
		kafkaWriter *writer.KafkaWriter
		sinks       []writer.BatchSink
	)
	if cfg.Storage.S3.Enabled {
		tickWriter, err = writer.NewTickWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		sinks = append(sinks, tickWriter)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping tick archive")
	}
	if cfg.Storage.Kafka.Enabled {
		var portfolioChan <-chan models.PortfolioUpdate
		if portfolio != nil {
			portfolioChan = channels.Portfolio.Updates
		}
		kafkaWriter, err = writer.NewKafkaWriter(cfg, portfolioChan)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		sinks = append(sinks, kafkaWriter)
	}
	fanout := writer.NewFanout(cfg, channels.Market.Norm, sinks...)

	deps := status.Deps{
		Feeds: feeds,
		MarketStatus: func(ctx context.Context, exchange string) (any, error) {
			return api.MarketStatus(ctx, token, exchange)
		},
	}
	if market != nil {
		deps.Market = market
		if mode, err := stream.ParseMode(cfg.Feeds.Market.DefaultMode); err == nil {
			deps.DefaultMode = mode
		}
	}
	statusServer, err := status.NewServer(cfg.Status, log, deps)
	if err != nil {
		log.WithError(err).Error("failed to create status api")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Prometheus {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr) })
	}
	if statusServer != nil {
		g.Go(func() error { return statusServer.Run(gctx) })
	}

	if err := tickProcessor.Start(ctx); err != nil {
		log.WithError(err).Error("tick processor failed to start")
		os.Exit(1)
	}
	if tickWriter != nil {
		if err := tickWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("s3 writer failed to start")
		}
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka writer failed to start")
		}
	}
	if err := fanout.Start(ctx); err != nil {
		log.WithError(err).Warn("batch fanout failed to start")
	}

	// a failed first connect is retried by the client itself
	if market != nil {
		if err := market.Connect(ctx, token); err != nil {
			log.WithComponent("main").WithError(err).Warn("market feed connect failed")
		}
	}
	if portfolio != nil {
		if err := portfolio.Connect(ctx, token); err != nil {
			log.WithComponent("main").WithError(err).Warn("portfolio feed connect failed")
		}
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.Warn("a server exited, shutting down")
	}

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("closing feed clients")
		if market != nil {
			market.Close()
		}
		if portfolio != nil {
			portfolio.Close()
		}
		for _, fn := range detach {
			fn()
		}

		cancel()

		log.Info("stopping tick processor")
		tickProcessor.Stop()
		channels.Close()

		log.Info("stopping batch fanout")
		fanout.Stop()
		if tickWriter != nil {
			log.Info("stopping S3 writer")
			tickWriter.Stop()
		}
		if kafkaWriter != nil {
			log.Info("stopping kafka writer")
			kafkaWriter.Stop()
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("server exited with error")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quantfeed stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
