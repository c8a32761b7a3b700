// Command proxy runs one worker of the IPTV stream proxy: it serves the
// HTTP streaming and control-plane surface, owns whichever channels it
// wins ownership of through the coordination store, and follows the rest.
//
// Grounded on ws/main.go: flag parsing for a debug override, a bootstrap
// logger before structured logging is available, automaxprocs, config
// load, component construction, then block on a signal for graceful
// shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/adred/iptv-proxy/internal/adminfeed"
	"github.com/adred/iptv-proxy/internal/catalog"
	"github.com/adred/iptv-proxy/internal/config"
	"github.com/adred/iptv-proxy/internal/eventbus"
	"github.com/adred/iptv-proxy/internal/httpapi"
	"github.com/adred/iptv-proxy/internal/kv"
	"github.com/adred/iptv-proxy/internal/metrics"
	"github.com/adred/iptv-proxy/internal/model"
	"github.com/adred/iptv-proxy/internal/stream"
	"github.com/adred/iptv-proxy/internal/workerpool"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrapLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		bootstrapLogger.Info().Msgf(format, args...)
	})); err != nil {
		bootstrapLogger.Warn().Err(err).Msg("failed to set GOMAXPROCS")
	}

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := buildLogger(cfg)
	cfg.LogConfig(logger)

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	store, err := kv.NewRedisStore(kv.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to coordination store")
	}
	defer store.Close()

	bus, err := eventbus.NewBus(eventbus.Config{
		URL:             cfg.NATSURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to event bus")
	}
	defer bus.Close()

	m := metrics.New()
	cat := catalog.NewKVCatalog(store)
	core := stream.NewCore(cfg, store, bus, m, workerID, logger)

	pool := workerpool.New(4, 256, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	scheduleSystemMetrics(ctx, pool, m)

	feed := adminfeed.NewHub(logger)
	go feed.Run()
	if err := bus.SubscribeAll(func(ev model.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		feed.BroadcastMessage(data)
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to subscribe admin feed to event bus")
	}

	server := httpapi.New(cfg, core, cat, m, feed, workerID, logger)

	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("core shutdown error")
	}
	feed.Shutdown()
	cancel()
	pool.Stop()

	logger.Info().Msg("shutdown complete")
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("environment", cfg.Environment).Logger()
}

// scheduleSystemMetrics submits a CPU/memory sampling task to the worker
// pool every 15 seconds, rather than spawning a dedicated goroutine for a
// task that tolerates being dropped under load.
func scheduleSystemMetrics(ctx context.Context, pool *workerpool.Pool, m *metrics.Metrics) {
	sys := metrics.NewSystemMetrics()
	ticker := time.NewTicker(15 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Submit(func() {
					sys.Update()
					m.SetMemoryMB(sys.GetMemoryMB())
					m.SetCPUPercent(sys.GetCPUPercent())
				})
			}
		}
	}()
}
