package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/numz/conversations-mj/internal/agent"
	"github.com/numz/conversations-mj/internal/cancel"
	"github.com/numz/conversations-mj/internal/config"
	"github.com/numz/conversations-mj/internal/httpserver"
	"github.com/numz/conversations-mj/internal/ledger"
	ledgerasync "github.com/numz/conversations-mj/internal/ledger/async"
	ledgerpg "github.com/numz/conversations-mj/internal/ledger/postgres"
	ledgersql "github.com/numz/conversations-mj/internal/ledger/sqlite"
	"github.com/numz/conversations-mj/internal/logging"
	"github.com/numz/conversations-mj/internal/sse"
	"github.com/numz/conversations-mj/internal/stopstore"
	"github.com/numz/conversations-mj/internal/stream"
	"github.com/numz/conversations-mj/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" && logTarget != "-" {
		rot, err := logging.NewWriter(logTarget, cfg.LogMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[conversationsd] ")
	log.Printf("starting %s", version.FullInfo())

	mapping, err := config.LoadMetricsMapping(cfg.MetricsMappingFile)
	if err != nil {
		log.Fatalf("load metrics mapping: %v", err)
	}
	metricsCfg := sse.Config{Enabled: cfg.MetricsExtendedEnabled, Mapping: mapping}
	if cfg.MetricsExtendedEnabled {
		log.Printf("extended metrics enabled, %d mapped fields", len(mapping))
	}

	usageStore := openLedger(cfg)
	defer usageStore.Close()

	stops := openStopStore(cfg)
	defer stops.Close()

	httpLogger := log.New(log.Writer(), "[conversationsd/http] ", log.LstdFlags|log.Lmicroseconds)

	agentClient, err := agent.New(agent.Config{
		APIKey:         cfg.AgentAPIKey,
		BaseURL:        cfg.AgentBaseURL,
		RequestTimeout: time.Duration(cfg.AgentTimeoutSeconds) * time.Second,
		Transport:      sse.NewInterceptor(nil, metricsCfg, httpLogger),
	})
	if err != nil {
		log.Fatalf("init agent client: %v", err)
	}

	srvOpts := httpserver.Options{
		Registry:     cancel.NewRegistry(),
		Stops:        stops,
		Usage:        usageStore,
		Agent:        agentClient,
		DefaultModel: cfg.AgentModel,
		Retry: stream.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		},
		CancelEventEnabled: cfg.CancelEventEnabled,
		StreamBuffer:       cfg.StreamBuffer,
		JoinTimeout:        time.Duration(cfg.JoinTimeoutSeconds) * time.Second,
		Logger:             httpLogger,
		LogLevel:           cfg.LogLevel,
	}
	httpSrv := httpserver.New(srvOpts)

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: streams stay open for the full response.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("conversations server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openLedger(cfg config.Config) ledger.Store {
	var (
		store ledger.Store
		err   error
	)
	switch cfg.LedgerDriver {
	case "postgres":
		store, err = ledgerpg.New(cfg.LedgerDSN, cfg.LedgerMaxOpen, cfg.LedgerMaxIdle, cfg.LedgerConnLifetimeMin, cfg.LedgerConnIdleMin)
	default:
		store, err = ledgersql.New(cfg.LedgerPath)
	}
	if err != nil {
		log.Fatalf("open usage ledger (%s): %v", cfg.LedgerDriver, err)
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Options{
			BatchSize:     cfg.LedgerBatchSize,
			FlushInterval: time.Duration(cfg.LedgerFlushMillis) * time.Millisecond,
			Logger:        log.Default(),
		})
		log.Printf("async usage writer enabled batch=%d flush_ms=%d", cfg.LedgerBatchSize, cfg.LedgerFlushMillis)
	}
	return store
}

func openStopStore(cfg config.Config) stopstore.Store {
	if cfg.StopStoreBackend == "redis" {
		s, err := stopstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StopMarkerTTL)
		if err != nil {
			log.Fatalf("connect redis stop store: %v", err)
		}
		log.Printf("redis stop store connected addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
		return s
	}
	return stopstore.NewMemoryStore(cfg.StopMarkerTTL)
}
