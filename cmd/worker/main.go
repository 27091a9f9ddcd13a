package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tally-sync/internal/bus"
	"tally-sync/internal/config"
	"tally-sync/internal/ratelimit"
	"tally-sync/internal/store"
	"tally-sync/internal/submit"
	"tally-sync/internal/telemetry"
	"tally-sync/internal/trigger"
	"tally-sync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreTarget())
	if err != nil {
		logger.Error("open queue store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	b := bus.New(rdb, cfg.BusPrefix, cfg.HeartbeatTTL, logger)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		} else {
			workerID = "worker-" + uuid.NewString()
		}
	}
	logger = logger.With("worker_id", workerID)

	drainer := worker.NewDrainer(st, submit.NewClient(cfg.SubmitURL, cfg.MesaURL, cfg.AttemptTimeout), worker.Options{
		Notifier:       b,
		Lease:          b.Lease(cfg.LeaseTTL),
		Limiter:        ratelimit.NewTokenBucket(rdb, cfg.BusPrefix+":replay", cfg.ReplayRateCap, cfg.ReplayRateRefill, cfg.LeaseTTL),
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         logger,
	})
	surface := trigger.NewSurface(drainer, trigger.Config{
		PeriodicInterval: cfg.PeriodicInterval,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
		DrainOnLoad:      true,
	}, logger)

	// Subscribe before announcing the heartbeat so a forwarded request is never lost.
	err = b.SubscribeWorker(ctx, func(m bus.Message) {
		if m.Type == bus.DrainNow {
			surface.Request(trigger.Push)
		}
	})
	if err != nil {
		logger.Error("subscribe to drain requests", "error", err)
		os.Exit(1)
	}
	go b.Heartbeat(ctx, workerID)

	conn := trigger.NewConnectivity(
		trigger.NewHTTPProber(cfg.HealthURL, cfg.AttemptTimeout),
		cfg.ProbeInterval,
		func() { surface.Request(trigger.NetworkRestored) },
		logger,
	)
	go conn.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"periodic", cfg.PeriodicInterval,
		"backoff_initial", cfg.BackoffInitial,
		"backoff_max", cfg.BackoffMax,
		"submit_url", cfg.SubmitURL)
	surface.Run(ctx)
	logger.Info("worker stopped")
}
