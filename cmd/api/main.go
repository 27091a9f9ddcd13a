package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tally-sync/internal/api"
	"tally-sync/internal/archive"
	"tally-sync/internal/bus"
	"tally-sync/internal/config"
	"tally-sync/internal/handshake"
	"tally-sync/internal/ratelimit"
	"tally-sync/internal/store"
	"tally-sync/internal/submit"
	"tally-sync/internal/trigger"
	"tally-sync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger("api")

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

	client := submit.NewClient(cfg.SubmitURL, cfg.MesaURL, cfg.AttemptTimeout)
	hs := handshake.New(st, nil, logger)

	// Fallback drainer: used only while no background worker holds a heartbeat. With Redis
	// down the worker cannot drain either, so this one proceeds without the lease.
	drainer := worker.NewDrainer(st, client, worker.Options{
		Notifier:        hs,
		Lease:           b.Lease(cfg.LeaseTTL),
		LeaseBestEffort: true,
		AttemptTimeout:  cfg.AttemptTimeout,
		Logger:          logger,
	})
	surface := trigger.NewSurface(drainer, trigger.Config{
		DrainOnLoad:    true,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Forward:        trigger.ForwarderFunc(b.ForwardDrain),
	}, logger)
	hs.SetDrainRequester(surface)

	err = b.SubscribePage(ctx, func(m bus.Message) {
		if m.Type == bus.NeedsConfirm {
			hs.Receive(m.RecordID, m.Text)
		}
	})
	if err != nil {
		logger.Warn("confirmation push unavailable, relying on queue recovery", "error", err)
	}
	if n, err := hs.Recover(ctx); err != nil {
		logger.Error("recover open confirmations", "error", err)
	} else if n > 0 {
		logger.Info("reopened confirmations from queue", "count", n)
	}

	conn := trigger.NewConnectivity(
		trigger.NewHTTPProber(cfg.HealthURL, cfg.AttemptTimeout),
		cfg.ProbeInterval,
		func() { surface.Request(trigger.NetworkRestored) },
		logger,
	)
	go conn.Run(ctx)
	go surface.Run(ctx)

	var archiver api.Archiver
	if cfg.ArchiveBucket != "" {
		s3c, err := archive.NewS3Client(ctx, archive.Settings{
			Bucket:       cfg.ArchiveBucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
		})
		if err != nil {
			logger.Error("init archive client", "error", err)
			os.Exit(1)
		}
		archiver = archive.NewExporter(st, s3c, cfg.ArchiveBucket, cfg.ArchivePrefix)
	}

	server := api.New(api.Deps{
		Store:         st,
		Submitter:     client,
		Confirmations: hs,
		Drain:         surface,
		Limiter:       ratelimit.NewTokenBucket(rdb, cfg.BusPrefix+":rl", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Archiver:      archiver,
		Logger:        logger,
		OfflineFirst:  cfg.OfflineFirst,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "submit_url", cfg.SubmitURL)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
