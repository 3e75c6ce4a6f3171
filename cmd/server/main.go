package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlivetrack/livetrack/internal/api"
	"github.com/openlivetrack/livetrack/internal/auth"
	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/db"
	"github.com/openlivetrack/livetrack/internal/fanout"
	"github.com/openlivetrack/livetrack/internal/gps"
	"github.com/openlivetrack/livetrack/internal/health"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/separator"
	"github.com/openlivetrack/livetrack/internal/store"
	"github.com/openlivetrack/livetrack/internal/tracing"
	"github.com/openlivetrack/livetrack/internal/writer"
)

// shutdownGrace is how long in-flight work gets after the signal.
const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("livetrack-server")
	logger := logging.New("livetrack-server")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "livetrack-server")
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing init failed, continuing without traces")
	} else {
		defer shutdownTracing()
	}

	pools, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pools.Close()

	st := store.New(pools, cfg.DB.QueryTimeout)

	q, err := queue.New(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("queue connect: %v", err)
	}
	defer q.Close()

	sep := separator.New(st, cfg.Separation)
	pool := writer.NewPool(q, st, cfg.Queue)
	authn := auth.New(cfg.AuthSecret, "livetrack", 24*time.Hour)
	fo := fanout.NewManager(cfg.Fanout, st, st, authn)
	checker := health.NewChecker(st, q, q)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.NewServer(cfg, st, q, pool, sep, fo, checker)
	mux := srv.Router()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().Infof("http listening on %s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve: %v", err)
		}
	}()

	writersDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(writersDone)
	}()

	// Small deployments embed the GPS front-end instead of running
	// cmd/gpsd separately.
	if cfg.GPSTCP.Enabled {
		gpsSrv := gps.NewServer(cfg.GPSTCP, q, st, sep)
		go func() {
			if err := gpsSrv.ListenAndServe(ctx); err != nil {
				logger.Plain().WithError(err).Error("gps server stopped")
			}
		}()
	}

	go retentionLoop(ctx, logger, st, pool, cfg.Retention)
	go reaperLoop(ctx, logger, q, cfg.Retention)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	fo.Shutdown(shutdownGrace)

	cancel()
	select {
	case <-writersDone:
	case <-time.After(shutdownGrace):
		logger.Plain().Warn("writers did not drain in time")
	}
	logger.Plain().Info("server stopped")
}

// retentionLoop sweeps live-sourced flights past the retention window
// once a day. Writers pause first so no in-flight batch races the
// cascade delete.
func retentionLoop(ctx context.Context, logger *logging.Logger, st *store.Store, pool *writer.Pool, cfg config.Retention) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-time.Duration(cfg.LiveFlightHours) * time.Hour)
		pool.Pause()
		deleted, err := st.SweepExpiredLiveFlights(ctx, cutoff)
		pool.Resume()
		if err != nil {
			logger.Plain().WithError(err).Error("retention sweep failed")
			continue
		}
		logger.Plain().Infof("retention sweep removed %d flights", deleted)
	}
}

// reaperLoop drops queue items and dead letters past their retention.
func reaperLoop(ctx context.Context, logger *logging.Logger, q *queue.Queue, cfg config.Retention) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		removed, err := q.ReapOld(ctx, time.Duration(cfg.QueueItemHours)*time.Hour)
		if err != nil {
			logger.Plain().WithError(err).Error("queue reap failed")
			continue
		}
		logger.Plain().Infof("queue reaper removed %d stale items", removed)
	}
}
