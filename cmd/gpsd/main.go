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

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/db"
	"github.com/openlivetrack/livetrack/internal/gps"
	"github.com/openlivetrack/livetrack/internal/health"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/separator"
	"github.com/openlivetrack/livetrack/internal/store"
	"github.com/openlivetrack/livetrack/internal/tracing"
)

// gpsd runs the tracker-facing TCP listener on its own, for
// deployments that scale the device front-end separately from the
// HTTP API. It only needs the store for device assignments and flight
// separation; all point persistence goes through the queue.
func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("livetrack-gpsd")
	logger := logging.New("livetrack-gpsd")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "livetrack-gpsd")
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
	gpsSrv := gps.NewServer(cfg.GPSTCP, q, st, sep)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	checker := health.NewChecker(st, q, q)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", checker.HTTPHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().Infof("admin http listening on %s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve: %v", err)
		}
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- gpsSrv.ListenAndServe(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
		logger.Plain().Info("shutting down")
		cancel()
		<-serveDone
	case err := <-serveDone:
		if err != nil {
			log.Fatalf("gps serve: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("gpsd stopped")
}
