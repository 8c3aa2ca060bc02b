// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command rtp2httpd é o processo supervisor do gateway: carrega a
// configuração, monta as dependências compartilhadas (logger, playlist,
// registro Prometheus, scheduler de manutenção) e sobe um worker por
// goroutine, cada um com seu próprio pool de buffers e seu próprio shard
// da tabela de status (SPEC_FULL.md §4.8, §5).
package main

import (
	"bytes"
	"context"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/expfmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/logging"
	"github.com/streamgw/rtp2httpd/internal/maintenance"
	"github.com/streamgw/rtp2httpd/internal/metrics"
	"github.com/streamgw/rtp2httpd/internal/playlist"
	"github.com/streamgw/rtp2httpd/internal/statuspage"
	"github.com/streamgw/rtp2httpd/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/rtp2httpd/rtp2httpd.yaml", "path to gateway config file")
	listenOverride := flag.String("listen", "", "override listen address from config")
	workersOverride := flag.Int("workers", 0, "override worker count from config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenOverride != "" {
		cfg.Listen = *listenOverride
	}
	if *workersOverride > 0 {
		cfg.Workers = *workersOverride
	}

	logger, levelVar, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var pl worker.CollaboratorHandler
	if cfg.Playlist.UpstreamURL != "" {
		pl = playlist.New(cfg.Playlist.UpstreamURL, cfg.Playlist.CacheTTL, cfg.ControlRateLimitBytesPerSec, logger)
	}

	registry := prometheus.NewRegistry()

	workers := make([]*worker.Worker, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		// Cada worker é dono exclusivo do seu pool de buffers — nunca
		// compartilhado entre goroutines (SPEC_FULL.md §3, §5).
		pool := buffer.New(cfg.Buffer, logger.With("worker", i))
		w, err := worker.New(worker.Config{
			ID:          i,
			Gateway:     cfg,
			Pool:        pool,
			StatusTable: statuspage.New(),
			LogLevelVar: levelVar,
			Playlist:    pl,
			Logger:      logger.With("worker", i),
		})
		if err != nil {
			logger.Error("failed to create worker", "worker", i, "err", err)
			os.Exit(1)
		}
		workers[i] = w

		label := strconv.Itoa(i)
		if err := registry.Register(metrics.NewCollector(label, w)); err != nil {
			logger.Error("failed to register worker metrics collector", "worker", i, "err", err)
			os.Exit(1)
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listener starting", "addr", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "err", err)
			}
		}()
	}

	var rotator maintenance.Rotator
	if rw, ok := logCloser.(*logging.RotatableWriter); ok {
		rotator = rw
	}
	maint, err := maintenance.New(maintenance.Config{
		LogRotateSchedule:       cfg.Maintenance.LogRotateSchedule,
		MetricsSnapshotSchedule: cfg.Maintenance.MetricsSnapshotSchedule,
		MetricsSnapshotPath:     cfg.Maintenance.MetricsSnapshotPath,
	}, logger, rotator, func() ([]byte, error) {
		families, err := registry.Gather()
		if err != nil {
			return nil, fmt.Errorf("gathering metrics: %w", err)
		}
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return nil, fmt.Errorf("encoding metric family %s: %w", mf.GetName(), err)
			}
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		logger.Error("failed to create maintenance scheduler", "err", err)
		os.Exit(1)
	}
	maint.Start()

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited with error", "worker", i, "err", err)
			}
		}(i, w)
	}

	<-ctx.Done()
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	maint.Stop(stopCtx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown error", "err", err)
		}
	}

	logger.Info("rtp2httpd stopped")
}
