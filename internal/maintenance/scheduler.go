// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package maintenance agenda as ações operacionais que não são
// loop-local (SPEC_FULL.md §4.16): um sinal de rotação de log e a
// persistência periódica do snapshot de métricas em disco. O laço de
// eventos de cada worker já cobre a manutenção "pelo menos uma vez por
// segundo" (try_shrink do pool, tick por conexão, banda EMA) via seu
// próprio idle-wake; cron não cabe ali, sub-segundo e loop-local demais.
// Este pacote vive no processo supervisor (cmd/rtp2httpd), nunca dentro
// do loop de epoll de um worker.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Rotator é satisfeito por um log sink que pode reabrir seu arquivo após
// uma rotação externa (logrotate copytruncate). internal/logging's
// RotatableWriter implementa esta interface.
type Rotator interface {
	Rotate() error
}

// Config agenda as duas ações de manutenção, cada uma com sua própria
// expressão cron opcional; um schedule vazio desabilita a ação.
type Config struct {
	LogRotateSchedule       string
	MetricsSnapshotSchedule string
	MetricsSnapshotPath     string
}

// Scheduler envolve um cron.Cron agendando ações de manutenção do
// processo, grounded em internal/agent/scheduler.go's Scheduler (um cron
// job por entrada configurada), generalizado de "um job por backup" para
// "um job por ação de manutenção do gateway".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// SnapshotFunc retorna a serialização atual do snapshot de métricas a
// persistir em disco (tipicamente o texto de exposição Prometheus).
type SnapshotFunc func() ([]byte, error)

// New cria um Scheduler com os jobs habilitados por cfg. rotator pode ser
// nil quando o logger não está gravando em arquivo (nesse caso
// LogRotateSchedule é ignorado mesmo se configurado).
func New(cfg Config, logger *slog.Logger, rotator Rotator, snapshot SnapshotFunc) (*Scheduler, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if cfg.LogRotateSchedule != "" && rotator != nil {
		if _, err := c.AddFunc(cfg.LogRotateSchedule, func() {
			if err := rotator.Rotate(); err != nil {
				logger.Error("scheduled log rotation failed", "err", err)
				return
			}
			logger.Info("log file rotated")
		}); err != nil {
			return nil, fmt.Errorf("scheduling log rotation: %w", err)
		}
	}

	if cfg.MetricsSnapshotSchedule != "" && cfg.MetricsSnapshotPath != "" && snapshot != nil {
		if _, err := c.AddFunc(cfg.MetricsSnapshotSchedule, func() {
			persistMetricsSnapshot(cfg.MetricsSnapshotPath, snapshot, logger)
		}); err != nil {
			return nil, fmt.Errorf("scheduling metrics snapshot persistence: %w", err)
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

func persistMetricsSnapshot(path string, snapshot SnapshotFunc, logger *slog.Logger) {
	data, err := snapshot()
	if err != nil {
		logger.Error("metrics snapshot generation failed", "err", err)
		return
	}
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.Error("metrics snapshot write failed", "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Error("metrics snapshot rename failed", "err", err)
		os.Remove(tmp)
		return
	}
	logger.Debug("metrics snapshot persisted", "path", path, "bytes", len(data))
}

// Start inicia o scheduler; sem efeito se nenhum job foi registrado.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento até ctx expirar.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Debug("maintenance scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("maintenance scheduler stop timed out")
	}
}
