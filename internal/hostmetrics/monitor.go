// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hostmetrics amostra periodicamente o uso de CPU/memória do
// processo worker e do host, exposto via Stats(); nenhum outro pacote o
// usa, e as amostras não entram no snapshot de status nem nas métricas.
// Adaptado de internal/agent/monitor.go: o teacher
// amostra CPU/memória/disco/load-average do host inteiro para decidir se
// um backup pode prosseguir; aqui a amostragem é por processo worker
// (não há disco a monitorar num gateway de streaming) e serve apenas
// telemetria, nunca admissão de trabalho.
package hostmetrics

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats é o snapshot de recursos mais recente.
type Stats struct {
	HostCPUPercent    float64
	HostMemoryPercent float64
	LoadAverage1m     float64
	ProcessCPUPercent float64
	ProcessRSSBytes   uint64
}

// Monitor amostra recursos em background a um intervalo fixo.
type Monitor struct {
	logger *slog.Logger
	proc   *process.Process
	close  chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New cria um Monitor para o processo atual.
func New(logger *slog.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		logger: logger.With("component", "hostmetrics"),
		proc:   proc,
		close:  make(chan struct{}),
	}, nil
}

// Start inicia a amostragem periódica a cada interval.
func (m *Monitor) Start(interval time.Duration) {
	m.wg.Add(1)
	go m.run(interval)
}

// Stop interrompe a amostragem e aguarda a goroutine terminar.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats retorna o snapshot mais recente.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Stats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.HostCPUPercent = pct[0]
	} else {
		m.logger.Debug("failed to collect host cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.HostMemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect host memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage1m = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	if pct, err := m.proc.CPUPercent(); err == nil {
		s.ProcessCPUPercent = pct
	} else {
		m.logger.Debug("failed to collect process cpu stats", "error", err)
	}

	if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
		s.ProcessRSSBytes = mi.RSS
	} else {
		m.logger.Debug("failed to collect process memory stats", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
