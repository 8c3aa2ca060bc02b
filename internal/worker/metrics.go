// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"github.com/streamgw/rtp2httpd/internal/metrics"
	"github.com/streamgw/rtp2httpd/internal/reorder"
)

// foldReorderStats soma os contadores finais de uma conexão fechada no
// acumulador, preservando o total mesmo após o stream.Context ser liberado
// (spec.md §4.13 "reorder counters" são cumulativos para a vida do worker,
// não apenas das conexões atualmente ativas).
func (w *Worker) foldReorderStats(s reorder.Stats) {
	w.metricsMu.Lock()
	w.reorderAccum.OutOfOrder += s.OutOfOrder
	w.reorderAccum.Duplicates += s.Duplicates
	w.reorderAccum.LateDrops += s.LateDrops
	w.reorderAccum.Lost += s.Lost
	w.reorderAccum.Recovered += s.Recovered
	w.reorderAccum.Drops += s.Drops
	w.metricsMu.Unlock()
}

// refreshMetricsSnapshot recalcula o snapshot consultado por MetricsSnapshot,
// somando o estado das conexões atualmente vivas (só seguro a partir da
// goroutine do reator) com o acumulador de conexões já fechadas. Chamado uma
// vez por tick (worker.go's tickAll).
func (w *Worker) refreshMetricsSnapshot() {
	pool := w.pool.Snapshot()

	var droppedPackets, droppedBytes, backpressureEvents int64
	for _, slot := range w.statusTable.Snapshot() {
		droppedPackets += slot.DroppedPackets
		droppedBytes += slot.DroppedBytes
		backpressureEvents += slot.BackpressureEvents
	}

	fccStates := make(map[string]int)
	live := reorder.Stats{}
	for _, conn := range w.clients {
		stats := conn.reorderStats()
		live.OutOfOrder += stats.OutOfOrder
		live.Duplicates += stats.Duplicates
		live.LateDrops += stats.LateDrops
		live.Lost += stats.Lost
		live.Recovered += stats.Recovered
		live.Drops += stats.Drops

		if name, ok := conn.fccStateName(); ok {
			fccStates[name]++
		}
	}

	w.metricsMu.Lock()
	total := w.reorderAccum
	total.OutOfOrder += live.OutOfOrder
	total.Duplicates += live.Duplicates
	total.LateDrops += live.LateDrops
	total.Lost += live.Lost
	total.Recovered += live.Recovered
	total.Drops += live.Drops

	w.snapshot = metrics.Snapshot{
		NumBuffers:         int64(pool.NumBuffers),
		NumFree:            int64(pool.NumFree),
		MaxBuffers:         int64(pool.MaxBuffers),
		DroppedPackets:     droppedPackets,
		DroppedBytes:       droppedBytes,
		BackpressureEvents: backpressureEvents,
		ReorderOutOfOrder:  total.OutOfOrder,
		ReorderRecovered:   total.Recovered,
		ReorderDrops:       total.Drops,
		FCCSessionsByState: fccStates,
	}
	w.metricsMu.Unlock()
}

// MetricsSnapshot implementa metrics.Source. Pode ser chamado de qualquer
// goroutine (o scrape HTTP do Prometheus), já que apenas lê o snapshot
// cacheado sob metricsMu.
func (w *Worker) MetricsSnapshot() metrics.Snapshot {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.snapshot
}
