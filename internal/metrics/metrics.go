// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics expõe um prometheus.Collector pull-based sobre o estado
// de um worker (spec.md §4.13): gauges do pool de buffers, contadores de
// send-queue (descarte/backpressure) e de reorder, e o gauge de sessões
// FCC por estado. Grounded em
// runZeroInc-sockstats/pkg/exporter/exporter.go's TCPInfoCollector, que
// consulta o estado real (ali via getsockopt TCP_INFO) apenas no momento
// do Collect em vez de manter réplicas de contadores — aqui generalizado
// de "uma entrada por socket monitorado" para "uma entrada por worker",
// consultando um Source snapshot previamente calculado pelo reator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot é o estado agregado de um worker num instante, consultado sob
// demanda pelo Collector (nunca mantido incrementalmente neste pacote).
type Snapshot struct {
	NumBuffers int64
	NumFree    int64
	MaxBuffers int64

	DroppedPackets     int64
	DroppedBytes       int64
	BackpressureEvents int64

	ReorderOutOfOrder int64
	ReorderRecovered  int64
	ReorderDrops      int64

	FCCSessionsByState map[string]int
}

// Source é implementado por um worker capaz de fornecer seu snapshot de
// métricas mais recente sem bloquear o laço de eventos.
type Source interface {
	MetricsSnapshot() Snapshot
}

var (
	descNumBuffers = prometheus.NewDesc(
		"rtp2httpd_buffer_pool_num_buffers", "Total buffers currently allocated in the pool.", []string{"worker"}, nil)
	descNumFree = prometheus.NewDesc(
		"rtp2httpd_buffer_pool_num_free", "Free buffers currently available in the pool.", []string{"worker"}, nil)
	descMaxBuffers = prometheus.NewDesc(
		"rtp2httpd_buffer_pool_max_buffers", "Hard cap configured for the buffer pool.", []string{"worker"}, nil)

	descDroppedPackets = prometheus.NewDesc(
		"rtp2httpd_dropped_packets_total", "Media packets dropped under backpressure.", []string{"worker"}, nil)
	descDroppedBytes = prometheus.NewDesc(
		"rtp2httpd_dropped_bytes_total", "Media bytes dropped under backpressure.", []string{"worker"}, nil)
	descBackpressureEvents = prometheus.NewDesc(
		"rtp2httpd_backpressure_events_total", "Backpressure limit breaches across all connections.", []string{"worker"}, nil)

	descReorderOutOfOrder = prometheus.NewDesc(
		"rtp2httpd_reorder_out_of_order_total", "RTP packets delivered out of sequence order.", []string{"worker"}, nil)
	descReorderRecovered = prometheus.NewDesc(
		"rtp2httpd_reorder_recovered_total", "RTP sequence gaps recovered before the reorder wait timeout.", []string{"worker"}, nil)
	descReorderDrops = prometheus.NewDesc(
		"rtp2httpd_reorder_drops_total", "RTP sequence gaps declared lost after the reorder wait timeout.", []string{"worker"}, nil)

	descFCCSessions = prometheus.NewDesc(
		"rtp2httpd_fcc_sessions", "Active FCC sessions by state.", []string{"worker", "state"}, nil)
)

// Collector adapta um Source a prometheus.Collector. label identifica o
// worker nas séries exportadas: cmd/rtp2httpd registra os Collectors de
// todos os workers num único registro.
type Collector struct {
	label  string
	source Source
}

// NewCollector cria um Collector pronto para registro num
// *prometheus.Registry.
func NewCollector(label string, source Source) *Collector {
	return &Collector{label: label, source: source}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- descNumBuffers
	descs <- descNumFree
	descs <- descMaxBuffers
	descs <- descDroppedPackets
	descs <- descDroppedBytes
	descs <- descBackpressureEvents
	descs <- descReorderOutOfOrder
	descs <- descReorderRecovered
	descs <- descReorderDrops
	descs <- descFCCSessions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.MetricsSnapshot()

	ch <- prometheus.MustNewConstMetric(descNumBuffers, prometheus.GaugeValue, float64(s.NumBuffers), c.label)
	ch <- prometheus.MustNewConstMetric(descNumFree, prometheus.GaugeValue, float64(s.NumFree), c.label)
	ch <- prometheus.MustNewConstMetric(descMaxBuffers, prometheus.GaugeValue, float64(s.MaxBuffers), c.label)

	ch <- prometheus.MustNewConstMetric(descDroppedPackets, prometheus.CounterValue, float64(s.DroppedPackets), c.label)
	ch <- prometheus.MustNewConstMetric(descDroppedBytes, prometheus.CounterValue, float64(s.DroppedBytes), c.label)
	ch <- prometheus.MustNewConstMetric(descBackpressureEvents, prometheus.CounterValue, float64(s.BackpressureEvents), c.label)

	ch <- prometheus.MustNewConstMetric(descReorderOutOfOrder, prometheus.CounterValue, float64(s.ReorderOutOfOrder), c.label)
	ch <- prometheus.MustNewConstMetric(descReorderRecovered, prometheus.CounterValue, float64(s.ReorderRecovered), c.label)
	ch <- prometheus.MustNewConstMetric(descReorderDrops, prometheus.CounterValue, float64(s.ReorderDrops), c.label)

	for state, count := range s.FCCSessionsByState {
		ch <- prometheus.MustNewConstMetric(descFCCSessions, prometheus.GaugeValue, float64(count), c.label, state)
	}
}
