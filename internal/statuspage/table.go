// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statuspage implementa a tabela de status de clientes ativos e a
// exposição HTTP/SSE/control-plane sobre ela (spec.md §3 "Status table",
// §4.10). Grounded em internal/server/observability/event_store.go's ring
// buffer thread-safe, generalizado de "eventos operacionais" para "slots de
// cliente streaming", mais o router de internal/server/observability/http.go.
package statuspage

import (
	"sort"
	"sync"
	"time"
)

// ClientInfo descreve um cliente no momento do registro (spec.md §6
// "register_client").
type ClientInfo struct {
	RemoteAddr string
	Service    string
	UserAgent  string
	Mode       string // "stream" ou "snapshot"
}

// Slot é uma entrada da tabela de status: um cliente streaming ativo.
type Slot struct {
	Index       int
	RemoteAddr  string
	Service     string
	UserAgent   string
	Mode        string
	ConnectedAt time.Time

	BytesIn  int64
	BytesOut int64

	QueueBytes          int64
	QueueBuffers        int64
	QueueLimitBytes     int64
	QueueBytesHighwater int64
	DroppedPackets      int64
	DroppedBytes        int64
	BackpressureEvents  int64
	SlowActive          bool

	lastBytesOut int64
	lastTickAt   time.Time
	BandwidthBps float64
}

// Table é a tabela de status processo-wide (spec.md §3 "Status table",
// §5 "processo-wide, single-threaded por worker"). Protegida por mutex
// porque é lida pela goroutine HTTP do status page enquanto é escrita pelo
// loop do worker.
type Table struct {
	mu    sync.Mutex
	slots map[int]*Slot
	next  int
}

// New cria uma tabela de status vazia.
func New() *Table {
	return &Table{slots: make(map[int]*Slot)}
}

// RegisterClient aloca um novo slot e retorna seu índice. Implementa a
// interface StatusSink referenciada em spec.md §6.
func (t *Table) RegisterClient(c ClientInfo) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.next
	t.next++
	now := time.Now()
	t.slots[idx] = &Slot{
		Index:       idx,
		RemoteAddr:  c.RemoteAddr,
		Service:     c.Service,
		UserAgent:   c.UserAgent,
		Mode:        c.Mode,
		ConnectedAt: now,
		lastTickAt:  now,
	}
	return idx
}

// UnregisterClient libera um slot; noop se já não existir (idempotente,
// espelhando connection_free).
func (t *Table) UnregisterClient(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, slot)
}

// UpdateQueue atualiza os contadores de fila/backpressure reportados por um
// slot (spec.md §4.7 "counters are reported to the status slot").
func (t *Table) UpdateQueue(slot int, bytes, buffers int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slot]
	if !ok {
		return
	}
	s.QueueBytes = bytes
	s.QueueBuffers = buffers
	if bytes > s.QueueBytesHighwater {
		s.QueueBytesHighwater = bytes
	}
}

// UpdateMode atualiza o modo reportado de um slot, usado quando uma
// conexão em modo snapshot degrada para streaming normal (spec.md §4.3
// "fallback-to-streaming").
func (t *Table) UpdateMode(slot int, mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slot]
	if !ok {
		return
	}
	s.Mode = mode
}

// UpdateBackpressure atualiza os contadores de drop/limite de um slot.
func (t *Table) UpdateBackpressure(slot int, limitBytes, droppedPackets, droppedBytes, events int64, slowActive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slot]
	if !ok {
		return
	}
	s.QueueLimitBytes = limitBytes
	s.DroppedPackets = droppedPackets
	s.DroppedBytes = droppedBytes
	s.BackpressureEvents = events
	s.SlowActive = slowActive
}

// UpdateBytes atualiza os contadores de bytes transferidos de um slot e
// recomputa a banda EMA desde a última atualização (spec.md §4.4 "once per
// second, update byte counters and EMA bandwidth into the status slot").
func (t *Table) UpdateBytes(slot int, bytesIn, bytesOut int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slot]
	if !ok {
		return
	}
	s.BytesIn = bytesIn
	s.BytesOut = bytesOut

	now := time.Now()
	elapsed := now.Sub(s.lastTickAt).Seconds()
	if elapsed > 0 {
		delta := bytesOut - s.lastBytesOut
		instant := float64(delta) / elapsed
		const alpha = 0.3
		s.BandwidthBps = alpha*instant + (1-alpha)*s.BandwidthBps
	}
	s.lastBytesOut = bytesOut
	s.lastTickAt = now
}

// Snapshot retorna uma cópia de todos os slots ativos, ordenada por índice.
func (t *Table) Snapshot() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Slot, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Get retorna uma cópia de um slot por índice.
func (t *Table) Get(index int) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[index]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// FindByRemoteAddr retorna o índice do primeiro slot cujo RemoteAddr bate
// exatamente, usado pela API de disconnect por endereço (spec.md §4.10).
func (t *Table) FindByRemoteAddr(addr string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, s := range t.slots {
		if s.RemoteAddr == addr {
			return idx, true
		}
	}
	return 0, false
}
