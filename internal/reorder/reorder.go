// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package reorder implementa o buffer de reordenação de RTP descrito em
// spec.md §4.6: uma janela limitada de N slots indexados por seq mod N que
// corrige reordenação em trânsito, detecta duplicatas/perdas e recupera via
// timeout. O algoritmo é o mesmo do detector de gaps proativo do teacher
// (internal/server/gap_tracker.go), com o "NACK após timeout" substituído
// por "flush/skip após timeout", e o armazenamento indexado por ring vem de
// internal/agent/ringbuffer.go.
package reorder

import (
	"time"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotPending
	slotDelivered
)

type slot struct {
	seq     uint16
	state   slotState
	payload *buffer.Buffer
}

// Stats agrega os contadores de telemetria do reorder buffer.
type Stats struct {
	OutOfOrder int64
	Duplicates int64
	LateDrops  int64
	Lost       int64 // pacotes declarados perdidos em um salto de gap grande
	Recovered  int64 // gaps que chegaram antes do timeout
	Drops      int64 // gaps que expiraram pelo timeout
}

// Reorder é o buffer de reordenação de uma stream RTP.
type Reorder struct {
	window      int
	waitTimeout time.Duration
	forward     func(seq uint16, payload *buffer.Buffer)

	slots       []slot
	expected    uint16
	hasExpected bool
	waiting     bool
	waitStart   time.Time

	disabled bool

	stats Stats
}

// New cria um Reorder habilitado com a janela e o timeout configurados.
func New(cfg config.ReorderConfig, forward func(seq uint16, payload *buffer.Buffer)) *Reorder {
	return &Reorder{
		window:      cfg.WindowSize,
		waitTimeout: cfg.WaitTimeout,
		forward:     forward,
		slots:       make([]slot, cfg.WindowSize),
	}
}

// NewPassthrough cria um Reorder desabilitado: todo pacote é encaminhado
// imediatamente sem retenção, usado por RTSP interleaved (spec.md §4.6,
// último parágrafo — já chega ordenado pelo TCP).
func NewPassthrough(forward func(seq uint16, payload *buffer.Buffer)) *Reorder {
	return &Reorder{disabled: true, forward: forward}
}

// Arrive processa a chegada de seq/payload. Assume posse de uma referência
// de payload: em todo caminho que não repassa ao forward, Arrive libera essa
// referência.
func (r *Reorder) Arrive(seq uint16, payload *buffer.Buffer) {
	if r.disabled {
		r.forward(seq, payload)
		return
	}

	if !r.hasExpected {
		r.expected = seq
		r.hasExpected = true
		r.deliver(seq, payload)
		r.expected++
		return
	}

	diff := int32(int16(seq - r.expected))

	switch {
	case diff == 0:
		wasWaiting := r.waiting
		r.deliver(seq, payload)
		r.expected++
		r.flushContiguous()
		if wasWaiting {
			r.stats.Recovered++
		}
		r.refreshWaiting(time.Now())

	case diff > 0 && diff <= int32(r.window):
		r.stats.OutOfOrder++
		r.storePending(seq, payload)
		if !r.waiting {
			r.waiting = true
			r.waitStart = time.Now()
		}

	case diff > 0:
		// Gap maior que a janela: declara a faixa perdida e resincroniza.
		r.stats.Lost += int64(diff - 1)
		r.resyncTo(seq, payload)

	default:
		behind := -diff
		idx := int(seq) % r.window
		if behind <= int32(r.window) && r.slots[idx].state == slotDelivered && r.slots[idx].seq == seq {
			r.stats.Duplicates++
		} else {
			r.stats.LateDrops++
		}
		payload.Release()
	}
}

func (r *Reorder) deliver(seq uint16, payload *buffer.Buffer) {
	r.forward(seq, payload)
	r.markSlot(seq, slotDelivered, nil)
}

func (r *Reorder) storePending(seq uint16, payload *buffer.Buffer) {
	idx := int(seq) % r.window
	old := r.slots[idx]
	if old.state == slotPending {
		// Colisão de ring (o slot mais antigo nunca foi drenado) ou duplicata
		// de um seq ainda retido: libera a referência antiga para não vazar
		// o buffer.
		old.payload.Release()
	}
	r.slots[idx] = slot{seq: seq, state: slotPending, payload: payload}
}

func (r *Reorder) markSlot(seq uint16, state slotState, payload *buffer.Buffer) {
	idx := int(seq) % r.window
	r.slots[idx] = slot{seq: seq, state: state, payload: payload}
}

// flushContiguous drena, em ordem, todos os slots pendentes que seguem
// diretamente de r.expected.
func (r *Reorder) flushContiguous() {
	for {
		idx := int(r.expected) % r.window
		s := r.slots[idx]
		if s.state != slotPending || s.seq != r.expected {
			return
		}
		r.deliver(r.expected, s.payload)
		r.expected++
	}
}

func (r *Reorder) hasPendingAhead() bool {
	for _, s := range r.slots {
		if s.state == slotPending {
			return true
		}
	}
	return false
}

func (r *Reorder) refreshWaiting(now time.Time) {
	if r.hasPendingAhead() {
		r.waiting = true
		r.waitStart = now
	} else {
		r.waiting = false
		r.waitStart = time.Time{}
	}
}

// resyncTo encaminha em ordem os pacotes já retidos na janela (deixam de
// contar como perdidos), descarta o restante do estado e recomeça a partir
// de seq — usado quando o gap excede a janela (spec.md §4.6 item 5).
func (r *Reorder) resyncTo(seq uint16, payload *buffer.Buffer) {
	for i := 1; i <= r.window; i++ {
		s := r.expected + uint16(i)
		idx := int(s) % r.window
		if r.slots[idx].state == slotPending && r.slots[idx].seq == s {
			r.forward(s, r.slots[idx].payload)
			r.slots[idx] = slot{}
			r.stats.Lost--
		}
	}
	for i := range r.slots {
		if r.slots[i].state == slotPending {
			r.slots[i].payload.Release()
		}
		r.slots[i] = slot{}
	}
	r.expected = seq
	r.waiting = false
	r.waitStart = time.Time{}
	r.deliver(seq, payload)
	r.expected++
}

// Tick avança o estado de timeout; deve ser chamado ao menos uma vez por
// iteração do loop de eventos (spec.md §4.4 "periodic tick").
func (r *Reorder) Tick(now time.Time) {
	if r.disabled || !r.waiting {
		return
	}
	if now.Sub(r.waitStart) < r.waitTimeout {
		return
	}
	r.stats.Drops++
	// Pula o slot faltante e tenta drenar o que já se acumulou depois dele.
	r.markSlot(r.expected, slotDelivered, nil)
	r.expected++
	r.flushContiguous()
	r.refreshWaiting(now)
}

// Stats retorna um snapshot dos contadores acumulados.
func (r *Reorder) Stats() Stats { return r.stats }

// Expected retorna o próximo número de sequência aguardado.
func (r *Reorder) Expected() (uint16, bool) { return r.expected, r.hasExpected }

// Waiting retorna se o buffer está atualmente aguardando um gap.
func (r *Reorder) Waiting() bool { return r.waiting }
