// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implementa o pool de buffers de tamanho fixo e referência
// contada usado pelo caminho de dados do gateway (multicast, FCC, RTSP,
// fila de envio). Um buffer pode estar simultaneamente referenciado por uma
// fila de envio, uma operação de zero-copy pendente e um slot do reorder
// buffer — por isso o refcount, não um único dono.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
)

// Buffer é a unidade fixa de payload do caminho de dados. Enquanto "vivo"
// (refcount >= 1) os bytes em Data[DataOffset:DataOffset+DataSize] são
// estáveis; ao refcount cair para zero o buffer volta para a free-list do
// Pool e seu conteúdo pode ser sobrescrito pelo próximo Alloc.
type Buffer struct {
	Data       []byte
	DataOffset int
	DataSize   int

	// ZeroCopySeq é o número de sequência de notificação MSG_ZEROCOPY do
	// kernel associado a este buffer, quando ele está enfileirado para
	// envio zero-copy. -1 quando não há operação pendente.
	ZeroCopySeq int64

	refcount int32
	next     *Buffer // link da free-list; só válido quando refcount == 0
	pool     *Pool
}

// Cap retorna a capacidade total do buffer (tamanho de classe do pool).
func (b *Buffer) Cap() int { return len(b.Data) }

// Bytes retorna a porção de dados válidos do buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[b.DataOffset : b.DataOffset+b.DataSize]
}

// Retain incrementa o refcount. Deve ser chamado por todo novo dono lógico
// (ex: a fila de envio guardando uma segunda referência, o reorder buffer
// guardando um slot).
func (b *Buffer) Retain() {
	b.refcount++
}

// Release decrementa o refcount; ao chegar a zero, o buffer retorna à
// free-list do pool que o alocou.
func (b *Buffer) Release() {
	b.refcount--
	if b.refcount < 0 {
		panic("buffer: refcount below zero")
	}
	if b.refcount == 0 && b.pool != nil {
		b.pool.put(b)
	}
}

// Refcount expõe a contagem atual — usado apenas por testes e invariantes.
func (b *Buffer) Refcount() int32 { return b.refcount }

// Pool é o alocador de buffers de tamanho fixo, processo-wide por worker
// (spec.md §3 "Buffer pool", §5 "não compartilhado entre workers").
type Pool struct {
	mu     sync.Mutex
	logger *slog.Logger

	bufSize       int
	chunk         int
	maxBuffers    int
	lowWatermark  int
	highWatermark int
	controlReserve int
	shrinkCooldown time.Duration
	initialBuffers int

	free       *Buffer // topo da free-list
	numBuffers int
	numFree    int

	lastGrowth time.Time

	streamClientCount int
}

// New cria um Pool vazio e o preenche com cfg.Initial buffers.
func New(cfg config.BufferConfig, logger *slog.Logger) *Pool {
	p := &Pool{
		logger:         logger,
		bufSize:        cfg.SizeRaw,
		chunk:          cfg.Chunk,
		maxBuffers:     cfg.Max,
		lowWatermark:   cfg.LowWatermark,
		highWatermark:  cfg.HighWatermark,
		controlReserve: cfg.ControlReserve,
		shrinkCooldown: cfg.ShrinkCooldown,
	}
	p.growLocked(cfg.Initial)
	p.initialBuffers = p.numBuffers
	logger.Info("buffer pool initialized",
		"buffer_size", p.bufSize,
		"initial", p.numBuffers,
		"max", p.maxBuffers,
		"low_watermark", p.lowWatermark,
		"high_watermark", p.highWatermark,
	)
	return p
}

// growLocked aloca n novos buffers e os insere na free-list. Respeita o
// hard cap maxBuffers; nunca aloca além dele.
func (p *Pool) growLocked(n int) int {
	if p.maxBuffers > 0 && p.numBuffers+n > p.maxBuffers {
		n = p.maxBuffers - p.numBuffers
	}
	if n <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		b := &Buffer{
			Data:        make([]byte, p.bufSize),
			ZeroCopySeq: -1,
			pool:        p,
		}
		b.next = p.free
		p.free = b
	}
	p.numBuffers += n
	p.numFree += n
	p.lastGrowth = time.Now()
	return n
}

// Alloc retorna um buffer da free-list, crescendo o pool em chunks quando
// num_free cai abaixo do low watermark. Retorna (nil, false) apenas quando
// o hard cap foi atingido e a free-list está vazia.
func (p *Pool) Alloc() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked()
}

func (p *Pool) allocLocked() (*Buffer, bool) {
	if p.numFree <= p.lowWatermark {
		p.growLocked(p.chunk)
	}
	if p.free == nil {
		return nil, false
	}
	b := p.free
	p.free = b.next
	b.next = nil
	b.refcount = 1
	b.DataOffset = 0
	b.DataSize = 0
	b.ZeroCopySeq = -1
	p.numFree--
	return b, true
}

// AllocControl aloca um buffer para respostas HTTP de controle (cabeçalhos,
// erros). Quando num_free já está em controlReserve ou abaixo e o pool
// ainda não atingiu o hard cap, cresce um chunk antes de alocar; no resto
// se comporta como Alloc(). A reserva não é retida para o controle: Alloc()
// comum também consome esses buffers, e com o hard cap atingido e a
// free-list vazia AllocControl falha como Alloc().
func (p *Pool) AllocControl() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numFree <= p.controlReserve {
		// Cresce enquanto houver espaço no hard cap.
		if p.numBuffers < p.maxBuffers {
			p.growLocked(p.chunk)
		}
	}
	return p.allocLocked()
}

// put devolve um buffer com refcount zero para a free-list. Chamado apenas
// por Buffer.Release.
func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.next = p.free
	p.free = b
	p.numFree++
}

// TryShrink libera buffers de volta ao runtime quando num_free excede o
// high watermark e nenhum crescimento recente ocorreu. Nunca reduz
// numBuffers abaixo do valor inicial passado a New.
func (p *Pool) TryShrink() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.numFree <= p.highWatermark {
		return 0
	}
	if time.Since(p.lastGrowth) < p.shrinkCooldown {
		return 0
	}

	excess := p.numFree - p.highWatermark
	floor := p.numBuffers - p.initialBuffers
	if floor < 0 {
		floor = 0
	}
	if excess > floor {
		excess = floor
	}
	if excess <= 0 {
		return 0
	}

	released := 0
	// Remove do topo da free-list; como os buffers liberados não estão em
	// uso, sua ordem não importa.
	for released < excess && p.free != nil {
		p.free = p.free.next
		released++
	}
	p.numFree -= released
	p.numBuffers -= released
	if released > 0 {
		p.logger.Debug("buffer pool shrink", "released", released, "num_buffers", p.numBuffers, "num_free", p.numFree)
	}
	return released
}

// Stats é um snapshot instantâneo das métricas do pool.
type Stats struct {
	NumBuffers        int
	NumFree           int
	MaxBuffers        int
	LowWatermark      int
	HighWatermark     int
	StreamClientCount int
}

// Snapshot retorna o estado atual do pool.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		NumBuffers:        p.numBuffers,
		NumFree:           p.numFree,
		MaxBuffers:        p.maxBuffers,
		LowWatermark:      p.lowWatermark,
		HighWatermark:     p.highWatermark,
		StreamClientCount: p.streamClientCount,
	}
}

// BufferSize retorna o tamanho fixo de cada buffer desta classe.
func (p *Pool) BufferSize() int { return p.bufSize }

// MaxBuffers retorna o hard cap do pool.
func (p *Pool) MaxBuffers() int { return p.maxBuffers }

// IncStreamClients incrementa a contagem de clientes em streaming, usada
// pelo controlador de backpressure para calcular o fair share (spec.md
// §4.7).
func (p *Pool) IncStreamClients() {
	p.mu.Lock()
	p.streamClientCount++
	p.mu.Unlock()
}

// DecStreamClients decrementa a contagem de clientes em streaming.
func (p *Pool) DecStreamClients() {
	p.mu.Lock()
	if p.streamClientCount > 0 {
		p.streamClientCount--
	}
	p.mu.Unlock()
}

// StreamClientCount retorna a contagem atual de clientes em streaming.
func (p *Pool) StreamClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamClientCount
}
