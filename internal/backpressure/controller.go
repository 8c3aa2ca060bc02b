// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backpressure implementa o controlador de fair-share e detecção de
// cliente lento por EWMA descrito em spec.md §4.7. Cada conexão em streaming
// tem seu próprio Controller; o pool de buffers é a única fonte de verdade
// compartilhada sobre utilização global.
package backpressure

import (
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
)

// PoolStatus é o subconjunto do estado do buffer pool necessário para
// calcular o fair share e o fator de burst (spec.md §4.7 itens 1-2).
type PoolStatus struct {
	NumBuffers        int
	NumFree           int
	MaxBuffers        int
	LowWatermark      int
	StreamClientCount int
	BufferSize        int
}

// Controller calcula, a cada enfileiramento, o limite de bytes da fila de
// envio de uma conexão e decide se ela deve ser marcada como cliente lento.
type Controller struct {
	cfg config.BackpressureConfig

	ewmaBytes     float64
	ewmaInit      bool
	slowSince     time.Time
	slowActive    bool
}

// New cria um Controller para uma conexão.
func New(cfg config.BackpressureConfig) *Controller {
	return &Controller{cfg: cfg}
}

// burstFactor implementa spec.md §4.7 item 2: 3.0 por padrão, reduzido a 1.5
// sob pressão moderada e a 1.0 sob pressão severa.
func burstFactor(pool PoolStatus) float64 {
	utilization := 0.0
	if pool.MaxBuffers > 0 {
		utilization = float64(pool.NumBuffers-pool.NumFree) / float64(pool.MaxBuffers)
	}
	allAllocated := pool.MaxBuffers > 0 && pool.NumBuffers >= pool.MaxBuffers && pool.NumFree == 0

	switch {
	case utilization >= 0.95 || pool.NumFree < pool.LowWatermark/2:
		return 1.0
	case utilization >= 0.85 || allAllocated:
		return 1.5
	default:
		return 3.0
	}
}

// fairShareBytes implementa spec.md §4.7 item 1.
func fairShareBytes(pool PoolStatus, minBuffers int) int64 {
	clients := pool.StreamClientCount
	if clients <= 0 {
		clients = 1
	}
	shareBuffers := pool.NumBuffers / clients
	if shareBuffers < minBuffers {
		shareBuffers = minBuffers
	}
	return int64(shareBuffers) * int64(pool.BufferSize)
}

// Limit computa queue_limit_bytes para o estado atual do pool, atualizando
// o EWMA e a detecção de cliente lento como efeito colateral (spec.md §4.7
// itens 3-4). now deve ser monotônico (time.Now() no chamador real).
func (c *Controller) Limit(pool PoolStatus, queuedBytes int64, now time.Time) int64 {
	fair := fairShareBytes(pool, c.cfg.MinBuffers)
	burst := burstFactor(pool)

	c.updateEWMA(queuedBytes)
	c.updateSlowState(fair, now)
	if c.slowActive && burst > 0.8 {
		burst = 0.8
	}

	limit := float64(fair) * burst

	if pool.MaxBuffers > 0 {
		hardCap := int64(pool.MaxBuffers)*int64(pool.BufferSize) - c.cfg.ReserveBytes
		if int64(limit) > hardCap {
			limit = float64(hardCap)
		}
	}

	floor := float64(4 * pool.BufferSize)
	if limit < floor {
		limit = floor
	}
	return int64(limit)
}

func (c *Controller) updateEWMA(queuedBytes int64) {
	alpha := c.cfg.EWMAAlpha
	v := float64(queuedBytes)
	if !c.ewmaInit {
		c.ewmaBytes = v
		c.ewmaInit = true
		return
	}
	c.ewmaBytes = alpha*v + (1-alpha)*c.ewmaBytes
}

func (c *Controller) updateSlowState(fairBytes int64, now time.Time) {
	upperThreshold := 1.5 * float64(fairBytes)
	if c.ewmaBytes > upperThreshold {
		if c.slowSince.IsZero() {
			c.slowSince = now
		}
		if !c.slowActive && now.Sub(c.slowSince) >= c.cfg.SlowSustain {
			c.slowActive = true
		}
		return
	}

	// Histerese de saída: 1.1x fair_bytes, limitado a 0.9x o limiar de
	// entrada (upperThreshold), não ao limite atual da fila. Com o limiar de
	// entrada em 1.5x fair_bytes, o teto (1.35x) fica acima de 1.1x.
	lowerThreshold := 1.1 * float64(fairBytes)
	capped := 0.9 * upperThreshold
	if lowerThreshold > capped {
		lowerThreshold = capped
	}
	if c.ewmaBytes < lowerThreshold {
		c.slowActive = false
	}
	c.slowSince = time.Time{}
}

// SlowActive retorna se a conexão está atualmente classificada como lenta.
func (c *Controller) SlowActive() bool { return c.slowActive }

// EWMABytes expõe o valor suavizado atual — usado por testes e telemetria.
func (c *Controller) EWMABytes() float64 { return c.ewmaBytes }
