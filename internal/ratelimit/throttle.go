// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ratelimit fornece um io.Writer com limitação de taxa baseada em
// token bucket, usado para respostas HTTP de controle (status page,
// playlist, snapshot) — o caminho de mídia já tem seu próprio controlador
// de fair-share em internal/backpressure e não passa por aqui.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst do rate limiter (256KB),
// alinhado ao tamanho típico de um corpo de resposta de controle.
const maxBurstSize = 256 * 1024

// ThrottledWriter é um io.Writer com rate limiting baseado em token bucket.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter cria um ThrottledWriter limitado a bytesPerSec
// bytes/segundo. Se bytesPerSec <= 0, retorna o writer original sem
// throttle (bypass).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write implementa io.Writer com rate limiting, dividindo escritas
// maiores que o burst em pedaços para consumir tokens gradualmente.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}
		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}
		p = p[n:]
	}
	return totalWritten, nil
}
