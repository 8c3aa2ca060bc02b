// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/streamgw/rtp2httpd/internal/buffer"
)

const (
	contentTypeMPEGTS   = "video/mp2t"
	contentTypeJPEG     = "image/jpeg"
	contentTypePlaylist = "audio/x-mpegurl"
)

// statusText retorna o texto de status HTTP/1.1, com um fallback para os
// poucos códigos que este gateway emite (spec.md §6 "Response").
func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Unknown"
}

// buildResponseHeaders monta a linha de status e os cabeçalhos de uma
// resposta, sem corpo — usado tanto por HEAD quanto para o preâmbulo de
// streaming (spec.md §4.3 "Response headers are sent immediately for
// streaming mode").
func buildResponseHeaders(status int, contentType string, extra map[string]string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&sb, "Content-Type: %s\r\n", contentType)
	sb.WriteString("Connection: close\r\n")
	sb.WriteString("Cache-Control: no-cache\r\n")
	for k, v := range extra {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// errorResponse monta uma resposta de erro curta e completa (linha de
// status + corpo de texto), usada para os caminhos de rejeição de
// spec.md §7 (400/401/404/500/503).
func errorResponse(status int) []byte {
	body := statusText(status) + "\n"
	headers := buildResponseHeaders(status, "text/plain; charset=utf-8", map[string]string{
		"Content-Length": fmt.Sprintf("%d", len(body)),
	})
	return append(headers, body...)
}

// splitIntoControlBuffers copia data em uma sequência de buffers alocados
// via pool.AllocControl, dividindo através de múltiplos buffers quando data
// excede o tamanho de um único buffer (spec.md §9, segunda "Open
// question": "a single payload larger than the buffer ... implementer
// should document this or adopt multi-buffer recv" — aqui adotamos
// multi-buffer em vez de truncar). Retorna false se o pool não pôde
// fornecer buffers suficientes (reserva de controle esgotada).
func splitIntoControlBuffers(pool *buffer.Pool, data []byte) ([]*buffer.Buffer, bool) {
	var out []*buffer.Buffer
	for len(data) > 0 {
		b, ok := pool.AllocControl()
		if !ok {
			for _, used := range out {
				used.Release()
			}
			return nil, false
		}
		n := copy(b.Data, data)
		b.DataSize = n
		out = append(out, b)
		data = data[n:]
	}
	return out, true
}
