// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package playlist implementa o transform de M3U (spec.md §4.11): busca um
// playlist upstream configurado, reescreve entradas udp://, rtp:// e
// rtsp:// para caminhos relativos ao gateway, e armazena o resultado em
// cache por um TTL configurado. Grounded na forma
// fetch-then-cache-with-TTL de internal/server/observability/event_store.go
// (ali persistindo eventos em JSONL com rotação; aqui cacheando o payload
// renderizado em memória com expiração por tempo em vez de contagem de
// linhas).
package playlist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/streamgw/rtp2httpd/internal/ratelimit"
)

const fetchTimeout = 5 * time.Second

// Playlist serve o M3U transformado sob demanda, revalidando o upstream
// apenas quando o cache expira.
type Playlist struct {
	upstreamURL string
	cacheTTL    time.Duration
	bytesPerSec int64
	client      *http.Client
	logger      *slog.Logger

	mu       sync.Mutex
	cached   []byte
	cachedAt time.Time
}

// New cria um Playlist pronto para uso. upstreamURL vazio desabilita o
// colaborador (ServeHTTP sempre responde 404). bytesPerSec limita a taxa de
// escrita do corpo de resposta (<= 0 desabilita o throttle, spec.md §4.14).
func New(upstreamURL string, cacheTTL time.Duration, bytesPerSec int64, logger *slog.Logger) *Playlist {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Playlist{
		upstreamURL: upstreamURL,
		cacheTTL:    cacheTTL,
		bytesPerSec: bytesPerSec,
		client:      &http.Client{Timeout: fetchTimeout},
		logger:      logger,
	}
}

// ServeHTTP implementa o colaborador invocado pelo reator do worker
// (internal/worker/collab.go) para a rota reservada /playlist.m3u.
func (p *Playlist) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.upstreamURL == "" {
		http.Error(w, "playlist not configured", http.StatusNotFound)
		return
	}

	body, err := p.render(r.Context())
	if err != nil {
		p.logger.Warn("playlist render failed", "err", err)
		http.Error(w, "playlist unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(p.cacheTTL.Seconds())))

	tw := ratelimit.NewThrottledWriter(r.Context(), w, p.bytesPerSec)

	if acceptsGzip(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(tw)
		gz.Write(body)
		gz.Close()
		return
	}

	w.WriteHeader(http.StatusOK)
	tw.Write(body)
}

// acceptsGzip confere se o client anuncia suporte a gzip em Accept-Encoding,
// evitando a dependência de net/http's DetectContentType para algo tão
// simples quanto um grep por token.
func acceptsGzip(header string) bool {
	for _, tok := range strings.Split(header, ",") {
		if strings.TrimSpace(strings.SplitN(tok, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

// render retorna o payload cacheado se ainda válido, ou busca e reescreve o
// upstream quando o cache expirou.
func (p *Playlist) render(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.cached != nil && time.Since(p.cachedAt) < p.cacheTTL {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	raw, err := p.fetch(ctx)
	if err != nil {
		p.mu.Lock()
		stale := p.cached
		p.mu.Unlock()
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	rewritten := rewrite(raw)

	p.mu.Lock()
	p.cached = rewritten
	p.cachedAt = time.Now()
	p.mu.Unlock()

	return rewritten, nil
}

func (p *Playlist) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("playlist: building upstream request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playlist: fetching upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist: upstream returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("playlist: reading upstream body: %w", err)
	}
	return body, nil
}

// rewrite reescreve cada linha de entrada udp://, rtp:// ou rtsp:// do m3u
// para o caminho dinâmico correspondente deste gateway (spec.md §6). Linhas
// de comentário (#EXTM3U, #EXTINF, ...) e entradas já relativas passam
// intactas — a transformação é idempotente quando aplicada a um playlist já
// reescrito.
func rewrite(raw []byte) []byte {
	var out strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "", strings.HasPrefix(trimmed, "#"):
			out.WriteString(line)
		default:
			if rewritten, ok := rewriteEntry(trimmed); ok {
				out.WriteString(rewritten)
			} else {
				out.WriteString(line)
			}
		}
		out.WriteByte('\n')
	}
	return []byte(out.String())
}

// rewriteEntry converte uma única URI de entrada para o path dinâmico do
// gateway, quando reconhecida.
func rewriteEntry(entry string) (string, bool) {
	u, err := url.Parse(entry)
	if err != nil {
		return "", false
	}

	switch u.Scheme {
	case "udp", "rtp":
		rest := u.Host
		if u.User != nil {
			// "grupo:porta@fonte:porta" chega de url.Parse como userinfo@host.
			rest = u.User.String() + "@" + rest
		}
		if u.Path != "" {
			rest += u.Path
		}
		return "/" + u.Scheme + "/" + rest, true
	case "rtsp":
		return "/rtsp/" + u.Host + u.Path, true
	default:
		return "", false
	}
}
