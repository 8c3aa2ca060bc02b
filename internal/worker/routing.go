// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"net/url"
	"strings"

	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/httpparse"
	"github.com/streamgw/rtp2httpd/internal/service"
)

// routeKind classifica o destino de uma requisição roteada (spec.md §4.3
// "Reserved paths (resolved in order)").
type routeKind int

const (
	routeNotFound routeKind = iota
	routeStatusPage
	routePlaylist
	routeStatusSSE
	routeControlDisconnect
	routeControlLogLevel
	routeMedia
)

// routeResult é o veredito da resolução de uma requisição já parseada.
type routeResult struct {
	kind    routeKind
	service *service.Service
}

// route resolve req contra as rotas reservadas e, na ausência de uma
// correspondência, contra o resolvedor de serviços configurado/dinâmico
// (spec.md §4.3). Erros de host/token já devem ter sido verificados pelo
// chamador antes de invocar route.
func route(cfg *config.GatewayConfig, resolver *service.Resolver, req *httpparse.Request) (routeResult, error) {
	path := normalizePath(req.Path)
	statusRoute := "/" + cfg.StatusRoute

	switch {
	case path == statusRoute:
		return routeResult{kind: routeStatusPage}, nil
	case path == "/playlist.m3u":
		return routeResult{kind: routePlaylist}, nil
	case path == statusRoute+"/sse":
		return routeResult{kind: routeStatusSSE}, nil
	case path == statusRoute+"/api/disconnect":
		return routeResult{kind: routeControlDisconnect}, nil
	case path == statusRoute+"/api/log-level":
		return routeResult{kind: routeControlLogLevel}, nil
	}

	svc, err := resolver.Resolve(path, req.Query, req.Header("User-Agent"))
	if err != nil {
		return routeResult{kind: routeNotFound}, err
	}
	return routeResult{kind: routeMedia, service: svc}, nil
}

// normalizePath remove exatamente uma barra final (spec.md §4.3 "Path
// normalization strips exactly one trailing slash").
func normalizePath(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

// snapshotTrigger identifica qual sinal de detecção de snapshot disparou
// para a requisição (spec.md §4.3). A distinção importa só no timeout do
// extrator: os dois gatilhos baseados em header/Accept permitem degradar
// para streaming; o gatilho baseado apenas em ?snapshot=1 não (confirmado
// em _examples/original_source/src/connection.c:750-781, que rastreia
// is_snapshot_request como 1 vs 2 com o mesmo propósito).
type snapshotTrigger int

const (
	snapshotTriggerNone snapshotTrigger = iota
	snapshotTriggerHeader
	snapshotTriggerQueryOnly
)

// allowsFallback reporta se este gatilho permite degradar para streaming
// normal quando o extrator não produz um frame a tempo.
func (t snapshotTrigger) allowsFallback() bool {
	return t == snapshotTriggerHeader
}

// detectSnapshotTrigger implementa a detecção de snapshot de spec.md §4.3:
// o header X-Request-Snapshot, um Accept contendo image/jpeg (ambos
// permitem fallback), ou o query param snapshot=1 isolado (não permite).
func detectSnapshotTrigger(req *httpparse.Request) snapshotTrigger {
	if req.Header("X-Request-Snapshot") != "" {
		return snapshotTriggerHeader
	}
	if strings.Contains(req.Header("Accept"), "image/jpeg") {
		return snapshotTriggerHeader
	}
	if req.Query.Get("snapshot") == "1" {
		return snapshotTriggerQueryOnly
	}
	return snapshotTriggerNone
}

// isSnapshotRequest reporta apenas se algum gatilho de snapshot disparou,
// sem distinguir qual — usado onde a distinção de fallback não importa.
func isSnapshotRequest(req *httpparse.Request) bool {
	return detectSnapshotTrigger(req) != snapshotTriggerNone
}

// decodedQuery re-parseia a query string já decodificada (URL-decode é
// idempotente sobre strings já decodificadas — spec.md §8).
func decodedQuery(raw string) (url.Values, error) {
	return url.ParseQuery(raw)
}
