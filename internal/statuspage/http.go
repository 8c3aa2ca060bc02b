// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statuspage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamgw/rtp2httpd/internal/ratelimit"
)

// Disconnector desconecta um cliente ativo por índice de slot, usado pela
// API de controle (spec.md §4.10 "/api/disconnect").
type Disconnector interface {
	Disconnect(slot int) bool
}

// Router monta o http.Handler de status/SSE/control API sobre uma Table
// (spec.md §4.10). Desacoplado de internal/worker via as interfaces
// Disconnector e *slog.LevelVar, espelhando a separação HandlerMetrics do
// router de observability/http.go.
type Router struct {
	table       *Table
	disc        Disconnector
	levelVar    *slog.LevelVar
	logger      *slog.Logger
	bytesPerSec int64
}

// NewRouter cria o roteador de status page para o prefixo route (sem
// barras), montando GET <route>, GET <route>/sse, POST
// <route>/api/disconnect e POST <route>/api/log-level. bytesPerSec limita a
// taxa de escrita dos corpos de resposta (JSON/SSE); <= 0 desabilita o
// throttle (spec.md §4.14).
func NewRouter(table *Table, disc Disconnector, levelVar *slog.LevelVar, logger *slog.Logger, bytesPerSec int64) http.Handler {
	rt := &Router{table: table, disc: disc, levelVar: levelVar, logger: logger, bytesPerSec: bytesPerSec}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rt.handleSnapshot)
	mux.HandleFunc("GET /sse", rt.handleSSE)
	mux.HandleFunc("POST /api/disconnect", rt.handleDisconnect)
	mux.HandleFunc("POST /api/log-level", rt.handleLogLevel)
	return mux
}

func (rt *Router) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	slots := rt.table.Snapshot()
	resp := SnapshotResponse{Clients: make([]SlotDTO, 0, len(slots))}
	for _, s := range slots {
		resp.Clients = append(resp.Clients, newSlotDTO(s))
	}
	writeJSON(r.Context(), w, rt.bytesPerSec, http.StatusOK, resp)
}

// handleSSE emite um snapshot completo a cada segundo como um evento
// "snapshot", até o cliente desconectar (spec.md §4.10 "SSE one delta per
// second"). Grounded em events.go's ring-buffer-push-per-tick, adaptado
// para polling periódico da Table em vez de leitura do ring.
func (rt *Router) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	tw := ratelimit.NewThrottledWriter(ctx, w, rt.bytesPerSec)

	rt.writeSnapshotEvent(tw)
	flusher.Flush()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.writeSnapshotEvent(tw)
			flusher.Flush()
		}
	}
}

func (rt *Router) writeSnapshotEvent(w io.Writer) {
	slots := rt.table.Snapshot()
	dtos := make([]SlotDTO, 0, len(slots))
	for _, s := range slots {
		dtos = append(dtos, newSlotDTO(s))
	}
	payload, err := json.Marshal(SnapshotResponse{Clients: dtos})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload)
}

func (rt *Router) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	slot := -1
	if req.Index != nil {
		slot = *req.Index
	} else if req.RemoteAddr != "" {
		idx, found := rt.table.FindByRemoteAddr(req.RemoteAddr)
		if !found {
			http.Error(w, "client not found", http.StatusNotFound)
			return
		}
		slot = idx
	} else {
		http.Error(w, "index or remote_addr required", http.StatusBadRequest)
		return
	}

	if rt.disc == nil || !rt.disc.Disconnect(slot) {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogLevel ajusta o nível de log em runtime sem reiniciar o processo
// (spec.md §4.10 "/api/log-level"), mutando o slog.LevelVar compartilhado
// criado por internal/logging.
func (rt *Router) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(req.Level)); err != nil {
		http.Error(w, "invalid level: "+req.Level, http.StatusBadRequest)
		return
	}

	if rt.levelVar == nil {
		http.Error(w, "log level is not adjustable on this instance", http.StatusServiceUnavailable)
		return
	}
	rt.levelVar.Set(level)
	if rt.logger != nil {
		rt.logger.Info("log level adjusted", "level", level.String())
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, bytesPerSec int64, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(ratelimit.NewThrottledWriter(ctx, w, bytesPerSec))
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
