// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// NewLogger cria um slog.Logger configurado com o nível, formato e output especificados.
// Formatos suportados: "json" (default) e "text".
// Níveis suportados: "debug", "info" (default), "warn", "error".
// Se filePath não for vazio, grava logs em stdout + file (MultiWriter).
// Retorna o logger, um *slog.LevelVar compartilhado (ajustável em runtime via
// POST <status_route>/api/log-level) e um io.Closer que deve ser chamado no
// shutdown para fechar o arquivo. Se filePath for vazio, o Closer retornado é
// um no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, *slog.LevelVar, io.Closer) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(level))
	opts := &slog.HandlerOptions{Level: levelVar}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		rw, err := NewRotatableWriter(filePath)
		if err != nil {
			// Se não conseguir abrir o arquivo, loga stderr e continua só com stdout
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, rw)
			closer = rw
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), levelVar, closer
}

// RotatableWriter é um arquivo de log em modo append que pode ser fechado
// e reaberto no mesmo path sob demanda, compatível com o padrão
// copytruncate de logrotate externo: Rotate() nunca troca de nome de
// arquivo, apenas reabre o descritor após uma rotação externa ter
// truncado ou renomeado o arquivo original.
type RotatableWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewRotatableWriter abre (ou cria) o arquivo de log em path.
func NewRotatableWriter(path string) (*RotatableWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &RotatableWriter{path: path, f: f}, nil
}

func (r *RotatableWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

// Rotate fecha o descritor atual e reabre o mesmo path, pegando o arquivo
// que uma rotação externa (logrotate) criou em seu lugar.
func (r *RotatableWriter) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("closing log file before rotation: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopening log file after rotation: %w", err)
	}
	r.f = f
	return nil
}

func (r *RotatableWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
