// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, _, closer := NewLogger("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, _, closer := NewLogger("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormat(t *testing.T) {
	// Formato desconhecido deve cair no default (JSON)
	logger, _, closer := NewLogger("info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, _, closer := NewLogger(level, "json", "")
		defer closer.Close()
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
	}
}

func TestNewLogger_WithFileOutput(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	logger, _, closer := NewLogger("info", "json", logFile)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}

	// Escreve algo no log
	logger.Info("test message", "key", "value")

	// Fecha o closer para flush
	closer.Close()

	// Verifica que o arquivo foi criado e contém dados
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("expected log file to contain 'test message', got: %s", content)
	}
	if !strings.Contains(content, "key") {
		t.Errorf("expected log file to contain 'key', got: %s", content)
	}
}

func TestNewLogger_WithFileOutput_InvalidPath(t *testing.T) {
	// Path inválido — deve logar warning em stderr e retornar logger funcional
	logger, _, closer := NewLogger("info", "json", "/nonexistent/dir/test.log")
	defer closer.Close()

	if logger == nil {
		t.Fatal("expected non-nil logger even with invalid file path")
	}

	// Logger deve funcionar (stdout only)
	logger.Info("still works")
}

func TestNewLogger_LevelVarAdjustsAtRuntime(t *testing.T) {
	logger, levelVar, closer := NewLogger("info", "json", "")
	defer closer.Close()

	if levelVar.Level() != slog.LevelInfo {
		t.Fatalf("expected initial level info, got %v", levelVar.Level())
	}
	if logger.Enabled(nil, slog.LevelDebug) {
		t.Fatal("expected debug disabled at info level")
	}

	levelVar.Set(slog.LevelDebug)
	if !logger.Enabled(nil, slog.LevelDebug) {
		t.Fatal("expected debug enabled after raising level var")
	}
}
