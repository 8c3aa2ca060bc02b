// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
listen: ":8554"
hostname: gw.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8554" {
		t.Errorf("expected listen ':8554', got %q", cfg.Listen)
	}
	if cfg.Workers != 1 {
		t.Errorf("expected default workers 1, got %d", cfg.Workers)
	}
	if cfg.StatusRoute != "status" {
		t.Errorf("expected default status route 'status', got %q", cfg.StatusRoute)
	}
	if cfg.AuthTokenKey != "r2h-token" {
		t.Errorf("expected default token key 'r2h-token', got %q", cfg.AuthTokenKey)
	}
	if cfg.RejoinInt != 30*time.Second {
		t.Errorf("expected default rejoin interval 30s, got %s", cfg.RejoinInt)
	}
	if cfg.Buffer.SizeRaw != 2048 {
		t.Errorf("expected default buffer size 2048, got %d", cfg.Buffer.SizeRaw)
	}
	if cfg.Buffer.Initial != 256 || cfg.Buffer.Max != 16384 {
		t.Errorf("unexpected buffer defaults: %+v", cfg.Buffer)
	}
	if cfg.Reorder.WindowSize != 32 {
		t.Errorf("expected default reorder window 32, got %d", cfg.Reorder.WindowSize)
	}
	if cfg.Backpressure.EWMAAlpha != 0.2 {
		t.Errorf("expected default EWMA alpha 0.2, got %f", cfg.Backpressure.EWMAAlpha)
	}
}

func TestLoad_StatusRouteStripsSlashes(t *testing.T) {
	path := writeTempConfig(t, `
status_page_route: "/admin/"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StatusRoute != "admin" {
		t.Errorf("expected stripped status route 'admin', got %q", cfg.StatusRoute)
	}
}

func TestLoad_ServicesValidation(t *testing.T) {
	path := writeTempConfig(t, `
services:
  ch1:
    url: "ch1"
    addr: "239.0.0.1:1234"
  ch2:
    url: "ch2"
    type: rtsp
    rtsp_url: "rtsp://example.com/ch2"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch1 := cfg.Services["ch1"]
	if ch1.Type != "mrtp" {
		t.Errorf("expected default type mrtp, got %q", ch1.Type)
	}
	ch2 := cfg.Services["ch2"]
	if ch2.Type != "rtsp" {
		t.Errorf("expected type rtsp, got %q", ch2.Type)
	}
}

func TestLoad_InvalidServiceType(t *testing.T) {
	path := writeTempConfig(t, `
services:
  bad:
    url: "bad"
    type: "bogus"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid service type")
	}
}

func TestLoad_MissingServiceURL(t *testing.T) {
	path := writeTempConfig(t, `
services:
  bad:
    type: mrtp
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing service url")
	}
}

func TestValidate_Idempotent(t *testing.T) {
	path := writeTempConfig(t, `
listen: ":9000"
buffer:
  size: "4kb"
  initial: 100
  max: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	beforeBuffer := cfg.Buffer
	beforeRejoin := cfg.RejoinInt
	if err := cfg.validate(); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if cfg.Buffer != beforeBuffer {
		t.Errorf("validate() is not idempotent on buffer config: before=%+v after=%+v", beforeBuffer, cfg.Buffer)
	}
	if cfg.RejoinInt != beforeRejoin {
		t.Errorf("validate() is not idempotent on rejoin interval: before=%s after=%s", beforeRejoin, cfg.RejoinInt)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"2kb":  2 * 1024,
		"4mb":  4 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
		"512":  512,
		"100b": 100,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := ParseByteSize("abc"); err == nil {
		t.Error("expected error for unparseable string")
	}
}

func TestBufferConfig_MaxLessThanInitial(t *testing.T) {
	path := writeTempConfig(t, `
buffer:
  initial: 1000
  max: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when max < initial")
	}
}
