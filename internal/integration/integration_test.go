// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package integration exercita o gateway fim a fim: um worker real
// escutando num socket TCP efêmero, alimentado por pacotes multicast UDP
// de loopback, consumido por um cliente HTTP comum.
package integration

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/statuspage"
	"github.com/streamgw/rtp2httpd/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWorker monta um worker pronto para aceitar conexões numa porta
// efêmera de loopback e o roda em background até o teste terminar.
func startWorker(t *testing.T, cfg *config.GatewayConfig) *worker.Worker {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	cfg.StatusRoute = "status"

	pool := buffer.New(config.BufferConfig{
		SizeRaw: 2048,
		Initial: 16,
		Max:     256,
		Chunk:   16,
	}, testLogger())

	w, err := worker.New(worker.Config{
		ID:          0,
		Gateway:     cfg,
		Pool:        pool,
		StatusTable: statuspage.New(),
		LogLevelVar: &slog.LevelVar{},
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(t.Context())
	}()
	t.Cleanup(func() { <-done })

	return w
}

// sendMulticastPackets envia payloads UDP para o endereço de grupo dado,
// simulando a fonte multicast upstream deste teste.
func sendMulticastPackets(t *testing.T, group string, payloads [][]byte) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		t.Fatalf("resolving multicast group %q: %v", group, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("dialing multicast group %q: %v", group, err)
	}
	defer conn.Close()

	for _, p := range payloads {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("writing multicast packet: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEnd_PlainMulticastStreaming(t *testing.T) {
	const group = "239.255.9.11:15004"
	cfg := &config.GatewayConfig{
		Services: map[string]config.ServiceConfig{
			"news": {Type: "mrtp", URL: group},
		},
	}
	w := startWorker(t, cfg)

	conn, err := net.DialTimeout("tcp", w.Addr().String(), time.Second)
	if err != nil {
		t.Skipf("multicast streaming unavailable in this environment: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /news HTTP/1.1\r\nHost: gateway\r\n\r\n")

	// Dá tempo ao worker para aceitar, rotear e entrar no grupo multicast
	// antes de começar a injetar pacotes.
	time.Sleep(100 * time.Millisecond)

	payload := make([]byte, 188)
	payload[0] = 0x47
	sendMulticastPackets(t, group, [][]byte{payload, payload})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Skipf("no response read, likely no multicast route in this environment: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Fatalf("Content-Type = %q, want video/mp2t", ct)
	}

	buf := make([]byte, len(payload))
	n, err := io.ReadFull(reader, buf)
	if err != nil {
		t.Fatalf("reading streamed body: %v (read %d bytes)", err, n)
	}
	if buf[0] != 0x47 {
		t.Fatalf("first streamed byte = %#x, want TS sync byte 0x47", buf[0])
	}
}

func TestEndToEnd_HeadRequestReturnsHeadersOnly(t *testing.T) {
	cfg := &config.GatewayConfig{
		Services: map[string]config.ServiceConfig{
			"news": {Type: "mrtp", URL: "239.255.9.12:15005"},
		},
	}
	w := startWorker(t, cfg)

	conn, err := net.DialTimeout("tcp", w.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dialing worker: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "HEAD /news HTTP/1.1\r\nHost: gateway\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// A conexão deve fechar logo após os cabeçalhos, sem corpo. Uma leitura
	// adicional deve retornar EOF (ou erro de conexão fechada).
	extra := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if n, err := reader.Read(extra); err == nil && n > 0 {
		t.Fatalf("expected no body after HEAD response, got byte %#x", extra[0])
	}
}

func TestEndToEnd_MissingAuthTokenIsRejected(t *testing.T) {
	cfg := &config.GatewayConfig{
		AuthToken:    "s3cr3t",
		AuthTokenKey: "r2h-token",
		Services: map[string]config.ServiceConfig{
			"news": {Type: "mrtp", URL: "239.255.9.13:15006"},
		},
	}
	w := startWorker(t, cfg)

	conn, err := net.DialTimeout("tcp", w.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dialing worker: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /news HTTP/1.1\r\nHost: gateway\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEndToEnd_CorrectAuthTokenIsAccepted(t *testing.T) {
	const group = "239.255.9.14:15007"
	cfg := &config.GatewayConfig{
		AuthToken:    "s3cr3t",
		AuthTokenKey: "r2h-token",
		Services: map[string]config.ServiceConfig{
			"news": {Type: "mrtp", URL: group},
		},
	}
	w := startWorker(t, cfg)

	conn, err := net.DialTimeout("tcp", w.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dialing worker: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "HEAD /news?r2h-token=s3cr3t HTTP/1.1\r\nHost: gateway\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
