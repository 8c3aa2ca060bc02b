// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fcc

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCfg() config.FCCConfig {
	return config.FCCConfig{
		SignallingTimeout:  20 * time.Millisecond,
		FirstPacketTimeout: 20 * time.Millisecond,
		UnicastTimeout:     20 * time.Millisecond,
		SyncWaitTimeout:    20 * time.Millisecond,
	}
}

func testServerAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
}

func TestSession_InitialStateIsInit(t *testing.T) {
	s := New(testCfg(), testLogger())
	if s.State() != StateInit {
		t.Errorf("expected INIT, got %v", s.State())
	}
}

func TestSession_ServerResponseTransitionsToUnicastPending(t *testing.T) {
	s := New(testCfg(), testLogger())
	s.state = StateRequested
	s.serverAddr = testServerAddr(t)
	s.requestedAt = time.Now()

	resp := []byte{wire.FCCTypeServerResponse, wire.FCCResultOK, 0x13, 0x88, 0, 0}
	s.handleServerResponse(mustDecodeAndReencode(t, resp))

	if s.State() != StateUnicastPending {
		t.Errorf("expected UNICAST_PENDING, got %v", s.State())
	}
	if s.mediaPort != 0x1388 {
		t.Errorf("expected media port 0x1388, got 0x%x", s.mediaPort)
	}
}

func mustDecodeAndReencode(t *testing.T, buf []byte) []byte {
	t.Helper()
	if _, err := wire.DecodeServerResponse(buf); err != nil {
		t.Fatalf("fixture itself invalid: %v", err)
	}
	return buf
}

func TestSession_RejectFallsBackToMulticast(t *testing.T) {
	var joined, gotImmediate bool
	s := New(testCfg(), testLogger())
	s.state = StateRequested
	s.serverAddr = testServerAddr(t)
	s.JoinMulticast = func(seq uint16, reason string, immediate bool) { joined = true; gotImmediate = immediate }

	resp := []byte{wire.FCCTypeServerResponse, wire.FCCResultReject, 0, 0, 0, 0}
	s.handleServerResponse(resp)

	// Nenhum pacote unicast jamais chegou a partir de REQUESTED: o fallback
	// vai direto para MCAST_ACTIVE, sem passar por splice (spec.md §4.5).
	if s.State() != StateMcastActive {
		t.Errorf("expected MCAST_ACTIVE after reject from REQUESTED, got %v", s.State())
	}
	if !joined {
		t.Error("expected JoinMulticast callback to fire")
	}
	if !gotImmediate {
		t.Error("expected immediate=true when falling back from REQUESTED")
	}
}

func TestSession_SyncNotifyRequestsMulticastJoin(t *testing.T) {
	var gotSeq uint16
	var gotImmediate bool
	s := New(testCfg(), testLogger())
	s.state = StateUnicastActive
	s.JoinMulticast = func(seq uint16, reason string, immediate bool) { gotSeq = seq; gotImmediate = immediate }

	notify := []byte{wire.FCCTypeSyncNotify, 0, 0x01, 0x00}
	s.handleSyncNotify(notify)

	if s.State() != StateMcastRequested {
		t.Errorf("expected MCAST_REQUESTED, got %v", s.State())
	}
	if gotSeq != 0x0100 {
		t.Errorf("expected join seq 0x100, got 0x%x", gotSeq)
	}
	if gotImmediate {
		t.Error("expected immediate=false on sync notify (splice still needed)")
	}
}

func TestSession_SignallingTimeoutFallsBack(t *testing.T) {
	var joined, gotImmediate bool
	s := New(testCfg(), testLogger())
	s.state = StateRequested
	s.requestedAt = time.Now().Add(-time.Second)
	s.JoinMulticast = func(seq uint16, reason string, immediate bool) { joined = true; gotImmediate = immediate }

	s.Tick(time.Now())

	// REQUESTED timed out before any unicast packet arrived: no splice
	// needed, so the session goes straight to MCAST_ACTIVE.
	if s.State() != StateMcastActive {
		t.Errorf("expected fallback to MCAST_ACTIVE, got %v", s.State())
	}
	if !joined {
		t.Error("expected JoinMulticast callback on signalling timeout")
	}
	if !gotImmediate {
		t.Error("expected immediate=true when falling back from REQUESTED")
	}
}

func TestSession_UnicastActiveDoesNotTimeoutBeforeBudget(t *testing.T) {
	s := New(testCfg(), testLogger())
	s.state = StateUnicastActive
	s.lastPacketAt = time.Now()

	s.Tick(time.Now())

	if s.State() != StateUnicastActive {
		t.Errorf("expected to remain in UNICAST_ACTIVE, got %v", s.State())
	}
}

func TestSession_UnicastTimeoutFallsBackWithSplice(t *testing.T) {
	var gotImmediate = true
	s := New(testCfg(), testLogger())
	s.state = StateUnicastActive
	s.lastPacketAt = time.Now().Add(-time.Second)
	s.JoinMulticast = func(seq uint16, reason string, immediate bool) { gotImmediate = immediate }

	s.Tick(time.Now())

	// UNICAST_ACTIVE means a unicast burst was already in flight: the
	// splice machinery is still needed, so this is not an immediate
	// fallback even though it times out.
	if s.State() != StateMcastRequested {
		t.Errorf("expected MCAST_REQUESTED, got %v", s.State())
	}
	if gotImmediate {
		t.Error("expected immediate=false when a unicast burst was already active")
	}
}

func TestSession_ConfirmMulticastJoined(t *testing.T) {
	s := New(testCfg(), testLogger())
	s.state = StateMcastRequested
	s.ConfirmMulticastJoined()
	if s.State() != StateMcastActive {
		t.Errorf("expected MCAST_ACTIVE, got %v", s.State())
	}
}
