// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/fcc"
	"github.com/streamgw/rtp2httpd/internal/netutil"
	"github.com/streamgw/rtp2httpd/internal/service"
	"github.com/streamgw/rtp2httpd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(t *testing.T) *buffer.Pool {
	t.Helper()
	return buffer.New(config.BufferConfig{
		SizeRaw: 2048,
		Initial: 8,
		Max:     64,
		Chunk:   8,
	}, testLogger())
}

func testContext(t *testing.T, pool *buffer.Pool, forward func(*buffer.Buffer)) *Context {
	t.Helper()
	cfg := &config.GatewayConfig{
		Reorder: config.ReorderConfig{WindowSize: 32, WaitTimeout: 40 * time.Millisecond},
	}
	svc := &service.Service{Type: service.TypeMRTP}
	c := New(cfg, pool, svc, testLogger(), forward)
	c.reorder = c.newReorder()
	return c
}

func rtpPacket(seq uint16, payload string) []byte {
	buf := make([]byte, 12+len(payload))
	buf[0] = 0x80
	buf[1] = 96
	buf[2] = byte(seq >> 8)
	buf[3] = byte(seq)
	copy(buf[12:], payload)
	return buf
}

func TestContext_OnOrderedPacketForwardsAndReleases(t *testing.T) {
	pool := testPool(t)
	var got []byte
	c := testContext(t, pool, func(b *buffer.Buffer) {
		got = append([]byte(nil), b.Bytes()...)
	})

	b, ok := pool.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	b.DataSize = copy(b.Data, []byte("payload"))

	c.onOrderedPacket(1, b)

	if string(got) != "payload" {
		t.Errorf("expected forward to receive %q, got %q", "payload", got)
	}
	if b.Refcount() != 0 {
		t.Errorf("expected buffer released after forwarding, refcount=%d", b.Refcount())
	}
}

func TestContext_MaybeCompleteSplice_NoopWithoutFCCSession(t *testing.T) {
	pool := testPool(t)
	c := testContext(t, pool, func(*buffer.Buffer) {})
	// Não deve entrar em pânico nem fazer nada sem sessão FCC.
	c.maybeCompleteSplice(42)
}

func testFCCSessionInMcastRequested(t *testing.T) *fcc.Session {
	t.Helper()
	cfg := config.FCCConfig{
		SignallingTimeout:  time.Second,
		FirstPacketTimeout: time.Second,
		UnicastTimeout:     time.Second,
		SyncWaitTimeout:    time.Second,
	}
	s := fcc.New(cfg, testLogger())
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 19999}
	if err := s.Start(serverAddr, "239.1.1.1:5000"); err != nil {
		t.Fatalf("fcc start: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	notify := []byte{wire.FCCTypeSyncNotify, 0, 0x01, 0x00} // JoinSequence = 0x0100
	s.HandleSignalPacket(serverAddr, notify, func([]byte) {})

	if s.State() != fcc.StateMcastRequested {
		t.Fatalf("expected MCAST_REQUESTED after sync notify, got %v", s.State())
	}
	return s
}

func TestContext_MaybeCompleteSplice_CompletesAtTargetSeq(t *testing.T) {
	pool := testPool(t)
	c := testContext(t, pool, func(*buffer.Buffer) {})
	c.fccSess = testFCCSessionInMcastRequested(t)
	c.spliceTargetSeq = 0x0100
	c.spliceTargetSet = true

	c.maybeCompleteSplice(0x00FF) // antes do alvo: ainda não completa
	if c.fccSess.State() != fcc.StateMcastRequested {
		t.Fatalf("expected still MCAST_REQUESTED before target seq, got %v", c.fccSess.State())
	}

	c.maybeCompleteSplice(0x0100) // no alvo: completa
	if c.fccSess.State() != fcc.StateMcastActive {
		t.Fatalf("expected MCAST_ACTIVE once target seq reached, got %v", c.fccSess.State())
	}
}

func TestContext_MaybeCompleteSplice_HandlesSeqWraparound(t *testing.T) {
	pool := testPool(t)
	c := testContext(t, pool, func(*buffer.Buffer) {})
	c.fccSess = testFCCSessionInMcastRequested(t)
	c.spliceTargetSeq = 65530
	c.spliceTargetSet = true

	c.maybeCompleteSplice(3) // 3 está adiante de 65530 após o wraparound de 16 bits
	if c.fccSess.State() != fcc.StateMcastActive {
		t.Fatalf("expected MCAST_ACTIVE after wraparound past target, got %v", c.fccSess.State())
	}
}

func testFCCSessionInRequested(t *testing.T) *fcc.Session {
	t.Helper()
	cfg := config.FCCConfig{
		SignallingTimeout:  time.Second,
		FirstPacketTimeout: time.Second,
		UnicastTimeout:     time.Second,
		SyncWaitTimeout:    time.Second,
	}
	s := fcc.New(cfg, testLogger())
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 19998}
	if err := s.Start(serverAddr, "239.1.1.1:5000"); err != nil {
		t.Fatalf("fcc start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestContext_ImmediateFallbackSkipsSpliceAndClosesFCC cobre spec.md §4.5:
// um fallback em REQUESTED/UNICAST_PENDING (nenhuma rajada unicast jamais
// chegou) deve ir direto para MCAST_ACTIVE sem passar pela máquina de
// splice, fechando o socket de sinalização FCC imediatamente em vez de
// deixá-lo preso em MCAST_REQUESTED para sempre.
func TestContext_ImmediateFallbackSkipsSpliceAndClosesFCC(t *testing.T) {
	pool := testPool(t)
	c := testContext(t, pool, func(*buffer.Buffer) {})
	c.fccSess = testFCCSessionInRequested(t)
	c.fccSess.State() // sanity: session starts in REQUESTED

	mcast := joinLoopbackMulticast(t)
	t.Cleanup(func() { mcast.Close() })
	c.mcast = mcast
	fd, err := netutil.RawFD(mcast.Conn())
	if err != nil {
		t.Fatalf("raw fd: %v", err)
	}
	c.mcastFD = fd

	c.handleFCCJoinMulticast(0, "first_packet_timeout", true)

	if c.spliceTargetSet {
		t.Fatal("expected no splice target to be set on an immediate fallback")
	}
	if c.fccFD != 0 {
		t.Fatalf("expected fccFD to be cleared after immediate fallback, got %d", c.fccFD)
	}
	for _, sock := range c.Sockets() {
		if sock.Kind == KindFCCSignal {
			t.Fatal("expected the FCC signal socket to no longer be registered after immediate fallback")
		}
	}
}

func TestContext_ForwardFCCUnicastTracksLastSeqAndOrders(t *testing.T) {
	pool := testPool(t)
	var delivered []string
	c := testContext(t, pool, func(b *buffer.Buffer) {
		delivered = append(delivered, string(b.Bytes()))
	})

	c.forwardFCCUnicast(rtpPacket(10, "a"))
	c.forwardFCCUnicast(rtpPacket(11, "b"))

	if !c.hasUnicastSeq || c.lastUnicastSeq != 11 {
		t.Errorf("expected lastUnicastSeq=11, got %d (hasUnicastSeq=%v)", c.lastUnicastSeq, c.hasUnicastSeq)
	}
	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "b" {
		t.Errorf("expected in-order delivery [a b], got %v", delivered)
	}
}

func joinLoopbackMulticast(t *testing.T) *netutil.McastSocket {
	t.Helper()
	group := &net.UDPAddr{IP: net.ParseIP("239.255.7.7"), Port: 0}
	sock, err := netutil.JoinMulticast(group, nil, nil)
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	return sock
}

func TestContext_Tick_ClosesOnMulticastDataTimeout(t *testing.T) {
	pool := testPool(t)
	sock := joinLoopbackMulticast(t)
	defer sock.Close()

	c := testContext(t, pool, func(*buffer.Buffer) {})
	c.cfg.McastDataTimeout = 10 * time.Millisecond
	c.mcast = sock
	c.lastMcastData = time.Now().Add(-time.Second)
	c.lastRejoin = time.Now()

	if alive := c.Tick(time.Now()); alive {
		t.Error("expected Tick to report closed after mcast data timeout")
	}
	if c.CloseReason() != "mcast_data_timeout" {
		t.Errorf("expected close reason mcast_data_timeout, got %q", c.CloseReason())
	}
}

func TestContext_Tick_StaysOpenBeforeTimeout(t *testing.T) {
	pool := testPool(t)
	sock := joinLoopbackMulticast(t)
	defer sock.Close()

	c := testContext(t, pool, func(*buffer.Buffer) {})
	c.cfg.McastDataTimeout = time.Minute
	c.mcast = sock
	c.lastMcastData = time.Now()
	c.lastRejoin = time.Now()

	if alive := c.Tick(time.Now()); !alive {
		t.Errorf("expected Tick to keep the context alive, got closeReason=%q", c.CloseReason())
	}
}

func TestContext_Sockets_ReflectsActiveUpstreams(t *testing.T) {
	pool := testPool(t)
	sock := joinLoopbackMulticast(t)
	defer sock.Close()

	c := testContext(t, pool, func(*buffer.Buffer) {})
	fd, err := netutil.RawFD(sock.Conn())
	if err != nil {
		t.Fatalf("raw fd: %v", err)
	}
	c.mcast = sock
	c.mcastFD = fd

	sockets := c.Sockets()
	if len(sockets) != 1 || sockets[0].Kind != KindMulticast || sockets[0].FD != fd {
		t.Errorf("expected single multicast socket, got %+v", sockets)
	}
}
