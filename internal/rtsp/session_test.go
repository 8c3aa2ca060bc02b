// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rtsp

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
)

func testCfg() config.RTSPConfig {
	return config.RTSPConfig{
		ConnectTimeout:    time.Second,
		ResponseTimeout:   time.Second,
		KeepaliveInterval: 20 * time.Millisecond,
	}
}

// fakeRTSPServer responde OPTIONS/DESCRIBE/SETUP/PLAY com respostas fixas
// o bastante para exercitar a progressão da máquina de estados.
func fakeRTSPServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			method := line[:indexSpace(line)]
			for {
				h, err := br.ReadString('\n')
				if err != nil || h == "\r\n" {
					break
				}
			}
			switch method {
			case "OPTIONS":
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n")
			case "DESCRIBE":
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 2\r\nContent-Length: 0\r\n\r\n")
			case "SETUP":
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 3\r\nSession: abc123;timeout=60\r\nTransport: RTP/AVP/TCP;interleaved=0-1\r\n\r\n")
			case "PLAY":
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 4\r\n\r\n")
			case "TEARDOWN":
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 5\r\n\r\n")
				return
			default:
				io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: 99\r\n\r\n")
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func indexSpace(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return i
		}
	}
	return len(s)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSession_ConnectProgressesToPlaying(t *testing.T) {
	addr, stop := fakeRTSPServer(t)
	defer stop()

	s := New(testCfg(), testLogger())
	target, _ := url.Parse("rtsp://" + addr + "/stream")
	target.Host = addr
	if err := s.Connect(target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if s.State() != StatePlaying {
		t.Errorf("expected PLAYING, got %v", s.State())
	}
	if s.sessionID != "abc123" {
		t.Errorf("expected session id abc123, got %q", s.sessionID)
	}
	if !s.Transport().Interleaved {
		t.Error("expected interleaved transport")
	}
}

func TestSession_TeardownClosesSession(t *testing.T) {
	addr, stop := fakeRTSPServer(t)
	defer stop()

	s := New(testCfg(), testLogger())
	target, _ := url.Parse("rtsp://" + addr + "/stream")
	target.Host = addr
	if err := s.Connect(target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.Teardown(); err != nil {
		t.Fatalf("unexpected teardown error: %v", err)
	}
	s.PollTeardown()
	if !s.TeardownDone() {
		t.Error("expected teardown to complete")
	}
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", s.State())
	}
}
