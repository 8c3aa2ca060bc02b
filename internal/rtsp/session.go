// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rtsp implementa a máquina de estados do canal de controle RTSP
// descrita em spec.md §3/§4.4: INIT → OPTIONS → DESCRIBE → SETUP → PLAY →
// PLAYING, com ingestão de RTP via framing interleaved (RFC 2326 §10.12,
// internal/wire) na própria conexão TCP de controle; transporte UDP
// separado não é negociado. O estilo de
// requisição/CSeq/timeout segue o handshake do control channel do teacher
// (internal/agent/control_channel.go), adaptado ao protocolo de texto do
// RTSP em vez do protocolo binário de backup.
package rtsp

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/wire"
)

// State é um dos estados da máquina de controle RTSP.
type State int

const (
	StateInit State = iota
	StateOptions
	StateDescribe
	StateSetup
	StatePlay
	StatePlaying
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOptions:
		return "OPTIONS"
	case StateDescribe:
		return "DESCRIBE"
	case StateSetup:
		return "SETUP"
	case StatePlay:
		return "PLAY"
	case StatePlaying:
		return "PLAYING"
	case StateTearingDown:
		return "TEARING_DOWN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport descreve o transporte negociado no SETUP.
type Transport struct {
	Interleaved  bool
	RTPChannel   byte // só válido quando Interleaved
	RTCPChannel  byte
	ClientRTPPort int // só válido quando !Interleaved
	ServerRTPPort int
}

// Session é uma sessão de controle RTSP para uma conexão de streaming.
type Session struct {
	cfg    config.RTSPConfig
	logger *slog.Logger

	conn      net.Conn
	br        *bufio.Reader
	targetURL *url.URL
	cseq      int
	sessionID string
	transport Transport

	state           State
	lastKeepaliveAt time.Time
	teardownDone    bool
}

// New cria uma sessão RTSP desconectada.
func New(cfg config.RTSPConfig, logger *slog.Logger) *Session {
	return &Session{cfg: cfg, logger: logger, state: StateInit}
}

// State retorna o estado atual.
func (s *Session) State() State { return s.state }

// Connect abre a conexão TCP de controle para o RTSP target e começa a
// progressão da máquina de estados (OPTIONS).
func (s *Session) Connect(targetURL *url.URL) error {
	s.targetURL = targetURL
	conn, err := net.DialTimeout("tcp", targetURL.Host, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("rtsp: dial %s: %w", targetURL.Host, err)
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.state = StateOptions
	return s.sendOptions()
}

func (s *Session) nextCSeq() int {
	s.cseq++
	return s.cseq
}

func (s *Session) sendRequest(method, uri string, extraHeaders map[string]string) error {
	cseq := s.nextCSeq()
	req := fmt.Sprintf("%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, uri, cseq)
	if s.sessionID != "" {
		req += fmt.Sprintf("Session: %s\r\n", s.sessionID)
	}
	for k, v := range extraHeaders {
		req += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	req += "\r\n"
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ResponseTimeout))
	}
	_, err := s.conn.Write([]byte(req))
	return err
}

func (s *Session) readResponse() (wire.StatusLine, map[string]string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ResponseTimeout))
	return wire.ReadRTSPResponse(s.br)
}

func (s *Session) sendOptions() error {
	if err := s.sendRequest("OPTIONS", s.targetURL.String(), nil); err != nil {
		return err
	}
	status, _, err := s.readResponse()
	if err != nil {
		return fmt.Errorf("rtsp: OPTIONS: %w", err)
	}
	if status.Code != 200 {
		return fmt.Errorf("rtsp: OPTIONS rejected: %d %s", status.Code, status.Reason)
	}
	s.state = StateDescribe
	return s.sendDescribe()
}

func (s *Session) sendDescribe() error {
	if err := s.sendRequest("DESCRIBE", s.targetURL.String(), map[string]string{"Accept": "application/sdp"}); err != nil {
		return err
	}
	status, headers, err := s.readResponse()
	if err != nil {
		return fmt.Errorf("rtsp: DESCRIBE: %w", err)
	}
	if status.Code != 200 {
		return fmt.Errorf("rtsp: DESCRIBE rejected: %d %s", status.Code, status.Reason)
	}
	if err := s.drainBody(headers); err != nil {
		return fmt.Errorf("rtsp: DESCRIBE body: %w", err)
	}
	s.state = StateSetup
	return s.sendSetup()
}

func (s *Session) drainBody(headers map[string]string) error {
	lenStr, ok := headers["Content-Length"]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	_, err = fullRead(s.br, buf)
	return err
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sendSetup negocia transporte interleaved sobre TCP (canais 0/1). Não há
// opção de transporte UDP: o header Transport é sempre este.
func (s *Session) sendSetup() error {
	transportHeader := "RTP/AVP/TCP;interleaved=0-1"
	if err := s.sendRequest("SETUP", s.targetURL.String(), map[string]string{"Transport": transportHeader}); err != nil {
		return err
	}
	status, headers, err := s.readResponse()
	if err != nil {
		return fmt.Errorf("rtsp: SETUP: %w", err)
	}
	if status.Code != 200 {
		return fmt.Errorf("rtsp: SETUP rejected: %d %s", status.Code, status.Reason)
	}
	s.sessionID = parseSessionHeader(headers["Session"])
	s.transport = Transport{Interleaved: true, RTPChannel: 0, RTCPChannel: 1}
	s.state = StatePlay
	return s.sendPlay()
}

func parseSessionHeader(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == ';' {
			return v[:i]
		}
	}
	return v
}

func (s *Session) sendPlay() error {
	if err := s.sendRequest("PLAY", s.targetURL.String(), map[string]string{"Range": "npt=0.000-"}); err != nil {
		return err
	}
	status, _, err := s.readResponse()
	if err != nil {
		return fmt.Errorf("rtsp: PLAY: %w", err)
	}
	if status.Code != 200 {
		return fmt.Errorf("rtsp: PLAY rejected: %d %s", status.Code, status.Reason)
	}
	s.state = StatePlaying
	s.lastKeepaliveAt = time.Now()
	return nil
}

// Transport retorna o transporte negociado, válido após SETUP.
func (s *Session) Transport() Transport { return s.transport }

// Reader expõe o leitor bufferizado sobre o socket de controle, usado
// pelo stream context para demultiplexar frames interleaved ($) de
// respostas RTSP fora de banda (ex.: keepalive OPTIONS assíncrono).
func (s *Session) Reader() *bufio.Reader { return s.br }

// Conn expõe o socket de controle para registro no epoll do worker.
func (s *Session) Conn() net.Conn { return s.conn }

// Tick envia um keepalive OPTIONS quando o intervalo configurado decorre
// em PLAYING (spec.md §4.4 "RTSP UDP keepalive").
func (s *Session) Tick(now time.Time) {
	if s.state != StatePlaying {
		return
	}
	if now.Sub(s.lastKeepaliveAt) < s.cfg.KeepaliveInterval {
		return
	}
	s.lastKeepaliveAt = now
	if err := s.sendRequest("OPTIONS", s.targetURL.String(), nil); err != nil {
		s.logger.Warn("rtsp keepalive failed", "error", err)
		return
	}
	if _, _, err := s.readResponse(); err != nil {
		s.logger.Warn("rtsp keepalive response failed", "error", err)
	}
}

// Teardown inicia um TEARDOWN assíncrono; TeardownDone reporta quando a
// resposta chegou (spec.md §4.4 "Cancellation").
func (s *Session) Teardown() error {
	s.state = StateTearingDown
	return s.sendRequest("TEARDOWN", s.targetURL.String(), nil)
}

// PollTeardown deve ser chamado quando dados chegam no socket de controle
// durante TEARING_DOWN; consome a resposta e marca a sessão como fechada.
func (s *Session) PollTeardown() {
	if s.state != StateTearingDown {
		return
	}
	if _, _, err := s.readResponse(); err != nil {
		s.logger.Debug("rtsp teardown response read failed", "error", err)
	}
	s.teardownDone = true
	s.state = StateClosed
}

// TeardownDone reporta se o TEARDOWN assíncrono já completou.
func (s *Session) TeardownDone() bool { return s.teardownDone }

// Close fecha o socket de controle.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
