// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fcc implementa a máquina de estados de Fast Channel Change
// descrita em spec.md §3/§4.4: uma rajada unicast é negociada com um
// servidor de sinalização para entregar os primeiros pacotes de uma
// stream sem esperar o próximo keyframe do grupo multicast, com splice
// para o multicast assim que o servidor sinaliza o ponto de junção. O
// desenho de máquina de estados segue ParallelSession do teacher
// (internal/server/handler.go), adaptado de "streams paralelos de
// backup" para "fontes de mídia em sequência".
package fcc

import (
	"log/slog"
	"net"
	"time"

	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/wire"
)

// State é um dos estados da máquina de FCC (spec.md §3 "FCC session").
type State int

const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateUnicastActive
	StateMcastRequested
	StateMcastActive
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRequested:
		return "REQUESTED"
	case StateUnicastPending:
		return "UNICAST_PENDING"
	case StateUnicastActive:
		return "UNICAST_ACTIVE"
	case StateMcastRequested:
		return "MCAST_REQUESTED"
	case StateMcastActive:
		return "MCAST_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Session é uma negociação FCC para uma única conexão de streaming.
// Não é seguro para uso concorrente: vive inteiramente dentro do worker
// dono da conexão (spec.md §5 "sem locking dentro do worker").
type Session struct {
	cfg    config.FCCConfig
	logger *slog.Logger

	state        State
	signalConn   *net.UDPConn
	serverAddr   *net.UDPAddr
	mediaPort    uint16
	channel      string
	requestedAt  time.Time
	lastPacketAt time.Time

	// JoinMulticast é chamado quando o servidor sinaliza (SyncNotify) ou
	// quando um timeout força a queda para multicast puro. joinSeq é o
	// primeiro número de sequência que deve vir do grupo multicast; valores
	// anteriores já foram (ou serão) entregues pela rajada unicast. immediate
	// é true quando o fallback ocorreu em REQUESTED/UNICAST_PENDING — nenhum
	// pacote unicast chegou a ser encaminhado, então não há splice a
	// completar e a sessão já está em MCAST_ACTIVE.
	JoinMulticast func(joinSeq uint16, reason string, immediate bool)
}

// New cria uma sessão FCC no estado INIT.
func New(cfg config.FCCConfig, logger *slog.Logger) *Session {
	return &Session{cfg: cfg, logger: logger, state: StateInit}
}

// State retorna o estado atual.
func (s *Session) State() State { return s.state }

// Start abre o socket de sinalização e envia o pedido de rajada unicast
// para serverAddr, transicionando para REQUESTED: a partir de INIT, ou de
// REQUESTED quando um redirect reinicia a negociação com outro servidor.
func (s *Session) Start(serverAddr *net.UDPAddr, channel string) error {
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return err
	}
	s.signalConn = conn
	s.serverAddr = serverAddr
	s.channel = channel
	s.requestedAt = time.Now()
	s.state = StateRequested

	req := wire.EncodeUnicastRequest(wire.UnicastRequest{Channel: channel})
	if _, err := conn.Write(req); err != nil {
		return err
	}
	s.logger.Debug("fcc unicast request sent", "server", serverAddr.String(), "channel", channel)
	return nil
}

// SignalConn expõe o socket de sinalização, cujo fd é registrado no epoll
// do worker (a posse do socket permanece com a Session).
func (s *Session) SignalConn() *net.UDPConn { return s.signalConn }

// HandleSignalPacket processa um datagrama recebido no socket de
// sinalização, despachando por tipo de mensagem (spec.md §4.4).
// forwardUnicast é chamado para cada pacote recebido do servidor pela porta
// de mídia negociada, qualquer que seja o estado; o primeiro deles move
// UNICAST_PENDING para UNICAST_ACTIVE.
func (s *Session) HandleSignalPacket(from *net.UDPAddr, buf []byte, forwardUnicast func([]byte)) {
	if !from.IP.Equal(s.serverAddr.IP) {
		s.logger.Warn("fcc packet from unknown source, dropping", "from", from.String())
		return
	}

	if from.Port == s.serverAddr.Port {
		s.handleControlPacket(buf)
		return
	}

	if s.mediaPort != 0 && from.Port == int(s.mediaPort) {
		s.lastPacketAt = time.Now()
		if s.state == StateUnicastPending {
			s.state = StateUnicastActive
		}
		forwardUnicast(buf)
		return
	}

	s.logger.Debug("fcc packet from unrecognized port, dropping", "from", from.String())
}

func (s *Session) handleControlPacket(buf []byte) {
	typ, err := wire.PeekFCCType(buf)
	if err != nil {
		return
	}
	switch typ {
	case wire.FCCTypeServerResponse:
		s.handleServerResponse(buf)
	case wire.FCCTypeSyncNotify:
		s.handleSyncNotify(buf)
	default:
		s.logger.Debug("fcc control packet with unknown type", "type", typ)
	}
}

func (s *Session) handleServerResponse(buf []byte) {
	resp, err := wire.DecodeServerResponse(buf)
	if err != nil {
		s.logger.Warn("fcc server response decode failed", "error", err)
		return
	}
	switch resp.Code {
	case wire.FCCResultOK:
		s.mediaPort = resp.MediaPort
		s.state = StateUnicastPending
		s.requestedAt = time.Now()
	case wire.FCCResultRedirect:
		// Redirect reseta a sessão para REQUESTED contra o novo servidor
		// (decisão registrada no documento de design: um redirect invalida
		// qualquer progresso feito contra o servidor anterior).
		addr, err := wire.ResolveRedirect(resp.RedirectAddr)
		if err != nil {
			s.logger.Warn("fcc redirect address invalid", "addr", resp.RedirectAddr, "error", err)
			s.fallbackToMulticast("redirect_invalid")
			return
		}
		s.signalConn.Close()
		if err := s.Start(addr, s.channel); err != nil {
			s.logger.Warn("fcc redirect restart failed", "error", err)
			s.fallbackToMulticast("redirect_restart_failed")
		}
	case wire.FCCResultReject:
		s.fallbackToMulticast("rejected")
	}
}

func (s *Session) handleSyncNotify(buf []byte) {
	notify, err := wire.DecodeSyncNotify(buf)
	if err != nil {
		s.logger.Warn("fcc sync notify decode failed", "error", err)
		return
	}
	s.state = StateMcastRequested
	s.requestedAt = time.Now()
	if s.JoinMulticast != nil {
		s.JoinMulticast(notify.JoinSequence, "sync_notify", false)
	}
}

// fallbackToMulticast aborta a negociação FCC e cai para multicast puro
// (spec.md §4.5). Quando o estado atual é REQUESTED ou UNICAST_PENDING,
// nenhum pacote unicast jamais foi encaminhado, então não existe rajada
// para emendar ao multicast: a sessão vai direto para MCAST_ACTIVE em vez
// de passar por MCAST_REQUESTED e pela máquina de splice.
func (s *Session) fallbackToMulticast(reason string) {
	immediate := s.state == StateRequested || s.state == StateUnicastPending
	if immediate {
		s.state = StateMcastActive
	} else {
		s.state = StateMcastRequested
	}
	s.requestedAt = time.Now()
	s.logger.Info("fcc falling back to multicast", "reason", reason, "immediate", immediate)
	if s.JoinMulticast != nil {
		s.JoinMulticast(0, reason, immediate)
	}
}

// ConfirmMulticastJoined transiciona para MCAST_ACTIVE uma vez que o
// primeiro pacote multicast pós-junção tenha sido observado pelo stream
// context.
func (s *Session) ConfirmMulticastJoined() {
	s.state = StateMcastActive
}

// Tick avalia os timeouts de sinalização (spec.md §4.4, caminhos de
// fallback): sem resposta do servidor em REQUESTED, sem primeiro pacote
// unicast em UNICAST_PENDING, rajada unicast parada em UNICAST_ACTIVE, e
// espera do splice em MCAST_REQUESTED. Em UNICAST_ACTIVE não há timeout de
// espera pela notificação de sincronismo: enquanto a rajada unicast segue
// chegando, a sessão só sai desse estado por uma SyncNotify.
func (s *Session) Tick(now time.Time) {
	switch s.state {
	case StateRequested:
		if now.Sub(s.requestedAt) >= s.cfg.SignallingTimeout {
			s.fallbackToMulticast("signalling_timeout")
		}
	case StateUnicastPending:
		if now.Sub(s.requestedAt) >= s.cfg.FirstPacketTimeout {
			s.fallbackToMulticast("first_packet_timeout")
		}
	case StateUnicastActive:
		if now.Sub(s.lastPacketAt) >= s.cfg.UnicastTimeout {
			s.fallbackToMulticast("unicast_timeout")
		}
	case StateMcastRequested:
		if now.Sub(s.requestedAt) >= s.cfg.SyncWaitTimeout {
			s.fallbackToMulticast("sync_wait_timeout")
		}
	}
}

// Close libera o socket de sinalização.
func (s *Session) Close() error {
	if s.signalConn == nil {
		return nil
	}
	return s.signalConn.Close()
}
