// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream funde a recepção multicast, a negociação FCC, o
// controle RTSP e o reorder de RTP num único pipeline de despacho por
// conexão (spec.md §4.4). Grounded em internal/server/handler.go's
// per-connection dispatch mais o tick periódico de
// internal/server/server.go — aqui generalizado de "sessão de backup
// paralela" para "contexto de ingestão de mídia upstream".
package stream

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/fcc"
	"github.com/streamgw/rtp2httpd/internal/netutil"
	"github.com/streamgw/rtp2httpd/internal/reorder"
	"github.com/streamgw/rtp2httpd/internal/rtsp"
	"github.com/streamgw/rtp2httpd/internal/service"
	"github.com/streamgw/rtp2httpd/internal/wire"
)

// SocketKind identifica o papel de um fd upstream para o despacho do
// worker (spec.md §4.4 "Per event on an upstream fd").
type SocketKind int

const (
	KindMulticast SocketKind = iota
	KindFCCSignal
	KindRTSPControl
)

func (k SocketKind) String() string {
	switch k {
	case KindMulticast:
		return "multicast"
	case KindFCCSignal:
		return "fcc_signal"
	case KindRTSPControl:
		return "rtsp_control"
	default:
		return "unknown"
	}
}

// Socket é um fd upstream que o worker deve registrar no epoll.
type Socket struct {
	FD   int
	Kind SocketKind
}

// Context é o pipeline de ingestão upstream de uma única conexão
// streaming. Não é seguro para uso concorrente — vive inteiramente
// dentro do worker que a possui (spec.md §5).
type Context struct {
	logger *slog.Logger
	pool   *buffer.Pool
	svc    *service.Service
	cfg    *config.GatewayConfig

	// forward entrega um buffer totalmente ordenado e desduplicado ao
	// dono da conexão (tipicamente internal/sendqueue.Queue.QueueBuf).
	// Chamado com exatamente uma referência por invocação; o contexto a
	// libera em seguida.
	forward func(payload *buffer.Buffer)

	mcast         *netutil.McastSocket
	mcastFD       int
	lastMcastData time.Time
	lastRejoin    time.Time

	fccSess         *fcc.Session
	fccFD           int
	lastUnicastSeq  uint16
	hasUnicastSeq   bool
	spliceTargetSeq uint16
	spliceTargetSet bool

	rtspSess  *rtsp.Session
	rtspCtlFD int

	reorder *reorder.Reorder

	closed      bool
	closeReason string
}

// New cria um Context sem iniciar nenhuma conexão upstream — chame Start
// em seguida.
func New(cfg *config.GatewayConfig, pool *buffer.Pool, svc *service.Service, logger *slog.Logger, forward func(*buffer.Buffer)) *Context {
	return &Context{
		logger:  logger.With("component", "stream", "service", svc.String()),
		pool:    pool,
		svc:     svc,
		cfg:     cfg,
		forward: forward,
	}
}

// Start escolhe o caminho de ingestão (RTSP, FCC ou multicast puro) e o
// inicia (spec.md §4.4 "Initialization chooses one of three ingress paths").
func (c *Context) Start() error {
	c.reorder = c.newReorder()

	switch c.svc.Type {
	case service.TypeRTSP:
		return c.startRTSP()
	default:
		if c.svc.FCCAddr != nil {
			return c.startFCC()
		}
		return c.joinMulticast(c.svc.Addr, c.svc.Source)
	}
}

func (c *Context) newReorder() *reorder.Reorder {
	return reorder.New(c.cfg.Reorder, c.onOrderedPacket)
}

// onOrderedPacket é o callback de encaminhamento do reorder buffer: entrega
// ao dono da conexão e libera a referência que o reorder possuía.
func (c *Context) onOrderedPacket(seq uint16, payload *buffer.Buffer) {
	c.forward(payload)
	payload.Release()
	c.maybeCompleteSplice(seq)
}

// maybeCompleteSplice implementa spec.md §4.5 "MCAST_REQUESTED→MCAST_ACTIVE":
// uma vez que o multicast produziu um pacote cujo seq alcançou ou passou o
// último seq unicast encaminhado, a fonte unicast é descartada.
func (c *Context) maybeCompleteSplice(mcastSeq uint16) {
	if c.fccSess == nil || c.fccSess.State() != fcc.StateMcastRequested {
		return
	}
	if !c.spliceTargetSet {
		return
	}
	if int32(int16(mcastSeq-c.spliceTargetSeq)) >= 0 {
		c.fccSess.ConfirmMulticastJoined()
		c.closeFCC()
		c.logger.Info("fcc splice complete", "mcast_seq", mcastSeq, "target_seq", c.spliceTargetSeq)
	}
}

func (c *Context) joinMulticast(group, source *net.UDPAddr) error {
	sock, err := netutil.JoinMulticast(group, source, nil)
	if err != nil {
		return fmt.Errorf("stream: joining multicast: %w", err)
	}
	c.mcast = sock
	fd, err := netutil.RawFD(sock.Conn())
	if err != nil {
		sock.Close()
		return fmt.Errorf("stream: multicast raw fd: %w", err)
	}
	c.mcastFD = fd
	c.lastMcastData = time.Now()
	c.lastRejoin = time.Now()
	return nil
}

func (c *Context) startFCC() error {
	c.fccSess = fcc.New(c.cfg.FCC, c.logger)
	c.fccSess.JoinMulticast = c.handleFCCJoinMulticast
	if err := c.fccSess.Start(c.svc.FCCAddr, c.svc.String()); err != nil {
		return fmt.Errorf("stream: starting fcc: %w", err)
	}
	fd, err := netutil.RawFD(c.fccSess.SignalConn())
	if err != nil {
		return fmt.Errorf("stream: fcc signal raw fd: %w", err)
	}
	c.fccFD = fd
	return nil
}

// handleFCCJoinMulticast é invocado pela sessão FCC quando é hora de
// entrar no grupo multicast (sync notify ou timeout de fallback). Idempotente:
// uma segunda chamada com o grupo já unido não reabre o socket.
func (c *Context) handleFCCJoinMulticast(joinSeq uint16, reason string, immediate bool) {
	if immediate {
		// Fallback em REQUESTED/UNICAST_PENDING: nenhuma rajada unicast foi
		// encaminhada, então não há splice a completar (spec.md §4.5). A
		// sessão já está em MCAST_ACTIVE — junta ao multicast se necessário
		// e fecha o socket de sinalização FCC imediatamente, em vez de
		// deixá-lo registrado em Sockets() pelo resto da conexão.
		if c.mcast == nil {
			if err := c.joinMulticast(c.svc.Addr, c.svc.Source); err != nil {
				c.logger.Error("fcc failed to join multicast on fallback", "error", err, "reason", reason)
				c.closed = true
				c.closeReason = "mcast_join_failed"
				return
			}
		}
		c.closeFCC()
		c.logger.Info("fcc fallback without splice", "reason", reason)
		return
	}

	if joinSeq != 0 {
		c.spliceTargetSeq = joinSeq
		c.spliceTargetSet = true
	} else if c.hasUnicastSeq {
		// Sem sync notify (fallback puro): o splice é guiado pelo último seq
		// unicast observado, não por um joinSeq explícito do servidor.
		c.spliceTargetSeq = c.lastUnicastSeq
		c.spliceTargetSet = true
	}
	if c.mcast != nil {
		c.logger.Debug("fcc join_multicast called while already joined", "reason", reason)
		return
	}
	if err := c.joinMulticast(c.svc.Addr, c.svc.Source); err != nil {
		c.logger.Error("fcc failed to join multicast on fallback", "error", err, "reason", reason)
		c.closed = true
		c.closeReason = "mcast_join_failed"
	}
}

func (c *Context) closeFCC() {
	if c.fccSess != nil {
		c.fccSess.Close()
	}
	c.fccFD = 0
}

func (c *Context) startRTSP() error {
	c.rtspSess = rtsp.New(c.cfg.RTSP, c.logger)
	if err := c.rtspSess.Connect(c.svc.RTSPURL); err != nil {
		return fmt.Errorf("stream: rtsp connect: %w", err)
	}
	fd, err := netutil.RawFD(c.rtspSess.Conn())
	if err != nil {
		return fmt.Errorf("stream: rtsp raw fd: %w", err)
	}
	c.rtspCtlFD = fd

	// O SETUP sempre negocia transporte interleaved (internal/rtsp),
	// já ordenado pelo TCP — o reorder buffer passa direto sem retenção
	// (spec.md §4.6 último parágrafo).
	c.reorder = reorder.NewPassthrough(c.onOrderedPacket)
	return nil
}

// Sockets retorna o conjunto atual de fds upstream que o worker deve
// manter registrados no epoll. Recomputado a cada chamada — não há
// notificação de mudança; o worker deve chamar periodicamente (ex: a
// cada Tick) e diferenciar contra o conjunto anterior.
func (c *Context) Sockets() []Socket {
	var out []Socket
	if c.mcast != nil {
		out = append(out, Socket{FD: c.mcastFD, Kind: KindMulticast})
	}
	if c.fccSess != nil && c.fccFD != 0 && c.fccSess.State() != fcc.StateMcastActive {
		out = append(out, Socket{FD: c.fccFD, Kind: KindFCCSignal})
	}
	if c.rtspSess != nil {
		out = append(out, Socket{FD: c.rtspCtlFD, Kind: KindRTSPControl})
	}
	return out
}

// mcastThrowaway é usado apenas para drenar um recv quando o pool está
// exaurido, sem alocar um buffer do pool (spec.md §4.4 "drop the packet
// by recv-ing into a throwaway buffer to avoid epoll spin").
var mcastThrowaway = make([]byte, 65536)

// HandleReadable processa um evento de leitura pronta num dos fds
// retornados por Sockets (spec.md §4.4 "Per event on an upstream fd").
func (c *Context) HandleReadable(fd int) error {
	switch {
	case c.mcast != nil && fd == c.mcastFD:
		return c.handleMulticastReadable()
	case c.fccSess != nil && fd == c.fccFD:
		return c.handleFCCReadable()
	case c.rtspSess != nil && fd == c.rtspCtlFD:
		return c.handleRTSPControlReadable()
	default:
		return fmt.Errorf("stream: readable event on unknown fd %d", fd)
	}
}

func (c *Context) handleMulticastReadable() error {
	buf, ok := c.pool.Alloc()
	if !ok {
		n, _, err := c.mcast.Conn().ReadFromUDP(mcastThrowaway)
		if err != nil {
			return fmt.Errorf("stream: multicast drain read: %w", err)
		}
		c.logger.Debug("buffer pool exhausted, dropped multicast packet", "bytes", n)
		c.lastMcastData = time.Now()
		return nil
	}

	n, _, err := c.mcast.Conn().ReadFromUDP(buf.Data)
	if err != nil {
		buf.Release()
		return fmt.Errorf("stream: multicast read: %w", err)
	}
	buf.DataSize = n
	c.lastMcastData = time.Now()

	// Durante MCAST_REQUESTED (splice em progresso), o pacote precisa
	// passar pelo reorder para ser mesclado com a rajada unicast; em
	// estados que não são de FCC, o reorder também é o caminho normal.
	if c.fccSess != nil {
		switch c.fccSess.State() {
		case fcc.StateMcastActive, fcc.StateMcastRequested:
			// segue para o reorder abaixo
		default:
			// Ainda não é hora de consumir multicast (ex: UNICAST_ACTIVE
			// aguardando sync notify) — descarta silenciosamente.
			buf.Release()
			return nil
		}
	}

	hdr, _, err := wire.ParseRTPHeader(buf.Bytes())
	if err != nil {
		c.logger.Debug("dropping unparseable rtp packet", "error", err)
		buf.Release()
		return nil
	}
	c.reorder.Arrive(hdr.SequenceNumber, buf)
	return nil
}

func (c *Context) handleFCCReadable() error {
	conn := c.fccSess.SignalConn()
	pkt := make([]byte, 65536)
	n, from, err := conn.ReadFromUDP(pkt)
	if err != nil {
		return fmt.Errorf("stream: fcc signal read: %w", err)
	}
	c.fccSess.HandleSignalPacket(from, pkt[:n], c.forwardFCCUnicast)
	return nil
}

// forwardFCCUnicast entrega um pacote RTP recebido via rajada unicast FCC
// ao reorder, após alocar um buffer de pool para ele (o pacote de entrada
// veio de um buffer avulso do handleFCCReadable, não do pool).
func (c *Context) forwardFCCUnicast(data []byte) {
	hdr, _, err := wire.ParseRTPHeader(data)
	if err != nil {
		c.logger.Debug("dropping unparseable fcc unicast rtp packet", "error", err)
		return
	}
	c.lastUnicastSeq = hdr.SequenceNumber
	c.hasUnicastSeq = true

	buf, ok := c.pool.Alloc()
	if !ok {
		c.logger.Debug("buffer pool exhausted, dropped fcc unicast packet")
		return
	}
	n := copy(buf.Data, data)
	buf.DataSize = n
	c.reorder.Arrive(hdr.SequenceNumber, buf)
}

func (c *Context) handleRTSPControlReadable() error {
	br := c.rtspSess.Reader()
	interleaved, err := wire.PeekInterleaved(br)
	if err != nil {
		return fmt.Errorf("stream: rtsp peek: %w", err)
	}
	if interleaved {
		frame, err := wire.ReadInterleavedFrame(br)
		if err != nil {
			return fmt.Errorf("stream: rtsp interleaved read: %w", err)
		}
		transport := c.rtspSess.Transport()
		if frame.Channel != transport.RTPChannel {
			// Canal RTCP ou desconhecido: drenado, não interpretado
			// (spec.md §4.4 "RTCP UDP ... is drained but not interpreted").
			return nil
		}
		hdr, _, err := wire.ParseRTPHeader(frame.Payload)
		if err != nil {
			c.logger.Debug("dropping unparseable interleaved rtp packet", "error", err)
			return nil
		}
		buf, ok := c.pool.Alloc()
		if !ok {
			c.logger.Debug("buffer pool exhausted, dropped interleaved rtp packet")
			return nil
		}
		n := copy(buf.Data, frame.Payload)
		buf.DataSize = n
		c.reorder.Arrive(hdr.SequenceNumber, buf)
		return nil
	}

	// Não é um frame interleaved: é uma resposta RTSP assíncrona (ex: a
	// resposta do OPTIONS de keepalive). Consome e descarta o corpo.
	_, headers, err := wire.ReadRTSPResponse(br)
	if err != nil {
		return fmt.Errorf("stream: rtsp async response read: %w", err)
	}
	if cl, ok := headers["Content-Length"]; ok && cl != "" {
		// Corpo presente mas sem uso conhecido nesta via assíncrona — o
		// parser de resposta síncrono (internal/rtsp) já trata os corpos
		// esperados de DESCRIBE; aqui só evitamos desalinhar o stream.
		if n, err := strconv.Atoi(cl); err == nil && n > 0 {
			if _, err := br.Discard(n); err != nil {
				return fmt.Errorf("stream: rtsp async response body: %w", err)
			}
		}
	}
	return nil
}

// Tick executa a manutenção periódica do pipeline (spec.md §4.4
// "Periodic tick"): rejoin de IGMP, timeouts de dados/FCC/RTSP, e o
// timeout de espera do reorder. Retorna false quando o contexto deve ser
// encerrado (timeout fatal de dados multicast).
func (c *Context) Tick(now time.Time) bool {
	if c.closed {
		return false
	}

	if c.mcast != nil {
		if c.cfg.RejoinInt > 0 && now.Sub(c.lastRejoin) >= c.cfg.RejoinInt {
			if err := c.mcast.Rejoin(); err != nil {
				c.logger.Warn("multicast rejoin failed", "error", err)
			}
			c.lastRejoin = now
		}
		if c.cfg.McastDataTimeout > 0 && now.Sub(c.lastMcastData) >= c.cfg.McastDataTimeout {
			c.closed = true
			c.closeReason = "mcast_data_timeout"
			return false
		}
	}

	if c.fccSess != nil {
		c.fccSess.Tick(now)
	}

	if c.rtspSess != nil {
		c.rtspSess.Tick(now)
	}

	if c.reorder != nil {
		c.reorder.Tick(now)
	}

	return true
}

// CloseReason retorna o motivo do encerramento quando Tick/HandleReadable
// marcaram o contexto como fechado, ou string vazia se ainda ativo.
func (c *Context) CloseReason() string { return c.closeReason }

// ReorderStats expõe os contadores acumulados do reorder buffer desta
// sessão, consultados pelo coletor de métricas do worker (spec.md §4.13).
func (c *Context) ReorderStats() reorder.Stats {
	if c.reorder == nil {
		return reorder.Stats{}
	}
	return c.reorder.Stats()
}

// FCCState retorna o estado atual da sessão FCC desta conexão, quando
// houver uma (ok=false para sessões puramente multicast ou RTSP).
func (c *Context) FCCState() (state fcc.State, ok bool) {
	if c.fccSess == nil {
		return 0, false
	}
	return c.fccSess.State(), true
}

// Close libera todos os recursos upstream detidos pelo contexto.
func (c *Context) Close() {
	if c.mcast != nil {
		c.mcast.Close()
	}
	if c.fccSess != nil {
		c.fccSess.Close()
	}
	if c.rtspSess != nil {
		if !c.rtspSess.TeardownDone() {
			c.rtspSess.Teardown()
		}
		c.rtspSess.Close()
	}
}
