// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker implementa o reator por-worker (spec.md §4.3/§4.4/§5):
// um epoll single-threaded multiplexando o socket de escuta, conexões de
// cliente HTTP e os sockets upstream (multicast/FCC/RTSP) de cada conexão
// em streaming. Grounded na forma de loop de eventos sem locking interno
// de internal/server/server.go (accept loop com backoff), generalizada de
// "uma goroutine por conexão bloqueante" para "um único epoll por
// worker, todas as conexões não-bloqueantes".
package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/streamgw/rtp2httpd/internal/backpressure"
	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/httpparse"
	"github.com/streamgw/rtp2httpd/internal/netutil"
	"github.com/streamgw/rtp2httpd/internal/reorder"
	"github.com/streamgw/rtp2httpd/internal/sendqueue"
	"github.com/streamgw/rtp2httpd/internal/service"
	"github.com/streamgw/rtp2httpd/internal/snapshot"
	"github.com/streamgw/rtp2httpd/internal/statuspage"
	"github.com/streamgw/rtp2httpd/internal/stream"
)

// connState é a fase da máquina de estados de uma conexão (spec.md §3
// "States: READ_REQ_LINE → READ_HEADERS → ROUTE → STREAMING → CLOSING").
// httpparse.Parser só retorna Complete quando a requisição inteira (linha +
// cabeçalhos) já está no buffer, fundindo READ_REQ_LINE e READ_HEADERS num
// único estado interno aqui.
type connState int

const (
	stateReadRequest connState = iota
	stateStreaming
	stateClosing
)

const maxRequestBytes = 16 * 1024

// Connection é uma conexão TCP de cliente aceita pelo worker (spec.md §3
// "Connection"). Não é segura para uso concorrente: pertence
// exclusivamente à goroutine do reator do seu worker.
type Connection struct {
	fd         int
	id         string
	remoteAddr string
	w          *Worker
	logger     *slog.Logger

	state connState
	inbuf []byte

	parser *httpparse.Parser
	req    *httpparse.Request
	svc    *service.Service

	queue        *sendqueue.Queue
	fdConn       sendqueue.FDConn
	bp           *backpressure.Controller
	writeArmed   bool
	closeOnDrain bool
	closeReason  string

	statusSlot int

	stream            *stream.Context
	mediaClass        bool
	snapshotMode      bool
	snapshotExtractor *snapshot.Extractor
	headersSent       bool

	registeredUpstream map[int]bool
}

func newConnection(w *Worker, fd int, remoteAddr string, zeroCopy bool) *Connection {
	id := xid.New().String()
	return &Connection{
		fd:                 fd,
		id:                 id,
		remoteAddr:         remoteAddr,
		w:                  w,
		logger:             w.logger.With("conn_id", id),
		state:              stateReadRequest,
		parser:             httpparse.New(),
		queue:              sendqueue.New(zeroCopy),
		fdConn:             sendqueue.NewFDConnFromFD(fd),
		statusSlot:         -1,
		registeredUpstream: make(map[int]bool),
	}
}

// OnReadable é chamado pelo worker quando epoll reporta EPOLLIN em c.fd.
func (c *Connection) OnReadable() {
	switch c.state {
	case stateReadRequest:
		c.readRequest()
	case stateStreaming:
		// Um cliente em streaming não deveria enviar mais dados; EPOLLIN
		// aqui normalmente significa FIN do peer. Drena e detecta fechamento.
		c.drainClientClose()
	}
}

func (c *Connection) drainClientClose() {
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(c.fd, buf)
		if n == 0 && err == nil {
			c.markClosing("peer_closed")
			return
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			c.markClosing("read_error")
			return
		}
	}
}

func (c *Connection) readRequest() {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.inbuf = append(c.inbuf, buf[:n]...)
		}
		if n == 0 && err == nil {
			c.markClosing("peer_closed")
			return
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil {
			c.markClosing("read_error")
			return
		}
		if len(c.inbuf) > maxRequestBytes {
			c.sendErrorAndClose(400)
			return
		}
	}

	result, req, consumed := c.parser.ParseRequest(c.inbuf)
	switch result {
	case httpparse.NeedMore:
		return
	case httpparse.Error:
		c.sendErrorAndClose(400)
	case httpparse.Complete:
		c.inbuf = c.inbuf[consumed:]
		c.req = req
		c.route()
	}
}

// route implementa spec.md §4.3 "Routing": validação de Host/token,
// resolução de rota reservada vs serviço de mídia.
func (c *Connection) route() {
	if c.req.Method != "GET" && c.req.Method != "HEAD" {
		c.sendErrorAndClose(400)
		return
	}
	if err := service.ValidateHost(c.w.cfg.Hostname, c.req.Header("Host")); err != nil {
		c.sendErrorAndClose(400)
		return
	}
	if err := service.ValidateAuthToken(c.w.cfg, c.req.Query); err != nil {
		c.sendErrorAndClose(401)
		return
	}

	rr, err := route(c.w.cfg, c.w.resolver, c.req)
	if err != nil {
		c.sendErrorAndClose(404)
		return
	}

	switch rr.kind {
	case routeMedia:
		c.svc = rr.service
		c.handleMediaRoute()
	default:
		c.w.handoffToCollaborator(c, rr.kind)
	}
}

// handleMediaRoute implementa o restante de spec.md §4.3: checagem de
// capacidade, HEAD sem upstream, detecção de snapshot, início de streaming.
func (c *Connection) handleMediaRoute() {
	if c.w.cfg.MaxClients > 0 && c.w.activeStreamingCount() >= c.w.cfg.MaxClients {
		c.sendErrorAndClose(503)
		return
	}

	if c.req.Method == "HEAD" {
		c.enqueueBytes(buildResponseHeaders(200, contentTypeMPEGTS, nil))
		c.closeOnDrain = true
		return
	}

	snapshotTrigger := detectSnapshotTrigger(c.req)
	c.snapshotMode = snapshotTrigger != snapshotTriggerNone && c.w.cfg.VideoSnapshot
	if c.snapshotMode {
		c.snapshotExtractor = snapshot.New(snapshotTrigger.allowsFallback())
		if err := c.snapshotExtractor.Init(c.w.cfg.SnapshotTimeout); err != nil {
			c.logger.Warn("snapshot extractor init failed", "remote", c.remoteAddr, "err", err)
			c.snapshotExtractor = nil
			c.snapshotMode = false
		}
	}

	c.startStreaming()
}

// startStreaming inicializa o stream context, registra a conexão na
// tabela de status e no contador do pool, e envia os cabeçalhos de
// resposta imediatamente (modo streaming; modo snapshot retém os
// cabeçalhos até o extrator produzir um frame ou desistir, ver
// internal/snapshot).
func (c *Connection) startStreaming() {
	c.mediaClass = true
	c.bp = backpressure.New(c.w.cfg.Backpressure)

	c.stream = stream.New(c.w.cfg, c.w.pool, c.svc, c.logger, c.forwardMediaBuffer)
	if err := c.stream.Start(); err != nil {
		c.logger.Warn("stream start failed", "remote", c.remoteAddr, "service", c.svc.String(), "err", err)
		c.sendErrorAndClose(500)
		return
	}

	c.w.pool.IncStreamClients()
	c.state = stateStreaming

	mode := "stream"
	if c.snapshotMode {
		mode = "snapshot"
	}
	c.statusSlot = c.w.statusTable.RegisterClient(statuspage.ClientInfo{
		RemoteAddr: c.remoteAddr,
		Service:    c.svc.String(),
		UserAgent:  c.req.Header("User-Agent"),
		Mode:       mode,
	})
	c.w.registerSlot(c.statusSlot, c.fd)

	if !c.snapshotMode {
		c.enqueueBytes(buildResponseHeaders(200, contentTypeMPEGTS, nil))
		c.headersSent = true
	}

	c.reconcileUpstreamSockets()
}

// forwardMediaBuffer é o callback repassado ao stream.Context: cada
// payload RTP entregue em ordem chega aqui para ser enfileirado na fila de
// envio sob o limite de backpressure atual (spec.md §4.7).
func (c *Connection) forwardMediaBuffer(b *buffer.Buffer) {
	defer b.Release()

	if c.snapshotMode {
		jpeg, done := c.snapshotExtractor.ProcessPacket(b.Bytes())
		if done {
			c.deliverSnapshotFrame(jpeg)
			return
		}
		if c.snapshotExtractor.CloseWithError() {
			// Budget expirou numa requisição detectada só por ?snapshot=1:
			// este gatilho não permite degradar para streaming (spec.md
			// §4.3) — fecha a conexão com erro em vez de continuar.
			c.snapshotExtractor.Free()
			c.snapshotExtractor = nil
			c.snapshotMode = false
			c.sendErrorAndClose(504)
			return
		}
		if !c.snapshotExtractor.FallbackToStreaming() {
			return
		}
		// O extrator desistiu (sem stream JPEG na PMT, ou budget expirado):
		// degrada para streaming normal, reaproveitando este mesmo payload.
		c.snapshotExtractor.Free()
		c.snapshotExtractor = nil
		c.snapshotMode = false
		c.w.statusTable.UpdateMode(c.statusSlot, "stream")
		c.enqueueBytes(buildResponseHeaders(200, contentTypeMPEGTS, nil))
		c.headersSent = true
	}

	projected := c.queue.Bytes() + int64(b.DataSize)
	limit := c.bp.Limit(c.w.poolStatus(), projected, time.Now())
	if projected > limit {
		c.queue.RecordDrop(b.DataSize)
		c.w.statusTable.UpdateBackpressure(c.statusSlot, limit, c.droppedPacketsTotal(), c.droppedBytesTotal(), c.backpressureEventsTotal(), c.bp.SlowActive())
		return
	}

	c.queue.QueueBuf(b)
	c.w.statusTable.UpdateQueue(c.statusSlot, c.queue.Bytes(), 0)
	c.armWritable()
}

// deliverSnapshotFrame envia o frame JPEG extraído como uma resposta HTTP
// completa e encerra a conexão no fim do envio (spec.md §4.3 "snapshot
// mode: single response body, then close").
func (c *Connection) deliverSnapshotFrame(jpeg []byte) {
	c.snapshotExtractor.Free()
	c.snapshotExtractor = nil
	c.snapshotMode = false

	headers := buildResponseHeaders(200, contentTypeJPEG, map[string]string{
		"Content-Length": fmt.Sprintf("%d", len(jpeg)),
	})
	c.enqueueBytes(append(headers, jpeg...))
	c.headersSent = true
	c.closeOnDrain = true
}

func (c *Connection) droppedPacketsTotal() int64 { p, _ := c.queue.DroppedStats(); return p }
func (c *Connection) droppedBytesTotal() int64   { _, b := c.queue.DroppedStats(); return b }
func (c *Connection) backpressureEventsTotal() int64 {
	p, _ := c.queue.DroppedStats()
	return p
}

// enqueueBytes divide data em buffers de controle e os enfileira para
// envio, armando interesse em writable.
func (c *Connection) enqueueBytes(data []byte) {
	bufs, ok := splitIntoControlBuffers(c.w.pool, data)
	if !ok {
		c.markClosing("control_pool_exhausted")
		return
	}
	for _, b := range bufs {
		c.queue.QueueBuf(b)
		b.Release()
	}
	c.armWritable()
}

func (c *Connection) sendErrorAndClose(status int) {
	c.enqueueBytes(errorResponse(status))
	c.closeOnDrain = true
}

func (c *Connection) armWritable() {
	if c.writeArmed {
		return
	}
	if err := c.w.poller.Modify(c.fd, netutil.EventReadable|netutil.EventWritable); err != nil {
		c.markClosing("epoll_modify_failed")
		return
	}
	c.writeArmed = true
}

func (c *Connection) disarmWritable() {
	if !c.writeArmed {
		return
	}
	if err := c.w.poller.Modify(c.fd, netutil.EventReadable); err == nil {
		c.writeArmed = false
	}
}

// OnWritable drena a fila de envio sobre o socket do cliente.
func (c *Connection) OnWritable() {
	res, err := c.queue.Send(c.fdConn)
	switch res {
	case sendqueue.Progressed:
		if c.queue.Empty() {
			c.disarmWritable()
			if c.closeOnDrain && !c.queue.PendingZeroCopy() {
				c.markClosing("response_complete")
			}
		}
	case sendqueue.WouldBlock:
		// mantém interesse em writable; o próximo evento tentará de novo.
	case sendqueue.Fatal:
		c.logger.Debug("send fatal", "remote", c.remoteAddr, "err", err)
		c.markClosing("send_fatal")
	}
}

// OnUpstreamReadable despacha um evento de um socket upstream (multicast,
// FCC, RTSP) para o stream context da conexão.
func (c *Connection) OnUpstreamReadable(fd int) {
	if c.stream == nil {
		return
	}
	if err := c.stream.HandleReadable(fd); err != nil {
		c.logger.Debug("upstream socket error", "remote", c.remoteAddr, "err", err)
	}
	c.reconcileUpstreamSockets()
}

// Tick é chamado periodicamente pelo worker (spec.md §4.4 "Periodic
// tick"): avança o stream context e atualiza os contadores de status.
func (c *Connection) Tick(now time.Time) {
	if c.state != stateStreaming || c.stream == nil {
		return
	}
	if alive := c.stream.Tick(now); !alive {
		c.logger.Debug("stream closed by tick", "remote", c.remoteAddr, "reason", c.stream.CloseReason())
		c.markClosing("stream_" + c.stream.CloseReason())
		return
	}
	c.reconcileUpstreamSockets()
	c.w.statusTable.UpdateBytes(c.statusSlot, 0, c.bytesSentTotal())
}

// reorderStats e fccState expõem o estado do stream context subjacente
// para o coletor de métricas do worker (internal/metrics), consultado
// apenas pela própria goroutine do reator durante Tick/Close.
func (c *Connection) reorderStats() reorder.Stats {
	if c.stream == nil {
		return reorder.Stats{}
	}
	return c.stream.ReorderStats()
}

func (c *Connection) fccStateName() (string, bool) {
	if c.stream == nil {
		return "", false
	}
	state, ok := c.stream.FCCState()
	if !ok {
		return "", false
	}
	return state.String(), true
}

func (c *Connection) bytesSentTotal() int64 {
	// Contabilizado via contadores de descarte/enfileiramento; o total
	// efetivamente escrito no socket é aproximado pelo volume enfileirado
	// menos o que ainda está pendente.
	return c.queue.Bytes()
}

// reconcileUpstreamSockets mantém o conjunto de fds upstream registrados no
// epoll do worker sincronizado com c.stream.Sockets(), que muda conforme a
// sessão FCC e RTSP avançam de estado (spec.md §9 "Polymorphic upstream
// sockets").
func (c *Connection) reconcileUpstreamSockets() {
	if c.stream == nil {
		return
	}
	current := make(map[int]bool)
	for _, sock := range c.stream.Sockets() {
		current[sock.FD] = true
		if !c.registeredUpstream[sock.FD] {
			if err := c.w.poller.Add(sock.FD, netutil.EventReadable); err == nil {
				c.registeredUpstream[sock.FD] = true
				c.w.registerUpstream(sock.FD, c)
			}
		}
	}
	for fd := range c.registeredUpstream {
		if !current[fd] {
			c.w.poller.Remove(fd)
			c.w.unregisterUpstream(fd)
			delete(c.registeredUpstream, fd)
		}
	}
}

func (c *Connection) markClosing(reason string) {
	if c.state == stateClosing {
		return
	}
	c.closeReason = reason
	c.state = stateClosing
	c.w.closeConnection(c)
}

// Close libera todos os recursos da conexão: sockets upstream, stream
// context, fila de envio, slot de status e contador de streaming do pool.
func (c *Connection) Close() {
	for fd := range c.registeredUpstream {
		c.w.poller.Remove(fd)
		c.w.unregisterUpstream(fd)
	}
	c.w.foldReorderStats(c.reorderStats())
	if c.snapshotExtractor != nil {
		c.snapshotExtractor.Free()
		c.snapshotExtractor = nil
	}
	if c.stream != nil {
		c.stream.Close()
	}
	c.queue.Close()
	if c.mediaClass {
		c.w.pool.DecStreamClients()
	}
	if c.statusSlot >= 0 {
		c.w.statusTable.UnregisterClient(c.statusSlot)
		c.w.unregisterSlot(c.statusSlot)
	}
	unix.Close(c.fd)
}
