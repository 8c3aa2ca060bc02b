// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/streamgw/rtp2httpd/internal/backpressure"
	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/config"
	"github.com/streamgw/rtp2httpd/internal/metrics"
	"github.com/streamgw/rtp2httpd/internal/netutil"
	"github.com/streamgw/rtp2httpd/internal/reorder"
	"github.com/streamgw/rtp2httpd/internal/service"
	"github.com/streamgw/rtp2httpd/internal/statuspage"
)

// tickInterval é o período máximo de espera do epoll antes de forçar uma
// iteração de Tick em todas as conexões em streaming (spec.md §4.4
// "Periodic tick (called at least once per second and on any idle wake)").
const tickInterval = 200 * time.Millisecond

// maxEpollEvents é o tamanho do lote de eventos lido por epoll_wait.
const maxEpollEvents = 256

// Worker é um reator single-threaded: um epoll fd, um pool de buffers, um
// shard da tabela de status e os mapas fd→conexão (spec.md §5). Nunca
// compartilha uma Connection com outro worker.
type Worker struct {
	id     int
	cfg    *config.GatewayConfig
	logger *slog.Logger

	pool         *buffer.Pool
	resolver     *service.Resolver
	statusTable  *statuspage.Table
	logLevelVar  *slog.LevelVar
	statusRouter http.Handler
	playlist     CollaboratorHandler

	poller   *netutil.Poller
	listener *net.TCPListener
	listenFD int

	clients  map[int]*Connection
	upstream map[int]*Connection

	metricsMu    sync.Mutex
	reorderAccum reorder.Stats
	snapshot     metrics.Snapshot

	slotMu sync.Mutex
	slotFD map[int]int // statusSlot -> client fd, consultado por goroutines de colaborador
}

// CollaboratorHandler é o contrato que os colaboradores HTTP fora do
// núcleo (playlist, futuras extensões) precisam satisfazer — um
// net/http.Handler comum, servido por uma goroutine dedicada fora do
// laço de eventos do worker (ver collab.go).
type CollaboratorHandler = http.Handler

// Config agrupa as dependências de um Worker, construídas uma vez pelo
// processo supervisor (cmd/rtp2httpd) e compartilhadas apenas dentro deste
// worker.
type Config struct {
	ID          int
	Gateway     *config.GatewayConfig
	Pool        *buffer.Pool
	StatusTable *statuspage.Table
	LogLevelVar *slog.LevelVar
	Playlist    CollaboratorHandler
	Logger      *slog.Logger
}

// New cria um worker pronto para escutar, mas ainda não em execução —
// chame Run para bloquear no loop de eventos.
func New(wc Config) (*Worker, error) {
	poller, err := netutil.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("worker: creating poller: %w", err)
	}

	ln, fd, err := listenReusePort(wc.Gateway.Listen)
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("worker: listening on %s: %w", wc.Gateway.Listen, err)
	}

	if err := poller.Add(fd, netutil.EventReadable); err != nil {
		ln.Close()
		poller.Close()
		return nil, fmt.Errorf("worker: registering listener: %w", err)
	}

	w := &Worker{
		id:          wc.ID,
		cfg:         wc.Gateway,
		logger:      wc.Logger,
		pool:        wc.Pool,
		resolver:    service.NewResolver(wc.Gateway),
		statusTable: wc.StatusTable,
		logLevelVar: wc.LogLevelVar,
		playlist:    wc.Playlist,
		poller:      poller,
		listener:    ln,
		listenFD:    fd,
		clients:     make(map[int]*Connection),
		upstream:    make(map[int]*Connection),
		slotFD:      make(map[int]int),
	}
	w.statusRouter = statuspage.NewRouter(w.statusTable, w, w.logLevelVar, w.logger, wc.Gateway.ControlRateLimitBytesPerSec)
	return w, nil
}

// listenReusePort cria um *net.TCPListener com SO_REUSEPORT habilitado,
// permitindo múltiplos workers (processos ou goroutines) escutarem o
// mesmo endereço (SPEC_FULL.md §9 "DESIGN NOTES" — goroutine workers por
// padrão, com SO_REUSEPORT dando suporte opcional a processo-por-worker).
func listenReusePort(addr string) (*net.TCPListener, int, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = netutil.EnableReusePort(int(fd))
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, 0, fmt.Errorf("worker: listener is %T, not *net.TCPListener", ln)
	}

	rawConn, err := tcpLn.SyscallConn()
	if err != nil {
		tcpLn.Close()
		return nil, 0, err
	}
	var fd int
	if err := rawConn.Control(func(f uintptr) { fd = int(f) }); err != nil {
		tcpLn.Close()
		return nil, 0, err
	}
	return tcpLn, fd, nil
}

// Run bloqueia processando eventos até ctx ser cancelado.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()

	events := make([]unix.EpollEvent, maxEpollEvents)
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := w.poller.Wait(events, int(tickInterval/time.Millisecond))
		if err != nil {
			return fmt.Errorf("worker %d: epoll wait: %w", w.id, err)
		}

		for _, ev := range ready {
			w.dispatch(ev)
		}

		now := time.Now()
		if now.Sub(lastTick) >= tickInterval {
			w.tickAll(now)
			lastTick = now
		}
	}
}

func (w *Worker) dispatch(ev netutil.Event) {
	if ev.FD == w.listenFD {
		w.acceptLoop()
		return
	}
	if conn, ok := w.clients[ev.FD]; ok {
		if ev.Events&netutil.EventError != 0 {
			conn.markClosing("socket_error")
			return
		}
		if ev.Events&netutil.EventWritable != 0 {
			conn.OnWritable()
		}
		if ev.Events&netutil.EventReadable != 0 && conn.state != stateClosing {
			conn.OnReadable()
		}
		return
	}
	if conn, ok := w.upstream[ev.FD]; ok {
		conn.OnUpstreamReadable(ev.FD)
	}
}

// acceptLoop drena todas as conexões pendentes do listener com accept4
// não-bloqueante, já que epoll level-triggered só reporta uma vez por
// lote de conexões pendentes.
func (w *Worker) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(w.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			w.logger.Warn("accept failed", "worker", w.id, "err", err)
			return
		}

		zeroCopy, err := netutil.ConfigureClientSocket(fd)
		if err != nil {
			w.logger.Debug("configuring client socket failed", "err", err)
			unix.Close(fd)
			continue
		}
		remoteAddr := sockaddrString(sa)

		if err := w.poller.Add(fd, netutil.EventReadable); err != nil {
			unix.Close(fd)
			continue
		}

		conn := newConnection(w, fd, remoteAddr, zeroCopy)
		w.clients[fd] = conn
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3], s.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", s.Addr, s.Port)
	default:
		return "unknown"
	}
}

func (w *Worker) tickAll(now time.Time) {
	for _, conn := range w.clients {
		conn.Tick(now)
	}
	shrunk := w.pool.TryShrink()
	if shrunk > 0 {
		w.logger.Debug("buffer pool shrunk", "worker", w.id, "buffers", shrunk)
	}
	w.refreshMetricsSnapshot()
}

// closeConnection finaliza e remove a conexão dos mapas do worker. Chamado
// apenas pela goroutine do reator (Connection.markClosing), nunca de fora.
func (w *Worker) closeConnection(c *Connection) {
	delete(w.clients, c.fd)
	c.Close()
}

func (w *Worker) activeStreamingCount() int {
	return w.pool.StreamClientCount()
}

// Addr retorna o endereço TCP efetivamente vinculado pelo listener, útil
// quando o worker é criado com uma porta efêmera (":0"), como em testes.
func (w *Worker) Addr() net.Addr {
	return w.listener.Addr()
}

func (w *Worker) poolStatus() backpressure.PoolStatus {
	s := w.pool.Snapshot()
	return backpressure.PoolStatus{
		NumBuffers:        s.NumBuffers,
		NumFree:           s.NumFree,
		MaxBuffers:        s.MaxBuffers,
		LowWatermark:      s.LowWatermark,
		StreamClientCount: s.StreamClientCount,
		BufferSize:        w.pool.BufferSize(),
	}
}

func (w *Worker) registerUpstream(fd int, c *Connection) { w.upstream[fd] = c }
func (w *Worker) unregisterUpstream(fd int)              { delete(w.upstream, fd) }

func (w *Worker) registerSlot(slot, fd int) {
	w.slotMu.Lock()
	w.slotFD[slot] = fd
	w.slotMu.Unlock()
}

func (w *Worker) unregisterSlot(slot int) {
	w.slotMu.Lock()
	delete(w.slotFD, slot)
	w.slotMu.Unlock()
}

// Disconnect implementa statuspage.Disconnector. Chamado por uma goroutine
// de colaborador (a API HTTP /api/disconnect), possivelmente concorrente
// com o loop do reator — por isso nunca toca diretamente as estruturas da
// Connection, apenas desliga o socket via shutdown(2); o reator descobre o
// fechamento no próximo evento de leitura e faz a limpeza normalmente.
func (w *Worker) Disconnect(slot int) bool {
	w.slotMu.Lock()
	fd, ok := w.slotFD[slot]
	w.slotMu.Unlock()
	if !ok {
		return false
	}
	return unix.Shutdown(fd, unix.SHUT_RDWR) == nil
}

func (w *Worker) shutdown() {
	for _, conn := range w.clients {
		conn.Close()
	}
	w.listener.Close()
	w.poller.Close()
}
