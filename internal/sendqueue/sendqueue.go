// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sendqueue implementa a fila de envio por conexão do caminho de
// mídia: uma sequência ordenada de referências de buffer e extents de
// arquivo, drenada em lote via sendmsg com MSG_ZEROCOPY quando o agregado
// justifica o custo da notificação de conclusão assíncrona (spec.md §4.2).
// Adaptado de internal/server/chunkbuffer.go: o teacher acumula chunks em
// voo até um drenador os escoar para um assembler; aqui os "chunks" são
// buffers de payload de mídia e o "assembler" é o socket do cliente.
package sendqueue

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/streamgw/rtp2httpd/internal/buffer"
	"github.com/streamgw/rtp2httpd/internal/netutil"
)

// maxIovecs é o número máximo de entradas agrupadas numa única chamada de
// sendmsg (spec.md §4.2 "a reasonable N is 64").
const maxIovecs = 64

// zeroCopyThreshold é o tamanho agregado mínimo, em bytes, para que um lote
// valha o custo de uma notificação de conclusão assíncrona via
// MSG_ERRQUEUE (spec.md §4.2 "aggregate size exceeds a threshold (e.g., 8 KiB)").
const zeroCopyThreshold = 8 * 1024

// soEEOriginZeroCopy é o valor de sock_extended_err.ee_origin para
// notificações de conclusão de MSG_ZEROCOPY (uapi/linux/errqueue.h,
// SO_EE_ORIGIN_ZEROCOPY). golang.org/x/sys/unix não expõe essa constante
// como símbolo nomeado; é um valor de ABI do kernel, estável desde 4.14.
const soEEOriginZeroCopy = 5

// Result é o código de retorno de Send.
type Result int

const (
	Progressed Result = iota // algum ou todo o conteúdo enfileirado foi enviado
	WouldBlock                // buffer de envio do kernel cheio; manter interesse em writable
	Fatal                     // peer resetou a conexão ou erro irrecuperável
)

// item é uma entrada da fila: ou um buffer de payload ou um extent de
// arquivo (sendfile-style).
type item struct {
	buf       *buffer.Buffer // nil para extents de arquivo
	file      *os.File
	offset    int
	remaining int
	queuedAt  time.Time
}

func (it *item) isFile() bool { return it.buf == nil }

// pendingZC é um lote já entregue ao kernel via MSG_ZEROCOPY, aguardando
// a notificação de conclusão assíncrona. seq é o número de sequência de
// notificação atribuído pelo kernel a este sendmsg (incrementado a cada
// chamada bem-sucedida com MSG_ZEROCOPY).
type pendingZC struct {
	seq  uint32
	bufs []*buffer.Buffer
}

// Queue é a fila de envio de uma única conexão. Não é segura para uso
// concorrente — cada worker possui sua própria conexão e a drena a partir
// de uma única goroutine/thread de evento.
type Queue struct {
	items []item
	bytes int64

	zeroCopyEnabled bool
	nextZCSeq       uint32
	pending         []pendingZC

	droppedPackets int64
	droppedBytes   int64
}

// New cria uma fila de envio vazia. zeroCopyEnabled reflete se
// SO_ZEROCOPY foi aplicado com sucesso ao socket da conexão
// (netutil.ConfigureClientSocket tolera kernels antigos retornando nil
// mesmo sem sucesso — aqui o chamador passa o resultado real da tentativa).
func New(zeroCopyEnabled bool) *Queue {
	return &Queue{zeroCopyEnabled: zeroCopyEnabled}
}

// QueueBuf anexa uma referência de buffer ao fim da fila, tomando uma
// referência (Retain). O chamador mantém a referência que já possuía.
func (q *Queue) QueueBuf(buf *buffer.Buffer) {
	buf.Retain()
	q.items = append(q.items, item{
		buf:       buf,
		offset:    0,
		remaining: buf.DataSize,
		queuedAt:  time.Now(),
	})
	q.bytes += int64(buf.DataSize)
}

// QueueFile anexa um extent de arquivo (fd, offset, len) para transmissão
// via sendfile. O frame de snapshot não passa por aqui: ele é enfileirado
// como buffers de memória (internal/worker).
func (q *Queue) QueueFile(f *os.File, offset, length int) {
	q.items = append(q.items, item{
		file:      f,
		offset:    offset,
		remaining: length,
		queuedAt:  time.Now(),
	})
	q.bytes += int64(length)
}

// Bytes retorna o total de bytes ainda enfileirados (não enviados).
func (q *Queue) Bytes() int64 { return q.bytes }

// Empty retorna true quando não há itens enfileirados.
func (q *Queue) Empty() bool { return len(q.items) == 0 }

// PendingZeroCopy retorna true quando há operações MSG_ZEROCOPY aguardando
// conclusão do kernel — usado por Connection para decidir se o fechamento
// deve ser adiado (spec.md §5 "Cancellation").
func (q *Queue) PendingZeroCopy() bool { return len(q.pending) > 0 }

// DroppedStats retorna os contadores acumulados de descarte sob
// backpressure severo (quando o chamador decide descartar em vez de
// enfileirar — a fila em si nunca descarta sozinha).
func (q *Queue) DroppedStats() (packets, bytes int64) {
	return q.droppedPackets, q.droppedBytes
}

// RecordDrop é chamado pelo controlador de backpressure quando decide
// descartar um pacote de mídia em vez de enfileirá-lo.
func (q *Queue) RecordDrop(n int) {
	q.droppedPackets++
	q.droppedBytes += int64(n)
}

// flushThresholdBytes é o limiar de bytes enfileirados acima do qual
// ShouldFlush retorna true independentemente da idade do item mais antigo.
const flushThresholdBytes = 32 * 1024

// flushDeadline é a idade máxima tolerada do item mais antigo na fila
// antes que ShouldFlush force o flush mesmo com poucos bytes acumulados
// (spec.md §4.2 "≈100 ms").
const flushDeadline = 100 * time.Millisecond

// ShouldFlush indica se a fila deve ganhar interesse em evento writable
// agora, em vez de esperar mais acumulação (reduz syscalls sob burst).
func (q *Queue) ShouldFlush(now time.Time) bool {
	if len(q.items) == 0 {
		return false
	}
	if q.bytes >= flushThresholdBytes {
		return true
	}
	return now.Sub(q.items[0].queuedAt) >= flushDeadline
}

// Send drena o quanto for possível da fila num único write em lote sobre
// conn, usando sendmsg com MSG_ZEROCOPY quando habilitado e o lote excede
// zeroCopyThreshold. Extents de arquivo nunca são misturados com iovecs de
// buffer na mesma chamada (spec.md §4.2).
func (q *Queue) Send(conn interface{ SyscallFD() (int, error) }) (Result, error) {
	for len(q.items) > 0 {
		head := &q.items[0]
		if head.isFile() {
			res, err := q.sendFile(conn, head)
			if res != Progressed {
				return res, err
			}
			continue
		}

		res, err := q.sendBufBatch(conn)
		if res != Progressed {
			return res, err
		}
	}
	return Progressed, nil
}

// sendBufBatch assembla até maxIovecs buffers do topo da fila e os envia
// numa única sendmsg, via cópia regular ou MSG_ZEROCOPY conforme o
// agregado e zeroCopyEnabled.
func (q *Queue) sendBufBatch(conn interface{ SyscallFD() (int, error) }) (Result, error) {
	fd, err := conn.SyscallFD()
	if err != nil {
		return Fatal, err
	}

	n := len(q.items)
	if n > maxIovecs {
		n = maxIovecs
	}

	var buffers [][]byte
	var aggregate int
	for i := 0; i < n; i++ {
		it := &q.items[i]
		if it.isFile() {
			break
		}
		if it.remaining <= 0 {
			continue
		}
		full := it.buf.Bytes()
		data := full[it.offset : it.offset+it.remaining]
		buffers = append(buffers, data)
		aggregate += len(data)
	}
	if len(buffers) == 0 {
		// Só havia um extent de arquivo à frente; nada a fazer aqui.
		return Progressed, nil
	}

	useZeroCopy := q.zeroCopyEnabled && aggregate >= zeroCopyThreshold
	flags := 0
	if useZeroCopy {
		flags = unix.MSG_ZEROCOPY
	}

	sent, err := unix.SendmsgBuffers(fd, buffers, nil, nil, flags)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return WouldBlock, nil
		}
		return Fatal, fmt.Errorf("sendqueue: sendmsg: %w", err)
	}
	if sent == 0 {
		return WouldBlock, nil
	}

	consumed := q.advance(sent)
	if useZeroCopy {
		q.pending = append(q.pending, pendingZC{seq: q.nextZCSeq, bufs: consumed})
		q.nextZCSeq++
	} else {
		for _, b := range consumed {
			b.Release()
		}
	}
	return Progressed, nil
}

// advance consome sent bytes a partir do topo da fila de buffers,
// avançando offset dos itens parcialmente enviados e removendo os itens
// totalmente enviados. Retorna os buffers cujo envio foi totalmente
// concluído (para enfileirar em pending, ou liberar imediatamente).
func (q *Queue) advance(sent int) []*buffer.Buffer {
	var done []*buffer.Buffer
	for sent > 0 && len(q.items) > 0 {
		it := &q.items[0]
		if it.isFile() {
			break
		}
		if sent >= it.remaining {
			sent -= it.remaining
			q.bytes -= int64(it.remaining)
			done = append(done, it.buf)
			q.items = q.items[1:]
		} else {
			it.offset += sent
			it.remaining -= sent
			q.bytes -= int64(sent)
			sent = 0
		}
	}
	return done
}

// sendFile transmite um único extent de arquivo via sendfile(2) — nunca
// misturado com iovecs de buffer na mesma chamada de kernel.
func (q *Queue) sendFile(conn interface{ SyscallFD() (int, error) }, it *item) (Result, error) {
	fd, err := conn.SyscallFD()
	if err != nil {
		return Fatal, err
	}
	srcFD := int(it.file.Fd())
	off := int64(it.offset)
	n, err := unix.Sendfile(fd, srcFD, &off, it.remaining)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return WouldBlock, nil
		}
		return Fatal, fmt.Errorf("sendqueue: sendfile: %w", err)
	}
	if n == 0 {
		return WouldBlock, nil
	}
	it.offset += n
	it.remaining -= n
	q.bytes -= int64(n)
	if it.remaining <= 0 {
		q.items = q.items[1:]
	}
	return Progressed, nil
}

// parseExtendedErr decodifica um struct sock_extended_err (uapi/linux/
// errqueue.h) dos dados de uma control message IP_RECVERR/IPV6_RECVERR.
// Para notificações de MSG_ZEROCOPY, ee_info carrega o primeiro seq do
// lote (lo) e ee_data o último (hi), ambos inclusive.
func parseExtendedErr(data []byte) (lo, hi uint32, origin uint8, ok bool) {
	const sockExtendedErrSize = 16
	if len(data) < sockExtendedErrSize {
		return 0, 0, 0, false
	}
	origin = data[4]
	lo = binary.NativeEndian.Uint32(data[8:12])
	hi = binary.NativeEndian.Uint32(data[12:16])
	return lo, hi, origin, true
}

// DrainCompletions lê a fila de erros do socket (MSG_ERRQUEUE) e libera
// os buffers de todos os lotes MSG_ZEROCOPY cuja conclusão o kernel já
// notificou (spec.md §4.2 on_completion). Deve ser chamada em resposta a
// um evento de prontidão de erro (EPOLLERR) no fd da conexão.
func (q *Queue) DrainCompletions(rawFD int) error {
	oob := make([]byte, 256)
	for {
		_, oobn, _, _, err := unix.Recvmsg(rawFD, nil, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("sendqueue: recvmsg errqueue: %w", err)
		}
		if oobn == 0 {
			return nil
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("sendqueue: parse control message: %w", err)
		}
		for _, msg := range msgs {
			if msg.Header.Level != unix.SOL_IP && msg.Header.Level != unix.SOL_IPV6 {
				continue
			}
			lo, hi, origin, ok := parseExtendedErr(msg.Data)
			if !ok || origin != soEEOriginZeroCopy {
				continue
			}
			q.onCompletion(lo, hi)
		}
	}
}

// onCompletion libera os buffers de todo lote MSG_ZEROCOPY cujo seq está
// no intervalo [lo, hi] notificado pelo kernel, e remove as entradas da
// lista pending.
func (q *Queue) onCompletion(lo, hi uint32) {
	remaining := q.pending[:0]
	for _, p := range q.pending {
		if p.seq >= lo && p.seq <= hi {
			for _, b := range p.bufs {
				b.Release()
			}
			continue
		}
		remaining = append(remaining, p)
	}
	q.pending = remaining
}

// Close libera todas as referências mantidas pela fila — itens ainda não
// enviados e lotes pendentes de confirmação de zero-copy. Usado quando a
// conexão é cancelada à força (sem esperar completions).
func (q *Queue) Close() {
	for i := range q.items {
		if !q.items[i].isFile() {
			q.items[i].buf.Release()
		}
	}
	q.items = nil
	q.bytes = 0
	for _, p := range q.pending {
		for _, b := range p.bufs {
			b.Release()
		}
	}
	q.pending = nil
}

// FDConn adapta uma net.Conn TCP já aceita a SyscallFD, extraindo seu fd
// cru uma única vez no momento em que o worker registra a conexão no
// epoll — Send/sendFile operam sobre o fd diretamente, não sobre a
// net.Conn, por isso não recebem um io.Writer.
type FDConn struct {
	fd int
}

// NewFDConn envolve um net.Conn TCP já registrado no epoll do worker,
// extraindo seu fd cru uma única vez.
func NewFDConn(conn net.Conn) (FDConn, error) {
	fd, err := netutil.RawFD(conn)
	if err != nil {
		return FDConn{}, err
	}
	return FDConn{fd: fd}, nil
}

// NewFDConnFromFD envolve um fd cru já aceito diretamente via accept4 pelo
// reator do worker, sem um net.Conn intermediário (spec.md §5 "único
// event-demultiplexer handle por worker" — o listener do worker aceita
// clientes com syscalls diretas, não net.Listener.Accept).
func NewFDConnFromFD(fd int) FDConn {
	return FDConn{fd: fd}
}

// SyscallFD implementa a interface exigida por Send/sendFile.
func (c FDConn) SyscallFD() (int, error) { return c.fd, nil }
