// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker: colaboradores externos (spec.md §1 "Out of scope
// (external collaborators)... status-page HTTP endpoints and SSE
// formatter"). O núcleo do reator é não-bloqueante de ponta a ponta, mas
// SSE é por natureza um handler de longa duração — incompatível com um
// laço single-threaded que nunca pode bloquear. A resolução adotada aqui:
// ao rotear para um caminho reservado, a conexão é promovida de volta a
// um net.Conn comum e entregue a uma goroutine dedicada que serve o
// colaborador via net/http, completamente fora do reator; o fd é
// removido do epoll antes da entrega, preservando a regra de que uma
// Connection nunca é tocada por duas goroutines ao mesmo tempo.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/streamgw/rtp2httpd/internal/httpparse"
)

// netConnResponseWriter adapta um net.Conn para http.ResponseWriter,
// escrevendo a linha de status e os cabeçalhos no primeiro Write ou
// WriteHeader explícito. Usado para hospedar handlers net/http comuns
// (statuspage.Router, playlist) sobre uma conexão que o worker já aceitou
// manualmente via accept4.
type netConnResponseWriter struct {
	bw          *bufio.Writer
	header      http.Header
	wroteHeader bool
}

func newNetConnResponseWriter(w io.Writer) *netConnResponseWriter {
	return &netConnResponseWriter{bw: bufio.NewWriter(w), header: make(http.Header)}
}

func (rw *netConnResponseWriter) Header() http.Header { return rw.header }

func (rw *netConnResponseWriter) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	fmt.Fprintf(rw.bw, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	if rw.header.Get("Connection") == "" {
		rw.header.Set("Connection", "close")
	}
	rw.header.Write(rw.bw)
	rw.bw.WriteString("\r\n")
}

func (rw *netConnResponseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.bw.Write(p)
}

// Flush implementa http.Flusher, usado pelo handler de SSE para entregar
// cada evento assim que é produzido, em vez de aguardar o fim do handler.
func (rw *netConnResponseWriter) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.bw.Flush()
}

// reservedPathFor mapeia um routeKind para o path que o mux interno de
// statuspage.Router reconhece, já relativo ao prefixo <status_route>
// removido pelo roteador core (routing.go).
func reservedPathFor(kind routeKind) string {
	switch kind {
	case routeStatusSSE:
		return "/sse"
	case routeControlDisconnect:
		return "/api/disconnect"
	case routeControlLogLevel:
		return "/api/log-level"
	default:
		return "/"
	}
}

// handoffToCollaborator remove a conexão do reator e a entrega a uma
// goroutine dedicada, que a serve via net/http contra o colaborador
// apropriado (status page/SSE/control API, ou playlist). Chamado apenas
// pela goroutine do reator, antes de qualquer outra referência à
// Connection ser descartada.
func (w *Worker) handoffToCollaborator(c *Connection, kind routeKind) {
	w.poller.Remove(c.fd)
	delete(w.clients, c.fd)

	file := os.NewFile(uintptr(c.fd), "client")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		w.logger.Warn("collaborator handoff failed", "remote", c.remoteAddr, "err", err)
		return
	}

	req := c.req
	leftoverBody := c.inbuf
	remoteAddr := c.remoteAddr

	go w.serveCollaborator(conn, req, leftoverBody, kind, remoteAddr)
}

// serveCollaborator reconstrói uma *http.Request a partir da requisição
// já decodificada pelo parser incremental do reator e a despacha a um
// http.Handler comum, rodando inteiramente nesta goroutine — fora do
// laço de eventos do worker.
func (w *Worker) serveCollaborator(conn net.Conn, req *httpparse.Request, leftoverBody []byte, kind routeKind, remoteAddr string) {
	defer conn.Close()

	contentLength, err := req.ContentLength()
	if err != nil {
		contentLength = 0
	}

	var body io.Reader = io.MultiReader(newBytesReader(leftoverBody), conn)
	if contentLength > 0 {
		body = io.LimitReader(body, contentLength)
	} else {
		body = http.NoBody
	}

	target := req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequest(req.Method, target, body)
	if err != nil {
		w.logger.Debug("collaborator request reconstruction failed", "remote", remoteAddr, "err", err)
		return
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	httpReq.RemoteAddr = remoteAddr

	rw := newNetConnResponseWriter(conn)
	defer rw.bw.Flush()

	if kind == routePlaylist {
		if w.playlist == nil {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		w.playlist.ServeHTTP(rw, httpReq)
		return
	}

	httpReq.URL.Path = reservedPathFor(kind)
	w.statusRouter.ServeHTTP(rw, httpReq)
}

func newBytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return &byteSliceReader{b: b}
}

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
