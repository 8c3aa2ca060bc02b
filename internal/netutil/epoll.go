// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package netutil agrupa a plumbing de sockets específica de Linux usada
// pelo reator de cada worker (spec.md §4.4/§5): o wrapper de epoll, as
// opções de socket do caminho de dados (TCP_NODELAY, TCP_USER_TIMEOUT,
// SO_ZEROCOPY, SO_REUSEPORT), marcação DSCP e junção/saída de grupos
// multicast. O acesso a fd cru e o controle via rawConn.Control seguem o
// mesmo padrão usado por internal/agent/dscp.go no teacher; o epoll em si
// é grounding novo sobre golang.org/x/sys/unix, inexistente no teacher
// mas padrão no ecossistema Go para reatores single-thread.
package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EventType é uma máscara de eventos prontos reportados pelo Poller.
type EventType uint32

const (
	EventReadable EventType = unix.EPOLLIN
	EventWritable EventType = unix.EPOLLOUT
	EventError    EventType = unix.EPOLLERR | unix.EPOLLHUP
)

// Event é um evento pronto retornado por Wait, identificando o fd e as
// máscaras prontas.
type Event struct {
	FD     int
	Events EventType
}

// Poller é um wrapper fino sobre epoll_create1/epoll_ctl/epoll_wait,
// usado um-por-worker (spec.md §5 "um event-demultiplexer handle por
// worker", sem locking interno).
type Poller struct {
	epfd int
}

// NewPoller cria um epoll fd fresco.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netutil: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registra fd para os eventos em events.
func (p *Poller) Add(fd int, events EventType) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

// Modify atualiza a máscara de eventos de um fd já registrado — usado
// para ligar/desligar EPOLLOUT conforme a fila de envio enche/esvazia.
func (p *Poller) Modify(fd int, events EventType) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Remove desregistra fd do poller.
func (p *Poller) Remove(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

func (p *Poller) ctl(op int, fd int, events EventType) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if op == unix.EPOLL_CTL_DEL {
		return unix.EpollCtl(p.epfd, op, fd, nil)
	}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

// Wait bloqueia até que ao menos um fd esteja pronto ou timeoutMillis
// decorra (-1 para bloquear indefinidamente), preenchendo out e
// retornando os eventos prontos como []Event.
func (p *Poller) Wait(out []unix.EpollEvent, timeoutMillis int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, out, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netutil: epoll_wait: %w", err)
	}
	events := make([]Event, n)
	for i := 0; i < n; i++ {
		events[i] = Event{FD: int(out[i].Fd), Events: EventType(out[i].Events)}
	}
	return events, nil
}

// Close fecha o epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
