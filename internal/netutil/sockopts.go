// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package netutil

import (
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// RawFD extrai o file descriptor cru de uma net.Conn (TCP ou UDP) para
// registro direto no epoll do worker (spec.md §4.4) ou para operações de
// socket de baixo nível (sendmsg/sendfile em internal/sendqueue).
func RawFD(conn net.Conn) (int, error) {
	switch conn.(type) {
	case *net.TCPConn, *net.UDPConn, *net.UnixConn:
	default:
		return 0, fmt.Errorf("netutil: conn is %T, unsupported for raw fd extraction", conn)
	}
	fd, err := netfd.RawFD(conn)
	if err != nil {
		return 0, fmt.Errorf("netutil: extracting raw fd: %w", err)
	}
	return fd, nil
}

// ConfigureClientSocket aplica as opções exigidas para sockets de
// clientes HTTP aceitos (spec.md §6 "Sockets"): não-bloqueante,
// TCP_NODELAY, TCP_USER_TIMEOUT 10s, SO_ZEROCOPY quando disponível.
// zeroCopy reporta se SO_ZEROCOPY foi aceito pelo kernel para este fd —
// o chamador repassa o valor a sendqueue.New (spec.md §4.2).
func ConfigureClientSocket(fd int) (zeroCopy bool, err error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return false, fmt.Errorf("netutil: set nonblocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return false, fmt.Errorf("netutil: TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, 10_000); err != nil {
		return false, fmt.Errorf("netutil: TCP_USER_TIMEOUT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err != nil {
		// Kernels sem MSG_ZEROCOPY (< 4.14) rejeitam a opção; a fila de
		// envio cai para cópia regular nesse caso (spec.md §4.2).
		return false, nil
	}
	return true, nil
}

// EnableReusePort habilita SO_REUSEPORT num socket de listener antes do
// bind, permitindo deployment verdadeiramente multi-processo por worker
// (decisão de design registrada no documento de grounding).
func EnableReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// dscpValues mapeia nomes DSCP (RFC 2474/4594) para seus valores de code
// point (6 bits); para setar no socket, o valor é deslocado 2 bits à
// esquerda (TOS = DSCP<<2 | ECN).
var dscpValues = map[string]int{
	"EF": 46,
	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,
	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// ParseDSCP converte um nome DSCP para o code point numérico. Retorna 0
// e nil para string vazia (desabilitado).
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil
	}
	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("netutil: unknown DSCP value %q", name)
	}
	return val, nil
}

// ApplyDSCP marca o byte TOS de uma conexão TCP de upstream (ex.: socket
// RTSP de controle) com o code point informado. Noop quando dscp == 0.
func ApplyDSCP(conn net.Conn, dscp int) error {
	if dscp == 0 {
		return nil
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("netutil: cannot apply DSCP: conn is %T, not *net.TCPConn", conn)
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("netutil: getting raw conn for DSCP: %w", err)
	}
	tos := dscp << 2
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	}); err != nil {
		return fmt.Errorf("netutil: control fd for DSCP: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("netutil: setsockopt IP_TOS=%d: %w", tos, sysErr)
	}
	return nil
}
