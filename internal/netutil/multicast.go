// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package netutil

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// McastSocket é um socket UDP associado a um grupo multicast, com suporte
// a source-specific multicast (SSM) opcional (spec.md §3 "mcast_sock").
type McastSocket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	source *net.UDPAddr
	iface  *net.Interface
}

// JoinMulticast abre um socket UDP escutando em group.Port e entra no
// grupo group.IP, opcionalmente restrito à fonte source (SSM, RFC 4604).
// iface == nil deixa o kernel escolher a interface de saída.
func JoinMulticast(group, source *net.UDPAddr, iface *net.Interface) (*McastSocket, error) {
	listenAddr := &net.UDPAddr{IP: net.IPv4zero, Port: group.Port}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen udp %s: %w", listenAddr, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	var joinErr error
	if source != nil {
		joinErr = pconn.JoinSourceSpecificGroup(iface, group, source)
	} else {
		joinErr = pconn.JoinGroup(iface, group)
	}
	if joinErr != nil {
		conn.Close()
		return nil, fmt.Errorf("netutil: join multicast group %s: %w", group.IP, joinErr)
	}

	return &McastSocket{conn: conn, pconn: pconn, group: group, source: source, iface: iface}, nil
}

// Conn expõe a *net.UDPConn subjacente, para extração de fd e leitura.
func (m *McastSocket) Conn() *net.UDPConn { return m.conn }

// Rejoin sai e reentra no grupo — usado para reparar junções que o
// roteador upstream possa ter perdido silenciosamente (spec.md §4.4
// "rejoin timestamp").
func (m *McastSocket) Rejoin() error {
	if err := m.leaveLocked(); err != nil {
		return err
	}
	var err error
	if m.source != nil {
		err = m.pconn.JoinSourceSpecificGroup(m.iface, m.group, m.source)
	} else {
		err = m.pconn.JoinGroup(m.iface, m.group)
	}
	if err != nil {
		return fmt.Errorf("netutil: rejoin multicast group %s: %w", m.group.IP, err)
	}
	return nil
}

func (m *McastSocket) leaveLocked() error {
	if m.source != nil {
		return m.pconn.LeaveSourceSpecificGroup(m.iface, m.group, m.source)
	}
	return m.pconn.LeaveGroup(m.iface, m.group)
}

// Close sai do grupo e fecha o socket.
func (m *McastSocket) Close() error {
	_ = m.leaveLocked()
	return m.conn.Close()
}
