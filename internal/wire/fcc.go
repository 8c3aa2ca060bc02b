// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Tipos de pacote FCC, transportados como payload RTCP APP-like sobre o
// socket de sinalização (spec.md §4.4: "inspect RTCP type byte").
const (
	FCCTypeClientRequest byte = 0x82
	FCCTypeServerResponse byte = 0x83
	FCCTypeSyncNotify     byte = 0x84
)

// Códigos de resultado carregados em ServerResponse.Code.
const (
	FCCResultOK       byte = 0x00 // sessão unicast concedida
	FCCResultRedirect byte = 0x01 // reenviar o request para outro servidor
	FCCResultReject   byte = 0x02 // servidor recusou, cair para multicast puro
)

// UnicastRequest é o pedido de rajada unicast enviado pelo cliente ao
// servidor FCC para iniciar a troca rápida de canal.
// Formato: [Type 1B=0x82] [Reserved 1B] [ChannelLen uint16 BE] [Channel UTF-8]
type UnicastRequest struct {
	Channel string // identificador do grupo multicast solicitado
}

// EncodeUnicastRequest serializa o pedido no formato de wire.
func EncodeUnicastRequest(req UnicastRequest) []byte {
	body := []byte(req.Channel)
	buf := make([]byte, 4+len(body))
	buf[0] = FCCTypeClientRequest
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	copy(buf[4:], body)
	return buf
}

// ServerResponse é a resposta à UnicastRequest (spec.md §4.4, tipo 0x83).
// Formato: [Type 1B=0x83] [Code 1B] [MediaPort uint16 BE] [RedirectLen uint16 BE] [RedirectAddr UTF-8]
type ServerResponse struct {
	Code         byte
	MediaPort    uint16
	RedirectAddr string // host:port, preenchido apenas quando Code == FCCResultRedirect
}

// DecodeServerResponse decodifica uma ServerResponse a partir do payload
// bruto recebido no socket de sinalização FCC (já sem o cabeçalho UDP).
func DecodeServerResponse(buf []byte) (*ServerResponse, error) {
	if len(buf) < 6 {
		return nil, fmt.Errorf("wire: truncated fcc server response: %w", ErrTruncatedHeader)
	}
	if buf[0] != FCCTypeServerResponse {
		return nil, fmt.Errorf("wire: unexpected fcc response type 0x%02x", buf[0])
	}
	resp := &ServerResponse{
		Code:      buf[1],
		MediaPort: binary.BigEndian.Uint16(buf[2:4]),
	}
	redirectLen := int(binary.BigEndian.Uint16(buf[4:6]))
	if len(buf) < 6+redirectLen {
		return nil, fmt.Errorf("wire: truncated fcc redirect address: %w", ErrTruncatedHeader)
	}
	if redirectLen > 0 {
		resp.RedirectAddr = string(buf[6 : 6+redirectLen])
	}
	return resp, nil
}

// SyncNotify é a notificação de "hora de entrar no multicast" (spec.md
// §4.4, tipo 0x84): o servidor FCC informa o número de sequência RTP a
// partir do qual o multicast deve ser consumido para não perder nem
// duplicar pacotes na junção.
// Formato: [Type 1B=0x84] [Reserved 1B] [JoinSequence uint16 BE]
type SyncNotify struct {
	JoinSequence uint16
}

// DecodeSyncNotify decodifica uma SyncNotify.
func DecodeSyncNotify(buf []byte) (*SyncNotify, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: truncated fcc sync notify: %w", ErrTruncatedHeader)
	}
	if buf[0] != FCCTypeSyncNotify {
		return nil, fmt.Errorf("wire: unexpected fcc sync type 0x%02x", buf[0])
	}
	return &SyncNotify{JoinSequence: binary.BigEndian.Uint16(buf[2:4])}, nil
}

// PeekFCCType inspeciona o primeiro byte de um datagrama de sinalização
// FCC sem consumi-lo, permitindo à sessão FCC (internal/fcc) decidir qual
// decoder chamar (spec.md §4.4).
func PeekFCCType(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return buf[0], nil
}

// ResolveRedirect resolve o endereço "host:port" de um redirect FCC para
// um *net.UDPAddr pronto para um novo Dial.
func ResolveRedirect(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
