// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package service resolve uma requisição HTTP em uma fonte de mídia
// (spec.md §3 "Service", §6 "HTTP request surface"): um serviço
// configurado estaticamente por nome, ou um de três esquemas dinâmicos
// (/udp, /rtp, /rtsp) quando habilitados. Usa apenas net/url e strconv da
// biblioteca padrão — não há lib de terceiros no corpus especializada em
// parsing de rotas de streaming, e o formato é simples o bastante
// (host:port[@src][?query]) para não justificar um gerador de
// roteamento completo.
package service

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/streamgw/rtp2httpd/internal/config"
)

// Type identifica o protocolo upstream de um serviço resolvido.
type Type int

const (
	TypeMRTP Type = iota // multicast RTP/UDP cru
	TypeRTSP
)

// Service é uma fonte de mídia resolvida para uma requisição específica.
// Clonado por conexão (spec.md §3): nenhum campo é compartilhado entre
// requisições concorrentes para o mesmo serviço nomeado.
type Service struct {
	Type        Type
	Addr        *net.UDPAddr // multicast group:port, válido quando Type==TypeMRTP
	Source      *net.UDPAddr // source-specific multicast source, opcional
	FCCAddr     *net.UDPAddr // endereço do servidor FCC, opcional
	RTSPURL     *url.URL     // válido quando Type==TypeRTSP
	PlaySeek    string
	Snapshot    bool
	UserAgent   string
}

// Resolver resolve caminhos de requisição em Service, combinando serviços
// nomeados estaticamente configurados com os esquemas dinâmicos
// habilitados por configuração.
type Resolver struct {
	named     map[string]config.ServiceConfig
	dynamicUDP bool
}

// NewResolver constrói um Resolver a partir da configuração do gateway.
func NewResolver(cfg *config.GatewayConfig) *Resolver {
	return &Resolver{named: cfg.Services, dynamicUDP: cfg.UDPXY}
}

// Resolve mapeia um path HTTP (já sem querystring) e os query params
// associados para um Service. Retorna erro para paths desconhecidos ou
// malformados — o chamador mapeia para 400/404 HTTP (spec.md §7).
func (r *Resolver) Resolve(path string, query url.Values, userAgent string) (*Service, error) {
	path = strings.TrimPrefix(path, "/")

	switch {
	case strings.HasPrefix(path, "udp/"):
		if !r.dynamicUDP {
			return nil, fmt.Errorf("service: dynamic udp routing disabled")
		}
		return resolveMcast(TypeMRTP, strings.TrimPrefix(path, "udp/"), query, userAgent)

	case strings.HasPrefix(path, "rtp/"):
		if !r.dynamicUDP {
			return nil, fmt.Errorf("service: dynamic rtp routing disabled")
		}
		return resolveMcast(TypeMRTP, strings.TrimPrefix(path, "rtp/"), query, userAgent)

	case strings.HasPrefix(path, "rtsp/"):
		if !r.dynamicUDP {
			return nil, fmt.Errorf("service: dynamic rtsp routing disabled")
		}
		return resolveRTSP(strings.TrimPrefix(path, "rtsp/"), query, userAgent)

	default:
		svc, ok := r.named[path]
		if !ok {
			return nil, fmt.Errorf("service: unknown service %q", path)
		}
		return resolveNamed(svc, query, userAgent)
	}
}

// resolveMcast parseia "<addr>:<port>[@<src>:<port>]", com fcc opcional
// vindo da query string (spec.md §6).
func resolveMcast(typ Type, rest string, query url.Values, userAgent string) (*Service, error) {
	groupPart, srcPart, hasSrc := strings.Cut(rest, "@")

	group, err := net.ResolveUDPAddr("udp", groupPart)
	if err != nil {
		return nil, fmt.Errorf("service: invalid multicast address %q: %w", groupPart, err)
	}

	svc := &Service{
		Type:      typ,
		Addr:      group,
		Snapshot:  query.Get("snapshot") != "",
		UserAgent: userAgent,
	}

	if hasSrc {
		src, err := net.ResolveUDPAddr("udp", srcPart)
		if err != nil {
			return nil, fmt.Errorf("service: invalid source address %q: %w", srcPart, err)
		}
		svc.Source = src
	}

	if fcc := query.Get("fcc"); fcc != "" {
		fccAddr, err := net.ResolveUDPAddr("udp", fcc)
		if err != nil {
			return nil, fmt.Errorf("service: invalid fcc address %q: %w", fcc, err)
		}
		svc.FCCAddr = fccAddr
	}

	return svc, nil
}

// resolveRTSP parseia "<host>:<port>/<path>[?playseek=<v>]".
func resolveRTSP(rest string, query url.Values, userAgent string) (*Service, error) {
	hostPort, path, found := strings.Cut(rest, "/")
	if !found {
		return nil, fmt.Errorf("service: malformed rtsp route %q", rest)
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		return nil, fmt.Errorf("service: invalid rtsp host:port %q: %w", hostPort, err)
	}

	u := &url.URL{Scheme: "rtsp", Host: hostPort, Path: "/" + path}
	return &Service{
		Type:      TypeRTSP,
		RTSPURL:   u,
		PlaySeek:  query.Get("playseek"),
		Snapshot:  query.Get("snapshot") != "",
		UserAgent: userAgent,
	}, nil
}

// resolveNamed clona uma entrada estática de config.Services em um Service.
func resolveNamed(cfg config.ServiceConfig, query url.Values, userAgent string) (*Service, error) {
	switch cfg.Type {
	case "rtsp":
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("service: invalid configured rtsp url %q: %w", cfg.URL, err)
		}
		return &Service{
			Type:      TypeRTSP,
			RTSPURL:   u,
			PlaySeek:  query.Get("playseek"),
			Snapshot:  query.Get("snapshot") != "",
			UserAgent: userAgent,
		}, nil

	default: // "mrtp"
		addr, err := net.ResolveUDPAddr("udp", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("service: invalid configured mrtp address %q: %w", cfg.URL, err)
		}
		svc := &Service{Type: TypeMRTP, Addr: addr, Snapshot: query.Get("snapshot") != "", UserAgent: userAgent}
		if cfg.Source != "" {
			src, err := net.ResolveUDPAddr("udp", cfg.Source)
			if err != nil {
				return nil, fmt.Errorf("service: invalid configured source address %q: %w", cfg.Source, err)
			}
			svc.Source = src
		}
		if cfg.FCCAddr != "" {
			fccAddr, err := net.ResolveUDPAddr("udp", cfg.FCCAddr)
			if err == nil {
				svc.FCCAddr = fccAddr
			}
		}
		return svc, nil
	}
}

// ValidateHost confere o cabeçalho Host contra o hostname configurado,
// quando este não está vazio (spec.md §7, rejeição 400 por "bad host").
func ValidateHost(configured, host string) error {
	if configured == "" {
		return nil
	}
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	if h != configured {
		return fmt.Errorf("service: host %q does not match configured hostname %q", host, configured)
	}
	return nil
}

// ValidateAuthToken confere o parâmetro de query com o nome configurado
// contra o token esperado (spec.md §6 "<auth-token-name>").
func ValidateAuthToken(cfg *config.GatewayConfig, query url.Values) error {
	if cfg.AuthToken == "" {
		return nil
	}
	got := query.Get(cfg.AuthTokenKey)
	if got != cfg.AuthToken {
		return fmt.Errorf("service: missing or invalid auth token")
	}
	return nil
}

// String formata o endereço, útil para logging — evita %v verboso de
// *net.UDPAddr em campos estruturados.
func (s *Service) String() string {
	switch s.Type {
	case TypeRTSP:
		return s.RTSPURL.String()
	default:
		addr := "<nil>"
		if s.Addr != nil {
			addr = s.Addr.String()
		}
		return addr
	}
}
