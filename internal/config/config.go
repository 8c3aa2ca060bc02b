// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração do gateway rtp2httpd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig representa a configuração completa do processo rtp2httpd.
type GatewayConfig struct {
	Listen              string        `yaml:"listen"`        // endereço TCP do listener HTTP, ex: ":8080"
	Workers             int           `yaml:"workers"`       // número de workers (default: 1)
	Hostname            string        `yaml:"hostname"`      // se definido, valida o header Host
	AuthToken           string        `yaml:"r2h_token"`     // se definido, exige query param com esse valor
	AuthTokenKey        string        `yaml:"r2h_token_key"` // nome do query param do token (default: "r2h-token")
	StatusRoute         string        `yaml:"status_page_route"`
	UDPXY               bool          `yaml:"udpxy"`      // habilita parsing dinâmico de /udp, /rtp e /rtsp
	MaxClients          int           `yaml:"maxclients"` // 0 = ilimitado
	RejoinRaw           string        `yaml:"mcast_rejoin_interval"`
	RejoinInt           time.Duration `yaml:"-"`
	VideoSnapshot       bool          `yaml:"video_snapshot"`
	McastDataTimeoutRaw string        `yaml:"mcast_data_timeout"`
	McastDataTimeout    time.Duration `yaml:"-"`
	SnapshotTimeoutRaw  string        `yaml:"snapshot_timeout"`
	SnapshotTimeout     time.Duration `yaml:"-"`
	// ControlRateLimitBytesPerSec limita a taxa de escrita dos corpos de
	// resposta do plano de controle (status JSON, SSE, M3U) para que um
	// cliente lento não prenda a goroutine de colaborador em escritas
	// grandes. 0 (ou ausente) assume o default de 1 MiB/s; um valor
	// negativo desabilita o throttle.
	ControlRateLimitBytesPerSec int64 `yaml:"control_rate_limit_bytes_per_sec"`

	Buffer       BufferConfig             `yaml:"buffer"`
	FCC          FCCConfig                `yaml:"fcc"`
	RTSP         RTSPConfig               `yaml:"rtsp"`
	Reorder      ReorderConfig            `yaml:"reorder"`
	Backpressure BackpressureConfig       `yaml:"backpressure"`
	Services     map[string]ServiceConfig `yaml:"services"`
	Logging      LoggingConfig            `yaml:"logging"`
	Metrics      MetricsConfig            `yaml:"metrics"`
	Playlist     PlaylistConfig           `yaml:"playlist"`
	Maintenance  MaintenanceConfig        `yaml:"maintenance"`
}

// BufferConfig ajusta o dimensionamento do pool de buffers (spec.md §4.1).
type BufferConfig struct {
	Size           string        `yaml:"size"` // tamanho de cada buffer, ex: "2kb" (default: 2kb)
	SizeRaw        int           `yaml:"-"`
	Initial        int           `yaml:"initial"`         // buffers pré-alocados (default: 256)
	Max            int           `yaml:"max"`             // hard cap (default: 16384)
	Chunk          int           `yaml:"chunk"`           // tamanho do chunk de crescimento (default: 64)
	LowWatermark   int           `yaml:"low_watermark"`   // default: 64
	HighWatermark  int           `yaml:"high_watermark"`  // default: 1024
	ControlReserve int           `yaml:"control_reserve"` // buffers reservados para alloc_control (default: 32)
	ShrinkCooldown time.Duration `yaml:"shrink_cooldown"` // default: 30s
}

// FCCConfig ajusta os budgets de timeout do protocolo de Fast Channel Change.
type FCCConfig struct {
	SignallingTimeout  time.Duration `yaml:"signalling_timeout"`   // default: 500ms
	FirstPacketTimeout time.Duration `yaml:"first_packet_timeout"` // default: 2s
	UnicastTimeout     time.Duration `yaml:"unicast_timeout"`      // default: 5s
	SyncWaitTimeout    time.Duration `yaml:"sync_wait_timeout"`    // default: 3s
}

// RTSPConfig ajusta os budgets do controle RTSP.
type RTSPConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`    // default: 3s
	ResponseTimeout   time.Duration `yaml:"response_timeout"`   // default: 3s
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // default: 30s
}

// ReorderConfig ajusta a janela de reordenação de RTP.
type ReorderConfig struct {
	WindowSize  int           `yaml:"window_size"`  // default: 32
	WaitTimeout time.Duration `yaml:"wait_timeout"` // default: 40ms
}

// BackpressureConfig ajusta o controlador de fair-share/EWMA (spec.md §4.7).
type BackpressureConfig struct {
	MinBuffers   int           `yaml:"min_buffers"`   // CONN_QUEUE_MIN_BUFFERS (default: 8)
	EWMAAlpha    float64       `yaml:"ewma_alpha"`    // default: 0.2
	SlowSustain  time.Duration `yaml:"slow_sustain"`  // default: 3s
	ReserveBytes int64         `yaml:"reserve_bytes"` // reserva sob max_buffers*BUFFER_SIZE (default: 0)
}

// ServiceConfig é um serviço estático configurado pelo operador. URL
// carrega o endereço "ip:port" multicast quando Type é "mrtp", ou a URL
// rtsp:// completa quando Type é "rtsp".
type ServiceConfig struct {
	URL       string `yaml:"url"`
	Type      string `yaml:"type"`   // "mrtp" | "rtsp"
	Source    string `yaml:"source"` // fonte SSM opcional "ip:port"
	FCCAddr   string `yaml:"fcc_addr"`
	UserAgent string `yaml:"user_agent"`
}

// LoggingConfig configura o logger estruturado.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: info
	Format string `yaml:"format"` // default: json
	File   string `yaml:"file"`   // opcional
}

// MetricsConfig configura a exposição Prometheus.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9108"
}

// PlaylistConfig configura o transform de M3U.
type PlaylistConfig struct {
	UpstreamURL string        `yaml:"upstream_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"` // default: 60s
}

// MaintenanceConfig agenda ações operacionais que não são loop-local
// (rotação de log, persistência de snapshot de métricas). Ambos os
// schedules são opcionais; vazio desabilita a respectiva ação.
type MaintenanceConfig struct {
	LogRotateSchedule       string `yaml:"log_rotate_schedule"`       // ex: "0 0 * * *" (desabilitado por default)
	MetricsSnapshotSchedule string `yaml:"metrics_snapshot_schedule"` // ex: "@every 1m" (desabilitado por default)
	MetricsSnapshotPath     string `yaml:"metrics_snapshot_path"`
}

// Load lê, parseia e valida o arquivo YAML de configuração.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// validate preenche defaults e valida campos obrigatórios. Idempotente: uma
// segunda chamada sobre uma config já validada não altera nada.
func (c *GatewayConfig) validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StatusRoute == "" {
		c.StatusRoute = "status"
	}
	c.StatusRoute = strings.Trim(c.StatusRoute, "/")
	if c.AuthTokenKey == "" {
		c.AuthTokenKey = "r2h-token"
	}

	if c.RejoinRaw == "" {
		c.RejoinInt = 30 * time.Second
	} else {
		d, err := time.ParseDuration(c.RejoinRaw)
		if err != nil {
			return fmt.Errorf("mcast_rejoin_interval: %w", err)
		}
		c.RejoinInt = d
	}

	if c.McastDataTimeoutRaw == "" {
		c.McastDataTimeout = 10 * time.Second
	} else {
		d, err := time.ParseDuration(c.McastDataTimeoutRaw)
		if err != nil {
			return fmt.Errorf("mcast_data_timeout: %w", err)
		}
		c.McastDataTimeout = d
	}

	if c.SnapshotTimeoutRaw == "" {
		c.SnapshotTimeout = 2 * time.Second
	} else {
		d, err := time.ParseDuration(c.SnapshotTimeoutRaw)
		if err != nil {
			return fmt.Errorf("snapshot_timeout: %w", err)
		}
		c.SnapshotTimeout = d
	}

	if c.ControlRateLimitBytesPerSec == 0 {
		c.ControlRateLimitBytesPerSec = 1 << 20 // 1MB/s
	}

	if err := c.Buffer.validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	c.FCC.validate()
	c.RTSP.validate()
	c.Reorder.validate()
	c.Backpressure.validate()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9108"
	}

	if c.Playlist.CacheTTL <= 0 {
		c.Playlist.CacheTTL = 60 * time.Second
	}

	if c.Maintenance.MetricsSnapshotSchedule != "" && c.Maintenance.MetricsSnapshotPath == "" {
		return fmt.Errorf("maintenance.metrics_snapshot_path is required when metrics_snapshot_schedule is set")
	}

	for name, s := range c.Services {
		if s.URL == "" {
			return fmt.Errorf("services.%s.url is required", name)
		}
		if s.Type == "" {
			s.Type = "mrtp"
		}
		s.Type = strings.ToLower(s.Type)
		if s.Type != "mrtp" && s.Type != "rtsp" {
			return fmt.Errorf("services.%s.type must be mrtp or rtsp, got %q", name, s.Type)
		}
		c.Services[name] = s
	}

	return nil
}

func (b *BufferConfig) validate() error {
	if b.Size == "" {
		b.SizeRaw = 2048
	} else {
		sz, err := ParseByteSize(b.Size)
		if err != nil {
			return fmt.Errorf("size: %w", err)
		}
		b.SizeRaw = int(sz)
	}
	if b.Initial <= 0 {
		b.Initial = 256
	}
	if b.Max <= 0 {
		b.Max = 16384
	}
	if b.Chunk <= 0 {
		b.Chunk = 64
	}
	if b.LowWatermark <= 0 {
		b.LowWatermark = 64
	}
	if b.HighWatermark <= 0 {
		b.HighWatermark = 1024
	}
	if b.ControlReserve <= 0 {
		b.ControlReserve = 32
	}
	if b.ShrinkCooldown <= 0 {
		b.ShrinkCooldown = 30 * time.Second
	}
	if b.Max < b.Initial {
		return fmt.Errorf("max (%d) must be >= initial (%d)", b.Max, b.Initial)
	}
	return nil
}

func (f *FCCConfig) validate() {
	if f.SignallingTimeout <= 0 {
		f.SignallingTimeout = 500 * time.Millisecond
	}
	if f.FirstPacketTimeout <= 0 {
		f.FirstPacketTimeout = 2 * time.Second
	}
	if f.UnicastTimeout <= 0 {
		f.UnicastTimeout = 5 * time.Second
	}
	if f.SyncWaitTimeout <= 0 {
		f.SyncWaitTimeout = 3 * time.Second
	}
}

func (r *RTSPConfig) validate() {
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = 3 * time.Second
	}
	if r.ResponseTimeout <= 0 {
		r.ResponseTimeout = 3 * time.Second
	}
	if r.KeepaliveInterval <= 0 {
		r.KeepaliveInterval = 30 * time.Second
	}
}

func (r *ReorderConfig) validate() {
	if r.WindowSize <= 0 {
		r.WindowSize = 32
	}
	if r.WaitTimeout <= 0 {
		r.WaitTimeout = 40 * time.Millisecond
	}
}

func (b *BackpressureConfig) validate() {
	if b.MinBuffers <= 0 {
		b.MinBuffers = 8
	}
	if b.EWMAAlpha <= 0 {
		b.EWMAAlpha = 0.2
	}
	if b.SlowSustain <= 0 {
		b.SlowSustain = 3 * time.Second
	}
	if b.ReserveBytes < 0 {
		b.ReserveBytes = 0
	}
}

// ParseByteSize converte strings human-readable como "256mb", "2kb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Ordenado do sufixo mais longo para o mais curto para não casar "mb" como "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
