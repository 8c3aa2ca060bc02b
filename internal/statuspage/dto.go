// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statuspage

import "time"

// SlotDTO é a representação JSON de um Slot (spec.md §4.10 "JSON/HTML
// snapshot of the status table").
type SlotDTO struct {
	Index               int     `json:"index"`
	RemoteAddr          string  `json:"remote_addr"`
	Service             string  `json:"service"`
	UserAgent           string  `json:"user_agent,omitempty"`
	Mode                string  `json:"mode"`
	ConnectedAt         string  `json:"connected_at"`
	ConnectedFor        string  `json:"connected_for"`
	BytesIn             int64   `json:"bytes_in"`
	BytesOut            int64   `json:"bytes_out"`
	BandwidthBps        float64 `json:"bandwidth_bps"`
	QueueBytes          int64   `json:"queue_bytes"`
	QueueBuffers        int64   `json:"queue_buffers"`
	QueueLimitBytes     int64   `json:"queue_limit_bytes"`
	QueueBytesHighwater int64   `json:"queue_bytes_highwater"`
	DroppedPackets      int64   `json:"dropped_packets"`
	DroppedBytes        int64   `json:"dropped_bytes"`
	BackpressureEvents  int64   `json:"backpressure_events"`
	SlowActive          bool    `json:"slow_active"`
}

func newSlotDTO(s Slot) SlotDTO {
	return SlotDTO{
		Index:               s.Index,
		RemoteAddr:          s.RemoteAddr,
		Service:             s.Service,
		UserAgent:           s.UserAgent,
		Mode:                s.Mode,
		ConnectedAt:         s.ConnectedAt.Format(time.RFC3339),
		ConnectedFor:        time.Since(s.ConnectedAt).Truncate(time.Second).String(),
		BytesIn:             s.BytesIn,
		BytesOut:            s.BytesOut,
		BandwidthBps:        s.BandwidthBps,
		QueueBytes:          s.QueueBytes,
		QueueBuffers:        s.QueueBuffers,
		QueueLimitBytes:     s.QueueLimitBytes,
		QueueBytesHighwater: s.QueueBytesHighwater,
		DroppedPackets:      s.DroppedPackets,
		DroppedBytes:        s.DroppedBytes,
		BackpressureEvents:  s.BackpressureEvents,
		SlowActive:          s.SlowActive,
	}
}

// SnapshotResponse é o corpo de GET <status_route>.
type SnapshotResponse struct {
	Clients []SlotDTO `json:"clients"`
}

// DisconnectRequest é o corpo de POST <status_route>/api/disconnect.
type DisconnectRequest struct {
	Index      *int   `json:"index,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// LogLevelRequest é o corpo de POST <status_route>/api/log-level.
type LogLevelRequest struct {
	Level string `json:"level"`
}
