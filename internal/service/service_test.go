// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package service

import (
	"net/url"
	"testing"

	"github.com/streamgw/rtp2httpd/internal/config"
)

func testResolver(dynamicUDP bool) *Resolver {
	return &Resolver{
		named: map[string]config.ServiceConfig{
			"news": {Type: "mrtp", URL: "239.1.1.1:5000"},
			"cam":  {Type: "rtsp", URL: "rtsp://10.0.0.5:554/cam"},
		},
		dynamicUDP: dynamicUDP,
	}
}

func TestResolve_NamedMRTP(t *testing.T) {
	r := testResolver(false)
	svc, err := r.Resolve("/news", url.Values{}, "vlc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Type != TypeMRTP || svc.Addr.String() != "239.1.1.1:5000" {
		t.Errorf("unexpected service: %+v", svc)
	}
}

func TestResolve_NamedRTSP(t *testing.T) {
	r := testResolver(false)
	svc, err := r.Resolve("/cam", url.Values{"playseek": {"20260101T000000"}}, "vlc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Type != TypeRTSP || svc.PlaySeek != "20260101T000000" {
		t.Errorf("unexpected service: %+v", svc)
	}
}

func TestResolve_UnknownNamedService(t *testing.T) {
	r := testResolver(false)
	if _, err := r.Resolve("/doesnotexist", url.Values{}, ""); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestResolve_DynamicUDPDisabled(t *testing.T) {
	r := testResolver(false)
	if _, err := r.Resolve("/udp/239.1.1.1:5000", url.Values{}, ""); err == nil {
		t.Error("expected error when dynamic udp disabled")
	}
}

func TestResolve_DynamicUDPWithSource(t *testing.T) {
	r := testResolver(true)
	svc, err := r.Resolve("/udp/239.1.1.1:5000@10.0.0.1:0", url.Values{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Source == nil || svc.Source.IP.String() != "10.0.0.1" {
		t.Errorf("expected source-specific multicast source, got %+v", svc.Source)
	}
}

func TestResolve_DynamicRTPWithFCC(t *testing.T) {
	r := testResolver(true)
	svc, err := r.Resolve("/rtp/239.1.1.1:5000", url.Values{"fcc": {"10.0.0.9:8000"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.FCCAddr == nil || svc.FCCAddr.String() != "10.0.0.9:8000" {
		t.Errorf("expected fcc address, got %+v", svc.FCCAddr)
	}
}

func TestResolve_DynamicRTSP(t *testing.T) {
	r := testResolver(true)
	svc, err := r.Resolve("/rtsp/10.0.0.5:554/live/ch1", url.Values{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Type != TypeRTSP || svc.RTSPURL.Path != "/live/ch1" {
		t.Errorf("unexpected service: %+v", svc)
	}
}

func TestValidateHost(t *testing.T) {
	if err := ValidateHost("gw.local", "gw.local:8080"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateHost("gw.local", "evil.example"); err == nil {
		t.Error("expected error for mismatched host")
	}
	if err := ValidateHost("", "anything"); err != nil {
		t.Error("expected no validation when hostname is unconfigured")
	}
}

func TestValidateAuthToken(t *testing.T) {
	cfg := &config.GatewayConfig{AuthToken: "secret", AuthTokenKey: "r2h-token"}
	ok := url.Values{"r2h-token": {"secret"}}
	bad := url.Values{"r2h-token": {"wrong"}}
	if err := ValidateAuthToken(cfg, ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAuthToken(cfg, bad); err == nil {
		t.Error("expected error for wrong token")
	}
}
