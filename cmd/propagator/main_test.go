package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/mindgoner/propagator/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{Port: 8080, Path: "/"},
		Log:         config.LogConfig{Level: "info"},
		Storage:     config.StorageConfig{Driver: "sqlite"},
		Pull:        config.PullConfig{Path: "/propagator/pull"},
		Replication: config.ReplicationConfig{Mode: "poll", LocalBaseURL: "http://localhost"},
		Push:        config.PushConfig{Enable: true, Driver: "websocket", Path: "/propagator/ws"},
		Metrics:     config.MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func TestStartupBannerAligned(t *testing.T) {
	color.NoColor = true
	cfg := testConfig()
	cfg.AddPeer("https://primary.example.com")

	var buf bytes.Buffer
	printStartupBanner(&buf, cfg, true)

	var width int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		w := runewidth.StringWidth(line)
		if width == 0 {
			width = w
		}
		if w != width {
			t.Fatalf("banner line width %d, want %d: %q", w, width, line)
		}
	}
	if !strings.Contains(buf.String(), "https://primary.example.com") {
		t.Fatalf("banner missing peer:\n%s", buf.String())
	}
}

func TestValidateRouteConflicts(t *testing.T) {
	cfg := testConfig()
	if err := validateRouteConflicts(cfg); err != nil {
		t.Fatalf("unexpected conflict: %v", err)
	}

	cfg.Metrics.Path = "/propagator/pull/"
	if err := validateRouteConflicts(cfg); err == nil {
		t.Fatalf("expected metrics/pull conflict")
	}

	cfg = testConfig()
	cfg.Push.Path = "/healthz"
	if err := validateRouteConflicts(cfg); err == nil {
		t.Fatalf("expected push/healthz conflict")
	}

	cfg.Push.Enable = false
	if err := validateRouteConflicts(cfg); err != nil {
		t.Fatalf("disabled push should not conflict: %v", err)
	}
}
