package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
transport: quic
host: 10.0.0.5
port: 9000
mode: server
node_id: node-a
peers:
  - 10.0.0.6:9000
  - 10.0.0.7:9000
group_rtt_threshold: 75
fallback_transport: websocket
max_players: 64
plugins:
  transport: /opt/plugins/custom.so
logging:
  level: debug
  file: /var/log/coreserver.log
  metrics_interval: 2500
network_settings:
  mtu: 1200
  reconnect_timeout: 30
  network_loss_factor: 5
`

func TestLoadBindsNestedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Plugins.Transport != "/opt/plugins/custom.so" {
		t.Fatalf("Plugins.Transport = %q, want the configured plugin path", cfg.Plugins.Transport)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.File != "/var/log/coreserver.log" {
		t.Fatalf("Logging.File = %q", cfg.Logging.File)
	}
	if cfg.Logging.MetricsInterval != 2500 {
		t.Fatalf("Logging.MetricsInterval = %d, want 2500", cfg.Logging.MetricsInterval)
	}
	if cfg.NetworkSettings.MTU != 1200 {
		t.Fatalf("NetworkSettings.MTU = %d, want 1200", cfg.NetworkSettings.MTU)
	}
	if cfg.NetworkSettings.ReconnectTimeout != 30 {
		t.Fatalf("NetworkSettings.ReconnectTimeout = %d, want 30", cfg.NetworkSettings.ReconnectTimeout)
	}
	if cfg.NetworkSettings.NetworkLossFactor != 5 {
		t.Fatalf("NetworkSettings.NetworkLossFactor = %d, want 5", cfg.NetworkSettings.NetworkLossFactor)
	}
}

func TestLoadAppliesNestedDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("node_id: node-a\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level default = %q, want info", cfg.Logging.Level)
	}
	if cfg.NetworkSettings.MTU != 1400 {
		t.Fatalf("NetworkSettings.MTU default = %d, want 1400", cfg.NetworkSettings.MTU)
	}
	if cfg.NetworkSettings.ReconnectTimeout != 15 {
		t.Fatalf("NetworkSettings.ReconnectTimeout default = %d, want 15", cfg.NetworkSettings.ReconnectTimeout)
	}
}

func TestLoadRequiresNodeID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("transport: gRPC\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing node_id")
	}
}
