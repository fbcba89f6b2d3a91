package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestConfig writes a minimal valid config file and returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "node_id: test-node\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != versionString {
		t.Fatalf("version output = %q, want %q", got, versionString)
	}
}

func TestStatusCommandReportsConfiguredValues(t *testing.T) {
	path := writeTestConfig(t, "transport: gRPC\nmax_players: 42\n")
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"status", "--config", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "node_id: test-node") || !strings.Contains(out, "transport: gRPC") || !strings.Contains(out, "max_players: 42") {
		t.Fatalf("status output missing configured values:\n%s", out)
	}
}

func TestConfigCommandRequiresNodeID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("transport: gRPC\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	root := buildRootCommand()
	root.SetArgs([]string{"config", "--config", path})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "node_id") {
		t.Fatalf("expected node_id-required error, got %v", err)
	}
}
