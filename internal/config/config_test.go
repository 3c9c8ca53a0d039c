package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	path := filepath.Join(tmp, "lighthouse", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "lighthouse" {
		t.Fatalf("unexpected path %q", path)
	}
	if cfg.Listen != ":3000" || cfg.Sandbox.Timeout != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	n, err := cfg.SandboxMemoryBytes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 128<<20 {
		t.Fatalf("memory = %d, want %d", n, 128<<20)
	}
}

func TestLoadOverridesKeepOtherDefaults(t *testing.T) {
	writeConfig(t, `listen: 127.0.0.1:8080
log_level: debug
sandbox:
  memory_limit: 64m
  timeout: 250ms
  idle_ttl: 10m
terminal:
  exit_timeout: 3s
`)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := cfg.Listen, "127.0.0.1:8080"; got != want {
		t.Fatalf("listen: got %q want %q", got, want)
	}
	if got, want := cfg.Sandbox.Timeout, 250*time.Millisecond; got != want {
		t.Fatalf("timeout: got %s want %s", got, want)
	}
	if got, want := cfg.Sandbox.IdleTTL, 10*time.Minute; got != want {
		t.Fatalf("idle ttl: got %s want %s", got, want)
	}
	if got, want := cfg.Terminal.ExitTimeout, 3*time.Second; got != want {
		t.Fatalf("exit timeout: got %s want %s", got, want)
	}
	if got, want := cfg.Sandbox.MaxCallStackSize, 1024; got != want {
		t.Fatalf("stack size default lost: got %d", got)
	}
	if !cfg.Docker.Build {
		t.Fatal("docker.build default lost")
	}
	n, err := cfg.SandboxMemoryBytes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 64<<20 {
		t.Fatalf("memory = %d", n)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("listen: :9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path || cfg.Listen != ":9000" {
		t.Fatalf("got %q %+v", got, cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "listen: [\n"},
		{"bad memory", "sandbox:\n  memory_limit: lots\n"},
		{"negative timeout", "sandbox:\n  timeout: -1s\n"},
		{"empty listen", "listen: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.content)
			if _, _, err := Load(""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
