package main

import (
	"os"
	"path/filepath"
	"testing"

	"log/slog"

	"authd/server"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestWriteConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	if err := writeConfigFile(path, server.DefaultConfig()); err != nil {
		t.Fatalf("writeConfigFile returned error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat written config: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("written config is empty")
	}

	// The generated file must round-trip through the loader.
	if _, err := server.LoadConfig(path); err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
}

func TestWriteConfigFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := writeConfigFile(path, server.DefaultConfig()); err == nil {
		t.Fatalf("expected error when config file already exists")
	}
}
