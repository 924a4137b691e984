package main

import (
	"path/filepath"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "doctor", "sessions", "audit"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Provider.Name != "anthropic" || cfg.Memory.Embeddings != "mock:256" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.DataDir == "" {
		t.Error("data dir is empty")
	}
}
