package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/resilience"
	"github.com/haasonsaas/warden/internal/sandbox"
)

// runDoctor probes the pieces a chat session depends on and prints one line
// per check. It exits non-zero when a critical check fails.
func runDoctor(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	monitor := resilience.NewHealthMonitor()

	monitor.Register("data_dir", true, 0, func(ctx context.Context) error {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return err
		}
		probe := filepath.Join(cfg.DataDir, ".doctor")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("not writable: %w", err)
		}
		return os.Remove(probe)
	})

	monitor.Register("audit_chain", true, 0, func(ctx context.Context) error {
		dir := auditDir(cfg.DataDir)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil // nothing logged yet
		}
		res, err := audit.Verify(dir)
		if err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("hash chain broken at entry %s", res.BrokenAt)
		}
		return nil
	})

	monitor.Register("sandbox", cfg.Sandbox.Level == sandbox.LevelContainer, 0, func(ctx context.Context) error {
		opts := []sandbox.Option{
			sandbox.WithDefaultLevel(cfg.Sandbox.Level),
			sandbox.WithAllowFallback(cfg.Sandbox.AllowFallback),
		}
		sb, err := sandbox.NewExecutor(opts...)
		if err != nil {
			return err
		}
		if cfg.Sandbox.Level == sandbox.LevelContainer && !sb.ContainerAvailable() {
			return fmt.Errorf("container isolation requested but Docker is unavailable")
		}
		return nil
	})

	monitor.Register("provider_key", false, 0, func(ctx context.Context) error {
		if cfg.Provider.Name == "mock" {
			return nil
		}
		if cfg.Provider.apiKey() == "" {
			return fmt.Errorf("%s is not set (chat will need --offline)", keyEnvName(cfg.Provider))
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	monitor.RunOnce(ctx)

	results := monitor.Results()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	for _, r := range results {
		mark := "ok  "
		if !r.Healthy {
			mark = "FAIL"
			if !r.Critical {
				mark = "warn"
			}
		}
		line := fmt.Sprintf("%s %s", mark, r.Name)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Println(line)
	}

	if !monitor.IsSystemHealthy() {
		return fmt.Errorf("critical checks failed")
	}
	fmt.Println("all critical checks passed")
	return nil
}

func keyEnvName(cfg ProviderConfig) string {
	if cfg.APIKeyEnv != "" {
		return cfg.APIKeyEnv
	}
	return "ANTHROPIC_API_KEY"
}
