package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAggregatorConfig(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	setting := "environment=dev\nlog_file=/tmp/base.log\nlog_level=debug\ndemo_grok_daily=7\n"
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	content := strings.Join([]string{
		"http_address=:9090",
		"log_file=/tmp/env.log",
		"gemini_api_key=ini-key",
		"daily_usd_cap=2.5",
		"breaker_recovery_timeout=2m",
		"database_path=/tmp/custom.db",
	}, "\n")
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	os.Setenv("AGGREGATOR_GEMINI_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("AGGREGATOR_GEMINI_API_KEY") })

	cfg, err := LoadAggregatorConfig(tmp)
	if err != nil {
		t.Fatalf("LoadAggregatorConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("unexpected log file %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.GeminiAPIKey != "env-key" {
		t.Fatalf("env override not applied, got %s", cfg.GeminiAPIKey)
	}
	if cfg.DailyUSDCap != 2.5 {
		t.Fatalf("unexpected daily usd cap %v", cfg.DailyUSDCap)
	}
	if cfg.BreakerRecoveryTimeout != 2*time.Minute {
		t.Fatalf("unexpected breaker recovery %s", cfg.BreakerRecoveryTimeout)
	}
	if cfg.DemoGrokDaily != 7 {
		t.Fatalf("expected grok cap from base config, got %d", cfg.DemoGrokDaily)
	}
	if cfg.DatabasePath != "/tmp/custom.db" {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
}

func TestLoadAggregatorConfigDefaults(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte(""), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	cfg, err := LoadAggregatorConfig(tmp)
	if err != nil {
		t.Fatalf("LoadAggregatorConfig: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address :8080, got %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %s", cfg.DBDriver)
	}
	if cfg.DatabasePath != DefaultDatabasePath() {
		t.Fatalf("expected default database path, got %s", cfg.DatabasePath)
	}
	if cfg.BreakerFailureThreshold != 3 || cfg.BreakerRecoveryTimeout != 300*time.Second {
		t.Fatalf("unexpected breaker defaults %d/%s", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)
	}
	if cfg.DemoGrokDaily != 5 || cfg.DemoSmartCreditsDaily != 20 || cfg.DailyUSDCap != 5.0 {
		t.Fatalf("unexpected limit defaults %d/%d/%v", cfg.DemoGrokDaily, cfg.DemoSmartCreditsDaily, cfg.DailyUSDCap)
	}
	if cfg.RateLimitPerMinute != 30 {
		t.Fatalf("unexpected rate limit default %d", cfg.RateLimitPerMinute)
	}
	if cfg.MaxTokens != 1200 || cfg.Temperature != 0.7 {
		t.Fatalf("unexpected generation defaults %d/%v", cfg.MaxTokens, cfg.Temperature)
	}
	if cfg.CallTimeout != 60*time.Second {
		t.Fatalf("unexpected call timeout %s", cfg.CallTimeout)
	}
	if !cfg.LoopbackEnabled {
		t.Fatalf("loopback should default on in dev")
	}
}

func TestLoadAggregatorConfigHooks(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte("environment=dev\n"), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	hookIni := strings.Join([]string{
		"hooks_enabled=true",
		"hooks_script_path=/usr/local/bin/escalate",
		"hooks_script_args=--page, --log",
		"hooks_script_env=FOO=BAR",
		"hooks_timeout=45s",
	}, "\n")
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte(hookIni), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	os.Setenv("AGGREGATOR_HOOK_TIMEOUT", "30s")
	t.Cleanup(func() { os.Unsetenv("AGGREGATOR_HOOK_TIMEOUT") })

	cfg, err := LoadAggregatorConfig(tmp)
	if err != nil {
		t.Fatalf("LoadAggregatorConfig: %v", err)
	}
	if !cfg.Hooks.Enabled {
		t.Fatalf("expected hooks to be enabled")
	}
	if cfg.Hooks.ScriptPath != "/usr/local/bin/escalate" {
		t.Fatalf("unexpected script path %s", cfg.Hooks.ScriptPath)
	}
	if len(cfg.Hooks.ScriptArgs) != 2 {
		t.Fatalf("unexpected script args %#v", cfg.Hooks.ScriptArgs)
	}
	if cfg.Hooks.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Hooks.Timeout)
	}
}

func TestLoadAggregatorConfigInvalidDriver(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte("db_driver=oracle\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	if _, err := LoadAggregatorConfig(tmp); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestLoadAggregatorConfigPostgresNeedsDSN(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte("db_driver=postgres\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	if _, err := LoadAggregatorConfig(tmp); err == nil {
		t.Fatalf("expected error for postgres without dsn")
	}
}

func TestLoadAggregatorConfigInvalidCap(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "aggregator.ini"), []byte("daily_usd_cap=not-a-number\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	if _, err := LoadAggregatorConfig(tmp); err == nil {
		t.Fatalf("expected error for invalid cap")
	}
}
