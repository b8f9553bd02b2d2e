package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	d := orchestrator.DefaultConfig()
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, d.MaxReGatherCycles, cfg.Research.MaxReGatherCycles)
	assert.Equal(t, d.GatheringTimeout, cfg.Research.GatheringTimeout)
	assert.Equal(t, d.Retry.MaxAttempts, cfg.Research.Retry.MaxAttempts)
	assert.Equal(t, d.Critic.MinCorroboration, cfg.Research.Critic.MinCorroboration)
	assert.Equal(t, []string{"brave", "serper"}, cfg.Providers.Enabled)
	assert.Equal(t, policy.ModeEnforce, cfg.Policy.Mode)
	assert.False(t, cfg.Auth.SkipAuth)
}

func TestLoadFileAndEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "research.yaml")
	writeFile(t, path, `
environment: staging
research:
  max_regather_cycles: 4
  gathering_timeout: 45s
  critic:
    min_corroboration: 3
providers:
  enabled: [serper]
  max_results: 5
  trust_weights:
    serper: 0.9
planner:
  expand: false
policy:
  enabled: true
  mode: dry-run
`)
	t.Setenv("RESEARCH_SERVER_PORT", "9999")
	t.Setenv("SERPER_API_KEY", "serper-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 4, cfg.Research.MaxReGatherCycles)
	assert.Equal(t, 45*time.Second, cfg.Research.GatheringTimeout)
	assert.Equal(t, 3, cfg.Research.Critic.MinCorroboration)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, policy.ModeDryRun, cfg.Policy.Mode)

	ps := cfg.ProviderSettings()
	assert.Equal(t, []string{"serper"}, ps.Enabled)
	assert.Equal(t, 5, ps.MaxResults)
	assert.Equal(t, "serper-key", ps.SerperAPIKey)

	_, single := cfg.Planner().(agents.SingleQuery)
	assert.True(t, single)

	rec := knowledge.SourceRecord{Provider: "serper", URL: "https://example.org/a", Content: "x"}
	trust := cfg.Credibility().Score(rec)
	assert.Greater(t, trust, 0.6)
}

func TestLoadUsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt.yaml")
	writeFile(t, path, "log_level: debug\n")
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "research: [unclosed\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	writeFile(t, path, "providers: {}\n")

	w, err := NewWatcher(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	var reloads atomic.Int32
	require.NoError(t, w.WatchFile(path, func() error {
		reloads.Add(1)
		return nil
	}))
	w.Start()

	writeFile(t, path, "providers:\n  brave:\n    requests_per_minute: 10\n")
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the same directory are ignored.
	before := reloads.Load()
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, reloads.Load())
}

func TestWatcherDirectoryFiltersByExtension(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	var reloads atomic.Int32
	require.NoError(t, w.WatchDir(dir, ".rego", func() error {
		reloads.Add(1)
		return nil
	}))
	w.Start()

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, reloads.Load())

	writeFile(t, filepath.Join(dir, "admission.rego"), "package research.admission\n")
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
