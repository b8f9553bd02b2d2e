package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

func TestDelayFor(t *testing.T) {
	assert.Equal(t, time.Second, DelayFor(Limit{RPM: 60}))
	assert.Equal(t, time.Duration(0), DelayFor(Limit{}))
}

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(Limit{RPM: 30, Burst: 5}, Limit{RPM: 20})
	if combined.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", combined.RPM)
	}
	if combined.Burst != 5 {
		t.Fatalf("expected burst 5, got %d", combined.Burst)
	}
	assert.Equal(t, 45, CombineLimits(Limit{RPM: 45}, Limit{}).RPM)
}

func TestControllerLoadsOverridesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  default_rpm: 120
  provider_overrides:
    brave:
      rpm: 30
      burst: 2
`), 0o644))

	c, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, Limit{RPM: 30, Burst: 2}, c.LimitForProvider("Brave"))
	assert.Equal(t, Limit{RPM: 300, Burst: 5}, c.LimitForProvider("serper"))
	assert.Equal(t, 120, c.LimitForProvider("custom").RPM)

	lim := c.limiter("brave")
	assert.InDelta(t, 0.5, float64(lim.Limit()), 1e-9)

	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  provider_overrides:
    brave:
      rpm: 600
`), 0o644))
	require.NoError(t, c.Reload())
	assert.InDelta(t, 10.0, float64(lim.Limit()), 1e-9, "existing limiter is retuned in place")
	assert.Equal(t, 1, lim.Burst())
}

func TestControllerMissingFileUsesBuiltIns(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 60, c.LimitForProvider("brave").RPM)
	assert.Equal(t, rate.Inf, c.limiter("simulated").Limit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Wait(ctx, "simulated"))
	}
}

func TestControllerRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limits: [unclosed"), 0o644))
	_, err := New(path, zaptest.NewLogger(t))
	assert.Error(t, err)
}
