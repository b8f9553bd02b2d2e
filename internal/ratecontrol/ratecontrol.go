package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultBurst      int `yaml:"default_burst"`
		ProviderOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// Limit is a requests-per-minute budget. Zero RPM means unlimited.
type Limit struct {
	RPM   int
	Burst int
}

var builtInProviderLimits = map[string]Limit{
	"brave":     {RPM: 60, Burst: 1},
	"serper":    {RPM: 300, Burst: 5},
	"simulated": {},
}

// Controller hands out one token-bucket limiter per search provider. The
// limits come from a YAML file that can be reloaded at runtime.
type Controller struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	cfg      config
	limiters map[string]*rate.Limiter
}

// New loads path (an empty or missing file falls back to built-in limits).
func New(path string, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{path: path, logger: logger, limiters: make(map[string]*rate.Limiter)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file backing this controller.
func (c *Controller) Path() string { return c.path }

// Reload re-reads the YAML file and retunes existing limiters in place.
func (c *Controller) Reload() error {
	var cfg config
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			c.logger.Warn("Rate limit file not found, using built-in limits", zap.String("path", c.path))
		case err != nil:
			return fmt.Errorf("read rate limits: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parse rate limits %s: %w", c.path, err)
			}
		}
	}

	c.mu.Lock()
	c.cfg = cfg
	for name, lim := range c.limiters {
		l := c.limitLocked(name)
		lim.SetLimit(toRate(l))
		lim.SetBurst(burstOf(l))
	}
	n := len(cfg.RateLimits.ProviderOverrides)
	c.mu.Unlock()

	c.logger.Info("Rate limits loaded",
		zap.String("path", c.path),
		zap.Int("default_rpm", cfg.RateLimits.DefaultRPM),
		zap.Int("provider_overrides", n),
	)
	return nil
}

// LimitForProvider resolves file overrides, then built-ins, then the default.
func (c *Controller) LimitForProvider(provider string) Limit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limitLocked(provider)
}

func (c *Controller) limitLocked(provider string) Limit {
	key := strings.ToLower(strings.TrimSpace(provider))
	if o, ok := c.cfg.RateLimits.ProviderOverrides[key]; ok {
		return Limit{RPM: o.RPM, Burst: o.Burst}
	}
	if l, ok := builtInProviderLimits[key]; ok {
		return l
	}
	return Limit{RPM: c.cfg.RateLimits.DefaultRPM, Burst: c.cfg.RateLimits.DefaultBurst}
}

// Wait blocks until provider may issue another request or ctx ends.
func (c *Controller) Wait(ctx context.Context, provider string) error {
	return c.limiter(provider).Wait(ctx)
}

func (c *Controller) limiter(provider string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(provider))
	c.mu.RLock()
	lim, ok := c.limiters[key]
	c.mu.RUnlock()
	if ok {
		return lim
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[key]; ok {
		return lim
	}
	l := c.limitLocked(key)
	lim = rate.NewLimiter(toRate(l), burstOf(l))
	c.limiters[key] = lim
	return lim
}

func toRate(l Limit) rate.Limit {
	if l.RPM <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.RPM) / 60.0)
}

func burstOf(l Limit) int {
	if l.Burst > 0 {
		return l.Burst
	}
	return 1
}

// CombineLimits keeps the stricter positive RPM of the two.
func CombineLimits(a, b Limit) Limit {
	limit := Limit{RPM: minPositive(a.RPM, b.RPM), Burst: minPositive(a.Burst, b.Burst)}
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	return limit
}

// DelayFor returns the steady-state spacing between requests for a limit.
func DelayFor(l Limit) time.Duration {
	if l.RPM <= 0 {
		return 0
	}
	ms := math.Ceil(60000.0 / float64(l.RPM))
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
