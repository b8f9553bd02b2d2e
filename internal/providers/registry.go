package providers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
)

// Settings selects and configures the search adapters.
type Settings struct {
	Enabled        []string
	BraveAPIKey    string
	SerperAPIKey   string
	MaxResults     int
	HTTPTimeout    time.Duration
	FetchPages     bool
	Simulated      bool
	CircuitBreaker bool
}

// Build constructs every enabled provider that has its credentials. It may
// return an empty slice; callers decide whether that is fatal.
func Build(s Settings, limits *ratecontrol.Controller, logger *zap.Logger) ([]Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := s.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var fetcher *PageFetcher
	if s.FetchPages {
		fetcher = NewPageFetcher(circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "page-fetch", "search-provider", logger))
	}

	var out []Provider
	for _, name := range s.Enabled {
		var p Provider
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "brave":
			if s.BraveAPIKey == "" {
				logger.Warn("Brave provider enabled without BRAVE_API_KEY, skipping")
				continue
			}
			p = NewBrave(s.BraveAPIKey, client, s.MaxResults)
		case "serper":
			if s.SerperAPIKey == "" {
				logger.Warn("Serper provider enabled without SERPER_API_KEY, skipping")
				continue
			}
			p = NewSerper(s.SerperAPIKey, client, s.MaxResults)
		case "simulated":
			p = Simulated{}
		case "":
			continue
		default:
			return nil, fmt.Errorf("unknown search provider %q", name)
		}
		out = append(out, wrap(p, s, fetcher, limits, logger))
	}

	if len(out) == 0 && s.Simulated {
		logger.Warn("No search provider configured, falling back to simulated results")
		out = append(out, wrap(Simulated{}, s, nil, limits, logger))
	}

	names := make([]string, 0, len(out))
	for _, p := range out {
		names = append(names, p.Name())
	}
	logger.Info("Search providers ready", zap.Strings("providers", names))
	return out, nil
}

func wrap(p Provider, s Settings, fetcher *PageFetcher, limits *ratecontrol.Controller, logger *zap.Logger) Provider {
	if fetcher != nil {
		if _, simulated := p.(Simulated); !simulated {
			p = WithPageContent(p, fetcher, logger)
		}
	}
	var cbCfg *circuitbreaker.Config
	if s.CircuitBreaker {
		cfg := circuitbreaker.ProviderSettings(p.Name()).ToConfig()
		cbCfg = &cfg
	}
	return Guard(p, limits, cbCfg, logger)
}
