package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API. The key is sent via X-Subscription-Token.
type Brave struct {
	apiKey     string
	endpoint   string
	client     Doer
	maxResults int
}

// NewBrave constructs a Brave adapter. A nil client gets a 10s default.
func NewBrave(apiKey string, client Doer, maxResults int) *Brave {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Brave{apiKey: apiKey, endpoint: braveEndpoint, client: client, maxResults: maxResults}
}

// WithEndpoint overrides the API endpoint (used by tests).
func (b *Brave) WithEndpoint(endpoint string) *Brave {
	b.endpoint = endpoint
	return b
}

func (b *Brave) Name() string { return "brave" }

// Search runs one Brave query.
func (b *Brave) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(b.apiKey) == "" {
		return nil, Permanent(b.Name(), errors.New("API key is missing"))
	}
	endpoint := fmt.Sprintf("%s?q=%s&count=%d", b.endpoint, url.QueryEscape(query), b.maxResults)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, b.endpoint)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(b.Name(), err)
	}
	tracing.InjectTraceparent(ctx, req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, FromTransport(b.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := FromStatus(b.Name(), resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = braveRetryDelay(resp.Header)
		}
		return nil, perr
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title         string   `json:"title"`
				URL           string   `json:"url"`
				Description   string   `json:"description"`
				ExtraSnippets []string `json:"extra_snippets"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, Transient(b.Name(), fmt.Errorf("decode response: %w", err))
	}

	results := make([]Result, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		content := r.Description
		if len(r.ExtraSnippets) > 0 {
			content = content + " " + strings.Join(r.ExtraSnippets, " ")
		}
		results = append(results, Result{
			Title:    r.Title,
			URL:      r.URL,
			Snippet:  r.Description,
			Content:  content,
			Provider: b.Name(),
		})
		if len(results) >= b.maxResults {
			break
		}
	}
	return results, nil
}

// braveRetryDelay reads X-RateLimit-Reset, a comma-separated list of reset
// times in seconds ("1, 1419704"), and returns the smallest one.
func braveRetryDelay(h http.Header) time.Duration {
	raw := h.Get("X-RateLimit-Reset")
	if raw == "" {
		return time.Second
	}
	minReset := -1
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return time.Second
	}
	return time.Duration(minReset) * time.Second
}
