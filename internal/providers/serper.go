package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries the Serper Google search API.
type Serper struct {
	apiKey     string
	endpoint   string
	client     Doer
	maxResults int
}

func NewSerper(apiKey string, client Doer, maxResults int) *Serper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Serper{apiKey: apiKey, endpoint: serperEndpoint, client: client, maxResults: maxResults}
}

// WithEndpoint overrides the API endpoint (used by tests).
func (s *Serper) WithEndpoint(endpoint string) *Serper {
	s.endpoint = endpoint
	return s
}

func (s *Serper) Name() string { return "serper" }

func (s *Serper) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(s.apiKey) == "" {
		return nil, Permanent(s.Name(), errors.New("API key is missing"))
	}
	body, err := json.Marshal(map[string]interface{}{"q": query, "num": s.maxResults})
	if err != nil {
		return nil, Permanent(s.Name(), err)
	}
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, s.endpoint)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(s.Name(), err)
	}
	tracing.InjectTraceparent(ctx, req)
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, FromTransport(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, FromStatus(s.Name(), resp.StatusCode, string(raw))
	}

	var payload struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, Transient(s.Name(), fmt.Errorf("decode response: %w", err))
	}

	results := make([]Result, 0, len(payload.Organic))
	for _, r := range payload.Organic {
		results = append(results, Result{
			Title:    r.Title,
			URL:      r.Link,
			Snippet:  r.Snippet,
			Content:  r.Snippet,
			Provider: s.Name(),
		})
		if len(results) >= s.maxResults {
			break
		}
	}
	return results, nil
}
