package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const maxPageBytes = 32 * 1024

// PageFetcher downloads a result URL and reduces it to readable text.
type PageFetcher struct {
	client Doer
}

func NewPageFetcher(client Doer) *PageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &PageFetcher{client: client}
}

// Fetch returns the visible text of the page at rawURL, capped at 32KB.
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return "", errors.New("fetch url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "research-orchestrator/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch http %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	text := ExtractText(doc)
	if len(text) > maxPageBytes {
		text = text[:maxPageBytes]
	}
	return text, nil
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "header": true, "footer": true, "aside": true,
}

// ExtractText walks the document and joins visible text nodes.
func ExtractText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// withPages replaces snippets with full page text where a fetch succeeds.
type withPages struct {
	Provider
	fetcher *PageFetcher
	logger  *zap.Logger
}

// WithPageContent decorates p so each result carries the fetched page body.
// Fetch failures keep the provider's snippet.
func WithPageContent(p Provider, f *PageFetcher, logger *zap.Logger) Provider {
	return &withPages{Provider: p, fetcher: f, logger: logger}
}

func (w *withPages) Search(ctx context.Context, query string) ([]Result, error) {
	results, err := w.Provider.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].URL == "" {
			continue
		}
		text, ferr := w.fetcher.Fetch(ctx, results[i].URL)
		if ferr != nil {
			w.logger.Debug("Page fetch failed, keeping snippet",
				zap.String("provider", w.Name()),
				zap.String("url", results[i].URL),
				zap.Error(ferr),
			)
			continue
		}
		if len(text) > len(results[i].Content) {
			results[i].Content = text
		}
	}
	return results, nil
}
