package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
)

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "climate change", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"A","url":"https://a.example","description":"alpha"},
			{"title":"B","url":"https://b.example","description":"beta","extra_snippets":["more"]}
		]}}`))
	}))
	defer srv.Close()

	b := NewBrave("secret", srv.Client(), 5).WithEndpoint(srv.URL)
	res, err := b.Search(context.Background(), "climate change")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "brave", res[0].Provider)
	assert.Equal(t, "beta more", res[1].Content)
}

func TestBraveErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		transient bool
		retry     time.Duration
	}{
		{name: "unauthorized is permanent", status: http.StatusUnauthorized},
		{name: "bad request is permanent", status: http.StatusBadRequest},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, header: map[string]string{"X-RateLimit-Reset": "3, 100"}, transient: true, retry: 3 * time.Second},
		{name: "server error is transient", status: http.StatusServiceUnavailable, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewBrave("k", srv.Client(), 3).WithEndpoint(srv.URL).Search(context.Background(), "q")
			require.Error(t, err)
			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.transient, pe.Transient)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retry, RetryAfter(err))
		})
	}
}

func TestMissingKeyIsPermanent(t *testing.T) {
	_, err := NewBrave("", nil, 0).Search(context.Background(), "q")
	assert.False(t, IsTransient(err))
	_, err = NewSerper(" ", nil, 0).Search(context.Background(), "q")
	assert.False(t, IsTransient(err))
}

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "solar", body["q"])
		_, _ = w.Write([]byte(`{"organic":[{"title":"S","link":"https://s.example","snippet":"sun"}]}`))
	}))
	defer srv.Close()

	res, err := NewSerper("key", srv.Client(), 5).WithEndpoint(srv.URL).Search(context.Background(), "solar")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "https://s.example", res[0].URL)
	assert.Equal(t, "serper", res[0].Provider)
}

func TestExtractTextSkipsChrome(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<html><head><title>T</title><script>var x=1</script></head>
		<body><nav>menu</nav><article><p>Carbon   capture</p><p>works.</p></article><footer>legal</footer></body></html>`))
	require.NoError(t, err)
	text := ExtractText(doc)
	assert.Contains(t, text, "Carbon capture works.")
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "legal")
}

func TestWithPageContent(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>Full article body that is longer than the snippet.</p></body></html>`))
	}))
	defer page.Close()

	inner := NewStatic("static", []Result{{Title: "x", URL: page.URL, Snippet: "short", Content: "short"}})
	p := WithPageContent(inner, NewPageFetcher(page.Client()), zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Full article body that is longer than the snippet.", res[0].Content)
	assert.Equal(t, "static", p.Name())
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Search(ctx context.Context, q string) ([]Result, error) {
	c.calls.Add(1)
	return nil, c.err
}

func TestGuardOpensBreaker(t *testing.T) {
	inner := &countingProvider{err: Transient("counting", errors.New("down"))}
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute

	g := Guard(inner, nil, &cfg, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_, err := g.Search(context.Background(), "q")
		assert.True(t, IsTransient(err))
	}
	_, err := g.Search(context.Background(), "q")
	require.Error(t, err)
	assert.False(t, IsTransient(err), "open breaker is not worth retrying")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestBuildFallsBackToSimulated(t *testing.T) {
	ps, err := Build(Settings{Enabled: []string{"brave"}, Simulated: true}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "simulated", ps[0].Name())

	ps, err = Build(Settings{Enabled: []string{"serper"}}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, ps)

	_, err = Build(Settings{Enabled: []string{"bing"}}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestFromTransport(t *testing.T) {
	assert.True(t, FromTransport("p", context.DeadlineExceeded).Transient)
	assert.False(t, FromTransport("p", context.Canceled).Transient)
	assert.True(t, FromTransport("p", errors.New("connection reset by peer")).Transient)
	assert.Nil(t, FromTransport("p", nil))
}
