package api

import (
	"context"
	"net/http"
	"time"
)

// Prober verifies that the server is actually reachable. The operation
// queue consults it before every replay pass instead of trusting the
// environment's online flag.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HealthProber issues a GET against a health endpoint with a short
// timeout. Any 2xx answer counts as reachable.
type HealthProber struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
}

func NewHealthProber(url string, opts ...HealthProberOption) *HealthProber {
	p := &HealthProber{
		httpClient: http.DefaultClient,
		url:        url,
		timeout:    3 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type HealthProberOption func(*HealthProber)

func WithProbeTimeout(d time.Duration) HealthProberOption {
	return func(p *HealthProber) { p.timeout = d }
}

func WithProbeHTTPClient(hc *http.Client) HealthProberOption {
	return func(p *HealthProber) { p.httpClient = hc }
}

func (p *HealthProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }
