package endpoints

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober periodically re-checks every site in the pool with a lightweight
// reachability request. Sites found reachable come back online with a clean
// failure count; the circuit breaker never removes a site permanently.
type Prober struct {
	registry  *Registry
	interval  time.Duration
	timeout   time.Duration
	userAgent string
	client    *http.Client
}

func NewProber(registry *Registry, interval, timeout time.Duration, userAgent string) *Prober {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prober{
		registry:  registry,
		interval:  interval,
		timeout:   timeout,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// Run blocks until ctx is cancelled, probing all sites each interval.
func (p *Prober) Run(ctx context.Context) {
	slog.Info("Endpoint prober started", "interval", p.interval, "sites", len(p.registry.URLs()))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Endpoint prober stopped")
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every site concurrently and reports results to the registry.
func (p *Prober) ProbeAll(ctx context.Context) {
	urls := p.registry.URLs()
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			latency, err := p.probe(ctx, u)
			if err != nil {
				p.registry.ReportFailure(u)
				slog.Debug("Endpoint probe failed", "url", u, "error", err)
				return
			}
			p.registry.ReportSuccess(u, latency)
		}(u)
	}
	wg.Wait()
}

// probe issues a HEAD request and falls back to GET for hosts that reject HEAD.
func (p *Prober) probe(ctx context.Context, siteURL string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, siteURL, nil)
		if err != nil {
			return 0, err
		}
		if p.userAgent != "" {
			req.Header.Set("User-Agent", p.userAgent)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			if method == http.MethodHead {
				continue
			}
			return 0, err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			if method == http.MethodHead {
				continue
			}
			return 0, &statusError{code: resp.StatusCode}
		}
		return time.Since(start), nil
	}
	return 0, &statusError{code: 0}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	if e.code == 0 {
		return "no probe method succeeded"
	}
	return http.StatusText(e.code)
}
