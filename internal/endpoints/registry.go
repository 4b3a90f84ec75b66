package endpoints

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Vodeneev/betagent/internal/pkg/models"
)

// Registry owns the mirror pool shared by all account workers. It is the only
// cross-account mutable state in the engine; every mutation of a site's
// failure count or status goes through the registry mutex.
type Registry struct {
	mu        sync.RWMutex
	sites     map[string]*models.EndpointSite
	order     []string
	current   string
	threshold int
}

// NewRegistry builds the pool from the static mirror list. The first URL
// becomes the current endpoint and the default host. Sites start as unknown
// until a request or probe touches them.
func NewRegistry(urls []string, failureThreshold int) (*Registry, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("endpoint registry requires at least one site")
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}

	r := &Registry{
		sites:     make(map[string]*models.EndpointSite, len(urls)),
		threshold: failureThreshold,
	}
	for _, u := range urls {
		if _, ok := r.sites[u]; ok {
			continue
		}
		r.sites[u] = &models.EndpointSite{URL: u, Category: "mirror", Status: models.SiteUnknown}
		r.order = append(r.order, u)
	}
	r.current = r.order[0]
	return r, nil
}

// Current returns the currently selected endpoint URL.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// DefaultHost is the first configured mirror, used as the last fallback
// candidate by the transport.
func (r *Registry) DefaultHost() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order[0]
}

// ReportSuccess resets the failure count and records latency for a site.
func (r *Registry) ReportSuccess(url string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[url]
	if !ok {
		return
	}
	site.FailureCount = 0
	site.Status = models.SiteOnline
	site.LastSuccessAt = time.Now()
	site.LastCheckAt = site.LastSuccessAt
	site.ResponseTimeMs = latency.Milliseconds()
}

// ReportFailure increments the failure count. Crossing the threshold flips the
// site offline; if it was the current site a failover is performed.
func (r *Registry) ReportFailure(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[url]
	if !ok {
		return
	}
	site.FailureCount++
	site.LastCheckAt = time.Now()
	if site.FailureCount >= r.threshold && site.Status != models.SiteOffline {
		site.Status = models.SiteOffline
		slog.Warn("Endpoint marked offline", "url", url, "failures", site.FailureCount)
		if r.current == url {
			r.failoverLocked(url)
		}
	}
}

// SwitchTo forces selection of a specific site.
func (r *Registry) SwitchTo(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[url]; !ok {
		return fmt.Errorf("unknown endpoint: %s", url)
	}
	r.current = url
	return nil
}

// AutoFailover selects the online site with the lowest response time,
// excluding the current one, and switches to it. Returns the new current URL.
func (r *Registry) AutoFailover() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failoverLocked(r.current)
	return r.current
}

func (r *Registry) failoverLocked(exclude string) {
	var best *models.EndpointSite
	for _, u := range r.order {
		site := r.sites[u]
		if u == exclude || site.Status != models.SiteOnline {
			continue
		}
		if best == nil || site.ResponseTimeMs < best.ResponseTimeMs {
			best = site
		}
	}
	if best == nil {
		// Nothing online: fall back to any non-excluded unknown site so the
		// next request can still try somewhere.
		for _, u := range r.order {
			if u != exclude && r.sites[u].Status == models.SiteUnknown {
				best = r.sites[u]
				break
			}
		}
	}
	if best != nil {
		r.current = best.URL
		slog.Info("Endpoint failover", "from", exclude, "to", best.URL, "response_ms", best.ResponseTimeMs)
	} else {
		slog.Error("Endpoint failover found no candidate, keeping current", "current", r.current)
	}
}

// Site returns a copy of one site's state.
func (r *Registry) Site(url string) (models.EndpointSite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[url]
	if !ok {
		return models.EndpointSite{}, false
	}
	return *site, true
}

// Snapshot returns copies of all sites in configured order.
func (r *Registry) Snapshot() []models.EndpointSite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EndpointSite, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, *r.sites[u])
	}
	return out
}

// URLs returns the configured mirror list.
func (r *Registry) URLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
