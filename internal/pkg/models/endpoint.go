package models

import "time"

// SiteStatus is the circuit-breaker state of one mirror host.
type SiteStatus string

const (
	SiteOnline  SiteStatus = "online"
	SiteOffline SiteStatus = "offline"
	SiteUnknown SiteStatus = "unknown"
)

// EndpointSite is one interchangeable platform mirror. Created at registry
// init, mutated by every transport attempt and by periodic probes, never
// removed from the pool.
type EndpointSite struct {
	URL            string
	Category       string
	Status         SiteStatus
	FailureCount   int
	LastSuccessAt  time.Time
	LastCheckAt    time.Time
	ResponseTimeMs int64
}
