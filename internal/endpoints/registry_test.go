package endpoints

import (
	"testing"
	"time"

	"github.com/Vodeneev/betagent/internal/pkg/models"
)

func TestReportFailureFlipsOfflineAtThreshold(t *testing.T) {
	r, err := NewRegistry([]string{"https://a.example", "https://b.example"}, 3)
	if err != nil {
		t.Fatal(err)
	}

	r.ReportSuccess("https://b.example", 100*time.Millisecond)

	for i := 1; i <= 3; i++ {
		r.ReportFailure("https://a.example")
		site, _ := r.Site("https://a.example")
		if i < 3 && site.Status == models.SiteOffline {
			t.Fatalf("site offline after %d failures, threshold is 3", i)
		}
		if i == 3 && site.Status != models.SiteOffline {
			t.Fatalf("site not offline after %d failures", i)
		}
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := NewRegistry([]string{"https://a.example"}, 3)

	r.ReportFailure("https://a.example")
	r.ReportFailure("https://a.example")
	r.ReportSuccess("https://a.example", 50*time.Millisecond)

	site, _ := r.Site("https://a.example")
	if site.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", site.FailureCount)
	}
	if site.Status != models.SiteOnline {
		t.Errorf("Status = %s, want online", site.Status)
	}
	if site.ResponseTimeMs != 50 {
		t.Errorf("ResponseTimeMs = %d, want 50", site.ResponseTimeMs)
	}
}

func TestFailoverSelectsFastestOnlineSite(t *testing.T) {
	// Site A fails three probes while B is online at 120ms and C at 300ms.
	r, _ := NewRegistry([]string{"https://a.example", "https://b.example", "https://c.example"}, 3)

	r.ReportSuccess("https://b.example", 120*time.Millisecond)
	r.ReportSuccess("https://c.example", 300*time.Millisecond)

	for i := 0; i < 3; i++ {
		r.ReportFailure("https://a.example")
	}

	if got := r.Current(); got != "https://b.example" {
		t.Errorf("Current() = %s, want https://b.example", got)
	}
}

func TestFailoverExcludesFailedSite(t *testing.T) {
	r, _ := NewRegistry([]string{"https://a.example", "https://b.example"}, 3)

	// A is online and fastest but is the one being excluded.
	r.ReportSuccess("https://a.example", 10*time.Millisecond)
	r.ReportSuccess("https://b.example", 500*time.Millisecond)

	for i := 0; i < 3; i++ {
		r.ReportFailure("https://a.example")
	}

	if got := r.Current(); got != "https://b.example" {
		t.Errorf("Current() = %s, want https://b.example", got)
	}
}

func TestSwitchToUnknownSite(t *testing.T) {
	r, _ := NewRegistry([]string{"https://a.example"}, 3)
	if err := r.SwitchTo("https://nope.example"); err == nil {
		t.Error("SwitchTo unknown site should fail")
	}
	if err := r.SwitchTo("https://a.example"); err != nil {
		t.Errorf("SwitchTo known site: %v", err)
	}
}

func TestSitesAreNeverRemoved(t *testing.T) {
	r, _ := NewRegistry([]string{"https://a.example", "https://b.example"}, 1)
	r.ReportFailure("https://a.example")
	r.ReportFailure("https://b.example")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() has %d sites, want 2", len(snap))
	}
	for _, s := range snap {
		if s.Status != models.SiteOffline {
			t.Errorf("site %s status = %s, want offline", s.URL, s.Status)
		}
	}

	// A probe success brings a site back.
	r.ReportSuccess("https://a.example", 80*time.Millisecond)
	site, _ := r.Site("https://a.example")
	if site.Status != models.SiteOnline || site.FailureCount != 0 {
		t.Errorf("site not recovered: status=%s failures=%d", site.Status, site.FailureCount)
	}
}
