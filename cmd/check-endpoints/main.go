// check-endpoints loads the mirror list from config and probes each site.
// Use to verify mirrors are reachable before pointing the service at them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Vodeneev/betagent/internal/endpoints"
	"github.com/Vodeneev/betagent/internal/pkg/config"
	"github.com/Vodeneev/betagent/internal/pkg/models"
)

func main() {
	configPath := flag.String("config", "configs/example.yaml", "Path to YAML config with endpoint sites")
	resolve := flag.Bool("resolve", false, "Follow redirects (including JS redirects) to resolve final mirror URLs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Endpoints.Sites) == 0 {
		fmt.Println("No sites found in config (endpoints.sites).")
		os.Exit(0)
	}

	registry, err := endpoints.NewRegistry(cfg.Endpoints.Sites, cfg.Endpoints.FailureThreshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build registry: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Checking %d sites (timeout %s)...\n\n", len(cfg.Endpoints.Sites), cfg.Endpoints.ProbeTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	prober := endpoints.NewProber(registry, cfg.Endpoints.HealthCheckInterval, cfg.Endpoints.ProbeTimeout, cfg.Transport.UserAgent)
	prober.ProbeAll(ctx)

	okCount := 0
	for _, site := range registry.Snapshot() {
		switch site.Status {
		case models.SiteOnline:
			okCount++
			fmt.Printf("[OK] %s -> %dms\n", site.URL, site.ResponseTimeMs)
		default:
			fmt.Printf("[FAIL] %s\n", site.URL)
		}

		if *resolve {
			if final, err := endpoints.ResolveMirror(ctx, site.URL, cfg.Endpoints.ProbeTimeout, cfg.Transport.UserAgent); err == nil && final != site.URL {
				fmt.Printf("       resolves to %s\n", final)
			}
		}
	}

	fmt.Printf("\n--- Summary: %d OK, %d FAIL (total %d)\n", okCount, len(cfg.Endpoints.Sites)-okCount, len(cfg.Endpoints.Sites))
	if okCount == 0 {
		fmt.Println("All sites failed. The platform may have rotated its mirrors; try -resolve against known redirect hosts.")
		os.Exit(1)
	}
}
