package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vodeneev/betagent/internal/auth"
	"github.com/Vodeneev/betagent/internal/betting"
	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/endpoints"
	"github.com/Vodeneev/betagent/internal/notify"
	"github.com/Vodeneev/betagent/internal/ops"
	"github.com/Vodeneev/betagent/internal/pkg/config"
	"github.com/Vodeneev/betagent/internal/pkg/logging"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/platform"
	"github.com/Vodeneev/betagent/internal/session"
	"github.com/Vodeneev/betagent/internal/transport"
)

const defaultConfigPath = "configs/example.yaml"

const mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"

func main() {
	fmt.Println("Starting bet agent service...")

	var configPath string
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = defaultConfigPath
	}
	flag.StringVar(&configPath, "config", defaultConfig, "Path to config file (can be set via CONFIG_PATH env var)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.SetupLogger(cfg.Logging.Level, "betagent")
	slog.Info("Logging initialized", "service", "betagent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := endpoints.NewRegistry(cfg.Endpoints.Sites, cfg.Endpoints.FailureThreshold)
	if err != nil {
		log.Fatalf("Failed to build endpoint registry: %v", err)
	}
	prober := endpoints.NewProber(registry, cfg.Endpoints.HealthCheckInterval, cfg.Endpoints.ProbeTimeout, cfg.Transport.UserAgent)
	go prober.Run(ctx)

	client := transport.NewClient(registry, cfg.Transport)

	pg, err := storage.NewPostgresStore(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to init postgres: %v", err)
	}
	defer pg.Close()
	slog.Info("PostgreSQL storage initialized")

	rd, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to init redis: %v", err)
	}
	defer rd.Close()
	slog.Info("Redis storage initialized")

	// Presence keys self-expire; leftovers here mean a recent crash or restart.
	if ids, err := rd.Online(ctx); err != nil {
		slog.Warn("Failed to read presence keys", "error", err)
	} else if len(ids) > 0 {
		slog.Info("Accounts still marked online from a previous run", "count", len(ids))
	}

	notifier := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	defer notifier.Close()

	newDriver := func(cred models.AccountCredential) (driver.Driver, error) {
		opts := driver.Options{
			ProxyURL:  cred.ProxyURL,
			UserAgent: cfg.Driver.UserAgent,
			Headless:  cfg.Driver.Headless,
		}
		if cred.Device == models.DeviceMobile {
			opts.UserAgent = mobileUserAgent
		}
		slog.Info("Allocating browser", "account", cred.ID, "proxy", maskProxy(cred.ProxyURL), "device", cred.Device)
		return driver.NewChromeDriver(ctx, opts)
	}

	sessions := session.NewManager(client, pg, rd, rd, newDriver,
		auth.Config{
			SiteURL:       registry.Current(),
			LoginAttempts: cfg.Auth.LoginAttempts,
			WaitTimeout:   cfg.Auth.WaitTimeout,
		},
		session.Config{
			LivenessTTL:    cfg.Session.LivenessTTL,
			HeartbeatTTL:   cfg.Session.HeartbeatTTL,
			BlobTTL:        cfg.Session.BlobTTL,
			MaxConcurrency: cfg.Betting.MaxConcurrency,
		})
	go sessions.Run(ctx, cfg.Session.SweepInterval)

	executor := betting.NewExecutor(sessions, client, pg, pg, cfg.Betting.MaxConcurrency)
	reconciler := betting.NewReconciler(sessions, client, pg, pg, cfg.Betting.MaxConcurrency)

	ops.Run(ctx, ops.AddrFor(cfg.Ops.Port), registry, sessions.Registry(),
		&notifyingDispatcher{executor: executor, notifier: notifier}, cfg.Ops.ReadHeaderTimeout)

	warmUpSessions(ctx, sessions, pg, notifier)
	go reconcileLoop(ctx, reconciler, pg, registry, notifier, cfg.Betting.SyncInterval)

	<-ctx.Done()
	slog.Info("Shutting down")
}

// notifyingDispatcher runs bet dispatches and mirrors the summary to Telegram.
type notifyingDispatcher struct {
	executor *betting.Executor
	notifier *notify.Notifier
}

func (d *notifyingDispatcher) PlaceBets(ctx context.Context, order models.BetOrder, accountIDs []string) (*betting.DispatchResult, error) {
	res, err := d.executor.PlaceBets(ctx, order, accountIDs)
	if err == nil {
		d.notifier.NotifyDispatch(order.MatchID, res.Accepted, res.Rejected)
	}
	return res, err
}

// maskProxy hides credentials in proxy URLs before they reach logs.
func maskProxy(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "invalid"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

// warmUpSessions brings every enabled account online at startup. Failures are
// reported per account and do not stop the service.
func warmUpSessions(ctx context.Context, sessions *session.Manager, accounts storage.AccountStore, notifier *notify.Notifier) {
	creds, err := accounts.ListEnabledAccounts(ctx)
	if err != nil {
		slog.Error("Failed to list accounts for warm-up", "error", err)
		return
	}
	for _, cred := range creds {
		if ctx.Err() != nil {
			return
		}
		if _, err := sessions.EnsureSession(ctx, cred.ID); err != nil {
			slog.Error("Warm-up failed", "account", cred.ID, "error", err)
			var pe *platform.PasscodeUnresolvableError
			if errors.As(err, &pe) {
				notifier.NotifyPasscodeUnresolvable(pe.AccountID, pe.Stage)
			} else {
				notifier.NotifySessionDown(cred.ID, err)
			}
			continue
		}
		slog.Info("Session warmed up", "account", cred.ID)
	}
}

// reconcileLoop drives periodic settlement sync and reports mirror failovers.
func reconcileLoop(ctx context.Context, reconciler *betting.Reconciler, accounts storage.AccountStore,
	registry *endpoints.Registry, notifier *notify.Notifier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastHost := registry.Current()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if current := registry.Current(); current != lastHost {
			slog.Warn("Mirror failover detected", "from", lastHost, "to", current)
			notifier.NotifyEndpointFailover(lastHost, current)
			lastHost = current
		}

		creds, err := accounts.ListEnabledAccounts(ctx)
		if err != nil {
			slog.Error("Failed to list accounts for reconcile", "error", err)
			continue
		}
		ids := make([]string, 0, len(creds))
		for _, cred := range creds {
			ids = append(ids, cred.ID)
		}
		reconciler.SyncSettlements(ctx, ids)
	}
}
