package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vodeneev/betagent/internal/auth"
	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/platform"
	"github.com/Vodeneev/betagent/internal/transport"
)

// ProtocolClient is the transport surface the manager needs: login for the
// auth machine, member data as the cheapest liveness probe.
type ProtocolClient interface {
	Login(ctx context.Context, id *transport.Identity, loginID, password string) (*transport.LoginReply, error)
	MemberData(ctx context.Context, id *transport.Identity) (*transport.MemberInfo, error)
}

// DriverFactory builds a browser for one account, honoring its proxy and
// device profile.
type DriverFactory func(cred models.AccountCredential) (driver.Driver, error)

type Config struct {
	LivenessTTL    time.Duration // verified-recently window, no probe inside it
	HeartbeatTTL   time.Duration // sweep probes handles idle longer than this
	BlobTTL        time.Duration
	MaxConcurrency int
}

// Manager owns session lifecycle: acquire, verify, restore, re-authenticate,
// retire. Accounts are independent; one account's login storm never blocks
// another's bets.
type Manager struct {
	registry  *Registry
	client    ProtocolClient
	accounts  storage.AccountStore
	blobs     storage.SessionBlobStore
	presence  storage.PresenceStore
	newDriver DriverFactory
	authCfg   auth.Config
	cfg       Config
	log       *slog.Logger
}

func NewManager(client ProtocolClient, accounts storage.AccountStore, blobs storage.SessionBlobStore,
	presence storage.PresenceStore, newDriver DriverFactory, authCfg auth.Config, cfg Config) *Manager {
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = 30 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 120 * time.Second
	}
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = 12 * time.Hour
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Manager{
		registry:  NewRegistry(),
		client:    client,
		accounts:  accounts,
		blobs:     blobs,
		presence:  presence,
		newDriver: newDriver,
		authCfg:   authCfg,
		cfg:       cfg,
		log:       slog.Default().With("component", "session"),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// EnsureSession returns a live handle for the account, cheapest path first:
// recently verified handle, then a probe of the existing handle, then restore
// from the persisted blob, then a full login.
func (m *Manager) EnsureSession(ctx context.Context, accountID string) (*Handle, error) {
	if h := m.registry.Get(accountID); h != nil && h.State() == models.SessionLive {
		if h.VerifiedWithin(m.cfg.LivenessTTL) {
			return h, nil
		}
		err := m.verify(ctx, h)
		if err == nil {
			return h, nil
		}
		m.log.Warn("Session probe failed, discarding handle", "account", accountID, "error", err)
		m.Invalidate(ctx, accountID)
	}

	if h, err := m.restore(ctx, accountID); err == nil {
		return h, nil
	} else if !errors.Is(err, storage.ErrBlobNotFound) {
		m.log.Info("Session restore failed, falling back to login", "account", accountID, "error", err)
	}

	return m.authenticate(ctx, accountID)
}

// WithSession runs fn under a live session. An eviction surfacing from fn
// invalidates the handle and retries exactly once on a fresh login.
func (m *Manager) WithSession(ctx context.Context, accountID string, fn func(ctx context.Context, h *Handle) error) error {
	h, err := m.EnsureSession(ctx, accountID)
	if err != nil {
		return err
	}
	err = fn(ctx, h)
	if err == nil || !errors.Is(err, platform.ErrSessionEvicted) {
		return err
	}

	m.log.Warn("Session evicted mid-operation, re-authenticating once", "account", accountID)
	m.Invalidate(ctx, accountID)
	h, err = m.authenticate(ctx, accountID)
	if err != nil {
		return err
	}
	return fn(ctx, h)
}

// Invalidate retires the handle and its persisted blob.
func (m *Manager) Invalidate(ctx context.Context, accountID string) {
	if h := m.registry.Remove(accountID); h != nil {
		h.SetState(models.SessionClosed)
		if h.Driver != nil {
			if err := h.Driver.Close(); err != nil {
				m.log.Warn("Driver close failed", "account", accountID, "error", err)
			}
		}
	}
	if err := m.blobs.DeleteBlob(ctx, accountID); err != nil {
		m.log.Warn("Blob delete failed", "account", accountID, "error", err)
	}
	if err := m.presence.SetOnline(ctx, accountID, false); err != nil {
		m.log.Warn("Presence update failed", "account", accountID, "error", err)
	}
}

// Logout retires the account's session entirely.
func (m *Manager) Logout(ctx context.Context, accountID string) {
	m.Invalidate(ctx, accountID)
	m.log.Info("Session closed", "account", accountID)
}

// Sweep probes every handle that has been idle past the heartbeat TTL,
// marking dead ones stale and retiring them. Runs from a ticker loop.
func (m *Manager) Sweep(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)

	for _, h := range m.registry.All() {
		if !h.HeartbeatDue(m.cfg.HeartbeatTTL) {
			continue
		}
		h := h
		g.Go(func() error {
			if err := m.verify(ctx, h); err != nil {
				m.log.Warn("Heartbeat failed, retiring session", "account", h.AccountID, "error", err)
				h.SetState(models.SessionStale)
				m.Invalidate(ctx, h.AccountID)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run drives periodic sweeps until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("Sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) verify(ctx context.Context, h *Handle) error {
	if _, err := m.client.MemberData(ctx, h.Identity); err != nil {
		return err
	}
	h.MarkVerified(time.Now())
	if err := m.presence.SetOnline(ctx, h.AccountID, true); err != nil {
		m.log.Warn("Presence update failed", "account", h.AccountID, "error", err)
	}
	return nil
}

// persistedSession is the JSON shape of the session blob.
type persistedSession struct {
	UID          string          `json:"uid"`
	AuthHost     string          `json:"auth_host"`
	LastGoodHost string          `json:"last_good_host"`
	Cookies      []driver.Cookie `json:"cookies"`
}

// restore rebuilds a handle from the persisted blob and verifies it with one
// probe before trusting it.
func (m *Manager) restore(ctx context.Context, accountID string) (*Handle, error) {
	data, err := m.blobs.LoadBlob(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var ps persistedSession
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("corrupt session blob: %w", err)
	}

	id := &transport.Identity{
		AccountID:    accountID,
		UID:          ps.UID,
		AuthHost:     ps.AuthHost,
		LastGoodHost: ps.LastGoodHost,
		Cookies:      toHTTPCookies(ps.Cookies),
	}
	h := NewHandle(accountID, id, nil, models.SessionAuthenticating)
	if err := m.verify(ctx, h); err != nil {
		if delErr := m.blobs.DeleteBlob(ctx, accountID); delErr != nil {
			m.log.Warn("Blob delete failed", "account", accountID, "error", delErr)
		}
		return nil, fmt.Errorf("restored session rejected: %w", err)
	}

	m.retirePrev(m.registry.Put(h))
	m.log.Info("Session restored from blob", "account", accountID, "uid", ps.UID)
	return h, nil
}

// authenticate runs the full login machine and installs the resulting handle.
func (m *Manager) authenticate(ctx context.Context, accountID string) (*Handle, error) {
	cred, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !cred.Enabled {
		return nil, fmt.Errorf("account %s is disabled", accountID)
	}

	drv, err := m.newDriver(*cred)
	if err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	machine := auth.NewMachine(m.client, drv, m.accounts, *cred, m.authCfg)
	id, err := machine.Run(ctx)
	if err != nil {
		if closeErr := drv.Close(); closeErr != nil {
			m.log.Warn("Driver close failed", "account", accountID, "error", closeErr)
		}
		return nil, err
	}

	h := NewHandle(accountID, id, drv, models.SessionLive)
	h.MarkVerified(time.Now())
	m.retirePrev(m.registry.Put(h))

	if err := m.saveBlob(ctx, h); err != nil {
		m.log.Warn("Blob save failed", "account", accountID, "error", err)
	}
	if err := m.presence.SetOnline(ctx, accountID, true); err != nil {
		m.log.Warn("Presence update failed", "account", accountID, "error", err)
	}
	return h, nil
}

func (m *Manager) retirePrev(prev *Handle) {
	if prev == nil {
		return
	}
	prev.SetState(models.SessionClosed)
	if prev.Driver != nil {
		if err := prev.Driver.Close(); err != nil {
			m.log.Warn("Driver close failed", "account", prev.AccountID, "error", err)
		}
	}
}

func (m *Manager) saveBlob(ctx context.Context, h *Handle) error {
	cookies := toDriverCookies(h.Identity.Cookies)
	if carrier, ok := h.Driver.(driver.CookieCarrier); ok {
		browser, err := carrier.ExportCookies(ctx)
		if err != nil {
			m.log.Warn("Browser cookie export failed", "account", h.AccountID, "error", err)
		} else {
			cookies = mergeCookieSets(cookies, browser)
		}
	}
	ps := persistedSession{
		UID:          h.Identity.UID,
		AuthHost:     h.Identity.AuthHost,
		LastGoodHost: h.Identity.LastGoodHost,
		Cookies:      cookies,
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	return m.blobs.SaveBlob(ctx, h.AccountID, data, m.cfg.BlobTTL)
}

// mergeCookieSets overlays extra on base; on a name+domain collision the
// extra cookie wins.
func mergeCookieSets(base, extra []driver.Cookie) []driver.Cookie {
	out := append([]driver.Cookie(nil), base...)
	for _, c := range extra {
		replaced := false
		for i := range out {
			if out[i].Name == c.Name && out[i].Domain == c.Domain {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

func toHTTPCookies(in []driver.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(c.Expires, 0)
		}
		out = append(out, hc)
	}
	return out
}

func toDriverCookies(in []*http.Cookie) []driver.Cookie {
	out := make([]driver.Cookie, 0, len(in))
	for _, c := range in {
		dc := driver.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			dc.Expires = c.Expires.Unix()
		}
		out = append(out, dc)
	}
	return out
}
