package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Vodeneev/betagent/internal/auth"
	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/platform"
	"github.com/Vodeneev/betagent/internal/transport"
)

type fakeClient struct {
	mu          sync.Mutex
	loginCalls  int
	memberCalls int
	loginErr    error
	memberErrs  []error // consumed in order, nil once exhausted
}

func (c *fakeClient) Login(ctx context.Context, id *transport.Identity, loginID, password string) (*transport.LoginReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginCalls++
	if c.loginErr != nil {
		return nil, c.loginErr
	}
	id.UID = "u42"
	return &transport.LoginReply{UID: "u42", Msg: "100"}, nil
}

func (c *fakeClient) MemberData(ctx context.Context, id *transport.Identity) (*transport.MemberInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberCalls++
	if len(c.memberErrs) > 0 {
		err := c.memberErrs[0]
		c.memberErrs = c.memberErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &transport.MemberInfo{Username: "player"}, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: make(map[string][]byte)} }

func (b *fakeBlobs) SaveBlob(ctx context.Context, accountID string, blob []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[accountID] = blob
	return nil
}

func (b *fakeBlobs) LoadBlob(ctx context.Context, accountID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[accountID]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

func (b *fakeBlobs) DeleteBlob(ctx context.Context, accountID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, accountID)
	return nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakePresence() *fakePresence { return &fakePresence{online: make(map[string]bool)} }

func (p *fakePresence) SetOnline(ctx context.Context, accountID string, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[accountID] = online
	return nil
}

type fakeAccounts struct {
	accounts map[string]models.AccountCredential
}

func (a *fakeAccounts) GetAccount(ctx context.Context, id string) (*models.AccountCredential, error) {
	cred, ok := a.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not found", id)
	}
	return &cred, nil
}

func (a *fakeAccounts) ListEnabledAccounts(ctx context.Context) ([]models.AccountCredential, error) {
	var out []models.AccountCredential
	for _, c := range a.accounts {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *fakeAccounts) UpdatePasscode(ctx context.Context, id, passcode string) error { return nil }

func (a *fakeAccounts) UpdateCredentials(ctx context.Context, id, loginID, password string) error {
	return nil
}

// homeDriver renders the authenticated home page immediately.
type homeDriver struct {
	mu     sync.Mutex
	closed bool
}

func (d *homeDriver) Navigate(ctx context.Context, url string) error { return nil }

func (d *homeDriver) Locate(ctx context.Context, spec driver.SelectorSpec) (*driver.ElementRef, error) {
	return nil, nil
}

func (d *homeDriver) Type(ctx context.Context, ref *driver.ElementRef, text string) error { return nil }
func (d *homeDriver) Click(ctx context.Context, ref *driver.ElementRef) error             { return nil }

func (d *homeDriver) Evaluate(ctx context.Context, script string, out any) error {
	if s, ok := out.(*string); ok {
		*s = "home"
	}
	return nil
}

func (d *homeDriver) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

func (d *homeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func testManager(client *fakeClient, blobs *fakeBlobs, presence *fakePresence) (*Manager, *fakeAccounts) {
	accounts := &fakeAccounts{accounts: map[string]models.AccountCredential{
		"acc1": {ID: "acc1", LoginID: "player01", Password: "pw", Enabled: true},
	}}
	factory := func(cred models.AccountCredential) (driver.Driver, error) {
		return &homeDriver{}, nil
	}
	m := NewManager(client, accounts, blobs, presence, factory,
		auth.Config{SiteURL: "https://mirror.example.com", LoginAttempts: 2, WaitTimeout: time.Second},
		Config{LivenessTTL: 30 * time.Second, HeartbeatTTL: 120 * time.Second})
	return m, accounts
}

func TestEnsureSessionFullLogin(t *testing.T) {
	client := &fakeClient{}
	blobs := newFakeBlobs()
	presence := newFakePresence()
	m, _ := testManager(client, blobs, presence)

	h, err := m.EnsureSession(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if h.State() != models.SessionLive {
		t.Errorf("state = %q, want live", h.State())
	}
	if h.Identity.UID != "u42" {
		t.Errorf("uid = %q, want u42", h.Identity.UID)
	}
	if client.loginCalls != 1 {
		t.Errorf("login calls = %d, want 1", client.loginCalls)
	}
	if _, ok := blobs.blobs["acc1"]; !ok {
		t.Error("session blob was not persisted")
	}
	if !presence.online["acc1"] {
		t.Error("presence not marked online")
	}
}

func TestEnsureSessionReusesFreshHandle(t *testing.T) {
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	installed := NewHandle("acc1", &transport.Identity{AccountID: "acc1", UID: "u42"}, nil, models.SessionLive)
	installed.MarkVerified(time.Now())
	m.registry.Put(installed)

	h, err := m.EnsureSession(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if h != installed {
		t.Error("expected the installed handle back")
	}
	if client.memberCalls != 0 {
		t.Errorf("member probes = %d, want 0 inside liveness window", client.memberCalls)
	}
	if client.loginCalls != 0 {
		t.Errorf("login calls = %d, want 0", client.loginCalls)
	}
}

func TestEnsureSessionProbesExpiredHandle(t *testing.T) {
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	stale := time.Now().Add(-time.Minute)
	installed := NewHandle("acc1", &transport.Identity{AccountID: "acc1", UID: "u42"}, nil, models.SessionLive)
	installed.lastVerifiedAt = stale
	installed.heartbeatAt = stale
	m.registry.Put(installed)

	h, err := m.EnsureSession(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if h != installed {
		t.Error("probe success should keep the handle")
	}
	if client.memberCalls != 1 {
		t.Errorf("member probes = %d, want 1", client.memberCalls)
	}
	if !h.LastVerifiedAt().After(stale) {
		t.Error("LastVerifiedAt not refreshed")
	}
}

func TestEnsureSessionRestoresFromBlob(t *testing.T) {
	client := &fakeClient{}
	blobs := newFakeBlobs()
	m, _ := testManager(client, blobs, newFakePresence())

	data, _ := json.Marshal(persistedSession{
		UID:     "u42",
		Cookies: []driver.Cookie{{Name: "sid", Value: "abc", Domain: "mirror.example.com", Path: "/"}},
	})
	blobs.blobs["acc1"] = data

	h, err := m.EnsureSession(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if client.loginCalls != 0 {
		t.Errorf("login calls = %d, want 0 on restore", client.loginCalls)
	}
	if h.Identity.UID != "u42" {
		t.Errorf("uid = %q, want u42", h.Identity.UID)
	}
	if len(h.Identity.Cookies) != 1 || h.Identity.Cookies[0].Name != "sid" {
		t.Errorf("cookies = %+v, want restored sid cookie", h.Identity.Cookies)
	}
}

func TestEnsureSessionRejectedRestoreFallsBackToLogin(t *testing.T) {
	client := &fakeClient{memberErrs: []error{errors.New("expired")}}
	blobs := newFakeBlobs()
	m, _ := testManager(client, blobs, newFakePresence())

	data, _ := json.Marshal(persistedSession{UID: "stale"})
	blobs.blobs["acc1"] = data

	h, err := m.EnsureSession(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if client.loginCalls != 1 {
		t.Errorf("login calls = %d, want 1 after rejected restore", client.loginCalls)
	}
	if h.Identity.UID != "u42" {
		t.Errorf("uid = %q, want fresh u42", h.Identity.UID)
	}
	// The rejected blob must not survive; the fresh session writes a new one.
	var ps persistedSession
	if err := json.Unmarshal(blobs.blobs["acc1"], &ps); err != nil || ps.UID != "u42" {
		t.Errorf("persisted blob uid = %q, want u42", ps.UID)
	}
}

func TestWithSessionRetriesOnceOnEviction(t *testing.T) {
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	calls := 0
	err := m.WithSession(context.Background(), "acc1", func(ctx context.Context, h *Handle) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("get_game_list: %w", platform.ErrSessionEvicted)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn calls = %d, want 2", calls)
	}
	if client.loginCalls != 2 {
		t.Errorf("login calls = %d, want 2 (initial + re-auth)", client.loginCalls)
	}
}

func TestWithSessionEvictionTwiceSurfaces(t *testing.T) {
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	calls := 0
	err := m.WithSession(context.Background(), "acc1", func(ctx context.Context, h *Handle) error {
		calls++
		return fmt.Errorf("FT_bet: %w", platform.ErrSessionEvicted)
	})
	if !errors.Is(err, platform.ErrSessionEvicted) {
		t.Fatalf("err = %v, want ErrSessionEvicted", err)
	}
	if calls != 2 {
		t.Errorf("fn calls = %d, want 2 (no second retry)", calls)
	}
}

func TestWithSessionOtherErrorsDoNotRetry(t *testing.T) {
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	calls := 0
	wantErr := errors.New("market closed")
	err := m.WithSession(context.Background(), "acc1", func(ctx context.Context, h *Handle) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("fn calls = %d, want 1", calls)
	}
}

func TestSweepRetiresDeadHandles(t *testing.T) {
	client := &fakeClient{memberErrs: []error{errors.New("connection reset")}}
	presence := newFakePresence()
	m, _ := testManager(client, newFakeBlobs(), presence)

	old := time.Now().Add(-10 * time.Minute)
	fresh := NewHandle("fresh", &transport.Identity{AccountID: "fresh"}, nil, models.SessionLive)
	fresh.MarkVerified(time.Now())
	idle := NewHandle("acc1", &transport.Identity{AccountID: "acc1"}, &homeDriver{}, models.SessionLive)
	idle.lastVerifiedAt = old
	idle.heartbeatAt = old
	m.registry.Put(fresh)
	m.registry.Put(idle)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if m.registry.Get("acc1") != nil {
		t.Error("dead handle still registered after sweep")
	}
	if m.registry.Get("fresh") == nil {
		t.Error("fresh handle removed by sweep")
	}
	if presence.online["acc1"] {
		t.Error("dead session still marked online")
	}
	drv := idle.Driver.(*homeDriver)
	if !drv.closed {
		t.Error("dead session driver not closed")
	}
}

func TestSweepAndEnsureSessionConcurrently(t *testing.T) {
	// The sweep revalidates a handle while the account's worker keeps using it;
	// both go through the handle's guarded liveness fields.
	client := &fakeClient{}
	m, _ := testManager(client, newFakeBlobs(), newFakePresence())

	old := time.Now().Add(-10 * time.Minute)
	h := NewHandle("acc1", &transport.Identity{AccountID: "acc1", UID: "u42"}, nil, models.SessionLive)
	h.lastVerifiedAt = old
	h.heartbeatAt = old
	m.registry.Put(h)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := m.Sweep(context.Background()); err != nil {
				t.Errorf("Sweep: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := m.EnsureSession(context.Background(), "acc1"); err != nil {
				t.Errorf("EnsureSession: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	got := m.registry.Get("acc1")
	if got == nil || got.State() != models.SessionLive {
		t.Errorf("handle = %+v, want live after concurrent access", got)
	}
}

// cookieDriver is a homeDriver whose browser holds its own cookie jar.
type cookieDriver struct {
	homeDriver
	cookies []driver.Cookie
}

func (d *cookieDriver) ExportCookies(ctx context.Context) ([]driver.Cookie, error) {
	return d.cookies, nil
}

func (d *cookieDriver) ImportCookies(ctx context.Context, cookies []driver.Cookie) error {
	return nil
}

func TestBlobCarriesBrowserCookies(t *testing.T) {
	// Anti-automation cookies are set by page scripts and only exist in the
	// browser; the persisted blob must include them for restore to work.
	client := &fakeClient{}
	blobs := newFakeBlobs()
	accounts := &fakeAccounts{accounts: map[string]models.AccountCredential{
		"acc1": {ID: "acc1", LoginID: "player01", Password: "pw", Enabled: true},
	}}
	factory := func(cred models.AccountCredential) (driver.Driver, error) {
		return &cookieDriver{cookies: []driver.Cookie{
			{Name: "anti_bot", Value: "z1", Domain: "mirror.example.com", Path: "/"},
		}}, nil
	}
	m := NewManager(client, accounts, blobs, newFakePresence(), factory,
		auth.Config{SiteURL: "https://mirror.example.com", LoginAttempts: 2, WaitTimeout: time.Second},
		Config{})

	if _, err := m.EnsureSession(context.Background(), "acc1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	var ps persistedSession
	if err := json.Unmarshal(blobs.blobs["acc1"], &ps); err != nil {
		t.Fatalf("unmarshal blob: %v", err)
	}
	found := false
	for _, c := range ps.Cookies {
		if c.Name == "anti_bot" && c.Value == "z1" {
			found = true
		}
	}
	if !found {
		t.Errorf("blob cookies = %+v, want the browser's anti_bot cookie", ps.Cookies)
	}
}
