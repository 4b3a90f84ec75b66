package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/platform"
	"github.com/Vodeneev/betagent/internal/transport"
)

// State of the authentication machine. Transitions:
// Init -> CredentialsSubmitted -> {Success, PasscodePrompt,
// ForcedCredentialChange, Evicted, Failed}; prompt states loop back through
// CredentialsSubmitted when they require a fresh login.
type State string

const (
	StateInit                   State = "init"
	StateCredentialsSubmitted   State = "credentials_submitted"
	StatePasscodePrompt         State = "passcode_prompt"
	StateForcedCredentialChange State = "forced_credential_change"
	StateEvicted                State = "evicted"
	StateSuccess                State = "success"
	StateFailed                 State = "failed"
)

// LoginClient is the slice of the protocol transport the machine needs.
type LoginClient interface {
	Login(ctx context.Context, id *transport.Identity, loginID, password string) (*transport.LoginReply, error)
}

type Config struct {
	SiteURL       string
	LoginAttempts int           // full login attempts before giving up
	WaitTimeout   time.Duration // budget for each UI wait
}

// errCredentialsRotated signals that a rotation sub-form completed and the
// login must be re-attempted with the updated credentials.
var errCredentialsRotated = errors.New("credentials rotated, re-login required")

// Machine drives one account from submitted credentials to an authenticated
// session, absorbing secondary-PIN prompts, forced credential rotation and
// concurrent-session eviction along the way.
type Machine struct {
	client   LoginClient
	drv      driver.Driver
	accounts storage.AccountStore
	cred     models.AccountCredential
	cfg      Config
	log      *slog.Logger

	state           State
	sessionPasscode string // code already accepted earlier in this process
	evictionRetried bool
}

func NewMachine(client LoginClient, drv driver.Driver, accounts storage.AccountStore, cred models.AccountCredential, cfg Config) *Machine {
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = 2
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}
	return &Machine{
		client:   client,
		drv:      drv,
		accounts: accounts,
		cred:     cred,
		cfg:      cfg,
		log:      slog.Default().With("account", cred.ID),
		state:    StateInit,
	}
}

func (m *Machine) State() State { return m.state }

// Credential returns the possibly rotated credentials after a run.
func (m *Machine) Credential() models.AccountCredential { return m.cred }

// Run performs at most cfg.LoginAttempts full login attempts and returns the
// authenticated transport identity. Every failure is classified; the machine
// never loops indefinitely on a persistent prompt.
func (m *Machine) Run(ctx context.Context) (*transport.Identity, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.LoginAttempts; attempt++ {
		id, retry, err := m.attempt(ctx)
		if err == nil {
			m.state = StateSuccess
			m.log.Info("Authentication succeeded", "attempt", attempt, "uid", id.UID)
			return id, nil
		}
		if !retry {
			m.state = StateFailed
			return nil, err
		}
		lastErr = err
		m.log.Warn("Login attempt needs retry", "attempt", attempt, "error", err)
	}
	m.state = StateFailed
	if lastErr == nil {
		lastErr = &platform.AuthenticationFailedError{AccountID: m.cred.ID, Message: "login attempts exhausted"}
	}
	return nil, lastErr
}

func (m *Machine) attempt(ctx context.Context) (*transport.Identity, bool, error) {
	m.state = StateCredentialsSubmitted
	id := &transport.Identity{AccountID: m.cred.ID}

	reply, err := m.client.Login(ctx, id, m.cred.LoginID, m.cred.Password)
	if err != nil {
		if errors.Is(err, platform.ErrSessionEvicted) && !m.evictionRetried {
			m.evictionRetried = true
			m.state = StateEvicted
			return nil, true, err
		}
		return nil, false, err
	}

	if !reply.LoginOK() {
		if reply.ErrorMsg == "" {
			return nil, false, &platform.ProtocolError{Command: "chk_login", Detail: fmt.Sprintf("unclassifiable reply msg=%q", reply.Msg)}
		}
		if isEvictionMessage(reply.ErrorMsg) && !m.evictionRetried {
			m.evictionRetried = true
			m.state = StateEvicted
			return nil, true, fmt.Errorf("%s: %w", reply.ErrorMsg, platform.ErrSessionEvicted)
		}
		return nil, false, &platform.AuthenticationFailedError{AccountID: m.cred.ID, Message: reply.ErrorMsg}
	}

	if err := m.syncDriver(ctx, id); err != nil {
		return nil, false, err
	}

	// The wire said yes; the page decides what actually happens next. Each
	// prompt resolution re-reads the page, with a hard hop bound so a broken
	// mirror cannot trap the machine in a prompt cycle.
	for hop := 0; hop < 4; hop++ {
		state, err := m.waitPageState(ctx)
		if err != nil {
			return nil, false, err
		}

		switch state {
		case "home":
			return id, false, nil

		case "passcode":
			m.state = StatePasscodePrompt
			disabled, err := m.resolvePasscode(ctx)
			if err != nil {
				return nil, false, err
			}
			if disabled {
				// Feature switched off server-side. A rotation form may be
				// sitting behind the notice; otherwise wait for it to clear.
				form, ferr := m.detectChangeForm(ctx)
				if ferr != nil {
					return nil, false, &platform.CredentialChangeError{AccountID: m.cred.ID, Step: "detect", Err: ferr}
				}
				if form != changeNone {
					m.state = StateForcedCredentialChange
					if err := m.runCredentialChange(ctx); err != nil {
						return nil, false, err
					}
					return nil, true, errCredentialsRotated
				}
				if _, err := m.waitStateLeaving(ctx, "passcode"); err != nil {
					return nil, false, err
				}
			}

		case "credchange":
			m.state = StateForcedCredentialChange
			if err := m.runCredentialChange(ctx); err != nil {
				return nil, false, err
			}
			return nil, true, errCredentialsRotated

		case "evicted":
			m.state = StateEvicted
			if err := m.ackEviction(ctx); err != nil {
				return nil, false, err
			}
			if m.evictionRetried {
				return nil, false, fmt.Errorf("evicted again after retry: %w", platform.ErrSessionEvicted)
			}
			m.evictionRetried = true
			return nil, true, platform.ErrSessionEvicted

		case "login":
			return nil, false, &platform.AuthenticationFailedError{AccountID: m.cred.ID, Message: "login page shown again after accepted login"}
		}
	}
	return nil, false, &platform.TimeoutError{Op: "authenticated home state"}
}

// syncDriver brings the browser onto the platform with the transport session's
// cookies, so UI prompts belong to the same session the wire login created.
func (m *Machine) syncDriver(ctx context.Context, id *transport.Identity) error {
	if carrier, ok := m.drv.(driver.CookieCarrier); ok && len(id.Cookies) > 0 {
		cookies := make([]driver.Cookie, 0, len(id.Cookies))
		domain := hostOf(m.cfg.SiteURL)
		for _, c := range id.Cookies {
			dc := driver.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HttpOnly,
				Secure:   c.Secure,
			}
			if dc.Domain == "" {
				dc.Domain = domain
			}
			if dc.Path == "" {
				dc.Path = "/"
			}
			cookies = append(cookies, dc)
		}
		if err := carrier.ImportCookies(ctx, cookies); err != nil {
			return fmt.Errorf("sync cookies to browser: %w", err)
		}
	}
	if err := m.drv.Navigate(ctx, m.cfg.SiteURL); err != nil {
		return fmt.Errorf("navigate to site: %w", err)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// waitPageState polls the page classification until it settles, bounded by the
// configured wait budget.
func (m *Machine) waitPageState(ctx context.Context) (string, error) {
	return m.waitStateLeaving(ctx, "unknown")
}

// waitStateLeaving polls until the page state differs from the given one.
func (m *Machine) waitStateLeaving(ctx context.Context, from string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var state string
		if err := m.drv.Evaluate(ctx, pageStateScript, &state); err != nil {
			if ctx.Err() != nil {
				return "", &platform.TimeoutError{Op: "page state change"}
			}
			return "", fmt.Errorf("classify page state: %w", err)
		}
		if state != from && state != "unknown" {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return "", &platform.TimeoutError{Op: "page state change"}
		case <-ticker.C:
		}
	}
}

// resolvePasscode handles the secondary 4-digit code prompt: one detection
// pass selects the UI variant, then a bounded list of candidate codes is
// tried. A code that sticks is written back to the account record. The bool
// reports the server-sync case: the feature is disabled for this account and
// there is nothing to submit.
func (m *Machine) resolvePasscode(ctx context.Context) (bool, error) {
	variant, err := DetectPasscodeVariant(ctx, m.drv)
	if err != nil {
		return false, fmt.Errorf("detect passcode variant: %w", err)
	}
	if variant == nil {
		return false, &platform.PasscodeUnresolvableError{AccountID: m.cred.ID, Stage: "detect"}
	}

	if variant.Kind() == VariantServerSync {
		m.log.Info("Passcode feature disabled server-side, skipping")
		return true, nil
	}

	codes := CandidatePasscodes(m.cred, m.sessionPasscode)
	for _, code := range codes {
		if err := variant.Submit(ctx, code); err != nil {
			return false, fmt.Errorf("submit passcode via %s: %w", variant.Kind(), err)
		}
		m.sessionPasscode = code

		if _, err := m.waitStateLeaving(ctx, "passcode"); err != nil {
			var te *platform.TimeoutError
			if errors.As(err, &te) {
				// Prompt still up: the platform rejected this code.
				continue
			}
			return false, err
		}

		if code != m.cred.Passcode {
			if err := m.accounts.UpdatePasscode(ctx, m.cred.ID, code); err != nil {
				return false, fmt.Errorf("persist passcode: %w", err)
			}
			m.cred.Passcode = code
		}
		m.log.Info("Passcode accepted", "variant", variant.Kind())
		return false, nil
	}
	return false, &platform.PasscodeUnresolvableError{AccountID: m.cred.ID, Stage: "all candidates rejected"}
}

func (m *Machine) ackEviction(ctx context.Context) error {
	dialog, err := m.drv.Locate(ctx, selEvictionDialog)
	if err != nil {
		return fmt.Errorf("locate eviction dialog: %w", err)
	}
	if dialog == nil {
		// Dialog already dismissed itself; nothing to acknowledge.
		return nil
	}
	confirm, err := m.drv.Locate(ctx, selEvictionConfirm)
	if err != nil {
		return fmt.Errorf("locate eviction confirm: %w", err)
	}
	if confirm == nil {
		return &platform.ProtocolError{Command: "ui", Detail: "eviction dialog without confirm button"}
	}
	m.log.Warn("Acknowledging eviction dialog")
	return m.drv.Click(ctx, confirm)
}

func isEvictionMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "double login") || strings.Contains(lower, "already logged in") ||
		strings.Contains(lower, "another device")
}
