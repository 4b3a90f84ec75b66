package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Vodeneev/betagent/internal/endpoints"
	"github.com/Vodeneev/betagent/internal/pkg/config"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/platform"
)

// Path of the single command endpoint; the p form parameter selects the command.
const commandPath = "/transform.php"

// doubleLoginSentinel anywhere in a response body means the platform killed
// this session because the account logged in elsewhere.
const doubleLoginSentinel = "doubleLogin"

// Identity is the transport-level session identity of one account: the
// platform subject id plus cookies, and the hosts this identity is known to
// work against. Owned exclusively by the account's worker.
type Identity struct {
	AccountID    string
	UID          string
	Cookies      []*http.Cookie
	AuthHost     string // host assigned by the platform at login, if any
	LastGoodHost string
}

// Client issues signed command requests against the currently selected mirror,
// with per-request host fallback and cooldown for hosts that time out.
type Client struct {
	registry  *endpoints.Registry
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string

	mu          sync.Mutex
	cooldown    map[string]time.Time
	cooldownFor time.Duration
}

func NewClient(registry *endpoints.Registry, cfg config.TransportConfig) *Client {
	return &Client{
		registry:    registry,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		userAgent:   cfg.UserAgent,
		cooldown:    make(map[string]time.Time),
		cooldownFor: cfg.HostCooldown,
	}
}

// candidateHosts builds the per-request fallback order: current endpoint,
// last-known-good host, authentication-provided host, default host, then the
// remaining configured mirrors. A fresh identity knows no hosts yet, so the
// mirror tail is what keeps its first requests alive when the current
// endpoint is down.
func (c *Client) candidateHosts(id *Identity) []string {
	raw := []string{c.registry.Current()}
	if id != nil {
		raw = append(raw, id.LastGoodHost, id.AuthHost)
	}
	raw = append(raw, c.registry.DefaultHost())
	raw = append(raw, c.registry.URLs()...)

	seen := make(map[string]struct{}, len(raw))
	var hosts []string
	for _, h := range raw {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts
}

func (c *Client) inCooldown(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldown[host]
	return ok && time.Now().Before(until)
}

func (c *Client) setCooldown(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldown[host] = time.Now().Add(c.cooldownFor)
}

// do runs one command with host fallback. The identity's cookies ride along
// and any Set-Cookie from the platform is merged back in.
func (c *Client) do(ctx context.Context, id *Identity, command string, params url.Values) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	hosts := c.candidateHosts(id)
	usable := hosts[:0:0]
	for _, h := range hosts {
		if !c.inCooldown(h) {
			usable = append(usable, h)
		}
	}
	if len(usable) == 0 {
		// Everything is cooling down; trying a cooled host beats hanging.
		usable = hosts
	}

	var lastErr error
	var lastHost string
	for _, host := range usable {
		body, latency, err := c.post(ctx, host, id, command, params)
		if err != nil {
			c.registry.ReportFailure(host)
			if isTimeout(err) {
				c.setCooldown(host)
			}
			slog.Debug("Command failed on host, trying next", "command", command, "host", host, "error", err)
			lastErr, lastHost = err, host
			continue
		}

		c.registry.ReportSuccess(host, latency)
		if id != nil {
			id.LastGoodHost = host
		}

		if strings.Contains(body, doubleLoginSentinel) {
			return "", fmt.Errorf("%s: %w", command, platform.ErrSessionEvicted)
		}
		return body, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoint candidates for %s", command)
	}
	return "", &platform.TransportError{Host: lastHost, Err: lastErr}
}

func (c *Client) post(ctx context.Context, host string, id *Identity, command string, params url.Values) (string, time.Duration, error) {
	form := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	form.Set("p", command)
	form.Set("langx", "en-us")
	form.Set("ver", fmt.Sprintf("%d", time.Now().UnixMilli()))
	if id != nil && id.UID != "" {
		form.Set("uid", id.UID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(host, "/")+commandPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if id != nil {
		for _, ck := range id.Cookies {
			req.AddCookie(ck)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		preview := string(b)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return "", 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, preview)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read body: %w", err)
	}

	if id != nil {
		mergeCookies(id, resp.Cookies())
	}
	return string(body), latency, nil
}

func mergeCookies(id *Identity, fresh []*http.Cookie) {
	for _, nc := range fresh {
		replaced := false
		for i, old := range id.Cookies {
			if old.Name == nc.Name {
				id.Cookies[i] = nc
				replaced = true
				break
			}
		}
		if !replaced {
			id.Cookies = append(id.Cookies, nc)
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// LoginReply is the classified result of a chk_login command. ErrorMsg being
// set is not a transport error; the auth machine decides how to react.
type LoginReply struct {
	UID      string
	Msg      string
	ErrorMsg string
	Host     string
}

// LoginOK reports whether the reply carries a success sentinel.
func (r *LoginReply) LoginOK() bool {
	return r.Msg == "100" || r.Msg == "109" || (r.Msg == "" && r.UID != "")
}

// Login runs chk_login and fills the identity with the platform subject id,
// cookies and any platform-assigned host.
func (c *Client) Login(ctx context.Context, id *Identity, loginID, password string) (*LoginReply, error) {
	params := url.Values{}
	params.Set("username", loginID)
	params.Set("password", password)
	params.Set("app", "N")
	params.Set("auto", "CDDFZD")

	body, err := c.do(ctx, id, "chk_login", params)
	if err != nil {
		return nil, err
	}

	v := extract(body, loginFields)
	reply := &LoginReply{}
	reply.UID, _ = v.String("uid")
	reply.Msg, _ = v.String("msg")
	reply.ErrorMsg, _ = v.String("errormsg")
	reply.Host, _ = v.String("host")

	if reply.UID == "" && reply.Msg == "" && reply.ErrorMsg == "" {
		return nil, &platform.ProtocolError{Command: "chk_login", Detail: "no uid, msg or errormsg in response"}
	}

	if reply.UID != "" {
		id.UID = reply.UID
	}
	if reply.Host != "" {
		id.AuthHost = normalizeHost(reply.Host)
	}
	return reply, nil
}

func normalizeHost(h string) string {
	if h == "" {
		return ""
	}
	if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
		return "https://" + h
	}
	return h
}

// GameLine is one market row from get_game_list.
type GameLine struct {
	GID    string
	League string
	Home   string
	Away   string
	OddsH  decimal.Decimal
	OddsC  decimal.Decimal
	OddsN  decimal.Decimal
}

// GameList fetches the odds listing for a match.
func (c *Client) GameList(ctx context.Context, id *Identity, matchID string) ([]GameLine, error) {
	params := url.Values{}
	params.Set("gtype", "ft")
	params.Set("showtype", "today")
	params.Set("gid", matchID)

	body, err := c.do(ctx, id, "get_game_list", params)
	if err != nil {
		return nil, err
	}

	blocks := extractBlocks(body, "game")
	if len(blocks) == 0 {
		// Some mirrors answer with a single unwrapped game.
		blocks = []string{body}
	}

	var out []GameLine
	for _, block := range blocks {
		v := extract(block, gameFields)
		gid, ok := v.String("gid")
		if !ok {
			continue
		}
		line := GameLine{GID: gid}
		line.League, _ = v.String("league")
		line.Home, _ = v.String("home")
		line.Away, _ = v.String("away")
		line.OddsH, _ = v.Decimal("odds_h")
		line.OddsC, _ = v.Decimal("odds_c")
		line.OddsN, _ = v.Decimal("odds_n")
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, &platform.ProtocolError{Command: "get_game_list", Detail: "no game rows in response"}
	}
	return out, nil
}

// OrderQuote is the market preview returned by FT_order_view just before
// placing an order.
type OrderQuote struct {
	GID      string
	Odds     decimal.Decimal
	MinStake decimal.Decimal
	MaxStake decimal.Decimal
}

// OrderView previews current odds and stake limits for one selection.
func (c *Client) OrderView(ctx context.Context, id *Identity, gid, market, selection string) (*OrderQuote, error) {
	params := url.Values{}
	params.Set("gid", gid)
	params.Set("gtype", market)
	params.Set("wtype", market)
	params.Set("chose_team", selection)

	body, err := c.do(ctx, id, "FT_order_view", params)
	if err != nil {
		return nil, err
	}

	v := extract(body, orderViewFields)
	odds, ok := v.Decimal("odds")
	if !ok {
		return nil, &platform.ProtocolError{Command: "FT_order_view", Detail: "no odds in response"}
	}
	q := &OrderQuote{Odds: odds}
	q.GID, _ = v.String("gid")
	if q.GID == "" {
		q.GID = gid
	}
	q.MinStake, _ = v.Decimal("min_stake")
	q.MaxStake, _ = v.Decimal("max_stake")
	return q, nil
}

// OrderReceipt is the outcome of FT_bet.
type OrderReceipt struct {
	Code     string
	TicketID string
	Odds     decimal.Decimal
}

// PlaceOrder submits a bet. A non-acceptance code surfaces as BetRejectedError
// with the code mapped through the closed rejection table.
func (c *Client) PlaceOrder(ctx context.Context, id *Identity, order models.BetOrder, gid string) (*OrderReceipt, error) {
	params := url.Values{}
	params.Set("gid", gid)
	params.Set("gtype", order.Market)
	params.Set("wtype", order.Market)
	params.Set("chose_team", order.Selection)
	params.Set("gold", order.Stake.String())
	params.Set("ioratio", order.QuotedOdds.String())
	params.Set("autoOdd", "Y")

	body, err := c.do(ctx, id, "FT_bet", params)
	if err != nil {
		return nil, err
	}

	v := extract(body, betFields)
	code, ok := v.String("code")
	if !ok {
		if msg, ok := v.String("errormsg"); ok {
			return nil, &platform.BetRejectedError{Code: "unknown", Reason: msg}
		}
		return nil, &platform.ProtocolError{Command: "FT_bet", Detail: "no result code in response"}
	}

	receipt := &OrderReceipt{Code: code}
	receipt.TicketID, _ = v.String("ticket")
	receipt.Odds, _ = v.Decimal("odds")

	if code != codeBetAccepted {
		return nil, &platform.BetRejectedError{Code: code, Reason: MapRejectCode(code)}
	}
	return receipt, nil
}

// MemberInfo is the account-level data from get_member_data. Balance is the
// first non-null figure in the declared candidate order (balance family before
// credit family).
type MemberInfo struct {
	Username string
	Balance  decimal.Decimal
	Currency string
}

func (c *Client) MemberData(ctx context.Context, id *Identity) (*MemberInfo, error) {
	body, err := c.do(ctx, id, "get_member_data", url.Values{})
	if err != nil {
		return nil, err
	}

	v := extract(body, memberFields)
	info := &MemberInfo{}
	info.Username, _ = v.String("username")
	info.Currency, _ = v.String("currency")
	balance, ok := v.Decimal("balance")
	if !ok {
		return nil, &platform.ProtocolError{Command: "get_member_data", Detail: "no balance or credit figure in response"}
	}
	info.Balance = balance
	return info, nil
}

// PlatformWager is one wager row from the platform's history/list commands.
type PlatformWager struct {
	TicketID      string
	Stake         decimal.Decimal
	Settlement    decimal.Decimal
	HasSettlement bool
	ResultText    string
	Match         string
}

// WagerList fetches the platform's recent wagers for this account.
func (c *Client) WagerList(ctx context.Context, id *Identity, days int) ([]PlatformWager, error) {
	params := url.Values{}
	params.Set("gtype", "ALL")
	params.Set("days", fmt.Sprintf("%d", days))

	body, err := c.do(ctx, id, "get_history_data", params)
	if err != nil {
		return nil, err
	}
	return parseWagers(body), nil
}

// WagerDetail looks up one wager by ticket id. Returns nil when the platform
// does not know the ticket.
func (c *Client) WagerDetail(ctx context.Context, id *Identity, ticketID string) (*PlatformWager, error) {
	params := url.Values{}
	params.Set("ticket_id", ticketID)

	body, err := c.do(ctx, id, "get_wager_detail", params)
	if err != nil {
		return nil, err
	}
	wagers := parseWagers(body)
	for i := range wagers {
		if TicketIDsEqual(wagers[i].TicketID, ticketID) {
			return &wagers[i], nil
		}
	}
	return nil, nil
}

func parseWagers(body string) []PlatformWager {
	blocks := extractBlocks(body, "wager")
	if len(blocks) == 0 {
		blocks = extractBlocks(body, "data")
	}

	var out []PlatformWager
	for _, block := range blocks {
		v := extract(block, wagerFields)
		w := PlatformWager{}
		w.TicketID, _ = v.String("ticket")
		if w.TicketID == "" {
			continue
		}
		w.Stake, _ = v.Decimal("stake")
		w.Settlement, w.HasSettlement = v.Decimal("settlement")
		w.ResultText, _ = v.String("result_text")
		w.Match, _ = v.String("match")
		out = append(out, w)
	}
	return out
}

// TicketIDsEqual matches a raw numeric ticket id against a platform-prefixed
// variant of the same id (e.g. "1234567" vs "FT1234567").
func TicketIDsEqual(a, b string) bool {
	if a == b {
		return true
	}
	return stripTicketPrefix(a) == stripTicketPrefix(b)
}

func stripTicketPrefix(s string) string {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	return s[i:]
}
