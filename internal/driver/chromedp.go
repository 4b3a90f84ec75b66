package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Options configures one account's browser instance. Proxy and user agent come
// from the account's egress config and device profile.
type Options struct {
	ProxyURL  string
	UserAgent string
	Headless  bool
}

// ChromeDriver implements Driver on top of a dedicated headless Chrome tab.
// One instance per account; never shared across workers.
type ChromeDriver struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)
var _ CookieCarrier = (*ChromeDriver)(nil)

func NewChromeDriver(parent context.Context, opts Options) (*ChromeDriver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}

	// Start the browser now so allocation failures surface at construction.
	if err := chromedp.Run(tabCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return d, nil
}

// run executes actions on the tab context, honoring the caller's deadline.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := d.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(d.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *ChromeDriver) Locate(ctx context.Context, spec SelectorSpec) (*ElementRef, error) {
	check := fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el) return false;
		%s
		return true;
	})()`, spec.CSS, visibilityCheck(spec))

	var found bool
	if err := d.run(ctx, chromedp.Evaluate(check, &found)); err != nil {
		return nil, fmt.Errorf("locate %s: %w", spec.CSS, err)
	}
	if !found {
		return nil, nil
	}
	return &ElementRef{CSS: spec.CSS}, nil
}

func visibilityCheck(spec SelectorSpec) string {
	if !spec.Visible {
		return ""
	}
	// offsetParent is null for display:none subtrees; visibility is inherited.
	return `if (el.offsetParent === null) return false;
		if (window.getComputedStyle(el).visibility === 'hidden') return false;`
}

func (d *ChromeDriver) Type(ctx context.Context, ref *ElementRef, text string) error {
	if ref == nil {
		return fmt.Errorf("type: nil element ref")
	}
	return d.run(ctx,
		chromedp.SetValue(ref.CSS, "", chromedp.ByQuery),
		chromedp.SendKeys(ref.CSS, text, chromedp.ByQuery),
	)
}

func (d *ChromeDriver) Click(ctx context.Context, ref *ElementRef) error {
	if ref == nil {
		return fmt.Errorf("click: nil element ref")
	}
	return d.run(ctx, chromedp.Click(ref.CSS, chromedp.ByQuery))
}

func (d *ChromeDriver) Evaluate(ctx context.Context, script string, out any) error {
	return d.run(ctx, chromedp.Evaluate(script, out))
}

func (d *ChromeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (d *ChromeDriver) ExportCookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  int64(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return out, nil
}

func (d *ChromeDriver) ImportCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(c.Expires, 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("import cookies: %w", err)
	}
	return nil
}

func (d *ChromeDriver) Close() error {
	if d.cancelTab != nil {
		d.cancelTab()
	}
	if d.cancelAlloc != nil {
		d.cancelAlloc()
	}
	return nil
}
