package endpoints

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// ResolveMirror follows a shortlink/landing mirror URL to the real platform
// host. HTTP redirects are tried first; when the landing page redirects via
// JavaScript a headless browser resolves it.
func ResolveMirror(ctx context.Context, mirrorURL string, timeout time.Duration, userAgent string) (string, error) {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mirrorURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return resolveMirrorWithJS(ctx, mirrorURL, timeout, userAgent)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if finalURL != mirrorURL {
		slog.Info("Resolved mirror via HTTP redirect", "mirror", mirrorURL, "resolved", finalURL)
		return finalURL, nil
	}

	// No redirect on HEAD. GET the page and look for a JS redirect.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, mirrorURL, nil)
	if err != nil {
		return resolveMirrorWithJS(ctx, mirrorURL, timeout, userAgent)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err = client.Do(req)
	if err != nil {
		return resolveMirrorWithJS(ctx, mirrorURL, timeout, userAgent)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		body, err := io.ReadAll(resp.Body)
		if err == nil {
			bodyStr := string(body)
			if strings.Contains(bodyStr, "<script") || strings.Contains(bodyStr, "window.location") ||
				strings.Contains(bodyStr, "location.href") || strings.Contains(bodyStr, "document.location") {
				return resolveMirrorWithJS(ctx, mirrorURL, timeout, userAgent)
			}
		}
	}

	finalURL = resp.Request.URL.String()
	if finalURL != mirrorURL {
		slog.Info("Resolved mirror via HTTP redirect", "mirror", mirrorURL, "resolved", finalURL)
		return finalURL, nil
	}
	return resolveMirrorWithJS(ctx, mirrorURL, timeout, userAgent)
}

// resolveMirrorWithJS executes the landing page in headless Chrome and reads
// the final location after scripts run.
func resolveMirrorWithJS(ctx context.Context, mirrorURL string, timeout time.Duration, userAgent string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	ctx, cancel = chromedp.NewContext(allocCtx)
	defer cancel()

	var finalURL string
	err := chromedp.Run(ctx,
		chromedp.Navigate(mirrorURL),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return "", fmt.Errorf("chromedp navigation: %w", err)
	}

	if finalURL == "" || finalURL == mirrorURL {
		err = chromedp.Run(ctx,
			chromedp.Sleep(3*time.Second),
			chromedp.Location(&finalURL),
		)
		if err != nil {
			return "", fmt.Errorf("chromedp wait: %w", err)
		}
	}

	if finalURL != "" && finalURL != mirrorURL {
		slog.Info("Resolved mirror via JavaScript redirect", "mirror", mirrorURL, "resolved", finalURL)
		return finalURL, nil
	}
	if finalURL != "" {
		return finalURL, nil
	}
	return "", fmt.Errorf("failed to resolve mirror URL: %s", mirrorURL)
}
