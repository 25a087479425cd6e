// Package browser resolves stream URLs for JavaScript-gated sites by
// driving a headless browser and intercepting the player's network
// traffic until an HLS manifest request appears.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// ErrDriverUnavailable signals that the browser driver could not start,
// usually a missing native dependency. Plugins treat it as "fall back to
// the API-only path", not as a hard failure.
var ErrDriverUnavailable = errors.New("browser driver unavailable (run 'npx playwright install chromium' or equivalent)")

// Config controls the resolver.
type Config struct {
	Headless      bool
	Timeout       time.Duration
	MaxAttempts   int
	AdblockPath   string
	MobileEmulate bool
	BlockPopups   bool
}

// DefaultConfig mirrors the settings.json defaults.
func DefaultConfig() Config {
	return Config{
		Headless:    true,
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BlockPopups: true,
	}
}

// Capture is a successfully intercepted stream request.
type Capture struct {
	URL     string
	Headers map[string]string
}

// Resolver owns a single lazily-started browser instance. Access is
// serialized: the driver is expensive and not safe for concurrent use.
type Resolver struct {
	cfg Config

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	dead    bool
}

// NewResolver builds a resolver; the browser starts on first use.
func NewResolver(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Resolver{cfg: cfg}
}

// start launches the driver once. Failures are sticky for the session so
// every caller gets the cheap ErrDriverUnavailable signal afterwards.
func (r *Resolver) start() error {
	if r.browser != nil {
		return nil
	}
	if r.dead {
		return ErrDriverUnavailable
	}

	pw, err := playwright.Run()
	if err != nil {
		r.dead = true
		util.Warnf("headless driver failed to start: %v", err)
		return ErrDriverUnavailable
	}

	args := []string{"--autoplay-policy=no-user-gesture-required"}
	if r.cfg.AdblockPath != "" {
		args = append(args,
			"--disable-extensions-except="+r.cfg.AdblockPath,
			"--load-extension="+r.cfg.AdblockPath,
		)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.cfg.Headless),
		Args:     args,
	})
	if err != nil {
		_ = pw.Stop()
		r.dead = true
		util.Warnf("headless browser failed to launch: %v", err)
		return ErrDriverUnavailable
	}

	r.pw = pw
	r.browser = browser
	return nil
}

// Resolve loads the episode page, nudges the player and returns the
// first successful response whose URL looks like an HLS manifest,
// together with the request headers needed to replay it against the CDN.
func (r *Resolver) Resolve(ctx context.Context, episodeURL string) (*Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.start(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		capture, err := r.resolveOnce(episodeURL)
		if err == nil {
			return capture, nil
		}
		lastErr = err
		util.Debugf("browser capture attempt %d/%d failed: %v", attempt, r.cfg.MaxAttempts, err)
	}
	return nil, models.NewPluginError("browser", fmt.Sprintf("no stream found: %v", lastErr))
}

func (r *Resolver) resolveOnce(episodeURL string) (*Capture, error) {
	pageOpts := playwright.BrowserNewPageOptions{}
	if r.cfg.MobileEmulate {
		pageOpts.UserAgent = playwright.String("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
		pageOpts.Viewport = &playwright.Size{Width: 390, Height: 844}
	}
	page, err := r.browser.NewPage(pageOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	if r.cfg.BlockPopups {
		// window.open is the usual ad vector on these players
		if err := page.AddInitScript(playwright.Script{
			Content: playwright.String(`window.open = function() { return null; };`),
		}); err != nil {
			util.Debugf("popup suppression injection failed: %v", err)
		}
		page.On("popup", func(popup playwright.Page) {
			_ = popup.Close()
		})
	}

	captured := make(chan *Capture, 1)
	page.On("response", func(resp playwright.Response) {
		if !resp.Ok() || !util.IsHLSURL(resp.URL()) {
			return
		}
		headers, err := resp.Request().AllHeaders()
		if err != nil {
			headers = map[string]string{}
		}
		replay := map[string]string{}
		for _, key := range []string{"referer", "origin", "user-agent"} {
			if v, ok := headers[key]; ok {
				replay[headerName(key)] = v
			}
		}
		select {
		case captured <- &Capture{URL: resp.URL(), Headers: replay}:
		default:
		}
	})

	timeoutMs := float64(r.cfg.Timeout.Milliseconds())
	if _, err := page.Goto(episodeURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(timeoutMs),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, err
	}

	// A visible play affordance usually has to be clicked before the
	// player requests the manifest.
	for _, selector := range []string{".jw-icon-display", ".vjs-big-play-button", "button.play", "[aria-label=Play]", "video"} {
		loc := page.Locator(selector).First()
		if visible, _ := loc.IsVisible(); visible {
			_ = loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(2000)})
			break
		}
	}

	select {
	case capture := <-captured:
		return capture, nil
	case <-time.After(r.cfg.Timeout):
		return nil, errors.New("timed out waiting for manifest request")
	}
}

func headerName(lower string) string {
	switch lower {
	case "referer":
		return "Referer"
	case "origin":
		return "Origin"
	case "user-agent":
		return "User-Agent"
	}
	return lower
}

// Cleanup terminates the driver. Safe to call multiple times.
func (r *Resolver) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		_ = r.browser.Close()
		r.browser = nil
	}
	if r.pw != nil {
		_ = r.pw.Stop()
		r.pw = nil
	}
}
