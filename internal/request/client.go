// Package request provides the pooled HTTP client shared by plugins and
// the direct download path, with per-plugin rate limiting and retries.
package request

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0"

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the process-wide pooled transport. Connections
// are reused and per-host concurrency is bounded; proxy environment
// variables are honored.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	})
	return sharedTransport
}

// Options carries per-request knobs.
type Options struct {
	Referer string
	Origin  string
	Headers map[string]string
}

// Client is a rate-limited, retrying HTTP client owned by one plugin or
// by the download engine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	rateGap    time.Duration
	maxRetries int
	backoff    time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// New builds a client with the shared pooled transport. rateGap is the
// minimum spacing between two requests from this client; zero disables
// rate limiting.
func New(timeout, rateGap time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		httpClient: &http.Client{
			Transport: SharedTransport(),
			Timeout:   timeout,
		},
		userAgent:  defaultUserAgent,
		rateGap:    rateGap,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

// SetBaseURL makes relative request URLs resolve against base.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

// SetUserAgent overrides the default User-Agent header.
func (c *Client) SetUserAgent(ua string) { c.userAgent = ua }

// SetBackoffBase overrides the retry backoff base, mainly for tests.
func (c *Client) SetBackoffBase(d time.Duration) { c.backoff = d }

// Close releases idle connections held on behalf of this client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", models.NewValidationError("bad URL: " + rawURL)
	}
	if u.IsAbs() {
		return rawURL, nil
	}
	if c.baseURL == "" {
		return "", models.NewValidationError("relative URL without base: " + rawURL)
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", models.NewValidationError("bad base URL: " + c.baseURL)
	}
	return base.ResolveReference(u).String(), nil
}

// waitTurn enforces the configured inter-request gap. The lock is not
// held while sleeping.
func (c *Client) waitTurn(ctx context.Context) error {
	if c.rateGap <= 0 {
		return nil
	}
	for {
		c.mu.Lock()
		wait := c.rateGap - time.Since(c.lastCall)
		if wait <= 0 {
			c.lastCall = time.Now()
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func transientStatus(code int) bool {
	return code >= 500 && code <= 599
}

func transientErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps dial and read failures
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Do issues the request with rate limiting and retries. Transient
// failures (connection errors, timeouts, 5xx) retry with backoff
// base × 2^attempt; 4xx responses are returned as NetworkError without
// retrying. The caller owns the response body on success.
func (c *Client) Do(ctx context.Context, method, rawURL string, body io.Reader, opts *Options) (*http.Response, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<uint(attempt-1))
			util.Debugf("retrying %s (attempt %d/%d) after %v", target, attempt, c.maxRetries, delay)
			select {
			case <-ctx.Done():
				return nil, models.NewNetworkError(target, 0, ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := c.waitTurn(ctx); err != nil {
			return nil, models.NewNetworkError(target, 0, err)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, models.NewValidationError("cannot build request for " + target)
		}
		c.applyHeaders(req, opts)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if transientErr(err) && attempt < c.maxRetries {
				continue
			}
			return nil, models.NewNetworkError(target, 0, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 400:
			return resp, nil
		case transientStatus(resp.StatusCode):
			_ = resp.Body.Close()
			lastErr = models.NewNetworkError(target, resp.StatusCode, nil)
			if attempt < c.maxRetries {
				continue
			}
			return nil, models.NewNetworkError(target, resp.StatusCode, nil)
		default:
			_ = resp.Body.Close()
			return nil, models.NewNetworkError(target, resp.StatusCode, nil)
		}
	}
	return nil, models.NewNetworkError(target, 0, lastErr)
}

func (c *Client) applyHeaders(req *http.Request, opts *Options) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if opts != nil {
		if opts.Referer != "" {
			req.Header.Set("Referer", opts.Referer)
		}
		if opts.Origin != "" {
			req.Header.Set("Origin", opts.Origin)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}
}

// Text GETs the URL and returns the body as a string.
func (c *Client) Text(ctx context.Context, rawURL string, opts *Options) (string, error) {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, nil, opts)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.NewNetworkError(rawURL, resp.StatusCode, err)
	}
	return string(data), nil
}

// JSON GETs the URL and decodes the body into out.
func (c *Client) JSON(ctx context.Context, rawURL string, opts *Options, out interface{}) error {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, nil, opts)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewNetworkError(rawURL, resp.StatusCode, err)
	}
	return nil
}

// Stream GETs the URL for chunked reading. The caller must close the
// returned body.
func (c *Client) Stream(ctx context.Context, rawURL string, opts *Options) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, opts)
}
