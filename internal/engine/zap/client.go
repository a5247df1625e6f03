package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/scania/scanhub/internal/engine"
)

const (
	apiKeyHeader = "X-ZAP-API-Key"
	maxBodyBytes = 32 << 20
)

// Client talks to the ZAP JSON API. Every call waits for the rate limiter
// and transient failures (transport errors, 5xx) are retried with an
// exponential backoff. A call that still fails on transport wraps
// engine.ErrUnreachable.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retries uint64
	initial time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets the number of retries and the first backoff interval.
func WithRetry(retries uint64, initial time.Duration) ClientOption {
	return func(cl *Client) {
		cl.retries = retries
		cl.initial = initial
	}
}

// NewClient creates a client for the API at rawURL. A rateLimit of zero or
// less disables request limiting.
func NewClient(rawURL, apiKey string, rateLimit float64, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing zap url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("zap url %q: expected http(s)://host:port", rawURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}
	c := &Client{
		base:    u,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
		retries: 3,
		initial: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Addr returns host and port of the API endpoint.
func (c *Client) Addr() (host, port string) {
	host, port = c.base.Hostname(), c.base.Port()
	if port == "" {
		port = "80"
		if c.base.Scheme == "https" {
			port = "443"
		}
	}
	return host, port
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u.RawQuery = params.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = 2 * time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return &apiError{status: resp.StatusCode, body: string(body)}
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(&apiError{status: resp.StatusCode, body: string(body)})
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}

	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("zap %s: %w", path, ctxErr)
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status < 500 {
		return fmt.Errorf("zap %s: %w", path, err)
	}
	return fmt.Errorf("%w: zap %s: %w", engine.ErrUnreachable, path, err)
}

// Version returns the version reported by the running ZAP instance.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/JSON/core/view/version/", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) NewSession(ctx context.Context) error {
	return c.get(ctx, "/JSON/core/action/newSession/", url.Values{"overwrite": {"true"}}, nil)
}

func (c *Client) SetSpiderMaxDepth(ctx context.Context, depth int) error {
	return c.get(ctx, "/JSON/spider/action/setOptionMaxDepth/", url.Values{"Integer": {strconv.Itoa(depth)}}, nil)
}

// Spider starts a crawl of target and returns the scan id.
func (c *Client) Spider(ctx context.Context, target string, maxChildren int) (string, error) {
	var resp struct {
		Scan string `json:"scan"`
	}
	params := url.Values{"url": {target}, "maxChildren": {strconv.Itoa(maxChildren)}, "recurse": {"true"}}
	if err := c.get(ctx, "/JSON/spider/action/scan/", params, &resp); err != nil {
		return "", err
	}
	return resp.Scan, nil
}

func (c *Client) SpiderStatus(ctx context.Context, id string) (int, error) {
	return c.status(ctx, "/JSON/spider/view/status/", id)
}

func (c *Client) StopSpider(ctx context.Context, id string) error {
	return c.get(ctx, "/JSON/spider/action/stop/", url.Values{"scanId": {id}}, nil)
}

// RecordsToScan returns the passive scan backlog.
func (c *Client) RecordsToScan(ctx context.Context) (int, error) {
	var resp struct {
		RecordsToScan string `json:"recordsToScan"`
	}
	if err := c.get(ctx, "/JSON/pscan/view/recordsToScan/", nil, &resp); err != nil {
		return 0, err
	}
	return atoi(resp.RecordsToScan), nil
}

// ActiveScan starts an active scan of target and returns the scan id.
func (c *Client) ActiveScan(ctx context.Context, target string) (string, error) {
	var resp struct {
		Scan string `json:"scan"`
	}
	if err := c.get(ctx, "/JSON/ascan/action/scan/", url.Values{"url": {target}, "recurse": {"true"}}, &resp); err != nil {
		return "", err
	}
	return resp.Scan, nil
}

func (c *Client) ActiveStatus(ctx context.Context, id string) (int, error) {
	return c.status(ctx, "/JSON/ascan/view/status/", id)
}

func (c *Client) StopActive(ctx context.Context, id string) error {
	return c.get(ctx, "/JSON/ascan/action/stop/", url.Values{"scanId": {id}}, nil)
}

// Alerts returns one page of alerts for baseURL.
func (c *Client) Alerts(ctx context.Context, baseURL string, start, count int) ([]Alert, error) {
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	params := url.Values{
		"baseurl": {baseURL},
		"start":   {strconv.Itoa(start)},
		"count":   {strconv.Itoa(count)},
	}
	if err := c.get(ctx, "/JSON/core/view/alerts/", params, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

func (c *Client) status(ctx context.Context, path, id string) (int, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, path, url.Values{"scanId": {id}}, &resp); err != nil {
		return 0, err
	}
	return atoi(resp.Status), nil
}

// ZAP encodes numbers as strings.
func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
