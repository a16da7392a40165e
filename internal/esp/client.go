package esp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	apiKeyParam = "api_key"

	defaultConcurrency   = 75
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
	defaultTimeout       = 30 * time.Second

	// DefaultUserAgent is sent with every request unless overridden.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
)

// Client is the base Piano ESP API client. It is safe for concurrent use.
type Client struct {
	endpoint      string
	apiKey        string
	httpClient    *http.Client
	logger        *zap.Logger
	concurrency   int
	limiter       *rate.Limiter
	maxRetries    int
	retryInterval time.Duration
	userAgent     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the logger used for request failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConcurrency limits the number of in-flight batch requests.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRateLimit throttles outgoing requests. A non-positive rate disables throttling.
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(c *Client) {
		if ratePerSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryInterval sets the initial backoff interval between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// New builds a Client for the given API endpoint and key.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrEmptyAPIKey
	}

	base, err := ValidateURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}

	c := &Client{
		endpoint:      base,
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: defaultTimeout},
		logger:        zap.NewNop(),
		concurrency:   defaultConcurrency,
		maxRetries:    defaultMaxRetries,
		retryInterval: defaultRetryInterval,
		userAgent:     DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the normalised API endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// APIKey returns the key attached to every request.
func (c *Client) APIKey() string {
	return c.apiKey
}

// URL joins the endpoint with a validated relative path.
func (c *Client) URL(path string) (string, error) {
	rel, err := ValidatePath(path)
	if err != nil {
		return "", err
	}
	return c.endpoint + "/" + rel, nil
}

// Request performs a single API call and returns the JSON body.
// A caller-supplied api_key parameter is ignored; the client key is always used.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	method, err := normalizeMethod(method)
	if err != nil {
		return nil, err
	}
	target, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, method, target)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: body is not valid JSON", ErrResponse, redactURL(target))
	}
	return json.RawMessage(body), nil
}

func normalizeMethod(method string) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet, nil
	}
	if method != http.MethodGet && method != http.MethodPost {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	return method, nil
}

func (c *Client) buildURL(path string, params url.Values) (string, error) {
	raw, err := c.URL(path)
	if err != nil {
		return "", err
	}
	target, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	query := target.Query()
	for key, values := range params {
		if key == apiKeyParam {
			continue
		}
		for _, v := range values {
			query.Add(key, v)
		}
	}
	query.Set(apiKeyParam, c.apiKey)
	target.RawQuery = query.Encode()

	return target.String(), nil
}

// do sends the request, retrying rate-limited, server-side and transport failures.
func (c *Client) do(ctx context.Context, method, target string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)

	attempt := 0
	return backoff.RetryWithData(func() ([]byte, error) {
		attempt++
		body, err := c.send(ctx, method, target)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var respErr *ResponseError
		if errors.As(err, &respErr) && !respErr.retryable() {
			return nil, backoff.Permanent(err)
		}
		c.logger.Debug("request attempt failed",
			zap.String("url", redactURL(target)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}, retry)
}

func (c *Client) send(ctx context.Context, method, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRequest, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactURL(urlErr.URL)
		}
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{StatusCode: resp.StatusCode, URL: redactURL(target)}
	}
	return body, nil
}
