package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skridlevsky/expert-voter/internal/metrics"
)

// Config controls the API endpoint and the retry policy applied by Call
type Config struct {
	BaseURL         string
	Version         string
	ErrorBackoff    time.Duration // wait before resending after an application error
	MaxAuthRetries  int           // credential refreshes per call
	MaxErrorRetries int           // resends after application errors per call
	RateLimit       float64       // requests per second, <= 0 disables pacing
}

// DefaultConfig returns the production endpoint and retry settings
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.vk.com/method/",
		Version:         "5.109",
		ErrorBackoff:    5 * time.Second,
		MaxAuthRetries:  5,
		MaxErrorRetries: 10,
		RateLimit:       3,
	}
}

// Credentials identify one account
type Credentials struct {
	Login  string
	Secret string
}

// Request is a single API method invocation
type Request struct {
	Method string
	Params map[string]string
	// Secondary sends the expert-scoped token instead of the access token
	Secondary bool
}

// Client calls API methods on behalf of one account. It owns that account's
// tokens and is not safe for concurrent use; the underlying http.Client is.
type Client struct {
	cfg        Config
	httpClient *http.Client
	provider   CredentialProvider
	creds      Credentials
	limiter    *rate.Limiter
	metrics    *metrics.Metrics

	primary   string
	secondary string
}

// NewClient creates an API client for one account
func NewClient(cfg Config, httpClient *http.Client, provider CredentialProvider, creds Credentials, m *metrics.Metrics) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		provider:   provider,
		creds:      creds,
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
	}
}

// Login returns the account login this client acts for
func (c *Client) Login() string {
	return c.creds.Login
}

// Authenticate obtains both credentials
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.refreshAll(ctx); err != nil {
		return err
	}

	slog.Info("Account authenticated", "login", c.creds.Login)
	return nil
}

// refreshAll obtains a new access token and the expert token derived from it
func (c *Client) refreshAll(ctx context.Context) error {
	primary, err := c.provider.ObtainPrimary(ctx, c.creds.Login, c.creds.Secret)
	if err != nil {
		return err
	}
	c.primary = primary
	return c.refreshSecondary(ctx)
}

func (c *Client) refreshSecondary(ctx context.Context) error {
	secondary, err := c.provider.ObtainSecondary(ctx, c.primary)
	if err != nil {
		return err
	}
	c.secondary = secondary
	c.metrics.TokenRefresh(c.creds.Login)
	return nil
}

// Call invokes an API method, refreshing the credential it was sent with on
// auth errors and resending after other application errors. Both loops are
// bounded by the client configuration.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	refreshes, resends := 0, 0

	for {
		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Error == nil {
			return resp, nil
		}

		c.metrics.APIError(resp.Error.Code)

		if resp.Error.Code == CodeAuthFailed {
			if refreshes >= c.cfg.MaxAuthRetries {
				return nil, &CredentialExpiredError{Method: req.Method, Attempts: refreshes}
			}
			refreshes++
			slog.Warn("Credential expired, creating new token",
				"login", c.creds.Login,
				"method", req.Method,
				"attempt", refreshes,
			)
			refresh := c.refreshSecondary
			if !req.Secondary {
				refresh = c.refreshAll
			}
			if err := refresh(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if resends >= c.cfg.MaxErrorRetries {
			return nil, &ApplicationError{Method: req.Method, Attempts: resends + 1, Err: resp.Error}
		}
		resends++
		slog.Warn(resp.Error.String(),
			"login", c.creds.Login,
			"method", req.Method,
			"attempt", resends,
			"backoff", c.cfg.ErrorBackoff,
		)
		if err := sleepContext(ctx, c.cfg.ErrorBackoff); err != nil {
			return nil, err
		}
	}
}

// send performs one round trip
func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}
	params.Set("v", c.cfg.Version)
	if req.Secondary {
		params.Set("access_token", c.secondary)
	} else {
		params.Set("access_token", c.primary)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + req.Method + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.metrics.APIRequest(req.Method, "network_error", time.Since(start))
		return nil, newNetworkError(req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.metrics.APIRequest(req.Method, "network_error", time.Since(start))
		return nil, &NetworkError{Op: req.Method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.metrics.APIRequest(req.Method, "protocol_error", time.Since(start))
		return nil, &ProtocolError{Op: req.Method, Detail: "invalid JSON", Err: err}
	}

	result := "ok"
	if out.Error != nil {
		result = "api_error"
	}
	c.metrics.APIRequest(req.Method, result, time.Since(start))
	return &out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
