package kiwify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"go.uber.org/zap"
)

const (
	accountIDHeader = "x-kiwify-account-id"

	maxAttempts        = 3
	defaultBackoffBase = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second

	// Tokens are refreshed slightly before upstream expiry.
	tokenExpirySlack = 60 * time.Second
	snippetLimit     = 256
)

// ErrResourceNotFound marks a 404 from the upstream API. Callers use it to
// distinguish unsupported endpoints from hard failures.
var ErrResourceNotFound = errors.New("resource_not_found")

// APIError carries the upstream status and a response snippet.
type APIError struct {
	Status  int
	URL     string
	Snippet string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kiwify api %d for %s: %s", e.Status, e.URL, e.Snippet)
}

func (e *APIError) Is(target error) bool {
	return target == ErrResourceNotFound && e.Status == http.StatusNotFound
}

type tokenCache struct {
	value     string
	tokenType string
	expiresAt time.Time
}

// Client is the authenticated upstream request wrapper. It caches the bearer
// token, refreshes it once on 401, and retries 429/5xx with bounded backoff
// while honouring the caller's deadline.
type Client struct {
	cfg         config.KiwifyConfig
	httpClient  *http.Client
	log         *zap.Logger
	clock       clock.Clock
	backoffBase time.Duration

	mu    sync.Mutex
	token tokenCache
}

func New(cfg config.KiwifyConfig, log *zap.Logger, clk clock.Clock) *Client {
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log.Named("kiwify.client"),
		clock:       clk,
		backoffBase: defaultBackoffBase,
	}
}

// RequestOptions control a single call. A zero BudgetEndsAt means no deadline.
type RequestOptions struct {
	Method       string
	Query        url.Values
	Body         any
	BudgetEndsAt time.Time
}

// Request performs an authenticated call against a relative resource path and
// returns the raw response body.
func (c *Client) Request(ctx context.Context, path string, opts RequestOptions) ([]byte, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.buildURL(path, opts.Query)

	var lastErr error
	refreshed := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoffBase << (attempt - 2)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			if !opts.BudgetEndsAt.IsZero() && c.clock.Now().Add(backoff).After(opts.BudgetEndsAt) {
				c.log.Warn("deadline reached before retry", zap.String("url", target))
				return nil, lastErr
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		token, err := c.accessToken(ctx, false)
		if err != nil {
			return nil, err
		}

		status, body, err := c.do(ctx, method, target, token, opts.Body)
		if err != nil {
			lastErr = err
			continue
		}

		if status == http.StatusUnauthorized && !refreshed {
			refreshed = true
			token, err = c.accessToken(ctx, true)
			if err != nil {
				return nil, err
			}
			status, body, err = c.do(ctx, method, target, token, opts.Body)
			if err != nil {
				lastErr = err
				continue
			}
			if status == http.StatusUnauthorized {
				return nil, &APIError{Status: status, URL: target, Snippet: snippet(body)}
			}
		}

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusNotFound:
			return nil, &APIError{Status: status, URL: target, Snippet: snippet(body)}
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = &APIError{Status: status, URL: target, Snippet: snippet(body)}
			c.log.Warn("retryable upstream status",
				zap.Int("status", status),
				zap.String("url", target),
				zap.Int("attempt", attempt),
			)
		default:
			return nil, &APIError{Status: status, URL: target, Snippet: snippet(body)}
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, target string, token tokenCache, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("%s %s", token.tokenType, token.value))
	if c.cfg.AccountID != "" {
		req.Header.Set(accountIDHeader, c.cfg.AccountID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, err
	}
	return res.StatusCode, payload, nil
}

func (c *Client) accessToken(ctx context.Context, force bool) (tokenCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !force && c.token.value != "" && c.token.expiresAt.After(now.Add(tokenExpirySlack/2)) {
		return c.token, nil
	}

	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return tokenCache{}, errors.New("kiwify credentials are not configured")
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if c.cfg.Scope != "" {
		form.Set("scope", c.cfg.Scope)
	}

	tokenURL := c.cfg.BaseURL + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenCache{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return tokenCache{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return tokenCache{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return tokenCache{}, &APIError{Status: res.StatusCode, URL: tokenURL, Snippet: snippet(body)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenCache{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return tokenCache{}, errors.New("empty access token from upstream")
	}
	if parsed.TokenType == "" {
		parsed.TokenType = "Bearer"
	}

	lifetime := time.Duration(parsed.ExpiresIn)*time.Second - tokenExpirySlack
	if lifetime < 0 {
		lifetime = 0
	}
	c.token = tokenCache{
		value:     parsed.AccessToken,
		tokenType: parsed.TokenType,
		expiresAt: now.Add(lifetime),
	}
	return c.token, nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/v1/" + path
	}
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func snippet(body []byte) string {
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	return string(body)
}
