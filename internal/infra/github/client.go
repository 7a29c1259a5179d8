// Package github is a small GitHub REST client implementing
// domain.RepoService. Every call is rate limited per client and retried
// with exponential backoff on transport errors, 429 and 5xx responses.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// Options configures a Client.
type Options struct {
	BaseURL           string
	RequestsPerSecond float64 // 0 disables limiting
	Burst             int
	HTTPClient        *http.Client
	// NewBackOff builds the retry policy for one request.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 20 * time.Second
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       opts.HTTPClient,
		limiter:    limiter,
		newBackOff: opts.NewBackOff,
		logger:     opts.Logger.With("component", "github"),
	}
}

// do sends one API request, retrying transient failures. out may be nil.
func (c *Client) do(ctx context.Context, credential, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if credential != "" {
			req.Header.Set("Authorization", "Bearer "+credential)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("request failed, retrying", "method", method, "path", path, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Method: method, Path: path, Message: errorMessage(resp.Body)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				c.logger.Debug("transient response, retrying", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}
