/*
Package railway looks up reservation status on the external railway API.

PURPOSE:
  Read-only PNR status. The response body is passed through untouched; this
  service never interprets or stores it.

RETRIES:
  GET is idempotent, so transport errors and 5xx responses are retried with
  exponential backoff (cenkalti/backoff) up to MaxAttempts. 4xx responses and
  invalid JSON are permanent and returned at once.
*/
package railway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrInvalidPNR  = errors.New("PNR must be 10 digits")
	ErrUnavailable = errors.New("railway API unavailable")
	ErrNotConfig   = errors.New("railway API not configured")
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("railway API returned %d: %s", e.Code, e.Body)
}

var pnrPattern = regexp.MustCompile(`^[0-9]{10}$`)

// Config points the client at a RapidAPI-style host.
type Config struct {
	BaseURL string // e.g. https://irctc1.p.rapidapi.com
	APIKey  string
	APIHost string // x-rapidapi-host; defaults to BaseURL's host

	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Client fetches PNR status.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client. Zero Timeout, MaxAttempts and Backoff get
// defaults of 10s, 3 and 200ms.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIHost == "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			cfg.APIHost = u.Host
		}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// PNRStatus returns the upstream JSON for pnr.
func (c *Client) PNRStatus(ctx context.Context, pnr string) (json.RawMessage, error) {
	pnr = strings.TrimSpace(pnr)
	if !pnrPattern.MatchString(pnr) {
		return nil, ErrInvalidPNR
	}
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfig
	}

	endpoint := c.cfg.BaseURL + "/api/v3/getPNRStatus?" + url.Values{"pnrNumber": {pnr}}.Encode()

	attempt := 0
	body, err := backoff.RetryNotifyWithData(func() (json.RawMessage, error) {
		attempt++
		return c.get(ctx, endpoint)
	}, c.retryPolicy(ctx), func(err error, wait time.Duration) {
		c.logger.Warn("railway API attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return body, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// retryPolicy doubles from cfg.Backoff without jitter and stops after
// MaxAttempts calls or when ctx is done.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.Backoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 64 * c.cfg.Backoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// get performs one request. Failures that retrying cannot fix are wrapped
// in backoff.Permanent.
func (c *Client) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rapidapi-key", c.cfg.APIKey)
	req.Header.Set("x-rapidapi-host", c.cfg.APIHost)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode >= 500 {
			return nil, se
		}
		return nil, backoff.Permanent(se)
	}
	if !json.Valid(body) {
		return nil, backoff.Permanent(errors.New("railway API returned invalid JSON"))
	}
	return json.RawMessage(body), nil
}
