package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oshokin/hatchery/internal/logger"
	"github.com/oshokin/hatchery/internal/version"
)

const (
	// DefaultAttempts is the total number of requests per download.
	DefaultAttempts = 3
	// DefaultBackoff is the delay after the first transient failure.
	DefaultBackoff = 2 * time.Second
	// DefaultRequestTimeout bounds a single request.
	DefaultRequestTimeout = 5 * time.Minute

	maxRedirects = 10

	acceptBinary = "application/octet-stream"
	acceptJSON   = "application/vnd.github+json"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Downloader fetches payloads with bounded retry and exponential backoff.
type Downloader struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	token    string
	sleep    SleepFunc
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithAttempts sets the total number of attempts.
func WithAttempts(attempts int) Option {
	return func(d *Downloader) {
		if attempts > 0 {
			d.attempts = attempts
		}
	}
}

// WithBackoff sets the delay after the first transient failure.
func WithBackoff(backoff time.Duration) Option {
	return func(d *Downloader) {
		if backoff > 0 {
			d.backoff = backoff
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithToken sends an Authorization bearer token with every request.
func WithToken(token string) Option {
	return func(d *Downloader) {
		d.token = token
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(d *Downloader) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// New creates a Downloader with the default policy: 3 attempts, 2s base backoff.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:   NewHTTPClient(DefaultRequestTimeout),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		sleep:    sleepContext,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// NewHTTPClient returns a client with a request timeout and a redirect cap.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			return nil
		},
	}
}

// Download returns the full body of url.
//
// Transient statuses are retried, sleeping backoff, 2*backoff, ... between
// attempts; the final transient response is returned as a *StatusError that
// unwraps to bootstrap.ErrTransientDownload. Permanent statuses return
// immediately. Transport errors are returned without retry.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	return d.get(ctx, url, acceptBinary)
}

// FetchJSON is Download for API endpoints answering with JSON.
func (d *Downloader) FetchJSON(ctx context.Context, url string) ([]byte, error) {
	return d.get(ctx, url, acceptJSON)
}

func (d *Downloader) get(ctx context.Context, url, accept string) ([]byte, error) {
	delay := d.backoff

	for attempt := 1; ; attempt++ {
		body, status, err := d.fetchWithAccept(ctx, url, accept)
		if err != nil {
			return nil, err
		}

		if isSuccess(status) {
			return body, nil
		}

		statusErr := &StatusError{URL: url, StatusCode: status, Attempts: attempt}
		if !IsTransientStatus(status) || attempt >= d.attempts {
			return nil, statusErr
		}

		logger.WarnKV(ctx, "Transient download failure, retrying",
			"url", url, "status", status, "attempt", attempt, "backoff", delay.String())

		if err = d.sleep(ctx, delay); err != nil {
			return nil, err
		}

		delay *= 2
	}
}

func (d *Downloader) fetchWithAccept(ctx context.Context, url, accept string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", accept)

	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", url, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if !isSuccess(resp.StatusCode) {
		// Drain so the connection can be reused for the retry.
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read body of %s: %w", url, err)
	}

	return body, resp.StatusCode, nil
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
