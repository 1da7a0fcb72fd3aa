// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared across stages: retry on
// HTTP 429, exponential backoff with jitter, and status classification.
package httputil

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdiddy/milou/pkg/types"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// HTTP 429 responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 10 * time.Second

const defaultMaxRetries = 5

// DoWithRetry executes an HTTP request and retries on HTTP 429 (Too Many
// Requests) with exponential backoff. The delay starts at RetryBaseDelay
// and doubles each attempt. A Retry-After header in seconds takes
// precedence when it asks for a longer wait.
//
// When maxRetries is 0 the default (5) is used. On each 429 the response
// body is drained and closed before sleeping. If the context is cancelled
// during a backoff wait the function returns ctx.Err(). After exhausting
// retries the last 429 response is returned so the caller can inspect it.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int, log zerolog.Logger) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		if attempt >= maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		if ra := retryAfter(resp); ra > backoff {
			backoff = ra
		}
		log.Debug().Str("url", req.URL.String()).Dur("backoff", backoff).
			Int("attempt", attempt+1).Int("max", maxRetries).Msg("rate limited")

		if err := Sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	return 0
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is an exponential backoff policy with full jitter on the upper half
// of each step: attempt n waits between Base*2^n/2 and Base*2^n, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter disables randomization when false; tests use that for determinism.
	Jitter bool
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base << uint(min(attempt, 30))
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	if !b.Jitter || d < 2 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half)
}

// Retry calls fn until it succeeds, returns a non-transient error, or
// maxRetries retries are used up. It returns the number of calls made and
// the last error.
func Retry(ctx context.Context, b Backoff, maxRetries int, fn func(attempt int) error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil || !types.IsTransient(err) || attempt >= maxRetries {
			return attempt + 1, err
		}
		if serr := Sleep(ctx, b.Delay(attempt)); serr != nil {
			return attempt + 1, err
		}
	}
}

// StatusKind classifies an HTTP status code for retry purposes.
func StatusKind(code int) types.ErrorKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return types.Transient
	}
	return types.Permanent
}

// ErrorKind classifies a transport error. Timeouts, resets, and unexpected
// EOFs are transient; context cancellation and everything else are permanent.
func ErrorKind(err error) types.ErrorKind {
	if errors.Is(err, context.Canceled) {
		return types.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return types.Transient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return types.Transient
	}
	return types.Permanent
}
