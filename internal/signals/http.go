package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/tokensentry/internal/circuitbreaker"
	"github.com/mbd888/tokensentry/internal/retry"
)

var ErrNotFound = errors.New("signals: upstream resource not found")

const (
	httpTimeout   = 5 * time.Second
	httpAttempts  = 2
	httpBaseDelay = 200 * time.Millisecond
)

// upstream is a JSON-over-HTTP dependency guarded by retry and a breaker.
type upstream struct {
	name    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func newUpstream(name string, breaker *circuitbreaker.Breaker) upstream {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return upstream{
		name:    name,
		client:  &http.Client{Timeout: httpTimeout},
		breaker: breaker,
	}
}

// getJSON decodes the body of GET url into out. 404 yields ErrNotFound and
// other 4xx responses are not retried.
func (u upstream) getJSON(ctx context.Context, url string, out any) error {
	return retry.Do(ctx, httpAttempts, httpBaseDelay, func() error {
		if !u.breaker.Allow(u.name) {
			return retry.Permanent(fmt.Errorf("%s: %w", u.name, circuitbreaker.ErrOpen))
		}
		err := u.fetch(ctx, url, out)
		// A missing resource is an answer, not an upstream fault.
		if err == nil || errors.Is(err, ErrNotFound) {
			u.breaker.RecordSuccess(u.name)
		} else {
			u.breaker.RecordFailure(u.name)
		}
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (u upstream) fetch(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: build request: %w", u.name, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", u.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", u.name, ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d", u.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("%s: status %d", u.name, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", u.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode: %w", u.name, err))
	}
	return nil
}
