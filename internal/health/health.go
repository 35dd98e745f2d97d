// Package health runs the readiness checks behind /health: chain head
// freshness and, when configured, the database.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Check probes one dependency. A nil error means healthy; detail is shown
// either way.
type Check func(ctx context.Context) (detail string, err error)

type entry struct {
	name  string
	check Check
}

// Registry runs its checks in parallel, each under its own timeout.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides DefaultTimeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register appends a check. Results keep registration order.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check and reports whether all of them passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			statuses[i] = r.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	detail, err := e.check(ctx)
	st := Status{Name: e.name, Healthy: err == nil, Detail: detail, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", r.timeout)
		}
		if st.Detail == "" {
			st.Detail = err.Error()
		} else {
			st.Detail += ": " + err.Error()
		}
	}
	return st
}

// HeadReader is the chain access a head-freshness check needs.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (uint64, error)
}

// ErrStaleHead is reported when the node's latest block is too old.
var ErrStaleHead = errors.New("chain head is stale")

// ChainHead fails when the node is unreachable or its latest block is older
// than maxAge.
func ChainHead(reader HeadReader, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		head, err := reader.BlockNumber(ctx)
		if err != nil {
			return "head lookup failed", err
		}
		ts, err := reader.BlockTime(ctx, head)
		if err != nil {
			return fmt.Sprintf("block %d time lookup failed", head), err
		}
		if age := now().Sub(time.Unix(int64(ts), 0)); age > maxAge {
			return fmt.Sprintf("head %d is %s old", head, age.Truncate(time.Second)), ErrStaleHead
		}
		return fmt.Sprintf("head %d", head), nil
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

func Database(db Pinger) Check {
	return func(ctx context.Context) (string, error) {
		return "", db.PingContext(ctx)
	}
}
