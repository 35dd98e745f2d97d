package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps subscriptions in the alert_webhooks table. Event
// types are stored as a TEXT[] so delivery lookups use the GIN index.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, url, secret, events, active, created_at,
	       last_success, COALESCE(last_error, ''), consecutive_failures
	FROM alert_webhooks`

func eventNames(types []EventType) pq.StringArray {
	out := make(pq.StringArray, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// Create inserts sub. An existing row with the same ID is left untouched.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.URL, sub.Secret, eventNames(sub.Events), sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	subs, err := p.query(ctx, selectSubscription+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

// List returns every subscription, newest first.
func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, selectSubscription+` ORDER BY created_at DESC`)
}

// GetByEvent returns the active subscriptions that want eventType.
func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	return p.query(ctx, selectSubscription+` WHERE active AND events @> $1`,
		pq.StringArray{string(eventType)})
}

// Seed upserts a configured endpoint. A rotated secret or a subscription
// deactivated on a previous run takes effect on the next start.
func (p *PostgresStore) Seed(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (id) DO UPDATE
		SET url = EXCLUDED.url, secret = EXCLUDED.secret, events = EXCLUDED.events,
		    active = TRUE, consecutive_failures = 0`,
		sub.ID, sub.URL, sub.Secret, eventNames(sub.Events), sub.CreatedAt)
	return err
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return p.execOne(ctx, `
		UPDATE alert_webhooks
		SET last_success = $2, last_error = NULL, consecutive_failures = 0
		WHERE id = $1`,
		id, at)
}

// RecordFailure increments in SQL so concurrent failures all count. The
// row lock taken by the subquery makes was_active the value this update
// replaced.
func (p *PostgresStore) RecordFailure(ctx context.Context, id, message string) (int, bool, error) {
	var (
		failures    int
		deactivated bool
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE alert_webhooks w
		SET consecutive_failures = w.consecutive_failures + 1,
		    last_error = $2,
		    active = w.active AND w.consecutive_failures + 1 < $3
		FROM (SELECT id, active AS was_active FROM alert_webhooks WHERE id = $1 FOR UPDATE) prev
		WHERE w.id = prev.id
		RETURNING w.consecutive_failures, prev.was_active AND NOT w.active`,
		id, message, MaxConsecutiveFailures).Scan(&failures, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	return failures, deactivated, err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.execOne(ctx, `DELETE FROM alert_webhooks WHERE id = $1`, id)
}

// execOne runs a statement that must touch exactly one row.
func (p *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		var (
			sub         Subscription
			events      pq.StringArray
			lastSuccess sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
			&lastSuccess, &sub.LastError, &sub.ConsecutiveFailures); err != nil {
			return nil, err
		}
		sub.Events = make([]EventType, len(events))
		for i, e := range events {
			sub.Events[i] = EventType(e)
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}
