package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

// EventLog implements repository.EventLog on the events table.
type EventLog struct {
	db *sqlx.DB
}

// NewEventLog constructs the event log.
func NewEventLog(db *sqlx.DB) *EventLog {
	return &EventLog{db: db}
}

// Append stores an event. Events are never updated apart from the dispatch mark.
func (l *EventLog) Append(ctx context.Context, event *domain.Event) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO events (id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		event.ID, string(event.Type), []byte(event.Payload), event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event log: append %s: %w", event.ID, repository.ErrConflict)
		}
		return fmt.Errorf("event log: append: %w", err)
	}
	return nil
}

// Get returns an event by id.
func (l *EventLog) Get(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var rec eventRecord
	err := l.db.GetContext(ctx, &rec, `SELECT id, type, payload, created_at, dispatched_at FROM events WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("event log: get: %w", err)
	}
	return rec.toDomain(), nil
}

// MarkDispatched records that fan-out for the event completed.
func (l *EventLog) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := l.db.ExecContext(ctx, `UPDATE events SET dispatched_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("event log: mark dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("event log: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListUndispatched returns events created before the cutoff whose fan-out
// never completed, oldest first.
func (l *EventLog) ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []eventRecord
	err := l.db.SelectContext(ctx, &recs, `SELECT id, type, payload, created_at, dispatched_at
		FROM events
		WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("event log: list undispatched: %w", err)
	}
	out := make([]*domain.Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

type eventRecord struct {
	ID           uuid.UUID    `db:"id"`
	Type         string       `db:"type"`
	Payload      []byte       `db:"payload"`
	CreatedAt    time.Time    `db:"created_at"`
	DispatchedAt sql.NullTime `db:"dispatched_at"`
}

func (r eventRecord) toDomain() *domain.Event {
	return &domain.Event{
		ID:           r.ID,
		Type:         domain.EventType(r.Type),
		Payload:      json.RawMessage(r.Payload),
		CreatedAt:    r.CreatedAt.UTC(),
		DispatchedAt: nullTime(r.DispatchedAt),
	}
}

// SubscriptionRepository implements repository.SubscriptionRepository.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository constructs the repository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, url, event_types, secret, active, description, headers, created_at, updated_at, last_triggered_at`

// Create stores a subscription.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.WebhookSubscription) error {
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("subscriptions: marshal event types: %w", err)
	}
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("subscriptions: marshal headers: %w", err)
	}

	_, err = r.db.NamedExecContext(ctx, `INSERT INTO webhook_subscriptions (`+subscriptionColumns+`) VALUES (
		:id, :url, :event_types, :secret, :active, :description, :headers, :created_at, :updated_at, :last_triggered_at
	)`, map[string]any{
		"id":                sub.ID,
		"url":               sub.URL,
		"event_types":       types,
		"secret":            sub.Secret,
		"active":            sub.Active,
		"description":       sub.Description,
		"headers":           headers,
		"created_at":        sub.CreatedAt,
		"updated_at":        sub.UpdatedAt,
		"last_triggered_at": sub.LastTriggeredAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscriptions: insert %s: %w", sub.ID, repository.ErrConflict)
		}
		return fmt.Errorf("subscriptions: insert: %w", err)
	}
	return nil
}

// Get returns a subscription by id.
func (r *SubscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.WebhookSubscription, error) {
	var rec subscriptionRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("subscriptions: get: %w", err)
	}
	return rec.toDomain()
}

// Delete removes a subscription.
func (r *SubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("subscriptions: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscriptions: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns all subscriptions, oldest first.
func (r *SubscriptionRepository) List(ctx context.Context) ([]*domain.WebhookSubscription, error) {
	var recs []subscriptionRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("subscriptions: list: %w", err)
	}
	out := make([]*domain.WebhookSubscription, 0, len(recs))
	for _, rec := range recs {
		sub, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// Touch records the last successful delivery time.
func (r *SubscriptionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("subscriptions: touch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscriptions: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type subscriptionRecord struct {
	ID              uuid.UUID      `db:"id"`
	URL             string         `db:"url"`
	EventTypes      []byte         `db:"event_types"`
	Secret          string         `db:"secret"`
	Active          bool           `db:"active"`
	Description     sql.NullString `db:"description"`
	Headers         []byte         `db:"headers"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LastTriggeredAt sql.NullTime   `db:"last_triggered_at"`
}

func (r subscriptionRecord) toDomain() (*domain.WebhookSubscription, error) {
	sub := &domain.WebhookSubscription{
		ID:              r.ID,
		URL:             r.URL,
		Secret:          r.Secret,
		Active:          r.Active,
		Description:     r.Description.String,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		LastTriggeredAt: nullTime(r.LastTriggeredAt),
	}
	if err := json.Unmarshal(r.EventTypes, &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("subscriptions: decode event types of %s: %w", r.ID, err)
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("subscriptions: decode headers of %s: %w", r.ID, err)
		}
	}
	return sub, nil
}
