package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

const deliveryColumns = `id, event_id, subscription_id, attempt, status, next_attempt_at, claimed_at,
	delivered_at, last_error, last_status_code, created_at, updated_at`

// DeliveryRepository implements repository.DeliveryRepository.
type DeliveryRepository struct {
	db *sqlx.DB
}

// NewDeliveryRepository constructs the repository.
func NewDeliveryRepository(db *sqlx.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// CreateBatch inserts attempts, skipping (event, subscription) pairs that exist.
func (r *DeliveryRepository) CreateBatch(ctx context.Context, attempts []*domain.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, map[string]any{
			"id":              a.ID,
			"event_id":        a.EventID,
			"subscription_id": a.SubscriptionID,
			"attempt":         a.Attempt,
			"status":          string(a.Status),
			"next_attempt_at": a.NextAttemptAt,
			"created_at":      a.CreatedAt,
			"updated_at":      a.UpdatedAt,
		})
	}

	_, err := r.db.NamedExecContext(ctx, `INSERT INTO webhook_deliveries (
		id, event_id, subscription_id, attempt, status, next_attempt_at, created_at, updated_at
	) VALUES (:id, :event_id, :subscription_id, :attempt, :status, :next_attempt_at, :created_at, :updated_at)
	ON CONFLICT (event_id, subscription_id) DO NOTHING`, rows)
	if err != nil {
		return fmt.Errorf("deliveries: create batch: %w", err)
	}
	return nil
}

// ClaimDue moves up to limit due pending attempts to in-flight. Rows locked
// by a concurrent claimer are skipped.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	var claimed []*domain.DeliveryAttempt
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, `SELECT id FROM webhook_deliveries
			WHERE status = $1 AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`, string(domain.DeliveryPending), now, limit); err != nil {
			return fmt.Errorf("deliveries: select due: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		var recs []deliveryRecord
		if err := tx.SelectContext(ctx, &recs, `UPDATE webhook_deliveries
			SET status = $1, claimed_at = $2, updated_at = $2
			WHERE id = ANY($3::uuid[])
			RETURNING `+deliveryColumns, string(domain.DeliveryInFlight), now, ids); err != nil {
			return fmt.Errorf("deliveries: claim: %w", err)
		}
		for _, rec := range recs {
			claimed = append(claimed, rec.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered finishes an in-flight attempt successfully.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status = $2, last_status_code = $3, last_error = '', delivered_at = $4, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(domain.DeliveryDelivered), statusCode, at, string(domain.DeliveryInFlight))
	return r.checkTransition(ctx, res, err, id, "mark delivered")
}

// Reschedule returns an in-flight attempt to pending with a new attempt number.
func (r *DeliveryRepository) Reschedule(ctx context.Context, id uuid.UUID, attempt int, next time.Time, statusCode int, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status = $2, attempt = $3, next_attempt_at = $4, last_status_code = $5, last_error = $6,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $7`,
		id, string(domain.DeliveryPending), attempt, next, statusCode, lastErr, string(domain.DeliveryInFlight))
	return r.checkTransition(ctx, res, err, id, "reschedule")
}

// MarkFailed finishes an in-flight attempt permanently.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, statusCode int, lastErr string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status = $2, last_status_code = $3, last_error = $4, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, string(domain.DeliveryFailed), statusCode, lastErr, at, string(domain.DeliveryInFlight))
	return r.checkTransition(ctx, res, err, id, "mark failed")
}

// ReleaseStale returns in-flight attempts claimed before the cutoff to pending.
func (r *DeliveryRepository) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status = $1, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2 AND claimed_at < $3`,
		string(domain.DeliveryPending), string(domain.DeliveryInFlight), claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("deliveries: release stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deliveries: rows affected: %w", err)
	}
	return int(n), nil
}

// Redrive returns a failed attempt to pending, due at now.
func (r *DeliveryRepository) Redrive(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status = $2, next_attempt_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4`,
		id, string(domain.DeliveryPending), now, string(domain.DeliveryFailed))
	return r.checkTransition(ctx, res, err, id, "redrive")
}

// Get returns an attempt by id.
func (r *DeliveryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DeliveryAttempt, error) {
	var rec deliveryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("deliveries: get: %w", err)
	}
	return rec.toDomain(), nil
}

// List returns attempts with the given status, or all when status is empty,
// most recently updated first.
func (r *DeliveryRepository) List(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []deliveryRecord
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &recs, `SELECT `+deliveryColumns+` FROM webhook_deliveries
			ORDER BY updated_at DESC LIMIT $1`, limit)
	} else {
		err = r.db.SelectContext(ctx, &recs, `SELECT `+deliveryColumns+` FROM webhook_deliveries
			WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("deliveries: list: %w", err)
	}
	out := make([]*domain.DeliveryAttempt, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// checkTransition distinguishes a missing attempt from one in the wrong state
// when a conditional update matched nothing.
func (r *DeliveryRepository) checkTransition(ctx context.Context, res sql.Result, err error, id uuid.UUID, op string) error {
	if err != nil {
		return fmt.Errorf("deliveries: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deliveries: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM webhook_deliveries WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("deliveries: %s: %w", op, err)
	}
	return fmt.Errorf("%w: delivery %s is %s", repository.ErrConflict, id, status)
}

type deliveryRecord struct {
	ID             uuid.UUID      `db:"id"`
	EventID        uuid.UUID      `db:"event_id"`
	SubscriptionID uuid.UUID      `db:"subscription_id"`
	Attempt        int            `db:"attempt"`
	Status         string         `db:"status"`
	NextAttemptAt  time.Time      `db:"next_attempt_at"`
	ClaimedAt      sql.NullTime   `db:"claimed_at"`
	DeliveredAt    sql.NullTime   `db:"delivered_at"`
	LastError      sql.NullString `db:"last_error"`
	LastStatusCode sql.NullInt64  `db:"last_status_code"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r deliveryRecord) toDomain() *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:             r.ID,
		EventID:        r.EventID,
		SubscriptionID: r.SubscriptionID,
		Attempt:        r.Attempt,
		Status:         domain.DeliveryStatus(r.Status),
		NextAttemptAt:  r.NextAttemptAt.UTC(),
		ClaimedAt:      nullTime(r.ClaimedAt),
		DeliveredAt:    nullTime(r.DeliveredAt),
		LastError:      r.LastError.String,
		LastStatusCode: int(r.LastStatusCode.Int64),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}
