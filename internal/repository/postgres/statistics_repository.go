package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT total_calls, queued_calls, in_progress_calls, completed_calls,
		failed_calls, cancelled_calls, dispatches, retries_scheduled
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	stats := domain.CampaignStats(rec)
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		total_calls = total_calls + $2,
		queued_calls = queued_calls + $3,
		in_progress_calls = in_progress_calls + $4,
		completed_calls = completed_calls + $5,
		failed_calls = failed_calls + $6,
		cancelled_calls = cancelled_calls + $7,
		dispatches = dispatches + $8,
		retries_scheduled = retries_scheduled + $9,
		updated_at = NOW()
	WHERE campaign_id = $1`,
		campaignID,
		delta.TotalCallsDelta,
		delta.QueuedCallsDelta,
		delta.InProgressCallsDelta,
		delta.CompletedCallsDelta,
		delta.FailedCallsDelta,
		delta.CancelledCallsDelta,
		delta.DispatchesDelta,
		delta.RetriesScheduledDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign stats: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type statsRecord struct {
	TotalCalls       int64 `db:"total_calls"`
	QueuedCalls      int64 `db:"queued_calls"`
	InProgressCalls  int64 `db:"in_progress_calls"`
	CompletedCalls   int64 `db:"completed_calls"`
	FailedCalls      int64 `db:"failed_calls"`
	CancelledCalls   int64 `db:"cancelled_calls"`
	Dispatches       int64 `db:"dispatches"`
	RetriesScheduled int64 `db:"retries_scheduled"`
}
