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

const campaignColumns = `id, name, description, status, start_at, end_at, time_zone, weekday_mask,
	call_start_minute, call_end_minute, max_concurrent_calls, retry_max_attempts, retry_base_interval_ms,
	created_at, updated_at, started_at, ended_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :description, :status, :start_at, :end_at, :time_zone, :weekday_mask,
		:call_start_minute, :call_end_minute, :max_concurrent_calls, :retry_max_attempts, :retry_base_interval_ms,
		:created_at, :updated_at, :started_at, :ended_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign repo: insert %s: %w", campaign.ID, repository.ErrConflict)
		}
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update replaces the mutable campaign fields.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		description = :description,
		status = :status,
		start_at = :start_at,
		end_at = :end_at,
		time_zone = :time_zone,
		weekday_mask = :weekday_mask,
		call_start_minute = :call_start_minute,
		call_end_minute = :call_end_minute,
		max_concurrent_calls = :max_concurrent_calls,
		retry_max_attempts = :retry_max_attempts,
		retry_base_interval_ms = :retry_base_interval_ms,
		updated_at = :updated_at,
		started_at = :started_at,
		ended_at = :ended_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns in creation order, starting after afterID.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			WHERE (created_at, id) > (SELECT created_at, id FROM campaigns WHERE id = $1)
			ORDER BY created_at ASC, id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return scanCampaigns(rows)
}

// ListByStatus returns campaigns in any of the statuses, oldest first,
// starting after afterID.
func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			WHERE status = ANY($1)
			AND (created_at, id) > (SELECT created_at, id FROM campaigns WHERE id = $2)
			ORDER BY created_at ASC, id ASC LIMIT $3`, values, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			WHERE status = ANY($1) ORDER BY created_at ASC, id ASC LIMIT $2`, values, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(c *domain.Campaign) map[string]any {
	return map[string]any{
		"id":                     c.ID,
		"name":                   c.Name,
		"description":            c.Description,
		"status":                 string(c.Status),
		"start_at":               c.Schedule.StartAt,
		"end_at":                 c.Schedule.EndAt,
		"time_zone":              c.Schedule.TimeZone,
		"weekday_mask":           c.Schedule.WeekdayMask(),
		"call_start_minute":      int(c.Schedule.CallHours.Start),
		"call_end_minute":        int(c.Schedule.CallHours.End),
		"max_concurrent_calls":   c.MaxConcurrentCalls,
		"retry_max_attempts":     c.RetryPolicy.MaxAttempts,
		"retry_base_interval_ms": c.RetryPolicy.BaseInterval.Milliseconds(),
		"created_at":             c.CreatedAt,
		"updated_at":             c.UpdatedAt,
		"started_at":             c.StartedAt,
		"ended_at":               c.EndedAt,
	}
}

type campaignRecord struct {
	ID                  uuid.UUID      `db:"id"`
	Name                string         `db:"name"`
	Description         sql.NullString `db:"description"`
	Status              string         `db:"status"`
	StartAt             time.Time      `db:"start_at"`
	EndAt               sql.NullTime   `db:"end_at"`
	TimeZone            string         `db:"time_zone"`
	WeekdayMask         int            `db:"weekday_mask"`
	CallStartMinute     int            `db:"call_start_minute"`
	CallEndMinute       int            `db:"call_end_minute"`
	MaxConcurrentCalls  int            `db:"max_concurrent_calls"`
	RetryMaxAttempts    int            `db:"retry_max_attempts"`
	RetryBaseIntervalMs int64          `db:"retry_base_interval_ms"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	StartedAt           sql.NullTime   `db:"started_at"`
	EndedAt             sql.NullTime   `db:"ended_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		Status:      domain.CampaignStatus(r.Status),
		Schedule: domain.Schedule{
			StartAt:  r.StartAt.UTC(),
			EndAt:    nullTime(r.EndAt),
			TimeZone: r.TimeZone,
			Weekdays: domain.WeekdaysFromMask(r.WeekdayMask),
			CallHours: domain.CallHours{
				Start: domain.ClockTime(r.CallStartMinute),
				End:   domain.ClockTime(r.CallEndMinute),
			},
		},
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:  r.RetryMaxAttempts,
			BaseInterval: time.Duration(r.RetryBaseIntervalMs) * time.Millisecond,
		},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		StartedAt: nullTime(r.StartedAt),
		EndedAt:   nullTime(r.EndedAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
