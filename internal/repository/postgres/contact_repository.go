package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

// ContactRepository persists the ordered contact list of each campaign.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkInsert inserts a batch of contacts, skipping ids already stored.
func (r *ContactRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	query := `INSERT INTO contacts (
		id, campaign_id, position, phone_number, variables, created_at
	) VALUES (:id, :campaign_id, :position, :phone_number, :variables, :created_at)
	ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		variables, err := json.Marshal(c.Variables)
		if err != nil {
			return fmt.Errorf("contacts: marshal variables: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":           c.ID,
			"campaign_id":  campaignID,
			"position":     c.Position,
			"phone_number": c.PhoneNumber,
			"variables":    variables,
			"created_at":   c.CreatedAt,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("contacts: campaign %s: %w", campaignID, repository.ErrNotFound)
		}
		return fmt.Errorf("contacts: bulk insert: %w", err)
	}
	return nil
}

// ListByCampaign returns the campaign's contacts in list order.
func (r *ContactRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Contact, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, position, phone_number, variables, created_at
		FROM contacts
		WHERE campaign_id = $1
		ORDER BY position ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("contacts: list: %w", err)
	}
	defer rows.Close()

	var results []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		results = append(results, rec.toDomain(campaignID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return results, nil
}

// Count returns the number of contacts of the campaign.
func (r *ContactRepository) Count(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM contacts WHERE campaign_id = $1`, campaignID); err != nil {
		return 0, fmt.Errorf("contacts: count: %w", err)
	}
	return n, nil
}

type contactRecord struct {
	ID          uuid.UUID `db:"id"`
	Position    int       `db:"position"`
	PhoneNumber string    `db:"phone_number"`
	Variables   []byte    `db:"variables"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r contactRecord) toDomain(campaignID uuid.UUID) domain.Contact {
	var variables map[string]any
	_ = json.Unmarshal(r.Variables, &variables)

	return domain.Contact{
		ID:          r.ID,
		CampaignID:  campaignID,
		PhoneNumber: r.PhoneNumber,
		Variables:   variables,
		Position:    r.Position,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}
