package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

const callColumns = `call_id, campaign_id, contact_id, phone_number, variables, status, attempt_count, outcome,
	scheduled_at, started_at, ended_at, retry_at, created_at, updated_at, last_error`

// CallStore persists call records in Scylla. Every snapshot is written to
// the calls table (lookup by id) and to calls_by_campaign (listing).
type CallStore struct {
	session *gocql.Session
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session}
}

// SaveCall upserts the full call snapshot.
func (s *CallStore) SaveCall(ctx context.Context, call *domain.Call) error {
	variables, err := json.Marshal(call.Variables)
	if err != nil {
		return fmt.Errorf("call store: marshal variables: %w", err)
	}
	args := []any{
		call.ID.String(), call.CampaignID.String(), call.ContactID.String(), call.PhoneNumber, string(variables),
		string(call.Status), call.AttemptCount, string(call.Outcome),
		call.ScheduledAt, call.StartedAt, call.EndedAt, call.RetryAt, call.CreatedAt, call.UpdatedAt, call.LastError,
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	batch.Query(`INSERT INTO calls_by_campaign (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("call store: save %s: %w", call.ID, err)
	}
	return nil
}

// GetCall retrieves a call by ID.
func (s *CallStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	iter := s.session.Query(`SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID.String()).
		WithContext(ctx).Iter()

	var row callRow
	if !iter.Scan(row.dest()...) {
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("call store: fetch call close: %w", err)
		}
		return nil, fmt.Errorf("call store: call %s: %w", callID, repository.ErrNotFound)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: fetch call close: %w", err)
	}
	return row.toDomain()
}

// ListCallsByCampaign lists calls for a campaign in creation order with
// driver paging.
func (s *CallStore) ListCallsByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.Call, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT `+callColumns+` FROM calls_by_campaign WHERE campaign_id = ?`, campaignID.String()).
		WithContext(ctx).
		PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	calls := make([]domain.Call, 0, limit)

	var row callRow
	for iter.Scan(row.dest()...) {
		call, err := row.toDomain()
		if err != nil {
			_ = iter.Close()
			return nil, nil, err
		}
		calls = append(calls, *call)
		row = callRow{}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call store: iter close: %w", err)
	}
	return calls, nextState, nil
}

// AppendAttempt appends a call attempt record.
func (s *CallStore) AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error {
	if err := s.session.Query(`INSERT INTO call_attempts (call_id, attempt_number, outcome, error, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.CallID.String(), attempt.AttemptNum, string(attempt.Outcome), attempt.Error,
		attempt.StartedAt, attempt.EndedAt, attempt.Duration().Milliseconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts of a call, oldest first.
func (s *CallStore) ListAttempts(ctx context.Context, callID uuid.UUID) ([]domain.CallAttempt, error) {
	iter := s.session.Query(`SELECT attempt_number, outcome, error, started_at, ended_at
		FROM call_attempts WHERE call_id = ?`, callID.String()).WithContext(ctx).Iter()

	var (
		out       []domain.CallAttempt
		number    int
		outcome   string
		errMsg    string
		startedAt time.Time
		endedAt   time.Time
	)
	for iter.Scan(&number, &outcome, &errMsg, &startedAt, &endedAt) {
		out = append(out, domain.CallAttempt{
			CallID:     callID,
			AttemptNum: number,
			Outcome:    domain.Outcome(outcome),
			Error:      errMsg,
			StartedAt:  startedAt.UTC(),
			EndedAt:    endedAt.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: list attempts: %w", err)
	}
	return out, nil
}

type callRow struct {
	id, campaignID, contactID string
	phone, variables          string
	status                    string
	attemptCount              int
	outcome                   string
	scheduledAt               time.Time
	startedAt                 *time.Time
	endedAt                   *time.Time
	retryAt                   *time.Time
	createdAt                 time.Time
	updatedAt                 time.Time
	lastError                 *string
}

func (r *callRow) dest() []any {
	return []any{
		&r.id, &r.campaignID, &r.contactID, &r.phone, &r.variables, &r.status, &r.attemptCount, &r.outcome,
		&r.scheduledAt, &r.startedAt, &r.endedAt, &r.retryAt, &r.createdAt, &r.updatedAt, &r.lastError,
	}
}

func (r *callRow) toDomain() (*domain.Call, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	campaignID, err := uuid.Parse(r.campaignID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse campaign_id: %w", err)
	}
	contactID, err := uuid.Parse(r.contactID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse contact_id: %w", err)
	}

	var variables map[string]any
	if r.variables != "" {
		if err := json.Unmarshal([]byte(r.variables), &variables); err != nil {
			return nil, fmt.Errorf("call store: decode variables of %s: %w", id, err)
		}
	}

	return &domain.Call{
		ID:           id,
		CampaignID:   campaignID,
		ContactID:    contactID,
		PhoneNumber:  r.phone,
		Variables:    variables,
		Status:       domain.CallStatus(r.status),
		AttemptCount: r.attemptCount,
		Outcome:      domain.Outcome(r.outcome),
		ScheduledAt:  r.scheduledAt.UTC(),
		StartedAt:    utc(r.startedAt),
		EndedAt:      utc(r.endedAt),
		RetryAt:      utc(r.retryAt),
		CreatedAt:    r.createdAt.UTC(),
		UpdatedAt:    r.updatedAt.UTC(),
		LastError:    r.lastError,
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
