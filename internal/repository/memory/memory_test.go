package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository"
)

var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func pendingAttempt(eventID, subID uuid.UUID, next time.Time) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:             uuid.New(),
		EventID:        eventID,
		SubscriptionID: subID,
		Attempt:        1,
		Status:         domain.DeliveryPending,
		NextAttemptAt:  next,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func TestDeliveryCreateBatchSkipsDuplicatePairs(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()
	ev, sub := uuid.New(), uuid.New()

	first := pendingAttempt(ev, sub, base)
	require.NoError(t, repo.CreateBatch(ctx, []*domain.DeliveryAttempt{first}))
	require.NoError(t, repo.CreateBatch(ctx, []*domain.DeliveryAttempt{pendingAttempt(ev, sub, base)}))

	all, err := repo.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestDeliveryClaimDueOnlyTakesDuePending(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	due := pendingAttempt(uuid.New(), uuid.New(), base.Add(-time.Minute))
	later := pendingAttempt(uuid.New(), uuid.New(), base.Add(time.Hour))
	require.NoError(t, repo.CreateBatch(ctx, []*domain.DeliveryAttempt{due, later}))

	claimed, err := repo.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, domain.DeliveryInFlight, claimed[0].Status)

	again, err := repo.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "an in-flight attempt is never claimed twice")
}

func TestDeliveryTransitionsRequireInFlight(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()
	a := pendingAttempt(uuid.New(), uuid.New(), base)
	require.NoError(t, repo.CreateBatch(ctx, []*domain.DeliveryAttempt{a}))

	err := repo.MarkDelivered(ctx, a.ID, 200, base)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = repo.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	require.NoError(t, repo.Reschedule(ctx, a.ID, 2, base.Add(time.Minute), 503, "unavailable"))

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 503, got.LastStatusCode)
	assert.Nil(t, got.ClaimedAt)

	_, err = repo.ClaimDue(ctx, base.Add(time.Minute), 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, a.ID, 410, "gone", base.Add(time.Minute)))

	err = repo.MarkDelivered(ctx, a.ID, 200, base)
	assert.ErrorIs(t, err, repository.ErrConflict)

	assert.ErrorIs(t, repo.MarkFailed(ctx, uuid.New(), 0, "", base), repository.ErrNotFound)
}

func TestDeliveryReleaseStaleAndRedrive(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()
	a := pendingAttempt(uuid.New(), uuid.New(), base)
	require.NoError(t, repo.CreateBatch(ctx, []*domain.DeliveryAttempt{a}))

	_, err := repo.ClaimDue(ctx, base, 1)
	require.NoError(t, err)

	n, err := repo.ReleaseStale(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n, "claims made at the cutoff are not stale")

	n, err = repo.ReleaseStale(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, repo.Redrive(ctx, a.ID, base), repository.ErrConflict)

	_, err = repo.ClaimDue(ctx, base, 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, a.ID, 500, "boom", base))

	failed, err := repo.List(ctx, domain.DeliveryFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, repo.Redrive(ctx, a.ID, base.Add(time.Hour)))
	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, got.Status)
	assert.Equal(t, base.Add(time.Hour), got.NextAttemptAt)
}

func TestEventLogUndispatched(t *testing.T) {
	ctx := context.Background()
	log := NewEventLog()

	old := &domain.Event{ID: uuid.New(), Type: domain.EventCallCompleted, Payload: []byte(`{}`), CreatedAt: base}
	fresh := &domain.Event{ID: uuid.New(), Type: domain.EventCallCompleted, Payload: []byte(`{}`), CreatedAt: base.Add(time.Hour)}
	require.NoError(t, log.Append(ctx, old))
	require.NoError(t, log.Append(ctx, fresh))
	assert.ErrorIs(t, log.Append(ctx, old), repository.ErrConflict)

	pending, err := log.ListUndispatched(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, old.ID, pending[0].ID)

	require.NoError(t, log.MarkDispatched(ctx, old.ID, base.Add(time.Minute)))
	pending, err = log.ListUndispatched(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)

	assert.ErrorIs(t, log.MarkDispatched(ctx, uuid.New(), base), repository.ErrNotFound)
	assert.Len(t, log.All(), 2)
}

func TestSubscriptionRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()
	sub := &domain.WebhookSubscription{
		ID:         uuid.New(),
		URL:        "https://hooks.example.com/a",
		EventTypes: []domain.EventType{domain.EventCallCompleted},
		Headers:    map[string]string{"X-Team": "ops"},
		Active:     true,
		CreatedAt:  base,
	}
	require.NoError(t, repo.Create(ctx, sub))
	assert.ErrorIs(t, repo.Create(ctx, sub), repository.ErrConflict)

	got, err := repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	got.Headers["X-Team"] = "mutated"

	again, err := repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", again.Headers["X-Team"])

	require.NoError(t, repo.Touch(ctx, sub.ID, base.Add(time.Minute)))
	again, err = repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, again.LastTriggeredAt)

	require.NoError(t, repo.Delete(ctx, sub.ID))
	_, err = repo.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCallStorePaging(t *testing.T) {
	ctx := context.Background()
	store := NewCallStore()
	campaignID := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		call := &domain.Call{
			ID:         uuid.New(),
			CampaignID: campaignID,
			ContactID:  uuid.New(),
			Status:     domain.CallStatusQueued,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		ids = append(ids, call.ID)
		require.NoError(t, store.SaveCall(ctx, call))
	}

	page, next, err := store.ListCallsByCampaign(ctx, campaignID, 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	require.NotNil(t, next)

	var seen []uuid.UUID
	for _, c := range page {
		seen = append(seen, c.ID)
	}
	for next != nil {
		page, next, err = store.ListCallsByCampaign(ctx, campaignID, 2, next)
		require.NoError(t, err)
		for _, c := range page {
			seen = append(seen, c.ID)
		}
	}
	assert.Equal(t, ids, seen)

	_, _, err = store.ListCallsByCampaign(ctx, campaignID, 2, []byte("bogus"))
	assert.Error(t, err)

	_, err = store.GetCall(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCallStoreAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewCallStore()
	callID := uuid.New()

	require.NoError(t, store.AppendAttempt(ctx, domain.CallAttempt{CallID: callID, AttemptNum: 1}))
	require.NoError(t, store.AppendAttempt(ctx, domain.CallAttempt{CallID: callID, AttemptNum: 2}))

	attempts, err := store.ListAttempts(ctx, callID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNum)
}

func TestCampaignListPagesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewCampaignRepository()

	// ids ascend while creation times descend, so id order and creation order disagree
	ids := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		uuid.MustParse("00000000-0000-0000-0000-000000000004"),
		uuid.MustParse("00000000-0000-0000-0000-000000000005"),
	}
	statuses := []domain.CampaignStatus{
		domain.CampaignStatusActive,
		domain.CampaignStatusCompleted,
		domain.CampaignStatusActive,
		domain.CampaignStatusPaused,
		domain.CampaignStatusActive,
	}
	for i, id := range ids {
		require.NoError(t, repo.Create(ctx, &domain.Campaign{
			ID:        id,
			Name:      "paging",
			Status:    statuses[i],
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}

	var seen []uuid.UUID
	var after *uuid.UUID
	for {
		page, err := repo.List(ctx, after, 2)
		require.NoError(t, err)
		for _, c := range page {
			seen = append(seen, c.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1].ID
		after = &last
	}
	assert.Equal(t, []uuid.UUID{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	first, err := repo.ListByStatus(ctx, []domain.CampaignStatus{domain.CampaignStatusActive}, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[4], first[0].ID)
	assert.Equal(t, ids[2], first[1].ID)

	rest, err := repo.ListByStatus(ctx, []domain.CampaignStatus{domain.CampaignStatusActive}, &first[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)

	// ties on created_at break by id
	tie := uuid.MustParse("00000000-0000-0000-0000-000000000000")
	require.NoError(t, repo.Create(ctx, &domain.Campaign{ID: tie, Status: domain.CampaignStatusActive, CreatedAt: base}))
	rest, err = repo.ListByStatus(ctx, []domain.CampaignStatus{domain.CampaignStatusActive}, &first[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, tie, rest[0].ID)
	assert.Equal(t, ids[0], rest[1].ID)

	unknown := uuid.New()
	none, err := repo.List(ctx, &unknown, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
