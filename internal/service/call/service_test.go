package call

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/repository/memory"
	"github.com/acme/outbound-orchestrator/internal/service/campaign"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

type stubCanceller struct {
	err error
}

func (s stubCanceller) CancelCall(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Call{ID: id, Status: domain.CallStatusCancelled}, nil
}

type stubAdder struct {
	queue bool
}

func (s stubAdder) AddContacts(_ context.Context, id uuid.UUID, in []campaign.ContactInput) (*campaign.AddContactsResult, error) {
	contact := domain.Contact{ID: uuid.New(), CampaignID: id, PhoneNumber: in[0].PhoneNumber}
	res := &campaign.AddContactsResult{Contacts: []domain.Contact{contact}}
	if s.queue {
		res.Calls = []*domain.Call{{ID: uuid.New(), CampaignID: id, ContactID: contact.ID, Status: domain.CallStatusQueued}}
	}
	return res, nil
}

func seedCampaign(t *testing.T, repo *memory.CampaignRepository) uuid.UUID {
	t.Helper()
	c := &domain.Campaign{ID: uuid.New(), Name: "c", Status: domain.CampaignStatusActive, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(context.Background(), c))
	return c.ID
}

func TestListCallsByCampaignPages(t *testing.T) {
	store := memory.NewCallStore()
	campaigns := memory.NewCampaignRepository()
	svc := NewService(store, campaigns, stubCanceller{}, stubAdder{})
	ctx := context.Background()

	id := seedCampaign(t, campaigns)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveCall(ctx, &domain.Call{
			ID:          uuid.New(),
			CampaignID:  id,
			PhoneNumber: fmt.Sprintf("+1201555012%d", i),
			Status:      domain.CallStatusQueued,
		}))
	}

	page, err := svc.ListCallsByCampaign(ctx, id, 3, "")
	require.NoError(t, err)
	assert.Len(t, page.Calls, 3)
	require.NotEmpty(t, page.NextToken)

	page, err = svc.ListCallsByCampaign(ctx, id, 3, page.NextToken)
	require.NoError(t, err)
	assert.Len(t, page.Calls, 2)
	assert.Empty(t, page.NextToken)

	_, err = svc.ListCallsByCampaign(ctx, id, 3, "!!!")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.ListCallsByCampaign(ctx, uuid.New(), 3, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancelOfForgottenCallConflicts(t *testing.T) {
	store := memory.NewCallStore()
	ctx := context.Background()

	done := &domain.Call{ID: uuid.New(), CampaignID: uuid.New(), Status: domain.CallStatusCompleted}
	require.NoError(t, store.SaveCall(ctx, done))

	svc := NewService(store, memory.NewCampaignRepository(), stubCanceller{err: apperrors.ErrNotFound}, stubAdder{})

	_, err := svc.Cancel(ctx, done.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = svc.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	svc = NewService(store, memory.NewCampaignRepository(), stubCanceller{}, stubAdder{})
	call, err := svc.Cancel(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, call.Status)
}

func TestCreateReturnsQueuedCallForRunningCampaign(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	svc := NewService(memory.NewCallStore(), memory.NewCampaignRepository(), stubCanceller{}, stubAdder{queue: true})
	res, err := svc.Create(ctx, CreateCallInput{CampaignID: id, PhoneNumber: "+12015550123"})
	require.NoError(t, err)
	require.NotNil(t, res.Call)
	assert.Equal(t, res.Contact.ID, res.Call.ContactID)

	svc = NewService(memory.NewCallStore(), memory.NewCampaignRepository(), stubCanceller{}, stubAdder{})
	res, err = svc.Create(ctx, CreateCallInput{CampaignID: id, PhoneNumber: "+12015550123"})
	require.NoError(t, err)
	assert.Nil(t, res.Call)

	_, err = svc.Create(ctx, CreateCallInput{PhoneNumber: "+12015550123"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
