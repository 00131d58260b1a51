package concurrency

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

func TestReserveRespectsCampaignLimit(t *testing.T) {
	c := NewCounters(0)
	id := uuid.New()

	assert.Equal(t, 2, c.Reserve(id, 2, 5))
	assert.Equal(t, 0, c.Reserve(id, 2, 1))
	require.NoError(t, c.Release(id))
	assert.Equal(t, 1, c.Reserve(id, 2, 5))
	assert.Equal(t, 2, c.InFlight(id))
}

func TestReserveRespectsGlobalCap(t *testing.T) {
	c := NewCounters(3)
	a, b := uuid.New(), uuid.New()

	assert.Equal(t, 2, c.Reserve(a, 5, 2))
	assert.Equal(t, 1, c.Reserve(b, 5, 4))
	assert.Equal(t, 0, c.Reserve(b, 5, 1))
	assert.Equal(t, 3, c.Global())
}

func TestReleaseUnderflowIsRefused(t *testing.T) {
	c := NewCounters(10)
	err := c.Release(uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvariant)
	assert.Zero(t, c.Global())
}

func TestReserveConcurrentNeverExceedsCaps(t *testing.T) {
	c := NewCounters(7)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			if c.Reserve(id, 3, 1) == 1 {
				assert.LessOrEqual(t, c.InFlight(id), 3)
				assert.LessOrEqual(t, c.Global(), 7)
				assert.NoError(t, c.Release(id))
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, c.Global())
}

func TestRestoreOvercommitsUntilReleased(t *testing.T) {
	c := NewCounters(2)
	id := uuid.New()

	c.Restore(id)
	c.Restore(id)
	c.Restore(id)
	assert.Equal(t, 3, c.Global())
	assert.Zero(t, c.Reserve(id, 5, 1))

	require.NoError(t, c.Release(id))
	require.NoError(t, c.Release(id))
	assert.Equal(t, 1, c.Reserve(id, 5, 3))
}
