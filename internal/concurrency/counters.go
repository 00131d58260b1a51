package concurrency

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Counters tracks in-flight calls globally and per campaign. Every read and
// write happens under one lock so admission decisions never race.
type Counters struct {
	mu        sync.Mutex
	globalCap int
	global    int
	campaigns map[uuid.UUID]int
}

// NewCounters builds a counter store. A globalCap <= 0 means unbounded.
func NewCounters(globalCap int) *Counters {
	return &Counters{globalCap: globalCap, campaigns: make(map[uuid.UUID]int)}
}

// Reserve grants up to want slots for the campaign without exceeding either
// the campaign limit or the global cap, and returns the number granted.
func (c *Counters) Reserve(campaignID uuid.UUID, limit, want int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	grant := min(want, limit-c.campaigns[campaignID])
	if c.globalCap > 0 {
		grant = min(grant, c.globalCap-c.global)
	}
	if grant <= 0 {
		return 0
	}
	c.campaigns[campaignID] += grant
	c.global += grant
	return grant
}

// Restore records a slot that is already occupied, such as a call found
// live during crash recovery. It may leave the counters above their caps, in
// which case Reserve grants nothing until enough slots are released.
func (c *Counters) Restore(campaignID uuid.UUID) {
	c.mu.Lock()
	c.campaigns[campaignID]++
	c.global++
	c.mu.Unlock()
}

// Release frees one slot. Releasing a slot that was never reserved is refused.
func (c *Counters) Release(campaignID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.campaigns[campaignID]
	if n <= 0 || c.global <= 0 {
		return fmt.Errorf("%w: release without reservation for campaign %s", apperrors.ErrInvariant, campaignID)
	}
	if n == 1 {
		delete(c.campaigns, campaignID)
	} else {
		c.campaigns[campaignID] = n - 1
	}
	c.global--
	return nil
}

// InFlight returns the campaign's reserved slots.
func (c *Counters) InFlight(campaignID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.campaigns[campaignID]
}

// Global returns the reserved slots across all campaigns.
func (c *Counters) Global() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// GlobalCap returns the configured global cap.
func (c *Counters) GlobalCap() int {
	return c.globalCap
}
