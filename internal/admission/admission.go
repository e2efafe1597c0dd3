// Package admission bounds concurrent in-flight requests per user before any
// cost is incurred. State is process-local by design: it protects against
// burst abuse within one process's lifetime, not across restarts.
package admission

import "sync"

// Controller tracks in-flight request slots per user. The zero value is not
// usable; construct with New and pass the handle into request handlers.
type Controller struct {
	mu    sync.Mutex
	slots map[string]int
	limit int
}

// New returns a Controller allowing up to limit concurrent requests per user.
func New(limit int) *Controller {
	if limit <= 0 {
		limit = 2
	}
	return &Controller{
		slots: make(map[string]int),
		limit: limit,
	}
}

// Acquire claims a slot for the user. It returns false without side effects
// when the user is already at the ceiling; callers must not Release after a
// failed Acquire.
func (c *Controller) Acquire(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[userID] >= c.limit {
		return false
	}
	c.slots[userID]++
	return true
}

// Release returns a previously acquired slot. The user's entry is removed
// once its count returns to zero so the map does not grow unbounded.
func (c *Controller) Release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.slots[userID] - 1
	if next <= 0 {
		delete(c.slots, userID)
		return
	}
	c.slots[userID] = next
}

// InFlight reports the user's current slot count.
func (c *Controller) InFlight(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[userID]
}
