package app

import (
	"sync/atomic"
	"time"

	"yinchabot/internal/trigger"
)

// clockRef lets config reloads swap the trigger under a running listener.
type clockRef struct {
	p atomic.Pointer[trigger.Clock]
}

func newClockRef(c *trigger.Clock) *clockRef {
	r := &clockRef{}
	r.p.Store(c)
	return r
}

func (r *clockRef) Due(now time.Time) (time.Time, bool) { return r.p.Load().Due(now) }

func (r *clockRef) Load() *trigger.Clock { return r.p.Load() }

// Swap installs c and reports whether the schedule actually changed.
func (r *clockRef) Swap(c *trigger.Clock) bool {
	old := r.p.Swap(c)
	return old == nil || old.String() != c.String()
}
