package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/store"
	"github.com/whisper-darkly/todohub/task"
)

const (
	// DefaultBuffer is the per-subscriber queue capacity.
	DefaultBuffer = 1000

	// DefaultCompactThreshold is the replay length at which a cold load
	// cuts a fresh checkpoint. Zero disables compaction.
	DefaultCompactThreshold = 256
)

// Options tunes a Registry. Zero values select the defaults above; idle
// eviction is off unless IdleEviction is positive.
type Options struct {
	Buffer           int
	CompactThreshold int
	IdleEviction     time.Duration
	EvictInterval    time.Duration
}

// Registry maps user ids to their cells. Its mutex is held only for map
// lookup and insertion; all per-user serialisation lives on the cell mutex.
type Registry struct {
	mu    sync.Mutex
	cells map[int64]*Cell

	st   store.Store
	opts Options
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.EvictInterval <= 0 {
		opts.EvictInterval = time.Minute
	}
	return &Registry{
		cells: make(map[int64]*Cell),
		st:    st,
		opts:  opts,
	}
}

// Acquire returns the user's cell, a fresh subscription to its broadcast,
// and a clone of the snapshot the subscription starts after. The first
// acquisition for a user cold-loads the cell from the store; concurrent
// acquisitions for the same user block on the cell mutex until the load
// finishes.
func (r *Registry) Acquire(ctx context.Context, user auth.User) (*Cell, *Subscription, task.StateSnapshot, error) {
	for {
		r.mu.Lock()
		c, ok := r.cells[user.ID]
		if !ok {
			c = &Cell{
				user:   user,
				subs:   make(map[*Subscription]struct{}),
				st:     r.st,
				buffer: r.opts.Buffer,
			}
			// Hold the cell mutex across the load so that sessions racing
			// for the same user wait here instead of seeing a half-built
			// cell; the registry mutex is released first (map ops only).
			c.mu.Lock()
			r.cells[user.ID] = c
			r.mu.Unlock()

			if err := c.loadLocked(ctx, r.opts.CompactThreshold); err != nil {
				c.mu.Unlock()
				r.mu.Lock()
				if r.cells[user.ID] == c {
					delete(r.cells, user.ID)
				}
				r.mu.Unlock()
				return nil, nil, task.StateSnapshot{}, err
			}
		} else {
			r.mu.Unlock()
			c.mu.Lock()
			if !c.loaded {
				// The loader failed and removed this cell; start over.
				c.mu.Unlock()
				continue
			}
		}

		sub, snap := c.subscribeLocked()
		c.mu.Unlock()
		return c, sub, snap, nil
	}
}

// Release detaches a subscription obtained from Acquire. The cell stays
// registered; the janitor may evict it later once it has been idle.
func (r *Registry) Release(c *Cell, sub *Subscription) {
	c.Unsubscribe(sub)
}

// Stats reports the number of registered cells and live subscriptions.
func (r *Registry) Stats() (cells, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cells {
		c.mu.Lock()
		subscribers += len(c.subs)
		c.mu.Unlock()
	}
	return len(r.cells), subscribers
}

// Run periodically evicts idle cells until ctx is cancelled. It is a no-op
// loop when idle eviction is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.IdleEviction <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(r.opts.IdleEviction); n > 0 {
				log.Printf("hub: evicted %d idle cell(s)", n)
			}
		}
	}
}

// EvictIdle drops every cell that has had no subscribers for at least
// grace. Eviction is transparent: the next Acquire replays the cell from
// the store, and everything submitted so far is already durable.
func (r *Registry) EvictIdle(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, c := range r.cells {
		c.mu.Lock()
		idle := c.loaded && len(c.subs) == 0 && c.idleSince.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(r.cells, id)
			evicted++
		}
	}
	return evicted
}
