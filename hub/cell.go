// Package hub holds the per-user in-memory state cells and the registry
// that hands them out to websocket sessions.
//
// Each cell owns one user's document: the current snapshot, the checkpoint
// id the operation log is keyed against, and the set of subscribers. A
// single mutex per cell serialises append → apply → publish, which is what
// makes the log the unique linearization point: an operation becomes
// visible to subscribers only after its append has committed, and every
// subscriber sees operations in log order.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/store"
	"github.com/whisper-darkly/todohub/task"
)

// Subscription is one session's view of a cell's broadcast. The queue is
// bounded: when a subscriber falls behind, publishes to it are dropped and
// counted instead of blocking the writer.
type Subscription struct {
	ch      chan task.Op
	dropped atomic.Uint64
}

// Ops is the channel of operations applied to the cell after this
// subscription was taken. Closed only when the owning cell is evicted.
func (s *Subscription) Ops() <-chan task.Op { return s.ch }

// Dropped reports how many operations were discarded because the
// subscriber's queue was full. The stream itself carries no gap markers;
// a client that cares must reconnect for a fresh snapshot.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cell is the per-user aggregate: snapshot, current checkpoint id, and the
// broadcast fan-out. It is created by the Registry and survives individual
// session disconnects.
type Cell struct {
	mu           sync.Mutex
	user         auth.User
	loaded       bool
	checkpointID int64
	snapshot     task.StateSnapshot
	subs         map[*Subscription]struct{}
	idleSince    time.Time

	st     store.Store
	buffer int
}

// User returns the owner of this cell.
func (c *Cell) User() auth.User { return c.user }

// Submit durably appends op, applies it to the in-memory snapshot, and
// publishes it to every subscriber — in that order, under the cell mutex.
// If the append fails the snapshot is untouched and nothing is published.
func (c *Cell) Submit(ctx context.Context, op task.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.st.AddOperation(ctx, c.checkpointID, op); err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	task.Apply(&c.snapshot, op)
	c.publishLocked(op)
	return nil
}

// Checkpoint persists the current snapshot as a fresh checkpoint and keys
// subsequent operations against it, truncating future replays.
func (c *Cell) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, err := c.st.AddCheckpoint(ctx, c.user.ID, c.snapshot)
	if err != nil {
		return fmt.Errorf("add checkpoint: %w", err)
	}
	log.Printf("hub: user %d checkpointed at %d (was %d)", c.user.ID, cp.ID, c.checkpointID)
	c.checkpointID = cp.ID
	return nil
}

// Unsubscribe detaches sub from the cell's fan-out.
func (c *Cell) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, sub)
	if len(c.subs) == 0 {
		c.idleSince = time.Now()
	}
}

// subscribeLocked issues a new subscription and returns it together with a
// clone of the current snapshot. Because both happen under the cell mutex,
// the subscription's stream logically starts exactly after the clone — no
// operation can land in between.
func (c *Cell) subscribeLocked() (*Subscription, task.StateSnapshot) {
	sub := &Subscription{ch: make(chan task.Op, c.buffer)}
	c.subs[sub] = struct{}{}
	return sub, c.snapshot.Clone()
}

func (c *Cell) publishLocked(op task.Op) {
	for sub := range c.subs {
		select {
		case sub.ch <- op:
		default:
			sub.dropped.Add(1)
		}
	}
}

// loadLocked cold-loads the cell from the store: most recent checkpoint
// (creating an empty one for a fresh user), then a fold of every operation
// recorded since. When the replayed tail is long, a fresh checkpoint is cut
// so the next cold load starts near the head.
func (c *Cell) loadLocked(ctx context.Context, compactThreshold int) error {
	cp, err := c.st.GetRecentCheckpoint(ctx, c.user.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp, err = c.st.AddCheckpoint(ctx, c.user.ID, task.NewSnapshot())
		if err != nil {
			return fmt.Errorf("create checkpoint: %w", err)
		}
		log.Printf("hub: user %d has no checkpoint, created %d", c.user.ID, cp.ID)
	}

	ops, err := c.st.GetOperationsSince(ctx, cp.ID)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	snap := cp.Snapshot.Clone()
	for _, rec := range ops {
		task.Apply(&snap, rec.Op)
	}

	c.snapshot = snap
	c.checkpointID = cp.ID
	c.idleSince = time.Now()

	if compactThreshold > 0 && len(ops) >= compactThreshold {
		ncp, err := c.st.AddCheckpoint(ctx, c.user.ID, snap)
		if err != nil {
			// Not fatal: the old checkpoint still replays correctly.
			log.Printf("hub: user %d compaction failed: %v", c.user.ID, err)
		} else {
			log.Printf("hub: user %d compacted %d ops into checkpoint %d", c.user.ID, len(ops), ncp.ID)
			c.checkpointID = ncp.ID
		}
	}

	c.loaded = true
	return nil
}
