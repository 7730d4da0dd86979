// Package task defines the task-list document model and its wire encoding.
//
// A user's document is a StateSnapshot: an ordered list of live tasks (a
// priority queue, front = most urgent) plus an append-order history of
// finished tasks. All mutations are expressed as Op values, which double as
// websocket frames and as durable log records, so the encoding here is a
// stable external contract.
package task

import (
	"encoding/json"
	"fmt"
)

// Status classifies how a task left the live list. The string labels are a
// wire contract shared with clients and with persisted operation records.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
	StatusObsoleted Status = "Obsoleted"
)

// UnmarshalJSON rejects labels outside the closed set so that a bad client
// frame fails at decode time rather than being persisted.
func (s *Status) UnmarshalJSON(raw []byte) error {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	switch Status(v) {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusObsoleted:
		*s = Status(v)
		return nil
	}
	return fmt.Errorf("unknown task status %q", v)
}

// LiveTask is a pending task. Its position in StateSnapshot.Live is owned by
// the containing list, not by the task itself.
type LiveTask struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// FinishedTask is a task that has left the live list.
type FinishedTask struct {
	ID     string `json:"id"`
	Value  string `json:"value"`
	Status Status `json:"status"`
}

// StateSnapshot is the full task-list document.
type StateSnapshot struct {
	Live     []LiveTask     `json:"live"`
	Finished []FinishedTask `json:"finished"`
}

// NewSnapshot returns an empty snapshot whose slices marshal as [] rather
// than null; the first server frame for a fresh user depends on this.
func NewSnapshot() StateSnapshot {
	return StateSnapshot{Live: []LiveTask{}, Finished: []FinishedTask{}}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s StateSnapshot) Clone() StateSnapshot {
	out := StateSnapshot{
		Live:     make([]LiveTask, len(s.Live)),
		Finished: make([]FinishedTask, len(s.Finished)),
	}
	copy(out.Live, s.Live)
	copy(out.Finished, s.Finished)
	return out
}

// ---- operation variants ----

// InsNew inserts a brand-new live task at Position (len(live) appends).
type InsNew struct {
	LiveTaskID string `json:"live_task_id"`
	Value      string `json:"value"`
	Position   int    `json:"position"`
}

// InsRestore moves a finished task back to the front of the live list.
type InsRestore struct {
	FinishedTaskID string `json:"finished_task_id"`
}

// Edit replaces the value of an existing live task.
type Edit struct {
	LiveTaskID string `json:"live_task_id"`
	Value      string `json:"value"`
}

// Del removes a live task.
type Del struct {
	LiveTaskID string `json:"live_task_id"`
}

// DelIns moves one live task so it sits immediately before another.
type DelIns struct {
	LiveTaskIDDel string `json:"live_task_id_del"`
	LiveTaskIDIns string `json:"live_task_id_ins"`
}

// Push appends a finished task directly to history.
type Push struct {
	FinishedTaskID string `json:"finished_task_id"`
	Value          string `json:"value"`
	Status         Status `json:"status"`
}

// PushComplete completes a live task: it leaves the live list and enters
// history under a new id, keeping its value.
type PushComplete struct {
	LiveTaskID     string `json:"live_task_id"`
	FinishedTaskID string `json:"finished_task_id"`
	Status         Status `json:"status"`
}

// Op is a single mutation against a snapshot. Exactly one variant pointer is
// set; the struct marshals to the externally-tagged form
// {"VariantName": {...}} used on the wire and in the operation log.
type Op struct {
	OverwriteState           *StateSnapshot `json:"OverwriteState,omitempty"`
	LiveTaskInsNew           *InsNew        `json:"LiveTaskInsNew,omitempty"`
	LiveTaskInsRestore       *InsRestore    `json:"LiveTaskInsRestore,omitempty"`
	LiveTaskEdit             *Edit          `json:"LiveTaskEdit,omitempty"`
	LiveTaskDel              *Del           `json:"LiveTaskDel,omitempty"`
	LiveTaskDelIns           *DelIns        `json:"LiveTaskDelIns,omitempty"`
	FinishedTaskPush         *Push          `json:"FinishedTaskPush,omitempty"`
	FinishedTaskPushComplete *PushComplete  `json:"FinishedTaskPushComplete,omitempty"`
}

// Validate reports whether exactly one variant is set.
func (o Op) Validate() error {
	n := 0
	for _, set := range []bool{
		o.OverwriteState != nil,
		o.LiveTaskInsNew != nil,
		o.LiveTaskInsRestore != nil,
		o.LiveTaskEdit != nil,
		o.LiveTaskDel != nil,
		o.LiveTaskDelIns != nil,
		o.FinishedTaskPush != nil,
		o.FinishedTaskPushComplete != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("operation must carry exactly one variant, got %d", n)
	}
	return nil
}

// OpEnvelope is the frame clients send after the handshake:
// {"WebsocketOpMessage": <Op>}.
type OpEnvelope struct {
	Op Op `json:"WebsocketOpMessage"`
}

// InitMessage is the first frame of a websocket session.
type InitMessage struct {
	APIKey string `json:"api_key"`
}
