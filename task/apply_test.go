package task

import (
	"encoding/json"
	"testing"
)

func live(ids ...string) []LiveTask {
	out := make([]LiveTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, LiveTask{ID: id, Value: "task " + id})
	}
	return out
}

func liveIDs(t *testing.T, s StateSnapshot, want ...string) {
	t.Helper()
	if len(s.Live) != len(want) {
		t.Fatalf("expected %d live tasks, got %d (%+v)", len(want), len(s.Live), s.Live)
	}
	for i, id := range want {
		if s.Live[i].ID != id {
			t.Errorf("live[%d]: expected id %q, got %q", i, id, s.Live[i].ID)
		}
	}
}

func TestApplyInsNew(t *testing.T) {
	s := StateSnapshot{Live: live("a", "b")}

	Apply(&s, Op{LiveTaskInsNew: &InsNew{LiveTaskID: "c", Value: "task c", Position: 1}})
	liveIDs(t, s, "a", "c", "b")

	// Appending at len(live) is legal.
	Apply(&s, Op{LiveTaskInsNew: &InsNew{LiveTaskID: "d", Value: "task d", Position: 3}})
	liveIDs(t, s, "a", "c", "b", "d")
}

func TestApplyInsNewOutOfRange(t *testing.T) {
	s := StateSnapshot{Live: live("a")}

	Apply(&s, Op{LiveTaskInsNew: &InsNew{LiveTaskID: "x", Position: -1}})
	Apply(&s, Op{LiveTaskInsNew: &InsNew{LiveTaskID: "y", Position: 2}})
	liveIDs(t, s, "a")
}

func TestApplyInsRestore(t *testing.T) {
	s := StateSnapshot{
		Live:     live("a"),
		Finished: []FinishedTask{{ID: "f", Value: "task f", Status: StatusFailed}},
	}

	Apply(&s, Op{LiveTaskInsRestore: &InsRestore{FinishedTaskID: "f"}})

	// Restored tasks re-enter at the front and leave history.
	liveIDs(t, s, "f", "a")
	if len(s.Finished) != 0 {
		t.Errorf("expected empty history, got %+v", s.Finished)
	}
	if s.Live[0].Value != "task f" {
		t.Errorf("restored task lost its value: %q", s.Live[0].Value)
	}
}

func TestApplyEdit(t *testing.T) {
	s := StateSnapshot{Live: live("a", "b")}

	Apply(&s, Op{LiveTaskEdit: &Edit{LiveTaskID: "b", Value: "rewritten"}})
	if s.Live[1].Value != "rewritten" {
		t.Errorf("expected edited value, got %q", s.Live[1].Value)
	}

	// Unknown id is a no-op, not an error.
	Apply(&s, Op{LiveTaskEdit: &Edit{LiveTaskID: "zzz", Value: "ghost"}})
	liveIDs(t, s, "a", "b")
}

func TestApplyDel(t *testing.T) {
	s := StateSnapshot{Live: live("a", "b", "c")}

	Apply(&s, Op{LiveTaskDel: &Del{LiveTaskID: "b"}})
	liveIDs(t, s, "a", "c")

	Apply(&s, Op{LiveTaskDel: &Del{LiveTaskID: "b"}})
	liveIDs(t, s, "a", "c")
}

func TestApplyDelIns(t *testing.T) {
	// Moving a task to sit before a later task must account for the shift
	// its own removal causes.
	s := StateSnapshot{Live: live("a", "b", "c", "d")}
	Apply(&s, Op{LiveTaskDelIns: &DelIns{LiveTaskIDDel: "a", LiveTaskIDIns: "d"}})
	liveIDs(t, s, "b", "c", "a", "d")

	// And moving backwards.
	s = StateSnapshot{Live: live("a", "b", "c", "d")}
	Apply(&s, Op{LiveTaskDelIns: &DelIns{LiveTaskIDDel: "d", LiveTaskIDIns: "b"}})
	liveIDs(t, s, "a", "d", "b", "c")
}

func TestApplyDelInsMissingID(t *testing.T) {
	s := StateSnapshot{Live: live("a", "b")}
	Apply(&s, Op{LiveTaskDelIns: &DelIns{LiveTaskIDDel: "a", LiveTaskIDIns: "nope"}})
	liveIDs(t, s, "a", "b")
}

func TestApplyPush(t *testing.T) {
	s := NewSnapshot()
	Apply(&s, Op{FinishedTaskPush: &Push{FinishedTaskID: "f1", Value: "done thing", Status: StatusSucceeded}})
	if len(s.Finished) != 1 || s.Finished[0].Status != StatusSucceeded {
		t.Fatalf("unexpected history: %+v", s.Finished)
	}
}

func TestApplyPushComplete(t *testing.T) {
	s := StateSnapshot{Live: live("a", "b")}

	Apply(&s, Op{FinishedTaskPushComplete: &PushComplete{
		LiveTaskID: "a", FinishedTaskID: "f1", Status: StatusCancelled,
	}})

	liveIDs(t, s, "b")
	if len(s.Finished) != 1 {
		t.Fatalf("expected one finished task, got %+v", s.Finished)
	}
	ft := s.Finished[0]
	if ft.ID != "f1" || ft.Value != "task a" || ft.Status != StatusCancelled {
		t.Errorf("unexpected finished task: %+v", ft)
	}

	// Completing an absent task changes nothing.
	Apply(&s, Op{FinishedTaskPushComplete: &PushComplete{
		LiveTaskID: "a", FinishedTaskID: "f2", Status: StatusCancelled,
	}})
	if len(s.Finished) != 1 {
		t.Errorf("no-op completion grew history: %+v", s.Finished)
	}
}

func TestApplyOverwriteState(t *testing.T) {
	s := StateSnapshot{Live: live("a")}
	next := StateSnapshot{
		Live:     live("x", "y"),
		Finished: []FinishedTask{{ID: "f", Value: "v", Status: StatusObsoleted}},
	}
	Apply(&s, Op{OverwriteState: &next})
	liveIDs(t, s, "x", "y")
	if len(s.Finished) != 1 {
		t.Errorf("expected overwritten history, got %+v", s.Finished)
	}
}

func TestApplyOverwriteStateDoesNotAliasOp(t *testing.T) {
	op := Op{OverwriteState: &StateSnapshot{
		Live:     live("a"),
		Finished: []FinishedTask{{ID: "f", Value: "v", Status: StatusFailed}},
	}}

	var s StateSnapshot
	Apply(&s, op)
	Apply(&s, Op{LiveTaskEdit: &Edit{LiveTaskID: "a", Value: "edited-later"}})

	if op.OverwriteState.Live[0].Value != "task a" {
		t.Errorf("snapshot mutation leaked into the applied op: %q", op.OverwriteState.Live[0].Value)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	ops := []Op{
		{LiveTaskInsNew: &InsNew{LiveTaskID: "a", Value: "one", Position: 0}},
		{LiveTaskInsNew: &InsNew{LiveTaskID: "b", Value: "two", Position: 1}},
		{LiveTaskDelIns: &DelIns{LiveTaskIDDel: "b", LiveTaskIDIns: "a"}},
		{LiveTaskEdit: &Edit{LiveTaskID: "a", Value: "one, edited"}},
		{FinishedTaskPushComplete: &PushComplete{LiveTaskID: "b", FinishedTaskID: "f", Status: StatusSucceeded}},
		// A stale op referencing an id that no longer exists.
		{LiveTaskDel: &Del{LiveTaskID: "b"}},
	}

	fold := func() StateSnapshot {
		s := NewSnapshot()
		for _, op := range ops {
			Apply(&s, op)
		}
		return s
	}

	a, b := fold(), fold()
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	if string(ra) != string(rb) {
		t.Fatalf("replays diverged:\n%s\n%s", ra, rb)
	}
	liveIDs(t, a, "a")
	if len(a.Finished) != 1 || a.Finished[0].Value != "two" {
		t.Errorf("unexpected history after replay: %+v", a.Finished)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := StateSnapshot{Live: live("a"), Finished: []FinishedTask{{ID: "f"}}}
	c := s.Clone()

	Apply(&s, Op{LiveTaskEdit: &Edit{LiveTaskID: "a", Value: "changed"}})
	if c.Live[0].Value == "changed" {
		t.Error("clone shares backing storage with the original")
	}
}

func TestNewSnapshotMarshalsEmptyArrays(t *testing.T) {
	raw, err := json.Marshal(NewSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"live":[],"finished":[]}` {
		t.Errorf("unexpected encoding: %s", raw)
	}
}

func TestOpWireFormat(t *testing.T) {
	frame := `{"WebsocketOpMessage":{"LiveTaskInsNew":{"live_task_id":"t1","value":"buy milk","position":0}}}`

	var env OpEnvelope
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if err := env.Op.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	v := env.Op.LiveTaskInsNew
	if v == nil || v.LiveTaskID != "t1" || v.Value != "buy milk" || v.Position != 0 {
		t.Fatalf("unexpected variant: %+v", env.Op)
	}

	// Ops round-trip through the externally tagged form.
	raw, err := json.Marshal(env.Op)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"LiveTaskInsNew":{"live_task_id":"t1","value":"buy milk","position":0}}` {
		t.Errorf("unexpected encoding: %s", raw)
	}
}

func TestOpValidate(t *testing.T) {
	if err := (Op{}).Validate(); err == nil {
		t.Error("empty op must not validate")
	}
	two := Op{
		LiveTaskDel:  &Del{LiveTaskID: "a"},
		LiveTaskEdit: &Edit{LiveTaskID: "a", Value: "v"},
	}
	if err := two.Validate(); err == nil {
		t.Error("op with two variants must not validate")
	}
	if err := (Op{FinishedTaskPush: &Push{FinishedTaskID: "f", Status: StatusFailed}}).Validate(); err != nil {
		t.Errorf("single-variant op failed validation: %v", err)
	}
}

func TestStatusRejectsUnknownLabels(t *testing.T) {
	var op Op
	frame := `{"FinishedTaskPush":{"finished_task_id":"f","value":"v","status":"Exploded"}}`
	if err := json.Unmarshal([]byte(frame), &op); err == nil {
		t.Error("expected unknown status label to fail decoding")
	}

	var s Status
	if err := json.Unmarshal([]byte(`"Obsoleted"`), &s); err != nil || s != StatusObsoleted {
		t.Errorf("expected Obsoleted, got %q (err %v)", s, err)
	}
}
