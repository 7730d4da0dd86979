package task

// Apply folds op into s in place.
//
// Apply is total: operations that reference absent ids or out-of-range
// positions are silent no-ops. Log replay depends on this — a stale or
// overlapping client mutation must never make a persisted sequence of
// operations unreplayable.
func Apply(s *StateSnapshot, op Op) {
	switch {
	case op.OverwriteState != nil:
		// Copy rather than adopt: the op may still sit in subscriber queues,
		// and later in-place mutations of s must not rewrite its payload.
		v := op.OverwriteState
		s.Live = append([]LiveTask(nil), v.Live...)
		s.Finished = append([]FinishedTask(nil), v.Finished...)

	case op.LiveTaskInsNew != nil:
		v := op.LiveTaskInsNew
		if v.Position < 0 || v.Position > len(s.Live) {
			return
		}
		s.Live = insertLive(s.Live, v.Position, LiveTask{ID: v.LiveTaskID, Value: v.Value})

	case op.LiveTaskInsRestore != nil:
		v := op.LiveTaskInsRestore
		pos := finishedIndex(s.Finished, v.FinishedTaskID)
		if pos < 0 {
			return
		}
		ft := s.Finished[pos]
		s.Finished = append(s.Finished[:pos], s.Finished[pos+1:]...)
		// Restored tasks always re-enter at the front of the queue.
		s.Live = insertLive(s.Live, 0, LiveTask{ID: ft.ID, Value: ft.Value})

	case op.LiveTaskEdit != nil:
		v := op.LiveTaskEdit
		for i := range s.Live {
			if s.Live[i].ID == v.LiveTaskID {
				s.Live[i].Value = v.Value
				break
			}
		}

	case op.LiveTaskDel != nil:
		v := op.LiveTaskDel
		kept := s.Live[:0]
		for _, t := range s.Live {
			if t.ID != v.LiveTaskID {
				kept = append(kept, t)
			}
		}
		s.Live = kept

	case op.LiveTaskDelIns != nil:
		v := op.LiveTaskDelIns
		insPos := liveIndex(s.Live, v.LiveTaskIDIns)
		delPos := liveIndex(s.Live, v.LiveTaskIDDel)
		if insPos < 0 || delPos < 0 {
			return
		}
		// After the removal everything past delPos shifts left by one;
		// compensating keeps "insert before LiveTaskIDIns" exact.
		if insPos > delPos {
			insPos--
		}
		moved := s.Live[delPos]
		s.Live = append(s.Live[:delPos], s.Live[delPos+1:]...)
		s.Live = insertLive(s.Live, insPos, moved)

	case op.FinishedTaskPush != nil:
		v := op.FinishedTaskPush
		s.Finished = append(s.Finished, FinishedTask{ID: v.FinishedTaskID, Value: v.Value, Status: v.Status})

	case op.FinishedTaskPushComplete != nil:
		v := op.FinishedTaskPushComplete
		pos := liveIndex(s.Live, v.LiveTaskID)
		if pos < 0 {
			return
		}
		value := s.Live[pos].Value
		s.Live = append(s.Live[:pos], s.Live[pos+1:]...)
		s.Finished = append(s.Finished, FinishedTask{ID: v.FinishedTaskID, Value: value, Status: v.Status})
	}
}

func insertLive(live []LiveTask, pos int, t LiveTask) []LiveTask {
	live = append(live, LiveTask{})
	copy(live[pos+1:], live[pos:])
	live[pos] = t
	return live
}

func liveIndex(live []LiveTask, id string) int {
	for i, t := range live {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func finishedIndex(finished []FinishedTask, id string) int {
	for i, t := range finished {
		if t.ID == id {
			return i
		}
	}
	return -1
}
