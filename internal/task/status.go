package task

import "time"

// Recompute refreshes the TaskStatus projection from the subtask states.
// A single failed subtask fails the task; the task completes only once every
// subtask has completed.
func (t *Task) Recompute(now time.Time) {
	total := len(t.Subtasks)
	var completed, failed, started int
	assigned := make([]string, 0)
	seen := make(map[string]bool)

	for _, st := range t.Subtasks {
		switch st.Status {
		case StatusCompleted:
			completed++
			started++
		case StatusFailed:
			failed++
			started++
		case StatusInProgress:
			started++
		}
		if st.AssignedAgent != "" && !seen[st.AssignedAgent] {
			seen[st.AssignedAgent] = true
			assigned = append(assigned, st.AssignedAgent)
		}
	}

	view := &t.Status
	view.AssignedAgents = assigned
	if total > 0 {
		view.Progress = float64(completed) / float64(total) * 100
	} else {
		view.Progress = 0
	}

	if started > 0 && view.StartedAt == nil {
		at := now
		view.StartedAt = &at
	}

	switch {
	case failed > 0:
		view.Status = StatusFailed
	case total > 0 && completed == total:
		view.Status = StatusCompleted
	case started > 0:
		view.Status = StatusInProgress
	default:
		view.Status = StatusPending
	}

	if view.Status == StatusCompleted || view.Status == StatusFailed {
		if view.EndedAt == nil {
			at := now
			view.EndedAt = &at
		}
	} else {
		view.EndedAt = nil
	}
}
