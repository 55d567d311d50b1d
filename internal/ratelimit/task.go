package ratelimit

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of queued work. The action is private; everything else
// is exposed so queues can be inspected.
type Task struct {
	ID       string
	Label    string
	Priority bool
	Enqueued time.Time

	run func(release func())
}

// NewTask wraps an action that finishes as soon as it returns.
func NewTask(label string, fn func()) *Task {
	return NewHeldTask(label, func(release func()) {
		fn()
		release()
	})
}

// NewHeldTask wraps an action that signals completion by calling release.
// Sequential buckets admit the next task only after release.
func NewHeldTask(label string, fn func(release func())) *Task {
	return &Task{
		ID:    uuid.NewString(),
		Label: label,
		run:   fn,
	}
}

// insert places t at the front when priority, else at the back.
// Priority tasks keep their relative order among themselves.
func insert(queue []*Task, t *Task, priority bool) []*Task {
	t.Priority = priority
	if !priority {
		return append(queue, t)
	}
	i := 0
	for i < len(queue) && queue[i].Priority {
		i++
	}
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = t
	return queue
}

func snapshot(queue []*Task) []Task {
	out := make([]Task, len(queue))
	for i, t := range queue {
		out[i] = Task{ID: t.ID, Label: t.Label, Priority: t.Priority, Enqueued: t.Enqueued}
	}
	return out
}
