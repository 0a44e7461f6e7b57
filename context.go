package creche

import (
	"context"
)

// taskContextKey is a unique type used as a key for storing Task
// values in a context.
type taskContextKey struct{}

// withTaskContext creates a new context with the task value stored in
// it. This allows the task to be retrieved from the context later.
func withTaskContext(ctx context.Context, task *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, task)
}

// TaskFromContext retrieves the Task that owns ctx. Returns the task
// and a boolean indicating whether a task was found. Code that is
// handed a plain context by a library can use this to get back to the
// task that called it.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	val, ok := ctx.Value(taskContextKey{}).(*Task)
	return val, ok
}

// MustTaskFromContext retrieves the Task that owns ctx, panicking if
// not found. This function is useful when the caller expects the
// context to definitely belong to a task.
func MustTaskFromContext(ctx context.Context) *Task {
	val, ok := ctx.Value(taskContextKey{}).(*Task)
	if !ok {
		panic("creche: task not found in context")
	}
	return val
}
