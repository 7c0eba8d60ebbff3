package governance

import (
	"context"
	"sort"
	"sync"
)

// Executor performs the side effect behind a governed action once it is
// cleared
type Executor interface {
	Execute(ctx context.Context, action Action) error
}

// Reverter is implemented by executors whose action can be undone. Only
// requests handled by a Reverter can be rolled back.
type Reverter interface {
	Revert(ctx context.Context, action Action) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action Action) error

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// ExecutorRegistry maps request types to their executors
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[RequestType]Executor
}

// NewExecutorRegistry creates an empty registry
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[RequestType]Executor)}
}

// Register sets the executor of a request type, replacing any previous one
func (r *ExecutorRegistry) Register(t RequestType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Get returns the executor of a request type
func (r *ExecutorRegistry) Get(t RequestType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types lists the registered request types
func (r *ExecutorRegistry) Types() []RequestType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RequestType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
