package exchange

import (
	"context"
	"sync"
)

// InMem is a process-local exchange for tests and single-process runs.
type InMem struct {
	mu    sync.RWMutex
	tasks map[string]map[string]string
}

func NewInMem() *InMem {
	return &InMem{tasks: make(map[string]map[string]string)}
}

func (e *InMem) Read(_ context.Context, taskID string) (map[string]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stored, ok := e.tasks[taskID]
	out := make(map[string]string, len(stored))
	if !ok {
		return out, nil
	}
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

func (e *InMem) Write(_ context.Context, taskID string, values map[string]string) error {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	e.mu.Lock()
	e.tasks[taskID] = copied
	e.mu.Unlock()
	return nil
}
