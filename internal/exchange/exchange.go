// Package exchange implements the context-exchange capability: a key-value
// store, keyed by task identity, through which steps pass context to their
// successors.
package exchange

import "context"

// Exchange publishes and reads step contexts. Read of a task that never
// published returns an empty map; the caller decides which keys are
// required. Write replaces the task's entry atomically with respect to
// concurrent readers.
type Exchange interface {
	Read(ctx context.Context, taskID string) (map[string]string, error)
	Write(ctx context.Context, taskID string, values map[string]string) error
}
