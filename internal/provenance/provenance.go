// Package provenance defines the append-only lineage model: one record per
// tool invocation, one node per successful step execution, chained per
// dataset.
package provenance

import (
	"context"
	"fmt"
	"time"
)

// Record identifies the tool that processed a dataset.
type Record struct {
	ID        string
	Dataset   string
	FnCalled  string
	FnVersion string
	// Others carries free-form key="value" metadata, here the full image
	// reference.
	Others    string
	CreatedAt time.Time
}

// Node is one entry in a dataset's lineage chain. PreviousNodeID is empty
// only for the first step of a chain. Nodes are never mutated after
// creation.
type Node struct {
	ID                 string
	Dataset            string
	TaskID             string
	OutputDir          string
	RecordID           string
	PreviousNodeID     string
	Boost              bool
	SessionIDByPatient bool
	CreatedAt          time.Time
}

// ScannedFile describes one output file recorded under a node.
type ScannedFile struct {
	Path          string
	SizeBytes     int64
	SHA256        string
	ParticipantID string
	SessionID     string
}

// Store persists the lineage chain. AppendNode must create the node and its
// files exactly once; a failed step execution never reaches it.
type Store interface {
	CreateRecord(ctx context.Context, record Record) (string, error)
	AppendNode(ctx context.Context, node Node, files []ScannedFile) (string, error)
	GetNode(ctx context.Context, nodeID string) (Node, error)
	ListNodes(ctx context.Context, dataset string, limit int, beforeNodeID string) ([]Node, error)
	ListFiles(ctx context.Context, nodeID string) ([]ScannedFile, error)
}

// WriteError wraps a store failure after a successful container run. It is
// never retried here: an unrecorded success must surface to the scheduler.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("provenance_write_error: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
