package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv stores one JSON document per task id on the local filesystem. It
// suits single-host schedulers where all steps share a disk. Writes go
// through a temp dir and land with a rename, so a publish is all-or-nothing.
type Diskv struct {
	store *diskv.Diskv
}

func NewDiskv(basePath string) (*Diskv, error) {
	if basePath == "" {
		return nil, errors.New("base path is required")
	}
	flatTransform := func(s string) []string { return []string{} }
	return &Diskv{store: diskv.New(diskv.Options{
		BasePath:     filepath.Join(basePath, "xcom"),
		TempDir:      filepath.Join(basePath, "xcom-tmp"),
		Transform:    flatTransform,
		CacheSizeMax: 1024 * 1024,
	})}, nil
}

func (e *Diskv) Read(_ context.Context, taskID string) (map[string]string, error) {
	raw, err := e.store.Read(taskID)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read context for %s: %w", taskID, err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", taskID, err)
	}
	return values, nil
}

func (e *Diskv) Write(_ context.Context, taskID string, values map[string]string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode context for %s: %w", taskID, err)
	}
	if err := e.store.Write(taskID, raw); err != nil {
		return fmt.Errorf("write context for %s: %w", taskID, err)
	}
	return nil
}
