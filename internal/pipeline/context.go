// Package pipeline defines the step context carried between pipeline steps
// through the context exchange.
package pipeline

import (
	"fmt"
	"strings"
)

// Exchange keys. The five required keys must be published by the upstream
// step before this step may start a container.
const (
	KeyFolder             = "folder"
	KeySessionID          = "session_id"
	KeyParticipantID      = "participant_id"
	KeyScanDate           = "scan_date"
	KeyDataset            = "dataset"
	KeyTaskID             = "task_id"
	KeyOutput             = "output"
	KeyError              = "error"
	KeyProvenancePrevStep = "provenance_previous_step_id"
)

// RequiredKeys lists the context entries a step cannot run without.
var RequiredKeys = []string{KeyFolder, KeySessionID, KeyParticipantID, KeyScanDate, KeyDataset}

// StepContext is the typed form of the values a step reads from its
// predecessor and publishes for its successor. Exactly one step writes it
// per pipeline run.
type StepContext struct {
	Folder                   string
	SessionID                string
	ParticipantID            string
	ScanDate                 string
	Dataset                  string
	TaskID                   string
	ProvenancePreviousStepID string
	Output                   string
	Error                    string
}

// MissingContextKeyError reports a required upstream value that was never
// published. The step fails before any container is started.
type MissingContextKeyError struct {
	Key    string
	TaskID string
}

func (e *MissingContextKeyError) Error() string {
	return fmt.Sprintf("missing_context_key: %q not published by task %q", e.Key, e.TaskID)
}

// FromExchange builds a StepContext from the raw values published by the
// upstream task, validating that every required key is present and non-empty.
func FromExchange(upstreamTaskID string, values map[string]string) (StepContext, error) {
	for _, key := range RequiredKeys {
		if strings.TrimSpace(values[key]) == "" {
			return StepContext{}, &MissingContextKeyError{Key: key, TaskID: upstreamTaskID}
		}
	}
	return StepContext{
		Folder:                   values[KeyFolder],
		SessionID:                values[KeySessionID],
		ParticipantID:            values[KeyParticipantID],
		ScanDate:                 values[KeyScanDate],
		Dataset:                  values[KeyDataset],
		TaskID:                   values[KeyTaskID],
		ProvenancePreviousStepID: values[KeyProvenancePrevStep],
		Output:                   values[KeyOutput],
		Error:                    values[KeyError],
	}, nil
}

// ToExchange flattens the context for publication. Empty error means the
// step succeeded; the zero value is published deliberately.
func (c StepContext) ToExchange() map[string]string {
	return map[string]string{
		KeyFolder:             c.Folder,
		KeySessionID:          c.SessionID,
		KeyParticipantID:      c.ParticipantID,
		KeyScanDate:           c.ScanDate,
		KeyDataset:            c.Dataset,
		KeyTaskID:             c.TaskID,
		KeyProvenancePrevStep: c.ProvenancePreviousStepID,
		KeyOutput:             c.Output,
		KeyError:              c.Error,
	}
}

// OutputFolderResolver maps the incoming context to the host directory the
// step writes its results to.
type OutputFolderResolver func(StepContext) string

// DefaultOutputFolder resolves the output folder to the current dataset
// folder, matching steps that transform data in place.
func DefaultOutputFolder(c StepContext) string {
	return c.Folder
}
