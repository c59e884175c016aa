// Package step orchestrates one pipeline-step execution: read the upstream
// context, stage directories, run the container, then either extend the
// provenance chain or clean up and notify.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mipflow-labs/mipflow-go/internal/containerrun"
	"github.com/mipflow-labs/mipflow-go/internal/exchange"
	"github.com/mipflow-labs/mipflow-go/internal/pipeline"
	"github.com/mipflow-labs/mipflow-go/internal/provenance"
	"github.com/mipflow-labs/mipflow-go/internal/staging"
	"github.com/mipflow-labs/mipflow-go/internal/trigger"
)

// Config describes one step as configured by the scheduler.
type Config struct {
	TaskID string
	// ParentTask is the upstream task whose published context this step
	// consumes.
	ParentTask string

	Image       string
	Command     []string
	CPUs        float64
	MemoryLimit string
	NetworkMode string
	User        string
	ForcePull   bool

	Environment  map[string]string
	ExtraVolumes []containerrun.VolumeMount

	OnFailureTriggerPipelineID string
	BoostProvenanceScan        bool
	SessionIDByPatient         bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.TaskID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(c.ParentTask) == "" {
		return errors.New("parent task is required")
	}
	if strings.TrimSpace(c.Image) == "" {
		return errors.New("image is required")
	}
	if c.CPUs < 0 {
		return errors.New("cpus must be >= 0")
	}
	if c.MemoryLimit != "" {
		if _, err := containerrun.ParseMemoryLimit(c.MemoryLimit); err != nil {
			return err
		}
	}
	return nil
}

// LogArchive receives the captured output of every execution. Optional.
type LogArchive interface {
	Put(ctx context.Context, dataset, taskID, executionID, logs string) error
}

// Executor wires the step capabilities together. One Executor runs one step
// at a time; the scheduler provides any cross-step parallelism.
type Executor struct {
	Logger     *slog.Logger
	Exchange   exchange.Exchange
	Runner     containerrun.Runner
	Stager     *staging.Stager
	Provenance provenance.Store
	// Trigger may be nil when no failure pipeline is configured.
	Trigger trigger.Trigger
	// Archive may be nil; archiving is best-effort either way.
	Archive LogArchive
	Config  Config
}

// Execute runs the step end to end and returns the context published for
// the downstream step. The returned error is the scheduler's signal to mark
// the step failed; retry policy lives there, not here.
func (e *Executor) Execute(ctx context.Context) (pipeline.StepContext, error) {
	if err := e.Config.Validate(); err != nil {
		return pipeline.StepContext{}, err
	}

	machine := NewMachine()

	values, err := e.Exchange.Read(ctx, e.Config.ParentTask)
	if err != nil {
		return pipeline.StepContext{}, fmt.Errorf("read upstream context: %w", err)
	}
	stepCtx, err := pipeline.FromExchange(e.Config.ParentTask, values)
	if err != nil {
		return pipeline.StepContext{}, err
	}
	stepCtx.TaskID = e.Config.TaskID

	staged, err := e.Stager.Stage(stepCtx)
	if err != nil {
		return pipeline.StepContext{}, fmt.Errorf("stage directories: %w", err)
	}
	defer e.Stager.DiscardTmp(staged)
	if err := machine.Advance(StateStaged); err != nil {
		return pipeline.StepContext{}, err
	}

	spec, err := e.buildSpec(staged)
	if err != nil {
		return pipeline.StepContext{}, err
	}

	if err := machine.Advance(StateRunning); err != nil {
		return pipeline.StepContext{}, err
	}
	result, runErr := e.Runner.Run(ctx, spec)

	if runErr != nil {
		_ = machine.Advance(StateFailed)
		e.handleFailure(ctx, stepCtx, staged, result, runErr)
		_ = machine.Advance(StateCleanedUp)
		return pipeline.StepContext{}, runErr
	}
	if err := machine.Advance(StateSucceeded); err != nil {
		return pipeline.StepContext{}, err
	}

	nodeID, err := e.recordProvenance(ctx, stepCtx, staged)
	if err != nil {
		return pipeline.StepContext{}, err
	}
	if err := machine.Advance(StateRecorded); err != nil {
		return pipeline.StepContext{}, err
	}

	e.archive(ctx, stepCtx, result)

	outgoing := stepCtx
	outgoing.Folder = staged.HostOutputDir
	outgoing.Output = result.Logs
	outgoing.Error = ""
	outgoing.ProvenancePreviousStepID = nodeID

	if err := e.Exchange.Write(ctx, e.Config.TaskID, outgoing.ToExchange()); err != nil {
		return pipeline.StepContext{}, fmt.Errorf("publish context: %w", err)
	}

	e.Logger.Info("step recorded",
		"task_id", e.Config.TaskID,
		"dataset", stepCtx.Dataset,
		"image", e.Config.Image,
		"provenance_node_id", nodeID,
		"output_dir", staged.HostOutputDir)
	return outgoing, nil
}

func (e *Executor) buildSpec(staged staging.Staged) (containerrun.Spec, error) {
	memoryBytes, err := containerrun.ParseMemoryLimit(e.Config.MemoryLimit)
	if err != nil {
		return containerrun.Spec{}, err
	}

	env := make(map[string]string, len(e.Config.Environment)+3)
	for k, v := range e.Config.Environment {
		env[k] = v
	}

	spec := containerrun.Spec{
		Image:       e.Config.Image,
		Command:     e.Config.Command,
		CPUShares:   int(e.Config.CPUs * 1024),
		MemoryBytes: memoryBytes,
		NetworkMode: e.Config.NetworkMode,
		User:        e.Config.User,
		ForcePull:   e.Config.ForcePull,
		Env:         env,
		Volumes:     append([]containerrun.VolumeMount(nil), e.Config.ExtraVolumes...),
	}
	e.Stager.Apply(staged, &spec)
	return spec, spec.Validate()
}

// handleFailure retrieves whatever logs exist, purges the partial output so
// a retry starts clean, archives and notifies, and leaves the original run
// error to propagate. Cleanup problems never mask the run failure.
func (e *Executor) handleFailure(ctx context.Context, stepCtx pipeline.StepContext, staged staging.Staged, result containerrun.RunResult, runErr error) {
	logs := result.Logs
	containerID := result.ContainerID

	var execErr *containerrun.ExecutionError
	if errors.As(runErr, &execErr) && containerID == "" {
		containerID = execErr.ContainerID
	}
	if logs == "" && containerID != "" {
		retrieved, err := e.Runner.Logs(ctx, containerID)
		if err != nil {
			e.Logger.Warn("cannot retrieve container logs",
				"container_id", containerID, "error", err)
		} else {
			logs = retrieved
		}
	}

	e.Logger.Error("container step failed",
		"task_id", e.Config.TaskID,
		"image", e.Config.Image,
		"container_id", containerID,
		"error", runErr,
		"output", logs)

	// Remove partial results so a retry never mistakes them for valid
	// output. Removing an absent directory is a no-op.
	if err := os.RemoveAll(staged.HostOutputDir); err != nil {
		e.Logger.Warn("cannot clean output directory after failure",
			"output_dir", staged.HostOutputDir, "error", err)
	}

	e.archive(ctx, stepCtx, containerrun.RunResult{ContainerID: containerID, Logs: logs})

	if e.Config.OnFailureTriggerPipelineID != "" && e.Trigger != nil {
		if err := e.Trigger.TriggerPipeline(ctx, e.Config.OnFailureTriggerPipelineID, logs); err != nil {
			e.Logger.Error("failure pipeline trigger failed",
				"pipeline_id", e.Config.OnFailureTriggerPipelineID, "error", err)
		}
	}
}

// recordProvenance appends exactly one node for this successful execution,
// linked to the node id carried in from the previous step.
func (e *Executor) recordProvenance(ctx context.Context, stepCtx pipeline.StepContext, staged staging.Staged) (string, error) {
	name, version := provenance.SplitImageRef(e.Config.Image)

	recordID, err := e.Provenance.CreateRecord(ctx, provenance.Record{
		Dataset:   stepCtx.Dataset,
		FnCalled:  name,
		FnVersion: version,
		Others:    provenance.ImageMetadata(name, version),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", &provenance.WriteError{Err: err}
	}

	files, err := provenance.ScanOutputDir(staged.HostOutputDir, provenance.ScanOptions{
		Boost:              e.Config.BoostProvenanceScan,
		SessionIDByPatient: e.Config.SessionIDByPatient,
	})
	if err != nil {
		return "", &provenance.WriteError{Err: err}
	}

	nodeID, err := e.Provenance.AppendNode(ctx, provenance.Node{
		Dataset:            stepCtx.Dataset,
		TaskID:             e.Config.TaskID,
		OutputDir:          staged.HostOutputDir,
		RecordID:           recordID,
		PreviousNodeID:     stepCtx.ProvenancePreviousStepID,
		Boost:              e.Config.BoostProvenanceScan,
		SessionIDByPatient: e.Config.SessionIDByPatient,
		CreatedAt:          time.Now().UTC(),
	}, files)
	if err != nil {
		return "", &provenance.WriteError{Err: err}
	}
	return nodeID, nil
}

func (e *Executor) archive(ctx context.Context, stepCtx pipeline.StepContext, result containerrun.RunResult) {
	if e.Archive == nil {
		return
	}
	executionID := result.ContainerID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if err := e.Archive.Put(ctx, stepCtx.Dataset, e.Config.TaskID, executionID, result.Logs); err != nil {
		e.Logger.Warn("log archive failed",
			"task_id", e.Config.TaskID, "execution_id", executionID, "error", err)
	}
}
