package step

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mipflow-labs/mipflow-go/internal/containerrun"
	"github.com/mipflow-labs/mipflow-go/internal/exchange"
	"github.com/mipflow-labs/mipflow-go/internal/pipeline"
	"github.com/mipflow-labs/mipflow-go/internal/provenance"
	"github.com/mipflow-labs/mipflow-go/internal/staging"
)

type fakeRunner struct {
	runCalls  int
	logsCalls int
	onRun     func(spec containerrun.Spec)
	result    containerrun.RunResult
	err       error
	logs      string
}

func (r *fakeRunner) Run(_ context.Context, spec containerrun.Spec) (containerrun.RunResult, error) {
	r.runCalls++
	if r.onRun != nil {
		r.onRun(spec)
	}
	return r.result, r.err
}

func (r *fakeRunner) Logs(context.Context, string) (string, error) {
	r.logsCalls++
	return r.logs, nil
}

type fakeStore struct {
	records    []provenance.Record
	nodes      []provenance.Node
	nodeFiles  [][]provenance.ScannedFile
	recordErr  error
	appendErr  error
	nextNodeID string
	nextRecID  string
}

func (s *fakeStore) CreateRecord(_ context.Context, r provenance.Record) (string, error) {
	if s.recordErr != nil {
		return "", s.recordErr
	}
	s.records = append(s.records, r)
	if s.nextRecID == "" {
		s.nextRecID = "rec-1"
	}
	return s.nextRecID, nil
}

func (s *fakeStore) AppendNode(_ context.Context, n provenance.Node, files []provenance.ScannedFile) (string, error) {
	if s.appendErr != nil {
		return "", s.appendErr
	}
	s.nodes = append(s.nodes, n)
	s.nodeFiles = append(s.nodeFiles, files)
	if s.nextNodeID == "" {
		s.nextNodeID = "node-new"
	}
	return s.nextNodeID, nil
}

func (s *fakeStore) GetNode(context.Context, string) (provenance.Node, error) {
	return provenance.Node{}, errors.New("not implemented")
}

func (s *fakeStore) ListNodes(context.Context, string, int, string) ([]provenance.Node, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) ListFiles(context.Context, string) ([]provenance.ScannedFile, error) {
	return nil, errors.New("not implemented")
}

type fakeTrigger struct {
	calls    []string
	payloads []string
	err      error
}

func (t *fakeTrigger) TriggerPipeline(_ context.Context, pipelineID, payload string) error {
	t.calls = append(t.calls, pipelineID)
	t.payloads = append(t.payloads, payload)
	return t.err
}

type testEnv struct {
	executor *Executor
	exchange *exchange.InMem
	runner   *fakeRunner
	store    *fakeStore
	trigger  *fakeTrigger
	outDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ex := exchange.NewInMem()
	runner := &fakeRunner{result: containerrun.RunResult{ContainerID: "cid-1", Logs: "step output", Succeeded: true}}
	store := &fakeStore{}
	trig := &fakeTrigger{}
	outDir := filepath.Join(t.TempDir(), "out")

	executor := &Executor{
		Logger:   logger,
		Exchange: ex,
		Runner:   runner,
		Stager: &staging.Stager{
			Logger:   logger,
			Resolver: func(pipeline.StepContext) string { return outDir },
		},
		Provenance: store,
		Trigger:    trig,
		Config: Config{
			TaskID:              "step_2",
			ParentTask:          "step_1",
			Image:               "tool:1.2",
			BoostProvenanceScan: true,
		},
	}
	return &testEnv{executor: executor, exchange: ex, runner: runner, store: store, trigger: trig, outDir: outDir}
}

func publishUpstream(t *testing.T, ex *exchange.InMem, extra map[string]string) {
	t.Helper()
	values := map[string]string{
		pipeline.KeyFolder:        "/data/D1/in",
		pipeline.KeySessionID:     "S1",
		pipeline.KeyParticipantID: "P1",
		pipeline.KeyScanDate:      "2020-01-01",
		pipeline.KeyDataset:       "D1",
	}
	for k, v := range extra {
		values[k] = v
	}
	if err := ex.Write(context.Background(), "step_1", values); err != nil {
		t.Fatalf("publish upstream: %v", err)
	}
}

func TestExecute_MissingContextKey_NoContainerRun(t *testing.T) {
	env := newTestEnv(t)
	publishUpstream(t, env.exchange, map[string]string{pipeline.KeyDataset: ""})

	_, err := env.executor.Execute(context.Background())
	var missing *pipeline.MissingContextKeyError
	if !errors.As(err, &missing) {
		t.Fatalf("err=%v, want MissingContextKeyError", err)
	}
	if env.runner.runCalls != 0 {
		t.Fatalf("container was started despite missing context key")
	}
	if len(env.store.nodes) != 0 {
		t.Fatalf("provenance node created despite missing context key")
	}
}

func TestExecute_Success_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	publishUpstream(t, env.exchange, map[string]string{
		pipeline.KeyProvenancePrevStep: "node-prev",
	})
	env.runner.onRun = func(containerrun.Spec) {
		p := filepath.Join(env.outDir, "P1", "S1", "result.nii")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	out, err := env.executor.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}

	if out.Folder != env.outDir {
		t.Fatalf("Folder=%q, want %q", out.Folder, env.outDir)
	}
	if out.Output != "step output" {
		t.Fatalf("Output=%q", out.Output)
	}
	if out.Error != "" {
		t.Fatalf("Error=%q, want empty", out.Error)
	}
	if out.ProvenancePreviousStepID != "node-new" {
		t.Fatalf("ProvenancePreviousStepID=%q, want node-new", out.ProvenancePreviousStepID)
	}

	if len(env.store.records) != 1 {
		t.Fatalf("records=%d, want 1", len(env.store.records))
	}
	rec := env.store.records[0]
	if rec.FnCalled != "tool" || rec.FnVersion != "1.2" || rec.Dataset != "D1" {
		t.Fatalf("record=%+v", rec)
	}

	if len(env.store.nodes) != 1 {
		t.Fatalf("nodes=%d, want exactly 1", len(env.store.nodes))
	}
	node := env.store.nodes[0]
	if node.PreviousNodeID != "node-prev" {
		t.Fatalf("PreviousNodeID=%q, want node-prev", node.PreviousNodeID)
	}
	if node.TaskID != "step_2" {
		t.Fatalf("TaskID=%q", node.TaskID)
	}
	if len(env.store.nodeFiles[0]) != 1 {
		t.Fatalf("scanned files=%d, want 1", len(env.store.nodeFiles[0]))
	}

	published, err := env.exchange.Read(context.Background(), "step_2")
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if published[pipeline.KeyProvenancePrevStep] != "node-new" {
		t.Fatalf("published prev step id=%q", published[pipeline.KeyProvenancePrevStep])
	}
	if published[pipeline.KeyError] != "" {
		t.Fatalf("published error=%q, want empty", published[pipeline.KeyError])
	}
}

func TestExecute_ImageWithoutVersion_DefaultsLatest(t *testing.T) {
	env := newTestEnv(t)
	env.executor.Config.Image = "tool"
	publishUpstream(t, env.exchange, nil)

	if _, err := env.executor.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if env.store.records[0].FnVersion != "latest" {
		t.Fatalf("FnVersion=%q, want latest", env.store.records[0].FnVersion)
	}
}

func TestExecute_Failure_CleansUpAndTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.executor.Config.OnFailureTriggerPipelineID = "cleanup_dag"
	publishUpstream(t, env.exchange, nil)

	runErr := &containerrun.ExecutionError{Image: "tool:1.2", ContainerID: "cid-1", ExitCode: 2, Err: errors.New("exit status 2")}
	env.runner.err = runErr
	env.runner.result = containerrun.RunResult{ContainerID: "cid-1", Logs: "partial logs"}
	env.runner.onRun = func(containerrun.Spec) {
		if err := os.MkdirAll(env.outDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(env.outDir, "partial.nii"), []byte("junk"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	_, err := env.executor.Execute(context.Background())
	if !errors.Is(err, runErr) {
		t.Fatalf("err=%v, want the original run error", err)
	}

	if len(env.store.nodes) != 0 {
		t.Fatalf("nodes=%d, want 0 on failure", len(env.store.nodes))
	}
	if _, statErr := os.Stat(env.outDir); !os.IsNotExist(statErr) {
		t.Fatalf("output dir survived failure cleanup")
	}
	if len(env.trigger.calls) != 1 || env.trigger.calls[0] != "cleanup_dag" {
		t.Fatalf("trigger calls=%v, want exactly one to cleanup_dag", env.trigger.calls)
	}
	if env.trigger.payloads[0] != "partial logs" {
		t.Fatalf("trigger payload=%q", env.trigger.payloads[0])
	}

	// Nothing published downstream.
	published, _ := env.exchange.Read(context.Background(), "step_2")
	if len(published) != 0 {
		t.Fatalf("context published despite failure: %v", published)
	}
}

func TestExecute_Failure_ErrorSurvivesTriggerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.executor.Config.OnFailureTriggerPipelineID = "cleanup_dag"
	env.trigger.err = errors.New("scheduler unreachable")
	publishUpstream(t, env.exchange, nil)

	runErr := &containerrun.ExecutionError{Image: "tool:1.2", ExitCode: 1, Err: errors.New("exit status 1")}
	env.runner.err = runErr
	env.runner.result = containerrun.RunResult{Logs: "logs"}

	_, err := env.executor.Execute(context.Background())
	if !errors.Is(err, runErr) {
		t.Fatalf("err=%v, want the original run error", err)
	}
}

func TestExecute_Failure_NoTriggerWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	publishUpstream(t, env.exchange, nil)
	env.runner.err = errors.New("boom")

	if _, err := env.executor.Execute(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(env.trigger.calls) != 0 {
		t.Fatalf("trigger called without configured pipeline id")
	}
}

func TestExecute_Failure_RetrievesLogsByContainerID(t *testing.T) {
	env := newTestEnv(t)
	env.executor.Config.OnFailureTriggerPipelineID = "cleanup_dag"
	publishUpstream(t, env.exchange, nil)

	env.runner.err = &containerrun.ExecutionError{Image: "tool:1.2", ContainerID: "cid-9", ExitCode: 1, Err: errors.New("exit status 1")}
	env.runner.result = containerrun.RunResult{}
	env.runner.logs = "post-mortem logs"

	if _, err := env.executor.Execute(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if env.runner.logsCalls != 1 {
		t.Fatalf("logsCalls=%d, want 1", env.runner.logsCalls)
	}
	if env.trigger.payloads[0] != "post-mortem logs" {
		t.Fatalf("payload=%q, want retrieved logs", env.trigger.payloads[0])
	}
}

func TestExecute_Failure_AbsentOutputDirIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	publishUpstream(t, env.exchange, nil)
	env.runner.err = errors.New("boom")
	// The runner never creates the output dir; cleanup must still succeed.

	if _, err := env.executor.Execute(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecute_ProvenanceWriteFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	publishUpstream(t, env.exchange, nil)
	env.store.appendErr = errors.New("db down")

	_, err := env.executor.Execute(context.Background())
	var writeErr *provenance.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("err=%v, want WriteError", err)
	}

	// The unrecorded success must not publish downstream context.
	published, _ := env.exchange.Read(context.Background(), "step_2")
	if len(published) != 0 {
		t.Fatalf("context published despite provenance failure: %v", published)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{TaskID: "step_2", ParentTask: "step_1", Image: "tool:1.2"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	cases := []Config{
		{ParentTask: "step_1", Image: "tool"},
		{TaskID: "step_2", Image: "tool"},
		{TaskID: "step_2", ParentTask: "step_1"},
		{TaskID: "step_2", ParentTask: "step_1", Image: "tool", MemoryLimit: "12q"},
		{TaskID: "step_2", ParentTask: "step_1", Image: "tool", CPUs: -1},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
