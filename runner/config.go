package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mipflow-labs/mipflow-go/internal/containerrun"
	"github.com/mipflow-labs/mipflow-go/internal/pipeline"
	"github.com/mipflow-labs/mipflow-go/internal/platform/env"
	"github.com/mipflow-labs/mipflow-go/internal/step"
)

// stepFile is the optional YAML step definition referenced by
// MIPFLOW_STEP_FILE. Environment variables override its values.
type stepFile struct {
	TaskID                   string            `yaml:"task_id"`
	ParentTask               string            `yaml:"parent_task"`
	Image                    string            `yaml:"image"`
	Command                  []string          `yaml:"command"`
	CPUs                     float64           `yaml:"cpus"`
	MemoryLimit              string            `yaml:"memory_limit"`
	NetworkMode              string            `yaml:"network_mode"`
	User                     string            `yaml:"user"`
	ForcePull                bool              `yaml:"force_pull"`
	Environment              map[string]string `yaml:"environment"`
	Volumes                  []string          `yaml:"volumes"`
	OnFailureTriggerPipeline string            `yaml:"on_failure_trigger_pipeline"`
	BoostProvenanceScan      *bool             `yaml:"boost_provenance_scan"`
	SessionIDByPatient       *bool             `yaml:"session_id_by_patient"`
}

func loadStepFile(path string) (stepFile, error) {
	var sf stepFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return stepFile{}, fmt.Errorf("read step file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return stepFile{}, fmt.Errorf("parse step file: %w", err)
	}
	return sf, nil
}

func stepConfigFromEnv() (step.Config, error) {
	var sf stepFile
	if path := env.String("MIPFLOW_STEP_FILE", ""); path != "" {
		loaded, err := loadStepFile(path)
		if err != nil {
			return step.Config{}, err
		}
		sf = loaded
	}

	boost := true
	if sf.BoostProvenanceScan != nil {
		boost = *sf.BoostProvenanceScan
	}
	boost, err := env.Bool("MIPFLOW_BOOST_PROVENANCE_SCAN", boost)
	if err != nil {
		return step.Config{}, err
	}

	sessionByPatient := false
	if sf.SessionIDByPatient != nil {
		sessionByPatient = *sf.SessionIDByPatient
	}
	sessionByPatient, err = env.Bool("MIPFLOW_SESSION_ID_BY_PATIENT", sessionByPatient)
	if err != nil {
		return step.Config{}, err
	}

	cpus, err := env.Float64("MIPFLOW_STEP_CPUS", sf.CPUs)
	if err != nil {
		return step.Config{}, err
	}
	if cpus == 0 {
		cpus = 1.0
	}

	forcePull, err := env.Bool("MIPFLOW_STEP_FORCE_PULL", sf.ForcePull)
	if err != nil {
		return step.Config{}, err
	}

	command := sf.Command
	if raw := env.String("MIPFLOW_STEP_COMMAND", ""); raw != "" {
		command = strings.Fields(raw)
	}

	volumes, err := parseVolumes(sf.Volumes, env.String("MIPFLOW_STEP_VOLUMES", ""))
	if err != nil {
		return step.Config{}, err
	}

	cfg := step.Config{
		TaskID:                     env.String("MIPFLOW_TASK_ID", sf.TaskID),
		ParentTask:                 env.String("MIPFLOW_PARENT_TASK", sf.ParentTask),
		Image:                      env.String("MIPFLOW_STEP_IMAGE", sf.Image),
		Command:                    command,
		CPUs:                       cpus,
		MemoryLimit:                env.String("MIPFLOW_STEP_MEMORY_LIMIT", sf.MemoryLimit),
		NetworkMode:                env.String("MIPFLOW_STEP_NETWORK_MODE", sf.NetworkMode),
		User:                       env.String("MIPFLOW_STEP_USER", sf.User),
		ForcePull:                  forcePull,
		Environment:                sf.Environment,
		ExtraVolumes:               volumes,
		OnFailureTriggerPipelineID: env.String("MIPFLOW_ON_FAILURE_TRIGGER", sf.OnFailureTriggerPipeline),
		BoostProvenanceScan:        boost,
		SessionIDByPatient:         sessionByPatient,
	}
	if err := cfg.Validate(); err != nil {
		return step.Config{}, err
	}
	return cfg, nil
}

// parseVolumes merges the step-file volume list with the comma-separated
// env override; the override wins when set.
func parseVolumes(fromFile []string, fromEnv string) ([]containerrun.VolumeMount, error) {
	specs := fromFile
	if strings.TrimSpace(fromEnv) != "" {
		specs = strings.Split(fromEnv, ",")
	}
	mounts := make([]containerrun.VolumeMount, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		m, err := containerrun.ParseVolume(s)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func dockerConfigFromEnv() (containerrun.DockerConfig, error) {
	verify, err := env.Bool("MIPFLOW_DOCKER_TLS_VERIFY", false)
	if err != nil {
		return containerrun.DockerConfig{}, err
	}
	return containerrun.DockerConfig{
		Binary:    env.String("MIPFLOW_DOCKER_BINARY", "docker"),
		DaemonURL: env.String("MIPFLOW_DOCKER_URL", ""),
		TLS: containerrun.TLSConfig{
			CACertPath:     env.String("MIPFLOW_DOCKER_TLS_CA", ""),
			ClientCertPath: env.String("MIPFLOW_DOCKER_TLS_CERT", ""),
			ClientKeyPath:  env.String("MIPFLOW_DOCKER_TLS_KEY", ""),
			VerifyHostname: verify,
		},
	}, nil
}

// outputFolderResolverFromEnv returns the identity resolver unless a fixed
// output folder was rendered into the environment by the scheduler.
func outputFolderResolverFromEnv() pipeline.OutputFolderResolver {
	fixed := strings.TrimSpace(env.String("MIPFLOW_OUTPUT_FOLDER", ""))
	if fixed == "" {
		return pipeline.DefaultOutputFolder
	}
	return func(pipeline.StepContext) string { return fixed }
}
