// Package staging prepares the host-side directories for a step and maps
// them into the container's filesystem namespace.
package staging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mipflow-labs/mipflow-go/internal/containerrun"
	"github.com/mipflow-labs/mipflow-go/internal/pipeline"
)

// Environment variables guaranteed to be visible inside every step
// container.
const (
	EnvTmpDir    = "AIRFLOW_TMP_DIR"
	EnvInputDir  = "AIRFLOW_INPUT_DIR"
	EnvOutputDir = "AIRFLOW_OUTPUT_DIR"
)

const (
	DefaultContainerTmpDir    = "/tmp/mipflow"
	DefaultContainerInputDir  = "/inputs"
	DefaultContainerOutputDir = "/outputs"
)

type Stager struct {
	Logger             *slog.Logger
	ContainerTmpDir    string
	ContainerInputDir  string
	ContainerOutputDir string
	Resolver           pipeline.OutputFolderResolver
}

// Staged holds the host directories prepared for one execution.
type Staged struct {
	HostInputDir  string
	HostOutputDir string
	HostTmpDir    string
}

// Stage resolves the host directories for the step and best-effort removes
// any stale output so the run starts from a clean slate. A failed pre-clean
// is logged and the run proceeds. No pre-clean happens when the output
// resolves to the input folder itself.
func (s *Stager) Stage(c pipeline.StepContext) (Staged, error) {
	hostInputDir := strings.TrimSpace(c.Folder)
	if hostInputDir == "" {
		return Staged{}, errors.New("input folder is required")
	}

	resolver := s.Resolver
	if resolver == nil {
		resolver = pipeline.DefaultOutputFolder
	}
	hostOutputDir := strings.TrimSpace(resolver(c))
	if hostOutputDir == "" {
		return Staged{}, errors.New("output folder resolved to empty path")
	}

	// With the identity resolver the output dir IS the input dir; removing
	// it would destroy the step's input data.
	if filepath.Clean(hostOutputDir) != filepath.Clean(hostInputDir) {
		if _, err := os.Stat(hostOutputDir); err == nil {
			if err := os.RemoveAll(hostOutputDir); err != nil {
				s.Logger.Error("cannot pre-clean output directory",
					"output_dir", hostOutputDir, "error", err)
			}
		}
	}

	hostTmpDir, err := os.MkdirTemp("", "mipflow-step-")
	if err != nil {
		return Staged{}, fmt.Errorf("create tmp dir: %w", err)
	}

	return Staged{
		HostInputDir:  hostInputDir,
		HostOutputDir: hostOutputDir,
		HostTmpDir:    hostTmpDir,
	}, nil
}

// Apply injects the directory contract into the container spec: the three
// AIRFLOW_* environment variables and the corresponding mounts. The output
// mount binds the host output directory, never the input directory.
func (s *Stager) Apply(st Staged, spec *containerrun.Spec) {
	containerTmpDir := s.ContainerTmpDir
	if containerTmpDir == "" {
		containerTmpDir = DefaultContainerTmpDir
	}
	containerInputDir := s.ContainerInputDir
	if containerInputDir == "" {
		containerInputDir = DefaultContainerInputDir
	}
	containerOutputDir := s.ContainerOutputDir
	if containerOutputDir == "" {
		containerOutputDir = DefaultContainerOutputDir
	}

	if spec.Env == nil {
		spec.Env = make(map[string]string, 3)
	}
	spec.Env[EnvTmpDir] = containerTmpDir
	spec.Env[EnvInputDir] = containerInputDir
	spec.Env[EnvOutputDir] = containerOutputDir

	spec.Volumes = append(spec.Volumes,
		containerrun.VolumeMount{HostPath: st.HostTmpDir, ContainerPath: containerTmpDir},
		containerrun.VolumeMount{HostPath: st.HostInputDir, ContainerPath: containerInputDir},
		containerrun.VolumeMount{HostPath: st.HostOutputDir, ContainerPath: containerOutputDir},
	)
}

// DiscardTmp removes the per-execution tmp dir, best-effort.
func (s *Stager) DiscardTmp(st Staged) {
	if st.HostTmpDir == "" {
		return
	}
	if err := os.RemoveAll(st.HostTmpDir); err != nil {
		s.Logger.Warn("cannot remove tmp directory", "tmp_dir", st.HostTmpDir, "error", err)
	}
}
