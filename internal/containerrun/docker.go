package containerrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes a container synchronously. Run blocks until the container
// terminates or ctx is cancelled by the surrounding scheduler.
type Runner interface {
	Run(ctx context.Context, spec Spec) (RunResult, error)
	Logs(ctx context.Context, containerID string) (string, error)
}

type DockerConfig struct {
	Binary    string
	DaemonURL string
	TLS       TLSConfig
}

// DockerRunner shells out to the docker CLI. Containers are created first so
// their id is known before the blocking attach, then removed on success;
// failed containers are kept for post-mortem inspection.
type DockerRunner struct {
	bin       string
	daemonURL string
	tls       TLSConfig
	logger    *slog.Logger
}

func NewDockerRunner(logger *slog.Logger, cfg DockerConfig) (*DockerRunner, error) {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerRunner{
		bin:       bin,
		daemonURL: strings.TrimSpace(cfg.DaemonURL),
		tls:       cfg.TLS,
		logger:    logger,
	}, nil
}

// globalArgs renders the daemon connection flags shared by every docker
// invocation.
func (r *DockerRunner) globalArgs() []string {
	var args []string
	if r.daemonURL != "" {
		args = append(args, "--host", r.daemonURL)
	}
	if r.tls.Enabled() {
		args = append(args, "--tls")
		if r.tls.VerifyHostname {
			args = append(args, "--tlsverify")
		}
		if r.tls.CACertPath != "" {
			args = append(args, "--tlscacert", r.tls.CACertPath)
		}
		if r.tls.ClientCertPath != "" {
			args = append(args, "--tlscert", r.tls.ClientCertPath)
		}
		if r.tls.ClientKeyPath != "" {
			args = append(args, "--tlskey", r.tls.ClientKeyPath)
		}
	}
	return args
}

func (r *DockerRunner) Run(ctx context.Context, spec Spec) (RunResult, error) {
	if err := spec.Validate(); err != nil {
		return RunResult{}, err
	}

	if spec.ForcePull {
		args := append(r.globalArgs(), "pull", spec.Image)
		cmd := exec.CommandContext(ctx, r.bin, args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return RunResult{}, fmt.Errorf("docker pull %s: %w: %s", spec.Image, err, strings.TrimSpace(string(out)))
		}
	}

	containerID, err := r.create(ctx, spec)
	if err != nil {
		return RunResult{}, err
	}

	args := append(r.globalArgs(), "start", "--attach", containerID)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	out, runErr := cmd.CombinedOutput()
	logs := string(out)

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return RunResult{ContainerID: containerID, Logs: logs}, &ExecutionError{
			Image:       spec.Image,
			ContainerID: containerID,
			ExitCode:    exitCode,
			Err:         runErr,
		}
	}

	r.remove(ctx, containerID)
	return RunResult{ContainerID: containerID, Logs: logs, Succeeded: true}, nil
}

func (r *DockerRunner) create(ctx context.Context, spec Spec) (string, error) {
	args := append(r.globalArgs(), "create")
	if spec.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(spec.CPUShares))
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.MemoryBytes, 10))
	}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, e := range spec.sortedEnv() {
		args = append(args, "--env", e)
	}
	for _, v := range spec.Volumes {
		args = append(args, "--volume", v.String())
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("docker create %s: %w: %s", spec.Image, err, text)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("docker create %s: empty container id", spec.Image)
	}
	// The id is the last line; docker may print pull progress above it.
	return fields[len(fields)-1], nil
}

func (r *DockerRunner) Logs(ctx context.Context, containerID string) (string, error) {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return "", errors.New("container id is required")
	}
	args := append(r.globalArgs(), "logs", containerID)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker logs %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *DockerRunner) remove(ctx context.Context, containerID string) {
	args := append(r.globalArgs(), "rm", "--force", containerID)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.logger.Warn("container remove failed",
			"container_id", containerID, "error", err, "output", strings.TrimSpace(string(out)))
	}
}
