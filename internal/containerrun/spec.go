// Package containerrun runs a single pipeline step inside a container and
// captures its output.
package containerrun

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TLSConfig secures the connection to a remote container daemon. Zero value
// means a plain local socket.
type TLSConfig struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	// VerifyHostname enables server certificate hostname verification.
	VerifyHostname bool
}

func (c TLSConfig) Enabled() bool {
	return c.CACertPath != "" || c.ClientCertPath != "" || c.ClientKeyPath != ""
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	// Mode is empty or "ro".
	Mode string
}

func (m VolumeMount) String() string {
	s := m.HostPath + ":" + m.ContainerPath
	if m.Mode != "" {
		s += ":" + m.Mode
	}
	return s
}

// ParseVolume parses "host:container[:mode]".
func ParseVolume(s string) (VolumeMount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, fmt.Errorf("invalid volume %q", s)
	}
	m := VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		m.Mode = parts[2]
	}
	if strings.TrimSpace(m.HostPath) == "" || strings.TrimSpace(m.ContainerPath) == "" {
		return VolumeMount{}, fmt.Errorf("invalid volume %q", s)
	}
	return m, nil
}

// ParseMemoryLimit accepts a byte count or a human-readable size such as
// "128m" or "1g" and returns the limit in bytes.
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	unit := int64(1)
	switch s[len(s)-1] {
	case 'b':
		s = s[:len(s)-1]
	case 'k':
		unit = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		unit = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		unit = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory limit must be positive, got %q", s)
	}
	return n * unit, nil
}

// Spec describes one container execution. It is fully assembled before the
// runner is invoked and never mutated during a run.
type Spec struct {
	Image       string
	Command     []string
	CPUShares   int
	MemoryBytes int64
	NetworkMode string
	User        string
	Env         map[string]string
	Volumes     []VolumeMount
	ForcePull   bool
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return errors.New("image is required")
	}
	for _, v := range s.Volumes {
		if strings.TrimSpace(v.HostPath) == "" || strings.TrimSpace(v.ContainerPath) == "" {
			return fmt.Errorf("invalid volume %q", v.String())
		}
	}
	return nil
}

// sortedEnv renders the environment deterministically for the CLI.
func (s Spec) sortedEnv() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// RunResult carries the container's captured stdout/stderr and whether it
// terminated normally.
type RunResult struct {
	ContainerID string
	Logs        string
	Succeeded   bool
}

// ExecutionError reports abnormal container termination. The container id
// allows post-mortem log retrieval even when the primary log channel was
// interrupted.
type ExecutionError struct {
	Image       string
	ContainerID string
	ExitCode    int
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("container_execution_error: image %s container %s exit %d: %v",
		e.Image, e.ContainerID, e.ExitCode, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
