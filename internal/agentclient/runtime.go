package agentclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runtime runs the command carried by a task payload.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Image   string            // Container image (empty for bare execution)
	Command []string          // Command and arguments
	WorkDir string            // Working directory on the host
	Env     map[string]string // Environment variables
}

// RunResult captures the output of an execution.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (RunResult, error)
}

// osCommandRunner runs commands with os/exec. A non-zero exit is a result,
// not an error; errors mean the command could not run at all.
type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, dir, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	res := RunResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	switch e := runErr.(type) {
	case nil:
		return res, nil
	case *exec.ExitError:
		res.ExitCode = e.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, runErr
	}
}

// BareRuntime executes commands directly on the host.
type BareRuntime struct {
	runner CommandRunner
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{runner: osCommandRunner{}}
}

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("bare runtime: empty command")
	}
	res, err := r.runner.Run(ctx, spec.WorkDir, spec.Command[0], spec.Command[1:]...)
	if err != nil {
		return res, fmt.Errorf("bare runtime: %w", err)
	}
	return res, nil
}

// DockerRuntime executes commands inside Docker containers.
type DockerRuntime struct {
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return newDockerRuntimeWithRunner(osCommandRunner{})
}

func newDockerRuntimeWithRunner(r CommandRunner) *DockerRuntime {
	return &DockerRuntime{runner: r}
}

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("docker runtime: empty command")
	}

	args := []string{"run", "--rm"}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	if spec.WorkDir != "" {
		args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	res, err := r.runner.Run(ctx, "", "docker", args...)
	if err != nil {
		return res, fmt.Errorf("docker runtime: %w", err)
	}
	return res, nil
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
