package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CommandResult is the outcome of a container invocation.
type CommandResult struct {
	Status int
	Stdout string
	Stderr string
}

// Executor runs a fully built command line and captures its outcome. The
// interface lets runners be exercised against a fake in tests instead of
// shelling out to an actual container runtime.
type Executor interface {
	Run(ctx context.Context, args []string) (CommandResult, error)
}

// ProcessExecutor runs commands via os/exec.
type ProcessExecutor struct{}

// Run implements Executor.
func (ProcessExecutor) Run(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{}, fmt.Errorf("sandbox: empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	status := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		status = exitErr.ExitCode()
	} else if err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: failed to execute %s: %w", args[0], err)
	}
	return CommandResult{Status: status, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// DockerRunner builds docker CLI invocations for a RunSpec.
type DockerRunner struct {
	Executor Executor
}

// NewDockerRunner constructs a DockerRunner backed by the given executor.
func NewDockerRunner(executor Executor) *DockerRunner {
	return &DockerRunner{Executor: executor}
}

// BuildDockerCommand renders the docker run argv for spec, without executing it.
func BuildDockerCommand(spec *RunSpec) []string {
	args := []string{"docker", "run", "--rm"}
	if spec.NetworkDisabled() {
		args = append(args, "--network=none")
	}
	for _, mount := range spec.Mounts {
		args = append(args, "-v", mount.dockerArg())
	}
	for _, env := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", env.Key, env.Value))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// Run executes spec via docker with no policy check.
func (r *DockerRunner) Run(ctx context.Context, spec *RunSpec) (CommandResult, error) {
	return r.Executor.Run(ctx, BuildDockerCommand(spec))
}

// RunWithPolicy validates spec against the given policies before running it.
func (r *DockerRunner) RunWithPolicy(ctx context.Context, spec *RunSpec, mountPolicy MountPolicy, egressPolicy EgressPolicy) (CommandResult, error) {
	if err := spec.Validate(mountPolicy, egressPolicy); err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: policy violation: %w", err)
	}
	return r.Run(ctx, spec)
}

// AppleContainerRunner builds `container` CLI invocations for a RunSpec, for
// hosts running Apple's native container runtime instead of Docker.
type AppleContainerRunner struct {
	Executor Executor
}

// NewAppleContainerRunner constructs an AppleContainerRunner backed by the
// given executor.
func NewAppleContainerRunner(executor Executor) *AppleContainerRunner {
	return &AppleContainerRunner{Executor: executor}
}

// BuildAppleCommand renders the `container run` argv for spec.
func BuildAppleCommand(spec *RunSpec) []string {
	args := []string{"container", "run", "--rm"}
	if spec.NetworkDisabled() {
		args = append(args, "--network=none")
	}
	for _, mount := range spec.Mounts {
		args = append(args, "--mount", mount.appleArg())
	}
	for _, env := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", env.Key, env.Value))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// Run executes spec via the Apple container runtime with no policy check.
func (r *AppleContainerRunner) Run(ctx context.Context, spec *RunSpec) (CommandResult, error) {
	return r.Executor.Run(ctx, BuildAppleCommand(spec))
}

// RunWithPolicy validates spec against the given policies before running it.
func (r *AppleContainerRunner) RunWithPolicy(ctx context.Context, spec *RunSpec, mountPolicy MountPolicy, egressPolicy EgressPolicy) (CommandResult, error) {
	if err := spec.Validate(mountPolicy, egressPolicy); err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: policy violation: %w", err)
	}
	return r.Run(ctx, spec)
}

// Backend names a container runtime a host may use.
type Backend string

const (
	BackendDocker Backend = "docker"
	BackendApple  Backend = "apple"
)
