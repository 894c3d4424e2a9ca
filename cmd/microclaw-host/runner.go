package main

import (
	"context"

	configpkg "microclaw/host/internal/config"
	"microclaw/host/internal/logging"
	"microclaw/host/internal/sandbox"
	"microclaw/host/internal/scheduler"
)

// taskRunner builds and executes the sandboxed container invocation for a
// scheduled task's agent run, gating mounts/egress/secrets through the
// configured policies before handing the command to docker.
type taskRunner struct {
	image        string
	mountPolicy  sandbox.MountPolicy
	egressPolicy sandbox.EgressPolicy
	secrets      *sandbox.SecretBroker
	runner       *sandbox.DockerRunner
	log          *logging.Logger
}

func newTaskRunner(cfg *configpkg.Config, secrets map[string]string, logger *logging.Logger) *taskRunner {
	return &taskRunner{
		image:        cfg.SandboxImage,
		mountPolicy:  sandbox.NewMountPolicy(cfg.SandboxMountAllowlist),
		egressPolicy: sandbox.NewEgressPolicy(cfg.SandboxEgressAllowlist),
		secrets:      sandbox.NewSecretBroker(cfg.SandboxSecretAllowlist, secrets),
		runner:       sandbox.NewDockerRunner(sandbox.ProcessExecutor{}),
		log:          logger,
	}
}

// Run executes task's agent prompt inside a sandboxed container, returning the
// container's stdout as the result for the task store. A non-zero exit status
// is logged but not returned as an error.
func (r *taskRunner) Run(ctx context.Context, task *scheduler.Task) (string, error) {
	spec := sandbox.NewRunSpec(r.image, []string{"claw-agent", "run", "--prompt", task.Prompt, "--group", task.GroupFolder})
	spec.AddMount(sandbox.ReadOnlyMount(task.GroupFolder, "/workspace"))

	if value, ok := r.secrets.Request("ANTHROPIC_API_KEY"); ok {
		spec.AddEnv("ANTHROPIC_API_KEY", value)
	}

	result, err := r.runner.RunWithPolicy(ctx, spec, r.mountPolicy, r.egressPolicy)
	if err != nil {
		r.log.Error("sandboxed task run failed", logging.Error(err), logging.String("task_id", task.ID))
		return "", err
	}
	if result.Status != 0 {
		r.log.Warn("sandboxed task run exited non-zero", logging.Int("status", result.Status), logging.String("task_id", task.ID))
	}
	return result.Stdout, nil
}
