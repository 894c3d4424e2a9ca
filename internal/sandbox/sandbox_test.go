package sandbox

import (
	"context"
	"reflect"
	"testing"
)

type stubExecutor struct {
	lastArgs []string
}

func (s *stubExecutor) Run(_ context.Context, args []string) (CommandResult, error) {
	s.lastArgs = args
	return CommandResult{Status: 0, Stdout: "ok"}, nil
}

func TestDockerRunnerBuildCommandDisablesNetworkWithNoEgress(t *testing.T) {
	spec := NewRunSpec("microclaw-agent:latest", []string{"/bin/sh"})
	spec.AddMount(ReadOnlyMount("/allowed/data", "/workspace/data"))
	spec.AddEnv("TASK_ID", "abc")

	got := BuildDockerCommand(spec)
	want := []string{
		"docker", "run", "--rm", "--network=none",
		"-v", "/allowed/data:/workspace/data:ro",
		"-e", "TASK_ID=abc",
		"microclaw-agent:latest", "/bin/sh",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAppleCommandEnablesNetworkWithEgressHosts(t *testing.T) {
	spec := NewRunSpec("microclaw-agent:latest", []string{"/bin/sh"})
	spec.AddEgressHost("api.anthropic.com")

	got := BuildAppleCommand(spec)
	for _, arg := range got {
		if arg == "--network=none" {
			t.Fatalf("expected network enabled when egress hosts are declared, got %v", got)
		}
	}
}

func TestRunnerBlocksDisallowedMounts(t *testing.T) {
	spec := NewRunSpec("microclaw-agent:latest", []string{"/bin/sh"})
	spec.AddMount(ReadOnlyMount("/blocked/path", "/workspace/data"))
	mountPolicy := NewMountPolicy([]string{"/allowed"})
	egressPolicy := NewEgressPolicy(nil)

	runner := NewAppleContainerRunner(&stubExecutor{})
	if _, err := runner.RunWithPolicy(context.Background(), spec, mountPolicy, egressPolicy); err == nil {
		t.Fatalf("expected policy violation for disallowed mount")
	}
}

func TestRunnerBlocksDisallowedEgress(t *testing.T) {
	spec := NewRunSpec("microclaw-agent:latest", []string{"/bin/sh"})
	spec.AddEgressHost("api.example.com")
	mountPolicy := NewMountPolicy(nil)
	egressPolicy := NewEgressPolicy(nil)

	runner := NewAppleContainerRunner(&stubExecutor{})
	if _, err := runner.RunWithPolicy(context.Background(), spec, mountPolicy, egressPolicy); err == nil {
		t.Fatalf("expected policy violation for disallowed egress host")
	}
}

func TestRunnerAllowsCompliantSpec(t *testing.T) {
	spec := NewRunSpec("microclaw-agent:latest", []string{"/bin/sh"})
	spec.AddMount(ReadOnlyMount("/allowed/data", "/workspace/data"))
	spec.AddEgressHost("api.anthropic.com")
	mountPolicy := NewMountPolicy([]string{"/allowed"})
	egressPolicy := NewEgressPolicy([]string{"api.anthropic.com"})

	exec := &stubExecutor{}
	runner := NewDockerRunner(exec)
	result, err := runner.RunWithPolicy(context.Background(), spec, mountPolicy, egressPolicy)
	if err != nil {
		t.Fatalf("unexpected policy violation: %v", err)
	}
	if result.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(exec.lastArgs) == 0 || exec.lastArgs[0] != "docker" {
		t.Fatalf("expected docker argv, got %v", exec.lastArgs)
	}
}

func TestSecretBrokerRequiresBothAllowlistAndPresence(t *testing.T) {
	broker := NewSecretBroker([]string{"API_KEY"}, map[string]string{"API_KEY": "sk-test", "UNLISTED": "value"})

	if value, ok := broker.Request("API_KEY"); !ok || value != "sk-test" {
		t.Fatalf("expected allowlisted secret to be released, got %q ok=%v", value, ok)
	}
	if _, ok := broker.Request("UNLISTED"); ok {
		t.Fatalf("expected non-allowlisted secret to be withheld even though present")
	}
	if _, ok := broker.Request("MISSING"); ok {
		t.Fatalf("expected missing secret to be withheld")
	}

	entries := broker.Audit().Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	if !entries[0].Allowed || entries[1].Allowed || entries[2].Allowed {
		t.Fatalf("unexpected audit outcomes: %+v", entries)
	}
}
