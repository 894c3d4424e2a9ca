package sandbox

// EnvVar is a single environment variable passed into the container.
type EnvVar struct {
	Key   string
	Value string
}

// RunSpec describes one sandboxed execution: an image, a command, and the
// mounts/env/egress hosts it is permitted.
type RunSpec struct {
	Image       string
	Command     []string
	Mounts      []Mount
	Env         []EnvVar
	EgressHosts []string
}

// NewRunSpec constructs a bare RunSpec for image and command.
func NewRunSpec(image string, command []string) *RunSpec {
	return &RunSpec{Image: image, Command: command}
}

// AddMount appends a mount to the spec.
func (s *RunSpec) AddMount(m Mount) { s.Mounts = append(s.Mounts, m) }

// AddEnv appends an environment variable to the spec.
func (s *RunSpec) AddEnv(key, value string) { s.Env = append(s.Env, EnvVar{Key: key, Value: value}) }

// AddEgressHost appends an allowed egress destination to the spec.
func (s *RunSpec) AddEgressHost(host string) { s.EgressHosts = append(s.EgressHosts, host) }

// NetworkDisabled reports whether the spec declares no egress hosts, in
// which case the runner disables networking entirely rather than opening an
// unrestricted network.
func (s *RunSpec) NetworkDisabled() bool { return len(s.EgressHosts) == 0 }

// Validate checks the spec's mounts and egress hosts against the given
// policies, returning the first violation found.
func (s *RunSpec) Validate(mountPolicy MountPolicy, egressPolicy EgressPolicy) error {
	if err := mountPolicy.Validate(s.Mounts); err != nil {
		return err
	}
	for _, host := range s.EgressHosts {
		if !egressPolicy.Allows(host) {
			return &PolicyError{Kind: "egress", Target: host}
		}
	}
	return nil
}
