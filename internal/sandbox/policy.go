// Package sandbox builds the isolated container invocation a task's agent
// run executes inside, and the mount/egress/secret policies that gate it.
package sandbox

import (
	"fmt"
	"strings"
)

// Mount describes a single bind mount into the sandbox container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ReadOnlyMount is a convenience constructor for the common case.
func ReadOnlyMount(source, target string) Mount {
	return Mount{Source: source, Target: target, ReadOnly: true}
}

func (m Mount) dockerArg() string {
	if m.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", m.Source, m.Target)
	}
	return fmt.Sprintf("%s:%s", m.Source, m.Target)
}

func (m Mount) appleArg() string {
	arg := fmt.Sprintf("type=bind,src=%s,dst=%s", m.Source, m.Target)
	if m.ReadOnly {
		arg += ",readonly"
	}
	return arg
}

// PolicyError reports a mount or egress destination that a RunSpec requested
// but its governing policy does not permit.
type PolicyError struct {
	Kind   string // "mount" or "egress"
	Target string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("sandbox: %s not allowed: %s", e.Kind, e.Target)
}

// MountPolicy restricts bind-mount sources to a set of allowed path
// prefixes.
type MountPolicy struct {
	AllowedPrefixes []string
}

// NewMountPolicy constructs a MountPolicy from the given allowlist.
func NewMountPolicy(allowedPrefixes []string) MountPolicy {
	return MountPolicy{AllowedPrefixes: allowedPrefixes}
}

// Validate rejects the first mount whose source does not start with any
// allowed prefix.
func (p MountPolicy) Validate(mounts []Mount) error {
	for _, mount := range mounts {
		if !p.allows(mount.Source) {
			return &PolicyError{Kind: "mount", Target: mount.Source}
		}
	}
	return nil
}

func (p MountPolicy) allows(source string) bool {
	for _, prefix := range p.AllowedPrefixes {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return false
}

// EgressPolicy restricts the hosts a RunSpec may declare for network access.
type EgressPolicy struct {
	Allowlist []string
}

// NewEgressPolicy constructs an EgressPolicy from the given allowlist.
func NewEgressPolicy(allowlist []string) EgressPolicy {
	return EgressPolicy{Allowlist: allowlist}
}

// Allows reports whether host is present in the allowlist.
func (p EgressPolicy) Allows(host string) bool {
	for _, entry := range p.Allowlist {
		if entry == host {
			return true
		}
	}
	return false
}
