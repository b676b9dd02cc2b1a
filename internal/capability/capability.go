// Package capability defines the permission vocabulary for skills.
// The set is closed at build time; anything outside it is rejected at
// proposal submission, before validation ever starts.
package capability

import (
	"github.com/skillgate/skillgate/internal/fault"
)

// Capability is an atomic permission tag a skill declares it needs.
type Capability string

const (
	Network         Capability = "network"
	FilesystemRead  Capability = "filesystem-read"
	FilesystemWrite Capability = "filesystem-write"
	ProcessExec     Capability = "process-execution"
	SystemLevel     Capability = "system-level"
)

// All lists the closed enumeration in a stable order.
var All = []Capability{Network, FilesystemRead, FilesystemWrite, ProcessExec, SystemLevel}

// dangerous capabilities require explicit human approval (PIN) before
// a skill carrying them becomes runnable.
var dangerous = map[Capability]bool{
	FilesystemWrite: true,
	ProcessExec:     true,
	SystemLevel:     true,
}

var known = func() map[Capability]bool {
	m := make(map[Capability]bool, len(All))
	for _, c := range All {
		m[c] = true
	}
	return m
}()

// Parse validates a single capability name.
func Parse(s string) (Capability, error) {
	c := Capability(s)
	if !known[c] {
		return "", fault.New(fault.UnknownCapability, "unknown capability %q", s)
	}
	return c, nil
}

// Validate checks a declared capability set against the closed
// enumeration.
func Validate(caps []Capability) error {
	for _, c := range caps {
		if !known[c] {
			return fault.New(fault.UnknownCapability, "unknown capability %q", c)
		}
	}
	return nil
}

// RequiresApproval reports whether the set intersects the dangerous
// subset.
func RequiresApproval(caps []Capability) bool {
	for _, c := range caps {
		if dangerous[c] {
			return true
		}
	}
	return false
}

// Subset reports whether every declared capability is granted.
func Subset(declared, granted []Capability) bool {
	have := make(map[Capability]bool, len(granted))
	for _, c := range granted {
		have[c] = true
	}
	for _, c := range declared {
		if !have[c] {
			return false
		}
	}
	return true
}

// Has reports whether the set contains c.
func Has(caps []Capability, c Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
