// Package fault defines the closed error taxonomy surfaced at the
// governance API boundary. Every failure a caller can observe maps to
// exactly one Kind; internal errors are wrapped with fmt.Errorf and
// classified at the edge with KindOf.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

const (
	UnknownCapability   Kind = "unknown_capability"
	CapabilityViolation Kind = "capability_violation"
	ValidationFailed    Kind = "validation_failed"
	ApprovalDenied      Kind = "approval_denied"
	ResourceExceeded    Kind = "resource_exceeded"
	Timeout             Kind = "timeout"
	ConnectorTimeout    Kind = "connector_timeout"
	CostLimitExceeded   Kind = "cost_limit_exceeded"
	DuplicateVersion    Kind = "duplicate_version"
	ExecutionFailed     Kind = "execution_failed"
	NotFound            Kind = "not_found"
	InvalidState        Kind = "invalid_state"

	// Internal marks errors that escaped classification. It should not
	// appear in normal operation.
	Internal Kind = "internal"
)

// Fault is a classified error. Detail carries the diagnostic payload
// returned to callers (captured output, failing test name, etc.).
type Fault struct {
	Kind    Kind
	Message string
	Detail  map[string]string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a diagnostic key/value pair and returns the fault.
func (f *Fault) WithDetail(key, value string) *Fault {
	if f.Detail == nil {
		f.Detail = make(map[string]string)
	}
	f.Detail[key] = value
	return f
}

// KindOf classifies any error. Unclassified errors report Internal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the diagnostic payload of a classified error, or nil.
func DetailOf(err error) map[string]string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Detail
	}
	return nil
}
