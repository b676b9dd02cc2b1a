// Package skill defines the proposal and registry model for
// governed executable capabilities.
package skill

import (
	"time"

	"github.com/skillgate/skillgate/internal/capability"
)

// Status is a proposal's position in the governance state machine.
type Status string

const (
	StatusProposed         Status = "proposed"
	StatusValidating       Status = "validating"
	StatusValidationFailed Status = "validation_failed"
	StatusPendingApproval  Status = "pending_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
)

// Terminal reports whether a status ends the proposal's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusValidationFailed || s == StatusApproved || s == StatusRejected
}

// TestCase is one input/expected-output pair a proposal must pass
// during validation.
type TestCase struct {
	Name     string `json:"name"`
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Diagnostic captures why validation failed.
type Diagnostic struct {
	FailingTest       string `json:"failing_test,omitempty"`
	Output            string `json:"output,omitempty"`
	ResourceViolation bool   `json:"resource_violation"`
}

// Proposal is a candidate skill moving through the governance
// pipeline. The pipeline exclusively owns its lifecycle.
type Proposal struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Source           string                  `json:"source"`
	Capabilities     []capability.Capability `json:"capabilities"`
	Tests            []TestCase              `json:"tests"`
	Status           Status                  `json:"status"`
	Diagnostic       *Diagnostic             `json:"diagnostic,omitempty"`
	ApprovalAttempts int                     `json:"approval_attempts"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Approval records who admitted a skill and how.
type Approval struct {
	ApprovedBy  string    `json:"approved_by"`
	ApprovedAt  time.Time `json:"approved_at"`
	PINVerified bool      `json:"pin_verified"`
}

// Record is a registry entry for an approved skill. Immutable once
// created; supersession happens by registering the next version, never
// by mutation.
type Record struct {
	Name         string                  `json:"name"`
	Version      int                     `json:"version"`
	Capabilities []capability.Capability `json:"capabilities"`
	CodePath     string                  `json:"code_path"`
	Checksum     string                  `json:"checksum"`
	Approval     *Approval               `json:"approval,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	Retired      bool                    `json:"retired"`
}
