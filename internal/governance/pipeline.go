// Package governance implements the propose → validate → approve →
// execute state machine controlling skill admission. The pipeline
// exclusively owns proposal lifecycles; a misbehaving proposal can
// fail itself but never the pipeline.
package governance

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/connector"
	"github.com/skillgate/skillgate/internal/fault"
	"github.com/skillgate/skillgate/internal/sandbox"
	"github.com/skillgate/skillgate/internal/skill"
	"go.uber.org/zap"
)

// ProposalStore persists proposal state transitions.
type ProposalStore interface {
	SaveProposal(ctx context.Context, p *skill.Proposal) error
}

// Reviewer produces an advisory source review during validation.
// Satisfied by the Anthropic connector.
type Reviewer interface {
	Complete(ctx context.Context, system, prompt string) (string, *connector.CallRecord, error)
}

// Config holds pipeline tunables.
type Config struct {
	// PIN is the approval secret for dangerous capabilities.
	PIN string

	// LockoutThreshold rejects a proposal outright after this many
	// failed approval attempts.
	LockoutThreshold int

	// Retention bounds how long a proposal may sit in pending_approval
	// before the sweeper expires it and erases its source.
	Retention time.Duration

	// ArtifactRoot is where approved skill executables are written.
	ArtifactRoot string

	// StagingRoot is where proposal source is staged for validation.
	StagingRoot string

	// MaxConcurrentValidations bounds the validation worker pool.
	MaxConcurrentValidations int

	// ValidationBudget bounds each test-case execution.
	ValidationBudget sandbox.Budget
}

func (c Config) withDefaults() Config {
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 5
	}
	if c.Retention == 0 {
		c.Retention = 72 * time.Hour
	}
	if c.MaxConcurrentValidations == 0 {
		c.MaxConcurrentValidations = 4
	}
	if c.StagingRoot == "" {
		c.StagingRoot = os.TempDir()
	}
	return c
}

// Pipeline orchestrates proposal admission.
type Pipeline struct {
	cfg      Config
	mu       sync.RWMutex
	proposal map[string]*skill.Proposal
	registry *skill.Registry
	runner   *sandbox.Runner
	meter    *connector.Meter
	sem      chan struct{}

	store    ProposalStore
	trail    *audit.Trail
	reviewer Reviewer

	logger *zap.Logger
}

// NewPipeline creates a pipeline bound to a registry, sandbox runner,
// and session cost meter.
func NewPipeline(cfg Config, registry *skill.Registry, runner *sandbox.Runner, meter *connector.Meter, logger *zap.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:      cfg,
		proposal: make(map[string]*skill.Proposal),
		registry: registry,
		runner:   runner,
		meter:    meter,
		sem:      make(chan struct{}, cfg.MaxConcurrentValidations),
		logger:   logger,
	}
}

// SetStore attaches durable proposal storage.
func (p *Pipeline) SetStore(s ProposalStore) { p.store = s }

// SetTrail attaches the audit trail.
func (p *Pipeline) SetTrail(t *audit.Trail) { p.trail = t }

// SetReviewer attaches the advisory LLM source reviewer.
func (p *Pipeline) SetReviewer(r Reviewer) { p.reviewer = r }

// LoadProposals seeds in-flight proposals from storage at boot.
func (p *Pipeline) LoadProposals(proposals []*skill.Proposal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range proposals {
		cp := *pr
		p.proposal[cp.ID] = &cp
	}
}

// SubmitRequest is an incoming proposal.
type SubmitRequest struct {
	Name         string           `json:"name"`
	Source       string           `json:"source"`
	Capabilities []string         `json:"declared_capabilities"`
	Tests        []skill.TestCase `json:"tests"`
}

// Submit admits a new proposal in state proposed. A capability outside
// the closed enumeration fails here and never reaches validation.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (skill.Proposal, error) {
	if req.Name == "" {
		return skill.Proposal{}, fault.New(fault.InvalidState, "proposal name is required")
	}
	// The name becomes a directory under the artifact root; a path
	// fragment here would let an approved executable land outside it.
	if !skill.ValidName(req.Name) {
		return skill.Proposal{}, fault.New(fault.InvalidState,
			"proposal name %q must be a single path element", req.Name)
	}
	if req.Source == "" {
		return skill.Proposal{}, fault.New(fault.InvalidState, "proposal source is required")
	}

	caps := make([]capability.Capability, 0, len(req.Capabilities))
	for _, s := range req.Capabilities {
		c, err := capability.Parse(s)
		if err != nil {
			return skill.Proposal{}, err
		}
		caps = append(caps, c)
	}

	now := time.Now()
	prop := &skill.Proposal{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Source:       req.Source,
		Capabilities: caps,
		Tests:        req.Tests,
		Status:       skill.StatusProposed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	p.mu.Lock()
	p.proposal[prop.ID] = prop
	p.mu.Unlock()

	p.persist(ctx, prop)
	p.trail.Record(ctx, audit.Event{Action: "proposal.submitted", ProposalID: prop.ID, Skill: prop.Name})
	p.logger.Info("proposal submitted",
		zap.String("id", prop.ID), zap.String("name", prop.Name),
		zap.Int("tests", len(prop.Tests)))
	return *prop, nil
}

// Get returns a snapshot of one proposal.
func (p *Pipeline) Get(id string) (skill.Proposal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.proposal[id]
	if !ok {
		return skill.Proposal{}, fault.New(fault.NotFound, "proposal %q not found", id)
	}
	return *prop, nil
}

// List returns snapshots of all proposals.
func (p *Pipeline) List() []skill.Proposal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]skill.Proposal, 0, len(p.proposal))
	for _, prop := range p.proposal {
		out = append(out, *prop)
	}
	return out
}

// Validate moves a proposal through proposed → validating and runs its
// test suite in the sandbox. All tests passing leads to
// pending_approval, or directly to approved (with promotion) when no
// dangerous capability is declared. Sandbox crashes and panics are
// validation failures, never pipeline failures.
func (p *Pipeline) Validate(ctx context.Context, id string) (skill.Proposal, error) {
	p.mu.Lock()
	prop, ok := p.proposal[id]
	if !ok {
		p.mu.Unlock()
		return skill.Proposal{}, fault.New(fault.NotFound, "proposal %q not found", id)
	}
	if prop.Status != skill.StatusProposed {
		status := prop.Status
		p.mu.Unlock()
		return skill.Proposal{}, fault.New(fault.InvalidState,
			"proposal %q is %s, not %s", id, status, skill.StatusProposed)
	}
	if p.meter != nil && p.meter.Exhausted() {
		p.mu.Unlock()
		return skill.Proposal{}, fault.New(fault.CostLimitExceeded,
			"session cost ceiling reached, refusing validation of %q", id)
	}
	prop.Status = skill.StatusValidating
	prop.UpdatedAt = time.Now()
	snapshot := *prop
	p.mu.Unlock()

	p.persist(ctx, &snapshot)

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	diag := p.runValidation(ctx, &snapshot)

	p.mu.Lock()
	prop = p.proposal[id]
	if diag != nil {
		prop.Status = skill.StatusValidationFailed
		prop.Diagnostic = diag
		prop.UpdatedAt = time.Now()
		result := *prop
		p.mu.Unlock()
		p.persist(ctx, &result)
		p.trail.Record(ctx, audit.Event{
			Action: "proposal.validation_failed", ProposalID: id, Skill: result.Name,
			Detail: diag.FailingTest,
		})
		p.logger.Info("validation failed",
			zap.String("id", id), zap.String("test", diag.FailingTest),
			zap.Bool("resource_violation", diag.ResourceViolation))
		return result, nil
	}

	prop.Diagnostic = nil
	if capability.RequiresApproval(prop.Capabilities) {
		prop.Status = skill.StatusPendingApproval
		prop.UpdatedAt = time.Now()
		result := *prop
		p.mu.Unlock()
		p.persist(ctx, &result)
		p.trail.Record(ctx, audit.Event{Action: "proposal.validated", ProposalID: id, Skill: result.Name})
		p.logger.Info("proposal pending approval", zap.String("id", id), zap.String("name", result.Name))
		return result, nil
	}

	// Safe capability set: no PIN step, promote immediately.
	prop.Status = skill.StatusApproved
	prop.UpdatedAt = time.Now()
	snapshot = *prop
	p.mu.Unlock()

	version, err := p.promote(ctx, &snapshot, nil)
	if err != nil {
		// Promotion failed: return the proposal to proposed so it can
		// be re-validated once the cause is addressed.
		p.mu.Lock()
		if cur, ok := p.proposal[id]; ok {
			cur.Status = skill.StatusProposed
			cur.UpdatedAt = time.Now()
		}
		p.mu.Unlock()
		return snapshot, err
	}
	p.persist(ctx, &snapshot)
	p.trail.Record(ctx, audit.Event{
		Action: "proposal.approved", ProposalID: id, Skill: snapshot.Name, Version: version,
		Detail: "auto-approved, no dangerous capabilities",
	})
	return snapshot, nil
}

// runValidation stages the source and executes every test case.
// Returns nil when all tests pass. Never panics outward.
func (p *Pipeline) runValidation(ctx context.Context, prop *skill.Proposal) (diag *skill.Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("validation worker panic",
				zap.String("id", prop.ID), zap.Any("panic", r))
			diag = &skill.Diagnostic{Output: fmt.Sprintf("validator fault: %v", r)}
		}
	}()

	staging, err := os.MkdirTemp(p.cfg.StagingRoot, "staging-")
	if err != nil {
		return &skill.Diagnostic{Output: fmt.Sprintf("stage proposal: %v", err)}
	}
	defer os.RemoveAll(staging)

	codePath := filepath.Join(staging, "run")
	if err := os.WriteFile(codePath, []byte(prop.Source), 0o755); err != nil {
		return &skill.Diagnostic{Output: fmt.Sprintf("stage proposal: %v", err)}
	}

	p.review(ctx, prop)

	for _, tc := range prop.Tests {
		res := p.runner.Execute(ctx, sandbox.Spec{
			Command:      []string{codePath},
			Capabilities: prop.Capabilities,
		}, []byte(tc.Input), p.cfg.ValidationBudget)

		if !res.OK {
			return &skill.Diagnostic{
				FailingTest:       tc.Name,
				Output:            res.Stderr,
				ResourceViolation: res.Kind == fault.ResourceExceeded || res.Kind == fault.Timeout,
			}
		}
		if got := strings.TrimRight(res.Output, "\n"); got != strings.TrimRight(tc.Expected, "\n") {
			return &skill.Diagnostic{
				FailingTest: tc.Name,
				Output:      fmt.Sprintf("got %q, want %q", got, tc.Expected),
			}
		}
	}
	return nil
}

// review asks the configured LLM connector for an advisory read of the
// source. Advisory only: failures and findings are logged, never
// block validation.
func (p *Pipeline) review(ctx context.Context, prop *skill.Proposal) {
	if p.reviewer == nil {
		return
	}
	verdict, _, err := p.reviewer.Complete(ctx,
		"You review proposed automation scripts for obviously destructive behavior. Reply in one short sentence.",
		prop.Source)
	if err != nil {
		p.logger.Warn("source review unavailable", zap.String("id", prop.ID), zap.Error(err))
		return
	}
	p.logger.Info("source review", zap.String("id", prop.ID), zap.String("verdict", verdict))
}

// Approve checks the supplied PIN and, on success, promotes the
// proposal into the registry. A mismatch leaves the proposal in
// pending_approval and counts toward the lockout threshold.
func (p *Pipeline) Approve(ctx context.Context, id, pin, actor string) (int, error) {
	p.mu.Lock()
	prop, ok := p.proposal[id]
	if !ok {
		p.mu.Unlock()
		return 0, fault.New(fault.NotFound, "proposal %q not found", id)
	}
	if prop.Status != skill.StatusPendingApproval {
		status := prop.Status
		p.mu.Unlock()
		return 0, fault.New(fault.InvalidState,
			"proposal %q is %s, not %s", id, status, skill.StatusPendingApproval)
	}

	// No configured PIN means no way to approve: an empty secret must
	// not match an empty submission.
	if p.cfg.PIN == "" {
		p.mu.Unlock()
		return 0, fault.New(fault.ApprovalDenied, "no approval PIN configured")
	}

	if subtle.ConstantTimeCompare([]byte(pin), []byte(p.cfg.PIN)) != 1 {
		prop.ApprovalAttempts++
		attempts := prop.ApprovalAttempts
		locked := attempts >= p.cfg.LockoutThreshold
		if locked {
			prop.Status = skill.StatusRejected
			prop.Source = ""
		}
		prop.UpdatedAt = time.Now()
		snapshot := *prop
		p.mu.Unlock()

		p.persist(ctx, &snapshot)
		p.trail.Record(ctx, audit.Event{
			Action: "approval.denied", ProposalID: id, Skill: snapshot.Name, Actor: actor,
			Detail: fmt.Sprintf("attempt %d", attempts),
		})
		p.logger.Warn("approval denied",
			zap.String("id", id), zap.Int("attempts", attempts), zap.Bool("locked_out", locked))
		if locked {
			return 0, fault.New(fault.ApprovalDenied,
				"proposal %q locked out after %d failed attempts", id, attempts)
		}
		return 0, fault.New(fault.ApprovalDenied, "PIN mismatch for proposal %q", id)
	}

	prop.Status = skill.StatusApproved
	prop.UpdatedAt = time.Now()
	snapshot := *prop
	p.mu.Unlock()

	approval := &skill.Approval{ApprovedBy: actor, ApprovedAt: time.Now(), PINVerified: true}
	version, err := p.promote(ctx, &snapshot, approval)
	if err != nil {
		// Promotion failed: roll the proposal back so the approval can
		// be retried; the registry is untouched.
		p.mu.Lock()
		if cur, ok := p.proposal[id]; ok {
			cur.Status = skill.StatusPendingApproval
			cur.UpdatedAt = time.Now()
		}
		p.mu.Unlock()
		return 0, err
	}

	p.persist(ctx, &snapshot)
	p.trail.Record(ctx, audit.Event{
		Action: "proposal.approved", ProposalID: id, Skill: snapshot.Name,
		Version: version, Actor: actor,
	})
	p.logger.Info("proposal approved",
		zap.String("id", id), zap.String("name", snapshot.Name), zap.Int("version", version))
	return version, nil
}

// promote writes the artifact and registers the record. A lost
// promotion race (another writer took the version) is retried against
// the next version a bounded number of times.
func (p *Pipeline) promote(ctx context.Context, prop *skill.Proposal, approval *skill.Approval) (int, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		version := p.registry.NextVersion(prop.Name)
		path, sum, err := skill.WriteArtifact(p.cfg.ArtifactRoot, prop.Name, version, []byte(prop.Source))
		if err != nil {
			return 0, fmt.Errorf("write skill artifact: %w", err)
		}
		rec := &skill.Record{
			Name:         prop.Name,
			Version:      version,
			Capabilities: prop.Capabilities,
			CodePath:     path,
			Checksum:     sum,
			Approval:     approval,
			CreatedAt:    time.Now(),
		}
		err = p.registry.Register(ctx, rec)
		if err == nil {
			p.trail.Record(ctx, audit.Event{
				Action: "skill.registered", Skill: prop.Name, Version: version,
			})
			return version, nil
		}
		lastErr = err
		if !fault.IsKind(err, fault.DuplicateVersion) {
			return 0, err
		}
		os.RemoveAll(filepath.Dir(path))
	}
	return 0, lastErr
}

// Reject terminally rejects a proposal and erases its source.
func (p *Pipeline) Reject(ctx context.Context, id, reason string) (skill.Proposal, error) {
	p.mu.Lock()
	prop, ok := p.proposal[id]
	if !ok {
		p.mu.Unlock()
		return skill.Proposal{}, fault.New(fault.NotFound, "proposal %q not found", id)
	}
	if prop.Status.Terminal() {
		status := prop.Status
		p.mu.Unlock()
		return skill.Proposal{}, fault.New(fault.InvalidState,
			"proposal %q already terminal (%s)", id, status)
	}
	prop.Status = skill.StatusRejected
	prop.Source = ""
	prop.UpdatedAt = time.Now()
	snapshot := *prop
	p.mu.Unlock()

	p.persist(ctx, &snapshot)
	p.trail.Record(ctx, audit.Event{
		Action: "proposal.rejected", ProposalID: id, Skill: snapshot.Name, Detail: reason,
	})
	p.logger.Info("proposal rejected", zap.String("id", id), zap.String("reason", reason))
	return snapshot, nil
}

// Sweep expires pending proposals past the retention window. Expired
// proposals are rejected and their source erased rather than kept
// inactive.
func (p *Pipeline) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-p.cfg.Retention)

	p.mu.Lock()
	var expired []skill.Proposal
	for _, prop := range p.proposal {
		if prop.Status == skill.StatusPendingApproval && prop.UpdatedAt.Before(cutoff) {
			prop.Status = skill.StatusRejected
			prop.Source = ""
			prop.UpdatedAt = time.Now()
			expired = append(expired, *prop)
		}
	}
	p.mu.Unlock()

	for i := range expired {
		p.persist(ctx, &expired[i])
		p.trail.Record(ctx, audit.Event{
			Action: "proposal.rejected", ProposalID: expired[i].ID,
			Skill: expired[i].Name, Detail: "approval window expired",
		})
	}
	if len(expired) > 0 {
		p.logger.Info("expired pending proposals", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// StartSweeper runs Sweep on an interval until ctx is cancelled.
func (p *Pipeline) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.Sweep(ctx)
			}
		}
	}()
}

func (p *Pipeline) persist(ctx context.Context, prop *skill.Proposal) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveProposal(ctx, prop); err != nil {
		p.logger.Warn("persist proposal failed", zap.String("id", prop.ID), zap.Error(err))
	}
}
