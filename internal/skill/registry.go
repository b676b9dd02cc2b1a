package skill

import (
	"context"
	"sort"
	"sync"

	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/fault"
	"github.com/skillgate/skillgate/internal/sandbox"
	"go.uber.org/zap"
)

// Persister writes registry mutations through to durable storage.
type Persister interface {
	SaveRecord(ctx context.Context, rec *Record) error
	SetRetired(ctx context.Context, name string, version int, retired bool) error
}

// Registry is the durable catalog of approved skills. It is
// authoritative in memory; all writes go through Register/Retire,
// which serialize conflicting writers.
type Registry struct {
	mu        sync.RWMutex
	records   map[string][]*Record // name → records sorted by version asc
	runner    *sandbox.Runner
	persister Persister
	logger    *zap.Logger
}

// NewRegistry creates an empty registry backed by the given sandbox
// runner for invocations.
func NewRegistry(runner *sandbox.Runner, logger *zap.Logger) *Registry {
	return &Registry{
		records: make(map[string][]*Record),
		runner:  runner,
		logger:  logger,
	}
}

// SetPersister attaches durable storage. Without one the registry is
// memory-only.
func (r *Registry) SetPersister(p Persister) { r.persister = p }

// Load seeds the registry from persisted records at boot.
func (r *Registry) Load(records []*Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records[rec.Name] = append(r.records[rec.Name], rec)
	}
	for name := range r.records {
		sort.Slice(r.records[name], func(i, j int) bool {
			return r.records[name][i].Version < r.records[name][j].Version
		})
	}
}

// Register admits a new record. An exact (name, version) duplicate is
// rejected with DuplicateVersion: the losing writer of a promotion
// race must resubmit as the next version. A record carrying a
// dangerous capability without verified approval metadata is refused.
func (r *Registry) Register(ctx context.Context, rec *Record) error {
	if err := capability.Validate(rec.Capabilities); err != nil {
		return err
	}
	if capability.RequiresApproval(rec.Capabilities) {
		if rec.Approval == nil || !rec.Approval.PINVerified {
			return fault.New(fault.ApprovalDenied,
				"skill %q declares dangerous capabilities but carries no verified approval", rec.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records[rec.Name] {
		if existing.Version == rec.Version {
			return fault.New(fault.DuplicateVersion,
				"skill %q version %d already registered", rec.Name, rec.Version)
		}
	}
	r.records[rec.Name] = append(r.records[rec.Name], rec)
	sort.Slice(r.records[rec.Name], func(i, j int) bool {
		return r.records[rec.Name][i].Version < r.records[rec.Name][j].Version
	})

	if r.persister != nil {
		if err := r.persister.SaveRecord(ctx, rec); err != nil {
			r.logger.Warn("persist skill record failed",
				zap.String("name", rec.Name), zap.Int("version", rec.Version), zap.Error(err))
		}
	}
	r.logger.Info("registered skill",
		zap.String("name", rec.Name), zap.Int("version", rec.Version))
	return nil
}

// NextVersion returns the version a new promotion of name should use.
func (r *Registry) NextVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.records[name]
	if len(recs) == 0 {
		return 1
	}
	return recs[len(recs)-1].Version + 1
}

// Lookup resolves a record. Version 0 means the highest non-retired
// version.
func (r *Registry) Lookup(name string, version int) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.records[name]
	if version == 0 {
		for i := len(recs) - 1; i >= 0; i-- {
			if !recs[i].Retired {
				return recs[i], nil
			}
		}
		return nil, fault.New(fault.NotFound, "skill %q not registered", name)
	}
	for _, rec := range recs {
		if rec.Version == version {
			if rec.Retired {
				return nil, fault.New(fault.NotFound, "skill %q version %d is retired", name, version)
			}
			return rec, nil
		}
	}
	return nil, fault.New(fault.NotFound, "skill %q version %d not registered", name, version)
}

// List returns every record, retired ones included, ordered by name
// then version.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []*Record
	for _, name := range names {
		out = append(out, r.records[name]...)
	}
	return out
}

// Retire marks a version non-invocable. Old versions are never deleted
// automatically; retirement is the explicit step that removes them
// from lookup.
func (r *Registry) Retire(ctx context.Context, name string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records[name] {
		if rec.Version == version {
			rec.Retired = true
			if r.persister != nil {
				if err := r.persister.SetRetired(ctx, name, version, true); err != nil {
					r.logger.Warn("persist retirement failed",
						zap.String("name", name), zap.Int("version", version), zap.Error(err))
				}
			}
			r.logger.Info("retired skill", zap.String("name", name), zap.Int("version", version))
			return nil
		}
	}
	return fault.New(fault.NotFound, "skill %q version %d not registered", name, version)
}

// Invoke resolves a record, checks the caller's granted capabilities
// against the record's declared set, and delegates to the sandbox
// runner. On a capability mismatch no sandbox process is started.
func (r *Registry) Invoke(ctx context.Context, name string, version int, input []byte, granted []capability.Capability, budget sandbox.Budget) (*sandbox.Result, *Record, error) {
	rec, err := r.Lookup(name, version)
	if err != nil {
		return nil, nil, err
	}
	if !capability.Subset(rec.Capabilities, granted) {
		return nil, rec, fault.New(fault.CapabilityViolation,
			"caller grants do not cover capabilities declared by %q v%d", rec.Name, rec.Version)
	}
	if err := VerifyArtifact(rec.CodePath, rec.Checksum); err != nil {
		return nil, rec, fault.New(fault.ExecutionFailed, "artifact integrity: %v", err)
	}

	res := r.runner.Execute(ctx, sandbox.Spec{
		Command:      []string{rec.CodePath},
		Capabilities: rec.Capabilities,
	}, input, budget)
	return res, rec, nil
}
