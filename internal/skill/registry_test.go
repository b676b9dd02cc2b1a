package skill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/fault"
	"github.com/skillgate/skillgate/internal/sandbox"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	runner := sandbox.NewRunner(sandbox.Config{ScratchRoot: t.TempDir()}, zap.NewNop())
	return NewRegistry(runner, zap.NewNop())
}

func approvedRecord(t *testing.T, root, name string, version int, caps []capability.Capability) *Record {
	t.Helper()
	source := []byte("#!/bin/sh\ncat\n")
	path, sum, err := WriteArtifact(root, name, version, source)
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	rec := &Record{
		Name:         name,
		Version:      version,
		Capabilities: caps,
		CodePath:     path,
		Checksum:     sum,
		CreatedAt:    time.Now(),
	}
	if capability.RequiresApproval(caps) {
		rec.Approval = &Approval{ApprovedBy: "operator", ApprovedAt: time.Now(), PINVerified: true}
	}
	return rec
}

func TestRegisterAndLookup(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	if err := reg.Register(ctx, approvedRecord(t, root, "echo", 1, nil)); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := reg.Register(ctx, approvedRecord(t, root, "echo", 2, nil)); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	rec, err := reg.Lookup("echo", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("lookup without version got v%d, want v2", rec.Version)
	}

	rec, err = reg.Lookup("echo", 1)
	if err != nil {
		t.Fatalf("lookup v1: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("got v%d, want v1", rec.Version)
	}
}

func TestDuplicateVersionRejected(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	if err := reg.Register(ctx, approvedRecord(t, root, "echo", 1, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register(ctx, approvedRecord(t, root, "echo", 1, nil))
	if fault.KindOf(err) != fault.DuplicateVersion {
		t.Fatalf("got %v, want DuplicateVersion", err)
	}

	// A failed promotion leaves the previous highest version in place.
	rec, err := reg.Lookup("echo", 0)
	if err != nil {
		t.Fatalf("lookup after failed promotion: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("got v%d, want v1", rec.Version)
	}
}

func TestConcurrentRegistrationOneWinner(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		rec := approvedRecord(t, root, "race", 1, nil)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			errs[i] = reg.Register(ctx, rec)
		}(i)
	}
	start.Done()
	wg.Wait()

	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case fault.KindOf(err) == fault.DuplicateVersion:
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != writers-1 {
		t.Errorf("got %d winners and %d duplicates, want 1 and %d", won, lost, writers-1)
	}
}

func TestDangerousCapsRequireApproval(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()

	rec := approvedRecord(t, root, "deleter", 1, []capability.Capability{capability.FilesystemWrite})
	rec.Approval = nil
	err := reg.Register(context.Background(), rec)
	if fault.KindOf(err) != fault.ApprovalDenied {
		t.Fatalf("got %v, want ApprovalDenied", err)
	}
}

func TestRetireRemovesFromLookup(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	reg.Register(ctx, approvedRecord(t, root, "echo", 1, nil))
	reg.Register(ctx, approvedRecord(t, root, "echo", 2, nil))
	if err := reg.Retire(ctx, "echo", 2); err != nil {
		t.Fatalf("retire: %v", err)
	}

	rec, err := reg.Lookup("echo", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("got v%d after retiring v2, want v1", rec.Version)
	}
	if _, err := reg.Lookup("echo", 2); fault.KindOf(err) != fault.NotFound {
		t.Errorf("retired version still resolvable: %v", err)
	}
	// Retired versions remain listed for audit.
	if got := len(reg.List()); got != 2 {
		t.Errorf("list size %d, want 2", got)
	}
}

func TestInvokeCapabilityViolationStartsNoSandbox(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	rec := approvedRecord(t, root, "fetcher", 1, []capability.Capability{capability.Network})
	if err := reg.Register(ctx, rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, _, err := reg.Invoke(ctx, "fetcher", 0, []byte("x"),
		[]capability.Capability{capability.FilesystemRead}, sandbox.Budget{})
	if fault.KindOf(err) != fault.CapabilityViolation {
		t.Fatalf("got %v, want CapabilityViolation", err)
	}
	if res != nil {
		t.Error("sandbox result returned despite capability violation")
	}
}

func TestInvokeRunsSkill(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	if err := reg.Register(ctx, approvedRecord(t, root, "echo", 1, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, rec, err := reg.Invoke(ctx, "echo", 0, []byte("hi"), nil, sandbox.Budget{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("resolved v%d, want v1", rec.Version)
	}
	if !res.OK || res.Output != "hi" {
		t.Errorf("got ok=%v output=%q, want ok=true output=hi", res.OK, res.Output)
	}
}

func TestInvokeChecksumMismatch(t *testing.T) {
	reg := testRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	rec := approvedRecord(t, root, "echo", 1, nil)
	rec.Checksum = "deadbeef"
	if err := reg.Register(ctx, rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, _, err := reg.Invoke(ctx, "echo", 0, nil, nil, sandbox.Budget{})
	if fault.KindOf(err) != fault.ExecutionFailed {
		t.Fatalf("got %v, want ExecutionFailed", err)
	}
}
