package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/connector"
	"github.com/skillgate/skillgate/internal/governance"
	"github.com/skillgate/skillgate/internal/sandbox"
	"github.com/skillgate/skillgate/internal/skill"
	pgstore "github.com/skillgate/skillgate/internal/store"
	"go.uber.org/zap"
)

const echoSource = "#!/bin/sh\ncat\n"

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestProposalPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()

	prop := &skill.Proposal{
		ID:           "11111111-1111-1111-1111-111111111111",
		Name:         "shouter",
		Source:       "#!/bin/sh\ntr a-z A-Z\n",
		Capabilities: []capability.Capability{capability.FilesystemRead},
		Tests:        []skill.TestCase{{Name: "upcase", Input: "hi", Expected: "HI"}},
		Status:       skill.StatusProposed,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := testPGStore.SaveProposal(ctx, prop); err != nil {
		t.Fatalf("save proposal: %v", err)
	}

	// Upsert: a status change overwrites the same row.
	prop.Status = skill.StatusPendingApproval
	prop.UpdatedAt = time.Now().UTC()
	if err := testPGStore.SaveProposal(ctx, prop); err != nil {
		t.Fatalf("save proposal again: %v", err)
	}

	proposals, err := testPGStore.ListProposals(ctx)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	var got *skill.Proposal
	for _, p := range proposals {
		if p.ID == prop.ID {
			got = p
		}
	}
	if got == nil {
		t.Fatal("saved proposal not returned by ListProposals")
	}
	if got.Status != skill.StatusPendingApproval {
		t.Errorf("expected status pending_approval, got %s", got.Status)
	}
	if got.Source != prop.Source {
		t.Errorf("source not preserved")
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != capability.FilesystemRead {
		t.Errorf("capabilities not preserved: %v", got.Capabilities)
	}
	if len(got.Tests) != 1 || got.Tests[0].Expected != "HI" {
		t.Errorf("tests not preserved: %v", got.Tests)
	}
}

func TestRecordPersistenceAndRetire(t *testing.T) {
	ctx := context.Background()

	rec := &skill.Record{
		Name:         "archiver",
		Version:      1,
		Capabilities: []capability.Capability{capability.FilesystemWrite},
		CodePath:     "/var/lib/skillgate/skills/archiver/1/run",
		Checksum:     "deadbeef",
		Approval: &skill.Approval{
			ApprovedBy:  "integration",
			ApprovedAt:  time.Now().UTC(),
			PINVerified: true,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := testPGStore.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("save record: %v", err)
	}

	if err := testPGStore.SetRetired(ctx, "archiver", 1, true); err != nil {
		t.Fatalf("set retired: %v", err)
	}
	if err := testPGStore.SetRetired(ctx, "archiver", 99, true); err == nil {
		t.Error("expected error retiring a version that does not exist")
	}

	records, err := testPGStore.ListRecords(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	var got *skill.Record
	for _, r := range records {
		if r.Name == "archiver" && r.Version == 1 {
			got = r
		}
	}
	if got == nil {
		t.Fatal("saved record not returned by ListRecords")
	}
	if !got.Retired {
		t.Error("retired flag not persisted")
	}
	if got.Approval == nil || !got.Approval.PINVerified {
		t.Errorf("approval not preserved: %+v", got.Approval)
	}
}

func TestAuditTrailRoundTrip(t *testing.T) {
	ctx := context.Background()

	trail, err := audit.NewTrail(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	defer trail.Close()

	trail.Record(ctx, audit.Event{Action: "proposal.submitted", ProposalID: "p-1", Skill: "echo"})
	trail.Record(ctx, audit.Event{Action: "skill.registered", Skill: "echo", Version: 1, Actor: "pipeline"})

	events, err := trail.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Action != "skill.registered" {
		t.Errorf("expected skill.registered first, got %s", events[0].Action)
	}
	if events[0].Version != 1 || events[0].Actor != "pipeline" {
		t.Errorf("event fields not preserved: %+v", events[0])
	}
}

// A pipeline wired to the store must come back to the same state after
// a simulated restart: proposals and registered skills reload from
// PostgreSQL and an approved skill stays invocable.
func TestPipelineSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	artifacts := t.TempDir()

	boot := func() (*governance.Pipeline, *skill.Registry) {
		runner := sandbox.NewRunner(sandbox.Config{ScratchRoot: t.TempDir()}, testLogger)
		registry := skill.NewRegistry(runner, testLogger)
		registry.SetPersister(testPGStore)
		records, err := testPGStore.ListRecords(ctx)
		if err != nil {
			t.Fatalf("load records: %v", err)
		}
		registry.Load(records)

		pipeline := governance.NewPipeline(governance.Config{
			PIN:              "4242",
			ArtifactRoot:     artifacts,
			StagingRoot:      t.TempDir(),
			ValidationBudget: sandbox.Budget{Timeout: 5 * time.Second},
		}, registry, runner, connector.NewMeter(0), testLogger)
		pipeline.SetStore(testPGStore)
		proposals, err := testPGStore.ListProposals(ctx)
		if err != nil {
			t.Fatalf("load proposals: %v", err)
		}
		pipeline.LoadProposals(proposals)
		return pipeline, registry
	}

	pipeline, _ := boot()
	prop, err := pipeline.Submit(ctx, governance.SubmitRequest{
		Name:   "persistent-echo",
		Source: echoSource,
		Tests:  []skill.TestCase{{Name: "roundtrip", Input: "ping", Expected: "ping"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	validated, err := pipeline.Validate(ctx, prop.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.Status != skill.StatusApproved {
		t.Fatalf("expected auto-approval, got %s", validated.Status)
	}

	// Restart: everything reloads from the store.
	pipeline2, registry2 := boot()

	reloaded, err := pipeline2.Get(prop.ID)
	if err != nil {
		t.Fatalf("proposal lost across restart: %v", err)
	}
	if reloaded.Status != skill.StatusApproved {
		t.Errorf("expected approved after reload, got %s", reloaded.Status)
	}

	res, rec, err := registry2.Invoke(ctx, "persistent-echo", 0, []byte("ping"), nil, sandbox.Budget{})
	if err != nil {
		t.Fatalf("invoke after reload: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
	if !res.OK || res.Output != "ping" {
		t.Errorf("expected echoed output, got %+v", res)
	}
}
