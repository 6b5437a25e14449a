package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/edge"
	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/events"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/notify"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/quota"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

type harness struct {
	orch   *Orchestrator
	docker *mockDocker
	prov   *mockProvisioner
	store  store.Store
	events *eventlog.Log
	clock  *fakeClock
	log    *logging.Logger
}

func newHarness(t *testing.T, maxPerOwner int) *harness {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := logging.New(false)
	elog := eventlog.New(s, events.New(), clk)
	d := newMockDocker()
	p := &mockProvisioner{}

	orch := NewOrchestrator(
		d, s, &mockProvisioners{prov: p},
		edge.NewGenerator(edge.Config{BaseDomain: "preview.test"}),
		elog,
		quota.New(s, quota.StaticPlan{Max: maxPerOwner}),
		notify.NewMulti(log),
		log, clk, "edge",
	)
	return &harness{orch: orch, docker: d, prov: p, store: s, events: elog, clock: clk, log: log}
}

func twoServiceConfig(prNumber int) *preview.Config {
	return &preview.Config{
		Kind:              "pull_request",
		PullRequestNumber: prNumber,
		RepoOwner:         "acme",
		RepoName:          "app",
		CommitSha:         "abc1234",
		Services: map[string]preview.ServiceConfig{
			"web": {ImageTag: "acme/web:pr", Port: 3000, Env: map[string]string{"API_BASE": "${API_URL}"}},
			"api": {ImageTag: "acme/api:pr", Port: 8080},
		},
	}
}

func TestCreateRunsPreview(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	rec, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(42))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if rec.Status != preview.StatusRunning {
		t.Errorf("status = %s, want RUNNING", rec.Status)
	}
	if len(rec.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(rec.Services))
	}
	// Deterministic order: sorted service names.
	if rec.Services[0].Name != "api" || rec.Services[1].Name != "web" {
		t.Errorf("service order = %s,%s, want api,web", rec.Services[0].Name, rec.Services[1].Name)
	}
	if rec.URLs["api"] != "http://pr-42-acme.api.preview.test" {
		t.Errorf("api URL = %q", rec.URLs["api"])
	}

	if h.docker.createdCount() != 2 {
		t.Fatalf("created %d containers, want 2", h.docker.createdCount())
	}
	spec := h.docker.created[0]
	if spec.Network != "edge" {
		t.Errorf("network = %q, want edge", spec.Network)
	}
	if spec.Labels["warden.preview"] != "pr-42" {
		t.Errorf("labels missing preview id: %v", spec.Labels)
	}

	// Magic variable resolved against the sibling service URL.
	web := h.docker.created[1]
	found := false
	for _, kv := range web.Env {
		if kv == "API_BASE=http://pr-42-acme.api.preview.test" {
			found = true
		}
	}
	if !found {
		t.Errorf("magic variable not resolved, env = %v", web.Env)
	}

	// Lifecycle events were recorded.
	evts, err := h.events.List(ctx, "pr-42", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) < 4 {
		t.Errorf("got %d events, expected system+build+deploy entries", len(evts))
	}
}

func TestCreateWithDatabase(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	cfg := twoServiceConfig(7)
	cfg.Database = &preview.DatabaseConfig{Engine: preview.EnginePostgres, Migrations: "/seed"}

	rec, err := h.orch.Create(context.Background(), "owner-1", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if rec.Database == nil || rec.Database.Name != "pr_7_db" {
		t.Fatalf("database info = %+v", rec.Database)
	}
	if len(h.prov.created) != 1 || h.prov.created[0] != "pr_7_db" {
		t.Errorf("provisioner created %v", h.prov.created)
	}
	if len(h.prov.migrated) != 1 || h.prov.migrated[0] != "/seed" {
		t.Errorf("provisioner migrated %v", h.prov.migrated)
	}

	// DATABASE_URL injected into container env.
	found := false
	for _, kv := range h.docker.created[0].Env {
		if strings.HasPrefix(kv, "DATABASE_URL=postgres://") {
			found = true
		}
	}
	if !found {
		t.Errorf("DATABASE_URL not injected: %v", h.docker.created[0].Env)
	}
}

func TestCreateInvalidConfig(t *testing.T) {
	h := newHarness(t, quota.Unlimited)

	_, err := h.orch.Create(context.Background(), "owner-1", &preview.Config{Kind: "pull_request"})
	var ve *preview.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestCreateQuotaExceeded(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(1)); err != nil {
		t.Fatal(err)
	}

	_, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(2))
	var qe *preview.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if _, err := h.store.GetPreview(ctx, "pr-2"); !errors.Is(err, preview.ErrNotFound) {
		t.Error("denied create left a record behind")
	}
}

func TestCreateFailureFlipsFailed(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	h.docker.createErr = errors.New("no space left on device")
	ctx := context.Background()

	_, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(3))
	if err == nil {
		t.Fatal("expected create failure")
	}

	rec, err := h.store.GetPreview(ctx, "pr-3")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != preview.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}

	evts, err := h.events.List(ctx, "pr-3", store.EventFilter{Type: preview.EventSystem})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 || !strings.Contains(evts[0].Message, "failed") {
		t.Errorf("missing failure event: %v", evts)
	}
}

func TestConcurrentCreatesSameID(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	// Two racing Creates for the same preview: the per-id lock serializes
	// them, so the second becomes a redeploy of the first.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Create(ctx, "owner-1", twoServiceConfig(9))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	rec, err := h.store.GetPreview(ctx, "pr-9")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != preview.StatusRunning {
		t.Errorf("status = %s, want RUNNING", rec.Status)
	}
	if len(rec.Services) != 2 {
		t.Errorf("record holds %d services, want 2", len(rec.Services))
	}

	active, err := h.store.CountPreviews(ctx, "", []preview.Status{
		preview.StatusCreating, preview.StatusRunning, preview.StatusUpdating,
	})
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("%d active records, want exactly 1", active)
	}

	// Whatever the loser redeployed, only the record's containers survive.
	if live := h.docker.createdCount() - len(h.docker.removedIDs()); live != 2 {
		t.Errorf("%d containers left running, want 2", live)
	}
}

func TestCreateExistingRedeploys(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	first, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	oldIDs := []string{first.Services[0].ContainerID, first.Services[1].ContainerID}

	cfg := twoServiceConfig(4)
	cfg.CommitSha = "def5678"
	second, err := h.orch.Create(ctx, "owner-1", cfg)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}

	if second.Status != preview.StatusRunning || second.CommitSha != "def5678" {
		t.Errorf("redeploy record = %s/%s", second.Status, second.CommitSha)
	}
	removed := h.docker.removedIDs()
	for _, id := range oldIDs {
		found := false
		for _, r := range removed {
			if r == id {
				found = true
			}
		}
		if !found {
			t.Errorf("old container %s was not removed", id)
		}
	}
	if h.docker.createdCount() != 4 {
		t.Errorf("created %d containers total, want 4", h.docker.createdCount())
	}
}

func TestUpdateMissingPreview(t *testing.T) {
	h := newHarness(t, quota.Unlimited)

	_, err := h.orch.Update(context.Background(), "pr-404", twoServiceConfig(404))
	if !errors.Is(err, preview.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateFailureLeavesUpdating(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(5)); err != nil {
		t.Fatal(err)
	}

	h.docker.createErr = errors.New("image exploded")
	if _, err := h.orch.Update(ctx, "pr-5", twoServiceConfig(5)); err == nil {
		t.Fatal("expected update failure")
	}

	rec, err := h.store.GetPreview(ctx, "pr-5")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != preview.StatusUpdating {
		t.Errorf("status = %s, want UPDATING (retryable)", rec.Status)
	}
}

func TestDestroy(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	cfg := twoServiceConfig(6)
	cfg.Database = &preview.DatabaseConfig{Engine: preview.EnginePostgres}
	rec, err := h.orch.Create(ctx, "owner-1", cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Destroy(ctx, "pr-6"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	got, err := h.store.GetPreview(ctx, "pr-6")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != preview.StatusDestroyed {
		t.Errorf("status = %s, want DESTROYED", got.Status)
	}
	if len(h.docker.removedIDs()) != len(rec.Services) {
		t.Errorf("removed %d containers, want %d", len(h.docker.removedIDs()), len(rec.Services))
	}
	for _, grace := range h.docker.stopGraces {
		if grace != 10 {
			t.Errorf("stop grace = %ds, want 10s", grace)
		}
	}
	if len(h.prov.destroyed) != 1 || h.prov.destroyed[0] != "pr_6_db" {
		t.Errorf("database not destroyed: %v", h.prov.destroyed)
	}
	if len(h.docker.images) == 0 {
		t.Error("recorded images were not removed")
	}

	// Destroy is idempotent.
	if err := h.orch.Destroy(ctx, "pr-6"); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestDestroyByPullRequestNumber(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(8)); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Destroy(ctx, "8"); err != nil {
		t.Fatalf("Destroy by PR number: %v", err)
	}

	rec, err := h.store.GetPreview(ctx, "pr-8")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != preview.StatusDestroyed {
		t.Errorf("status = %s, want DESTROYED", rec.Status)
	}
}

func TestDestroyUnknownIsNoop(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	if err := h.orch.Destroy(context.Background(), "pr-999"); err != nil {
		t.Errorf("Destroy of unknown preview: %v", err)
	}
}

func TestTouchRefreshesLastAccess(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	ctx := context.Background()

	rec, err := h.orch.Create(ctx, "owner-1", twoServiceConfig(9))
	if err != nil {
		t.Fatal(err)
	}
	before := rec.LastAccessedAt

	h.clock.Advance(2 * time.Hour)
	h.orch.Touch(ctx, "pr-9")

	got, err := h.store.GetPreview(ctx, "pr-9")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastAccessedAt.After(before) {
		t.Errorf("lastAccessedAt not advanced: %v -> %v", before, got.LastAccessedAt)
	}
}

var _ clock.Clock = (*fakeClock)(nil)
