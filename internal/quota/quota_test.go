package quota

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, id, owner string, status preview.Status) {
	t.Helper()
	now := time.Now().UTC()
	err := s.InsertPreview(context.Background(), &preview.Preview{
		PreviewID:      id,
		OwnerID:        owner,
		Kind:           "pull_request",
		RepoOwner:      "acme",
		RepoName:       "app",
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCheckUnderLimit(t *testing.T) {
	s := testStore(t)
	seed(t, s, "pr-1", "owner-1", preview.StatusRunning)

	g := New(s, StaticPlan{Max: 2})
	if err := g.Check(context.Background(), "owner-1"); err != nil {
		t.Errorf("Check under limit: %v", err)
	}
}

func TestCheckAtLimit(t *testing.T) {
	s := testStore(t)
	seed(t, s, "pr-1", "owner-1", preview.StatusRunning)
	seed(t, s, "pr-2", "owner-1", preview.StatusCreating)

	g := New(s, StaticPlan{Max: 2})
	err := g.Check(context.Background(), "owner-1")

	var qe *preview.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Active != 2 || qe.Max != 2 {
		t.Errorf("QuotaError = %+v", qe)
	}
}

func TestCheckIgnoresInactiveAndOtherOwners(t *testing.T) {
	s := testStore(t)
	seed(t, s, "pr-1", "owner-1", preview.StatusDestroyed)
	seed(t, s, "pr-2", "owner-1", preview.StatusFailed)
	seed(t, s, "pr-3", "owner-2", preview.StatusRunning)

	g := New(s, StaticPlan{Max: 1})
	if err := g.Check(context.Background(), "owner-1"); err != nil {
		t.Errorf("Check with only inactive previews: %v", err)
	}
}

func TestCheckUnlimited(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"pr-1", "pr-2", "pr-3"} {
		seed(t, s, id, "owner-1", preview.StatusRunning)
	}

	g := New(s, StaticPlan{Max: Unlimited})
	if err := g.Check(context.Background(), "owner-1"); err != nil {
		t.Errorf("Check with unlimited plan: %v", err)
	}

	// A nil resolver defaults to unlimited.
	if err := New(s, nil).Check(context.Background(), "owner-1"); err != nil {
		t.Errorf("Check with nil resolver: %v", err)
	}
}
