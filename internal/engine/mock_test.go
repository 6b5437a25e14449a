package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/Tom-Hartley/Preview-Warden/internal/docker"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/provision"
)

// mockDocker implements docker.API, recording calls and returning
// configurable errors.
type mockDocker struct {
	mu sync.Mutex

	pulled     []string
	created    []docker.ContainerSpec
	started    []string
	stopped    []string
	stopGraces []int
	removed    []string
	images     []string
	listed     []container.Summary
	pruned     int
	logs       map[string]string
	statuses   map[string]string

	pullErr   error
	createErr error
	startErr  error
	removeErr error
	listErr   error

	nextID int
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		logs:     make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (m *mockDocker) PullImage(_ context.Context, refStr string, onProgress func(string)) error {
	m.mu.Lock()
	m.pulled = append(m.pulled, refStr)
	err := m.pullErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress("Pulling from " + refStr)
	}
	return nil
}

func (m *mockDocker) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("ctr-%d", m.nextID)
	m.created = append(m.created, spec)
	m.statuses[id] = "running"
	return id, nil
}

func (m *mockDocker) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockDocker) StopContainer(_ context.Context, id string, graceSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	m.stopGraces = append(m.stopGraces, graceSeconds)
	return nil
}

func (m *mockDocker) RemoveContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockDocker) InspectStatus(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[id]; ok {
		return s, nil
	}
	return "", fmt.Errorf("no such container %s", id)
}

func (m *mockDocker) ListByLabel(_ context.Context, _, _ string) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listed, nil
}

func (m *mockDocker) RemoveImage(_ context.Context, refStr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, refStr)
	return nil
}

func (m *mockDocker) Prune(_ context.Context) (docker.PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned++
	return docker.PruneResult{ContainersDeleted: 2, SpaceReclaimed: 1024}, nil
}

func (m *mockDocker) ContainerLogs(_ context.Context, id string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[id], nil
}

func (m *mockDocker) Ping(context.Context) error { return nil }
func (m *mockDocker) Close() error               { return nil }

func (m *mockDocker) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *mockDocker) removedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// mockProvisioner implements provision.Provisioner in memory.
type mockProvisioner struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	migrated  []string

	createErr  error
	migrateErr error
	destroyErr error
}

func (m *mockProvisioner) CreateDatabase(_ context.Context, _, dbName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created = append(m.created, dbName)
	return "postgres://warden@db:5432/" + dbName, nil
}

func (m *mockProvisioner) RunMigrations(_ context.Context, _, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.migrateErr != nil {
		return m.migrateErr
	}
	m.migrated = append(m.migrated, dir)
	return nil
}

func (m *mockProvisioner) DestroyDatabase(_ context.Context, _, dbName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyErr != nil {
		return m.destroyErr
	}
	m.destroyed = append(m.destroyed, dbName)
	return nil
}

func (m *mockProvisioner) DatabaseExists(_ context.Context, dbName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.created {
		if n == dbName {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockProvisioner) ConnectionStringFor(dbName string) string {
	return "postgres://warden@db:5432/" + dbName
}

func (m *mockProvisioner) Close() {}

// mockProvisioners returns the same provisioner for every engine.
type mockProvisioners struct {
	prov *mockProvisioner
	err  error
}

func (m *mockProvisioners) For(preview.Engine) (provision.Provisioner, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.prov, nil
}

// fakeClock is a manually advanced clock. After channels fire only when
// Advance crosses their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
