package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
)

// API defines the subset of Docker operations Preview-Warden uses.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	PullImage(ctx context.Context, refStr string, onProgress func(line string)) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	InspectStatus(ctx context.Context, id string) (string, error)
	ListByLabel(ctx context.Context, key, value string) ([]container.Summary, error)
	RemoveImage(ctx context.Context, refStr string) error
	Prune(ctx context.Context) (PruneResult, error)
	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ContainerSpec describes one container the orchestrator wants created.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string          // "KEY=VALUE" pairs
	Labels map[string]string // edge-router and management labels
	Port   int               // container port exposed on the edge network; 0 = none
	// Network is the edge-router network the container joins at creation,
	// so the router sees it as soon as it starts.
	Network string
}

// PruneResult summarises what a runtime prune reclaimed.
type PruneResult struct {
	ContainersDeleted int   `json:"containersDeleted"`
	ImagesDeleted     int   `json:"imagesDeleted"`
	VolumesDeleted    int   `json:"volumesDeleted"`
	SpaceReclaimed    int64 `json:"spaceReclaimed"`
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
