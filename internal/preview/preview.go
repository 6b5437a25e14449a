// Package preview defines the domain model shared by the store, the
// orchestrator, and the web layer: preview records, service instances,
// lifecycle events, and the caller-supplied configuration.
package preview

import (
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
)

// Status is the lifecycle state of a preview record.
type Status string

const (
	StatusCreating   Status = "CREATING"
	StatusRunning    Status = "RUNNING"
	StatusUpdating   Status = "UPDATING"
	StatusDestroying Status = "DESTROYING"
	StatusDestroyed  Status = "DESTROYED"
	StatusFailed     Status = "FAILED"
)

// Active reports whether the status counts against quotas.
func (s Status) Active() bool {
	return s == StatusCreating || s == StatusRunning || s == StatusUpdating
}

// ServiceStatus is the per-service deployment state.
type ServiceStatus string

const (
	ServiceBuilding ServiceStatus = "BUILDING"
	ServiceRunning  ServiceStatus = "RUNNING"
	ServiceStopped  ServiceStatus = "STOPPED"
	ServiceFailed   ServiceStatus = "FAILED"
)

// Engine identifies a database provisioner backend.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineMongo    Engine = "mongo"
)

// Valid reports whether e names a known engine.
func (e Engine) Valid() bool {
	switch e {
	case EnginePostgres, EngineMySQL, EngineMongo:
		return true
	}
	return false
}

// ServiceInstance is one deployed workload of a preview.
type ServiceInstance struct {
	Name        string        `json:"name" bson:"name"`
	ContainerID string        `json:"containerId" bson:"containerId"`
	ImageTag    string        `json:"imageTag" bson:"imageTag"`
	Port        int           `json:"port" bson:"port"`
	URL         string        `json:"url" bson:"url"`
	Status      ServiceStatus `json:"status" bson:"status"`
}

// DatabaseInfo records the database provisioned for a preview.
type DatabaseInfo struct {
	Engine           Engine `json:"engine" bson:"engine"`
	Name             string `json:"name" bson:"name"`
	ConnectionString string `json:"connectionString" bson:"connectionString"`
}

// Preview is the durable record of one preview environment. It is unique by
// PreviewID and mutated only by the orchestrator and the reconciler.
type Preview struct {
	PreviewID         string            `json:"previewId" bson:"previewId"`
	OwnerID           string            `json:"ownerId" bson:"ownerId"`
	Kind              naming.Kind       `json:"kind" bson:"kind"`
	PullRequestNumber int               `json:"pullRequestNumber,omitempty" bson:"pullRequestNumber,omitempty"`
	RepoOwner         string            `json:"repoOwner" bson:"repoOwner"`
	RepoName          string            `json:"repoName" bson:"repoName"`
	Branch            string            `json:"branch,omitempty" bson:"branch,omitempty"`
	CommitSha         string            `json:"commitSha,omitempty" bson:"commitSha,omitempty"`
	Status            Status            `json:"status" bson:"status"`
	Services          []ServiceInstance `json:"services" bson:"services"`
	Database          *DatabaseInfo     `json:"database,omitempty" bson:"database,omitempty"`
	URLs              map[string]string `json:"urls" bson:"urls"`
	Env               map[string]string `json:"env,omitempty" bson:"env,omitempty"`
	// Password is kept in clear so basic-auth labels can be regenerated on
	// update without the caller resupplying it.
	Password       string    `json:"password,omitempty" bson:"password,omitempty"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt" bson:"lastAccessedAt"`
}

// EventType classifies a lifecycle event.
type EventType string

const (
	EventBuild     EventType = "build"
	EventDeploy    EventType = "deploy"
	EventContainer EventType = "container"
	EventDatabase  EventType = "database"
	EventSystem    EventType = "system"
)

// Event is one append-only lifecycle log entry, keyed by preview.
type Event struct {
	PreviewRef        string            `json:"previewRef" bson:"previewRef"`
	PullRequestNumber int               `json:"pullRequestNumber,omitempty" bson:"pullRequestNumber,omitempty"`
	Type              EventType         `json:"type" bson:"type"`
	Message           string            `json:"message" bson:"message"`
	Metadata          map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt" bson:"createdAt"`
}
