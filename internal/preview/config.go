package preview

import (
	"fmt"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
)

// ServiceConfig describes one requested workload.
type ServiceConfig struct {
	ImageTag string            `json:"imageTag" yaml:"imageTag"`
	Port     int               `json:"port,omitempty" yaml:"port,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// DefaultServicePort is used when a service config omits the port.
const DefaultServicePort = 8080

// DatabaseConfig requests a per-preview database.
type DatabaseConfig struct {
	Engine     Engine `json:"engine" yaml:"engine"`
	Migrations string `json:"migrations,omitempty" yaml:"migrations,omitempty"`
}

// Config is the caller-supplied description of a preview, accepted as JSON
// or YAML on the create endpoint.
type Config struct {
	Kind              naming.Kind              `json:"kind" yaml:"kind"`
	PullRequestNumber int                      `json:"pullRequestNumber,omitempty" yaml:"pullRequestNumber,omitempty"`
	RepoOwner         string                   `json:"repoOwner" yaml:"repoOwner"`
	RepoName          string                   `json:"repoName" yaml:"repoName"`
	Branch            string                   `json:"branch,omitempty" yaml:"branch,omitempty"`
	CommitSha         string                   `json:"commitSha,omitempty" yaml:"commitSha,omitempty"`
	Services          map[string]ServiceConfig `json:"services" yaml:"services"`
	Database          *DatabaseConfig          `json:"database,omitempty" yaml:"database,omitempty"`
	Env               map[string]string        `json:"env,omitempty" yaml:"env,omitempty"`
	Password          string                   `json:"password,omitempty" yaml:"password,omitempty"`
}

// Validate checks the config for the create/update preconditions. All
// problems are reported as a single ValidationError.
func (c *Config) Validate() error {
	var problems []string

	switch c.Kind {
	case naming.KindPullRequest:
		if c.PullRequestNumber <= 0 {
			problems = append(problems, "pullRequestNumber is required for kind=pull_request")
		}
	case naming.KindBranch:
		if c.Branch == "" {
			problems = append(problems, "branch is required for kind=branch")
		}
	default:
		problems = append(problems, fmt.Sprintf("kind must be %q or %q", naming.KindPullRequest, naming.KindBranch))
	}

	if c.RepoOwner == "" {
		problems = append(problems, "repoOwner is required")
	}
	if c.RepoName == "" {
		problems = append(problems, "repoName is required")
	}
	if len(c.Services) == 0 {
		problems = append(problems, "services must not be empty")
	}
	for name, svc := range c.Services {
		if svc.ImageTag == "" {
			problems = append(problems, fmt.Sprintf("service %q is missing imageTag", name))
		}
		if svc.Port < 0 {
			problems = append(problems, fmt.Sprintf("service %q has negative port", name))
		}
	}
	if c.Database != nil && !c.Database.Engine.Valid() {
		problems = append(problems, fmt.Sprintf("database engine %q is not one of postgres, mysql, mongo", c.Database.Engine))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// PreviewID derives the canonical id this config addresses.
func (c *Config) PreviewID() string {
	return naming.PreviewID(c.Kind, c.PullRequestNumber, c.Branch)
}
