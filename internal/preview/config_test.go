package preview

import (
	"errors"
	"testing"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
)

func validConfig() *Config {
	return &Config{
		Kind:              naming.KindPullRequest,
		PullRequestNumber: 42,
		RepoOwner:         "acme",
		RepoName:          "app",
		Branch:            "feat",
		CommitSha:         "abc123",
		Services: map[string]ServiceConfig{
			"api": {ImageTag: "registry.test/app-api:abc123", Port: 8080},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid pull request", func(c *Config) {}, false},
		{"valid branch", func(c *Config) {
			c.Kind = naming.KindBranch
			c.PullRequestNumber = 0
			c.Branch = "main"
		}, false},
		{"missing kind", func(c *Config) { c.Kind = "" }, true},
		{"unknown kind", func(c *Config) { c.Kind = "tag" }, true},
		{"pull request without number", func(c *Config) { c.PullRequestNumber = 0 }, true},
		{"branch without name", func(c *Config) {
			c.Kind = naming.KindBranch
			c.Branch = ""
		}, true},
		{"missing repoOwner", func(c *Config) { c.RepoOwner = "" }, true},
		{"missing repoName", func(c *Config) { c.RepoName = "" }, true},
		{"empty services", func(c *Config) { c.Services = nil }, true},
		{"service without imageTag", func(c *Config) {
			c.Services = map[string]ServiceConfig{"api": {Port: 80}}
		}, true},
		{"bad database engine", func(c *Config) {
			c.Database = &DatabaseConfig{Engine: "oracle"}
		}, true},
		{"good database engine", func(c *Config) {
			c.Database = &DatabaseConfig{Engine: EngineMongo}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("Validate() error type = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestConfigValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{Kind: naming.KindPullRequest}
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error type = %T, want *ValidationError", err)
	}
	// pullRequestNumber, repoOwner, repoName, services all missing.
	if len(verr.Problems) != 4 {
		t.Errorf("Problems count = %d, want 4: %v", len(verr.Problems), verr.Problems)
	}
}

func TestConfigPreviewID(t *testing.T) {
	cfg := validConfig()
	if got := cfg.PreviewID(); got != "pr-42" {
		t.Errorf("PreviewID() = %q, want %q", got, "pr-42")
	}

	cfg.Kind = naming.KindBranch
	cfg.Branch = "Fix/DB"
	if got := cfg.PreviewID(); got != "branch-fix-db" {
		t.Errorf("PreviewID() = %q, want %q", got, "branch-fix-db")
	}
}

func TestStatusActive(t *testing.T) {
	active := []Status{StatusCreating, StatusRunning, StatusUpdating}
	inactive := []Status{StatusDestroying, StatusDestroyed, StatusFailed}

	for _, s := range active {
		if !s.Active() {
			t.Errorf("Status(%s).Active() = false, want true", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Errorf("Status(%s).Active() = true, want false", s)
		}
	}
}
