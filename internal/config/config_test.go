package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnvKeys = []string{
	"WARDEN_CONFIG_FILE", "WARDEN_LISTEN", "WARDEN_BASE_DOMAIN", "WARDEN_EDGE_NETWORK",
	"WARDEN_TLS", "WARDEN_CERT_RESOLVER", "WARDEN_PASSWORD_PROTECT", "WARDEN_FALLBACK_PASSWORD",
	"WARDEN_DOCKER_SOCK", "WARDEN_STORE_URI",
	"WARDEN_DOCKER_CA_CERT", "WARDEN_DOCKER_CLIENT_CERT", "WARDEN_DOCKER_CLIENT_KEY",
	"WARDEN_POSTGRES_HOST", "WARDEN_POSTGRES_PORT", "WARDEN_POSTGRES_USER", "WARDEN_POSTGRES_PASSWORD",
	"WARDEN_MYSQL_HOST", "WARDEN_MYSQL_PORT", "WARDEN_MYSQL_USER", "WARDEN_MYSQL_PASSWORD",
	"WARDEN_MONGO_HOST", "WARDEN_MONGO_PORT", "WARDEN_MONGO_USER", "WARDEN_MONGO_PASSWORD",
	"WARDEN_IDLE_TIMEOUT_HOURS", "WARDEN_RECONCILE_INTERVAL_MINUTES",
	"WARDEN_MAX_PREVIEWS", "WARDEN_OWNER_MAX_PREVIEWS", "WARDEN_PRUNE_CRON",
	"WARDEN_TOKEN_SECRET", "WARDEN_WEBHOOK_SECRET",
	"WARDEN_METRICS_TEXTFILE", "WARDEN_LOG_JSON",
	"WARDEN_NOTIFY_WEBHOOK_URL", "WARDEN_NOTIFY_SLACK_WEBHOOK",
	"WARDEN_NOTIFY_MQTT_BROKER", "WARDEN_NOTIFY_MQTT_TOPIC",
	"WARDEN_NOTIFY_MQTT_USERNAME", "WARDEN_NOTIFY_MQTT_PASSWORD", "WARDEN_NOTIFY_EVENTS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnvKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.DockerSock != "/var/run/docker.sock" {
		t.Errorf("DockerSock = %q, want /var/run/docker.sock", cfg.DockerSock)
	}
	if cfg.StoreURI != "/data/warden.db" {
		t.Errorf("StoreURI = %q, want /data/warden.db", cfg.StoreURI)
	}
	if cfg.EdgeNetwork != "traefik" {
		t.Errorf("EdgeNetwork = %q, want traefik", cfg.EdgeNetwork)
	}
	if cfg.IdleTimeout != 48*time.Hour {
		t.Errorf("IdleTimeout = %s, want 48h", cfg.IdleTimeout)
	}
	if cfg.ReconcileInterval != 30*time.Minute {
		t.Errorf("ReconcileInterval = %s, want 30m", cfg.ReconcileInterval)
	}
	if cfg.MaxPreviews != 50 {
		t.Errorf("MaxPreviews = %d, want 50", cfg.MaxPreviews)
	}
	if cfg.OwnerMaxPreviews != -1 {
		t.Errorf("OwnerMaxPreviews = %d, want -1", cfg.OwnerMaxPreviews)
	}
	if cfg.Postgres.Port != 5432 || cfg.MySQL.Port != 3306 || cfg.Mongo.Port != 27017 {
		t.Errorf("default ports = %d/%d/%d, want 5432/3306/27017",
			cfg.Postgres.Port, cfg.MySQL.Port, cfg.Mongo.Port)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WARDEN_BASE_DOMAIN", "preview.example.cloud")
	t.Setenv("WARDEN_TLS", "true")
	t.Setenv("WARDEN_IDLE_TIMEOUT_HOURS", "12")
	t.Setenv("WARDEN_RECONCILE_INTERVAL_MINUTES", "5")
	t.Setenv("WARDEN_POSTGRES_HOST", "pg.internal")
	t.Setenv("WARDEN_POSTGRES_PORT", "15432")
	t.Setenv("WARDEN_NOTIFY_EVENTS", "preview_failed, preview_destroyed")
	t.Setenv("WARDEN_DOCKER_CA_CERT", "/certs/ca.pem")
	t.Setenv("WARDEN_DOCKER_CLIENT_CERT", "/certs/client.pem")
	t.Setenv("WARDEN_DOCKER_CLIENT_KEY", "/certs/client.key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseDomain != "preview.example.cloud" {
		t.Errorf("BaseDomain = %q, want preview.example.cloud", cfg.BaseDomain)
	}
	if !cfg.TLS {
		t.Error("TLS = false, want true")
	}
	if cfg.IdleTimeout != 12*time.Hour {
		t.Errorf("IdleTimeout = %s, want 12h", cfg.IdleTimeout)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval = %s, want 5m", cfg.ReconcileInterval)
	}
	if cfg.Postgres.Host != "pg.internal" || cfg.Postgres.Port != 15432 {
		t.Errorf("Postgres = %s:%d, want pg.internal:15432", cfg.Postgres.Host, cfg.Postgres.Port)
	}
	want := []string{"preview_failed", "preview_destroyed"}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[0] != want[0] || cfg.Notify.Events[1] != want[1] {
		t.Errorf("Notify.Events = %v, want %v", cfg.Notify.Events, want)
	}
	if !cfg.DockerTLS.Configured() || cfg.DockerTLS.ClientKey != "/certs/client.key" {
		t.Errorf("DockerTLS = %+v, want full credential set", cfg.DockerTLS)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearEnv(t)

	yamlBody := `
listen: ":9090"
baseDomain: preview.corp.test
tls: true
storeUri: mongodb://mongo:27017/warden
postgres:
  host: pg.corp.test
  port: 5433
  user: warden
  password: secret
maxPreviews: 10
notify:
  slackWebhook: https://hooks.slack.test/T/x
  events: [preview_failed]
`
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Listen)
	}
	if cfg.BaseDomain != "preview.corp.test" {
		t.Errorf("BaseDomain = %q, want preview.corp.test", cfg.BaseDomain)
	}
	if cfg.StoreURI != "mongodb://mongo:27017/warden" {
		t.Errorf("StoreURI = %q", cfg.StoreURI)
	}
	if cfg.Postgres.Host != "pg.corp.test" || cfg.Postgres.Port != 5433 {
		t.Errorf("Postgres = %s:%d, want pg.corp.test:5433", cfg.Postgres.Host, cfg.Postgres.Port)
	}
	if cfg.MaxPreviews != 10 {
		t.Errorf("MaxPreviews = %d, want 10", cfg.MaxPreviews)
	}
	if cfg.Notify.SlackWebhook == "" || len(cfg.Notify.Events) != 1 {
		t.Errorf("Notify = %+v, want slack webhook and one event filter", cfg.Notify)
	}

	// Environment wins over the file.
	t.Setenv("WARDEN_BASE_DOMAIN", "env.example.cloud")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseDomain != "env.example.cloud" {
		t.Errorf("BaseDomain = %q, want env override env.example.cloud", cfg.BaseDomain)
	}
}

func TestLoadBadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(":\nnot yaml: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load() with malformed YAML succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BaseDomain:       "preview.test",
			TokenSecret:      "s3cret",
			StoreURI:         "/tmp/warden.db",
			IdleTimeoutHours: 48,
			ReconcileMinutes: 30,
			MaxPreviews:      50,
			OwnerMaxPreviews: -1,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing base domain", func(c *Config) { c.BaseDomain = "" }, "WARDEN_BASE_DOMAIN"},
		{"missing token secret", func(c *Config) { c.TokenSecret = "" }, "WARDEN_TOKEN_SECRET"},
		{"empty store uri", func(c *Config) { c.StoreURI = "" }, "WARDEN_STORE_URI"},
		{"zero idle timeout", func(c *Config) { c.IdleTimeoutHours = 0 }, "WARDEN_IDLE_TIMEOUT_HOURS"},
		{"zero reconcile interval", func(c *Config) { c.ReconcileMinutes = 0 }, "WARDEN_RECONCILE_INTERVAL_MINUTES"},
		{"zero max previews", func(c *Config) { c.MaxPreviews = 0 }, "WARDEN_MAX_PREVIEWS"},
		{"bad prune cron", func(c *Config) { c.PruneCron = "not a cron" }, "WARDEN_PRUNE_CRON"},
		{"password protect without fallback", func(c *Config) { c.PasswordProtect = true }, "WARDEN_FALLBACK_PASSWORD"},
		{"mqtt broker without topic", func(c *Config) { c.Notify.MQTTBroker = "tcp://mq:1883" }, "WARDEN_NOTIFY_MQTT_TOPIC"},
		{"partial docker tls", func(c *Config) { c.DockerTLS.CACert = "/certs/ca.pem" }, "WARDEN_DOCKER_CLIENT_CERT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateAcceptsGoodCron(t *testing.T) {
	cfg := &Config{
		BaseDomain:       "preview.test",
		TokenSecret:      "s",
		StoreURI:         "/tmp/w.db",
		IdleTimeoutHours: 1,
		ReconcileMinutes: 1,
		MaxPreviews:      -1,
		OwnerMaxPreviews: 3,
		PruneCron:        "0 4 * * *",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
