// Package config loads Preview-Warden configuration from an optional YAML
// file and the environment. Environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DBEndpoint is the admin connection for one database engine.
type DBEndpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Configured reports whether the endpoint has enough to dial.
func (e DBEndpoint) Configured() bool {
	return e.Host != ""
}

// DockerTLS holds certificate paths for reaching a remote runtime over
// mTLS, e.g. a docker socket proxy on another host.
type DockerTLS struct {
	CACert     string `yaml:"caCert"`
	ClientCert string `yaml:"clientCert"`
	ClientKey  string `yaml:"clientKey"`
}

// Configured reports whether a full mTLS credential set is present.
func (t DockerTLS) Configured() bool {
	return t.CACert != "" && t.ClientCert != "" && t.ClientKey != ""
}

func (t DockerTLS) partial() bool {
	return !t.Configured() && (t.CACert != "" || t.ClientCert != "" || t.ClientKey != "")
}

// NotifySettings configures the lifecycle notification providers.
type NotifySettings struct {
	WebhookURL   string   `yaml:"webhookUrl"`
	SlackWebhook string   `yaml:"slackWebhook"`
	MQTTBroker   string   `yaml:"mqttBroker"`
	MQTTTopic    string   `yaml:"mqttTopic"`
	MQTTUsername string   `yaml:"mqttUsername"`
	MQTTPassword string   `yaml:"mqttPassword"`
	Events       []string `yaml:"events"` // empty forwards every event type
}

// Config holds all Preview-Warden configuration.
type Config struct {
	// HTTP
	Listen string `yaml:"listen"`

	// Routing
	BaseDomain       string `yaml:"baseDomain"`
	EdgeNetwork      string `yaml:"edgeNetwork"`
	TLS              bool   `yaml:"tls"`
	CertResolver     string `yaml:"certResolver"`
	PasswordProtect  bool   `yaml:"passwordProtect"`
	FallbackPassword string `yaml:"fallbackPassword"`

	// Runtime & storage
	DockerSock string    `yaml:"dockerSock"`
	DockerTLS  DockerTLS `yaml:"dockerTls"` // only used for tcp:// sockets
	StoreURI   string    `yaml:"storeUri"`  // mongodb:// URI or a bolt file path

	// Database admin endpoints
	Postgres DBEndpoint `yaml:"postgres"`
	MySQL    DBEndpoint `yaml:"mysql"`
	Mongo    DBEndpoint `yaml:"mongo"`

	// Lifecycle policy
	IdleTimeout       time.Duration `yaml:"-"`
	ReconcileInterval time.Duration `yaml:"-"`
	IdleTimeoutHours  int           `yaml:"idleTimeoutHours"`
	ReconcileMinutes  int           `yaml:"reconcileIntervalMinutes"`
	MaxPreviews       int           `yaml:"maxPreviews"`      // global ceiling, reconciler-enforced
	OwnerMaxPreviews  int           `yaml:"ownerMaxPreviews"` // per-owner plan default, -1 = unlimited
	PruneCron         string        `yaml:"pruneCron"`        // empty = never prune

	// Secrets
	TokenSecret   string `yaml:"tokenSecret"`
	WebhookSecret string `yaml:"webhookSecret"`

	// Observability
	MetricsTextfile string         `yaml:"metricsTextfile"`
	LogJSON         bool           `yaml:"logJson"`
	Notify          NotifySettings `yaml:"notify"`
}

// Load reads configuration: defaults, then the YAML file named by
// WARDEN_CONFIG_FILE (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Listen:           ":8080",
		EdgeNetwork:      "traefik",
		CertResolver:     "letsencrypt",
		DockerSock:       "/var/run/docker.sock",
		StoreURI:         "/data/warden.db",
		IdleTimeoutHours: 48,
		ReconcileMinutes: 30,
		MaxPreviews:      50,
		OwnerMaxPreviews: -1,
		LogJSON:          true,
	}

	if path := os.Getenv("WARDEN_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Listen = envStr("WARDEN_LISTEN", cfg.Listen)
	cfg.BaseDomain = envStr("WARDEN_BASE_DOMAIN", cfg.BaseDomain)
	cfg.EdgeNetwork = envStr("WARDEN_EDGE_NETWORK", cfg.EdgeNetwork)
	cfg.TLS = envBool("WARDEN_TLS", cfg.TLS)
	cfg.CertResolver = envStr("WARDEN_CERT_RESOLVER", cfg.CertResolver)
	cfg.PasswordProtect = envBool("WARDEN_PASSWORD_PROTECT", cfg.PasswordProtect)
	cfg.FallbackPassword = envStr("WARDEN_FALLBACK_PASSWORD", cfg.FallbackPassword)

	cfg.DockerSock = envStr("WARDEN_DOCKER_SOCK", cfg.DockerSock)
	cfg.DockerTLS.CACert = envStr("WARDEN_DOCKER_CA_CERT", cfg.DockerTLS.CACert)
	cfg.DockerTLS.ClientCert = envStr("WARDEN_DOCKER_CLIENT_CERT", cfg.DockerTLS.ClientCert)
	cfg.DockerTLS.ClientKey = envStr("WARDEN_DOCKER_CLIENT_KEY", cfg.DockerTLS.ClientKey)
	cfg.StoreURI = envStr("WARDEN_STORE_URI", cfg.StoreURI)

	loadEndpoint("WARDEN_POSTGRES", &cfg.Postgres, 5432)
	loadEndpoint("WARDEN_MYSQL", &cfg.MySQL, 3306)
	loadEndpoint("WARDEN_MONGO", &cfg.Mongo, 27017)

	cfg.IdleTimeoutHours = envInt("WARDEN_IDLE_TIMEOUT_HOURS", cfg.IdleTimeoutHours)
	cfg.ReconcileMinutes = envInt("WARDEN_RECONCILE_INTERVAL_MINUTES", cfg.ReconcileMinutes)
	cfg.MaxPreviews = envInt("WARDEN_MAX_PREVIEWS", cfg.MaxPreviews)
	cfg.OwnerMaxPreviews = envInt("WARDEN_OWNER_MAX_PREVIEWS", cfg.OwnerMaxPreviews)
	cfg.PruneCron = envStr("WARDEN_PRUNE_CRON", cfg.PruneCron)

	cfg.TokenSecret = envStr("WARDEN_TOKEN_SECRET", cfg.TokenSecret)
	cfg.WebhookSecret = envStr("WARDEN_WEBHOOK_SECRET", cfg.WebhookSecret)

	cfg.MetricsTextfile = envStr("WARDEN_METRICS_TEXTFILE", cfg.MetricsTextfile)
	cfg.LogJSON = envBool("WARDEN_LOG_JSON", cfg.LogJSON)

	cfg.Notify.WebhookURL = envStr("WARDEN_NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.SlackWebhook = envStr("WARDEN_NOTIFY_SLACK_WEBHOOK", cfg.Notify.SlackWebhook)
	cfg.Notify.MQTTBroker = envStr("WARDEN_NOTIFY_MQTT_BROKER", cfg.Notify.MQTTBroker)
	cfg.Notify.MQTTTopic = envStr("WARDEN_NOTIFY_MQTT_TOPIC", cfg.Notify.MQTTTopic)
	cfg.Notify.MQTTUsername = envStr("WARDEN_NOTIFY_MQTT_USERNAME", cfg.Notify.MQTTUsername)
	cfg.Notify.MQTTPassword = envStr("WARDEN_NOTIFY_MQTT_PASSWORD", cfg.Notify.MQTTPassword)
	if v := os.Getenv("WARDEN_NOTIFY_EVENTS"); v != "" {
		cfg.Notify.Events = splitList(v)
	}

	cfg.IdleTimeout = time.Duration(cfg.IdleTimeoutHours) * time.Hour
	cfg.ReconcileInterval = time.Duration(cfg.ReconcileMinutes) * time.Minute

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseDomain == "" {
		errs = append(errs, fmt.Errorf("WARDEN_BASE_DOMAIN is required"))
	}
	if c.TokenSecret == "" {
		errs = append(errs, fmt.Errorf("WARDEN_TOKEN_SECRET is required"))
	}
	if c.StoreURI == "" {
		errs = append(errs, fmt.Errorf("WARDEN_STORE_URI must not be empty"))
	}
	if c.IdleTimeoutHours <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_IDLE_TIMEOUT_HOURS must be > 0, got %d", c.IdleTimeoutHours))
	}
	if c.ReconcileMinutes <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_RECONCILE_INTERVAL_MINUTES must be > 0, got %d", c.ReconcileMinutes))
	}
	if c.MaxPreviews == 0 || c.MaxPreviews < -1 {
		errs = append(errs, fmt.Errorf("WARDEN_MAX_PREVIEWS must be -1 (unlimited) or positive, got %d", c.MaxPreviews))
	}
	if c.OwnerMaxPreviews == 0 || c.OwnerMaxPreviews < -1 {
		errs = append(errs, fmt.Errorf("WARDEN_OWNER_MAX_PREVIEWS must be -1 (unlimited) or positive, got %d", c.OwnerMaxPreviews))
	}
	if c.PruneCron != "" {
		if _, err := cron.ParseStandard(c.PruneCron); err != nil {
			errs = append(errs, fmt.Errorf("WARDEN_PRUNE_CRON %q is not a valid cron spec: %v", c.PruneCron, err))
		}
	}
	if c.DockerTLS.partial() {
		errs = append(errs, fmt.Errorf("WARDEN_DOCKER_CA_CERT, WARDEN_DOCKER_CLIENT_CERT, and WARDEN_DOCKER_CLIENT_KEY must be set together"))
	}
	if c.PasswordProtect && c.FallbackPassword == "" {
		errs = append(errs, fmt.Errorf("WARDEN_FALLBACK_PASSWORD is required when WARDEN_PASSWORD_PROTECT is on"))
	}
	if c.Notify.MQTTBroker != "" && c.Notify.MQTTTopic == "" {
		errs = append(errs, fmt.Errorf("WARDEN_NOTIFY_MQTT_TOPIC is required when WARDEN_NOTIFY_MQTT_BROKER is set"))
	}
	return errors.Join(errs...)
}

func loadEndpoint(prefix string, ep *DBEndpoint, defaultPort int) {
	ep.Host = envStr(prefix+"_HOST", ep.Host)
	if ep.Port == 0 {
		ep.Port = defaultPort
	}
	ep.Port = envInt(prefix+"_PORT", ep.Port)
	ep.User = envStr(prefix+"_USER", ep.User)
	ep.Password = envStr(prefix+"_PASSWORD", ep.Password)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
