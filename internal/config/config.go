// Package config resolves process configuration. Structural settings load
// from an optional YAML file; secrets and deployment identity come from the
// environment, which always wins over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Events    EventsConfig    `yaml:"events"`
	Notify    NotifyConfig    `yaml:"notify"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Vault     VaultConfig     `yaml:"vault"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
}

type ServerConfig struct {
	Port              string   `yaml:"port"`
	Env               string   `yaml:"env"`
	Region            string   `yaml:"region"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
	SessionSecret     string   `yaml:"-"`
}

type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
}

type StorageConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"-"`
	DatabaseURL string `yaml:"-"`
}

type AuditConfig struct {
	// Backend selects the audit store: memory, postgres or spanner.
	Backend            string `yaml:"backend"`
	SpannerProjectID   string `yaml:"spanner_project_id"`
	SpannerInstanceID  string `yaml:"spanner_instance_id"`
	SpannerDatabaseID  string `yaml:"spanner_database_id"`
	RetentionQueryDays int    `yaml:"retention_query_days"`
}

type EventsConfig struct {
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopic     string `yaml:"pubsub_topic"`
}

type NotifyConfig struct {
	CloudTasksProjectID string `yaml:"cloudtasks_project_id"`
	CloudTasksLocation  string `yaml:"cloudtasks_location"`
	CloudTasksQueue     string `yaml:"cloudtasks_queue"`
	MailerEndpoint      string `yaml:"mailer_endpoint"`
	MailerFrom          string `yaml:"mailer_from"`
	MailerAPIKey        string `yaml:"-"`
	Workers             int    `yaml:"workers"`
}

type OutboundConfig struct {
	TimeoutSeconds    int   `yaml:"timeout_seconds"`
	MaxBodyBytes      int64 `yaml:"max_body_bytes"`
	PerResourceHourly int   `yaml:"per_resource_hourly"`
}

type RateLimitConfig struct {
	WindowSeconds int            `yaml:"window_seconds"`
	Plans         map[string]int `yaml:"plans"`
}

type VaultConfig struct {
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

type SandboxConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Default returns the built-in configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Audit: AuditConfig{
			Backend:            "memory",
			RetentionQueryDays: 30,
		},
		Notify: NotifyConfig{
			Workers: 4,
		},
		Outbound: OutboundConfig{
			TimeoutSeconds:    30,
			MaxBodyBytes:      5 * 1024 * 1024,
			PerResourceHourly: 100,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			Plans: map[string]int{
				"free":       100,
				"pro":        500,
				"enterprise": 2000,
			},
		},
		Vault: VaultConfig{
			SessionTTLMinutes: 10,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (ignored when absent), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction gates behaviors like error detail suppression.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// SpannerDatabasePath assembles the full database resource name, or ""
// when spanner is not configured.
func (c *Config) SpannerDatabasePath() string {
	a := c.Audit
	if a.SpannerProjectID == "" || a.SpannerInstanceID == "" || a.SpannerDatabaseID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s",
		a.SpannerProjectID, a.SpannerInstanceID, a.SpannerDatabaseID)
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "ENV")
	setStr(&c.Server.Region, "REGION")
	setList(&c.Server.AllowedOrigins, "OCMT_ALLOWED_ORIGINS")
	setList(&c.Server.TrustedProxyCIDRs, "TRUSTED_PROXY_CIDRS")
	setStr(&c.Server.SessionSecret, "SESSION_JWT_SECRET")

	setStr(&c.Cache.RedisAddr, "REDIS_ADDR")
	setStr(&c.Cache.RedisPassword, "REDIS_PASSWORD")

	setStr(&c.Storage.SupabaseURL, "SUPABASE_URL")
	setStr(&c.Storage.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setStr(&c.Storage.DatabaseURL, "DATABASE_URL")

	setStr(&c.Audit.Backend, "AUDIT_BACKEND")
	setStr(&c.Audit.SpannerProjectID, "SPANNER_PROJECT_ID")
	setStr(&c.Audit.SpannerInstanceID, "SPANNER_INSTANCE_ID")
	setStr(&c.Audit.SpannerDatabaseID, "SPANNER_DATABASE_ID")

	setStr(&c.Events.PubSubProjectID, "PUBSUB_PROJECT_ID")
	setStr(&c.Events.PubSubTopic, "PUBSUB_TOPIC")

	setStr(&c.Notify.CloudTasksProjectID, "CLOUD_TASKS_PROJECT_ID")
	setStr(&c.Notify.CloudTasksLocation, "CLOUD_TASKS_LOCATION")
	setStr(&c.Notify.CloudTasksQueue, "CLOUD_TASKS_QUEUE")
	setStr(&c.Notify.MailerEndpoint, "MAILER_ENDPOINT")
	setStr(&c.Notify.MailerFrom, "MAILER_FROM")
	setStr(&c.Notify.MailerAPIKey, "MAILER_API_KEY")

	setStr(&c.Sandbox.BaseURL, "SANDBOX_BASE_URL")

	setInt(&c.Outbound.TimeoutSeconds, "OUTBOUND_TIMEOUT_SECONDS")
	setInt(&c.RateLimit.WindowSeconds, "RATE_LIMIT_WINDOW_SECONDS")
	setInt(&c.Vault.SessionTTLMinutes, "VAULT_SESSION_TTL_MINUTES")
}

func (c *Config) validate() error {
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive, got %d", c.RateLimit.WindowSeconds)
	}
	if len(c.RateLimit.Plans) == 0 {
		return fmt.Errorf("rate_limit.plans must not be empty")
	}
	if c.Outbound.TimeoutSeconds <= 0 {
		return fmt.Errorf("outbound.timeout_seconds must be positive, got %d", c.Outbound.TimeoutSeconds)
	}
	switch c.Audit.Backend {
	case "memory", "postgres", "spanner":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
