package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Campaign   CampaignConfig   `mapstructure:"campaign"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Telephony  TelephonyConfig  `mapstructure:"telephony"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig lists the API keys accepted by the admin API.
type AuthConfig struct {
	Header string         `mapstructure:"header"`
	Keys   []APIKeyConfig `mapstructure:"keys"`
}

type APIKeyConfig struct {
	Name     string `mapstructure:"name"`
	Key      string `mapstructure:"key"`
	ReadOnly bool   `mapstructure:"read_only"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// StorageConfig selects the persistence backend: "memory" or "postgres"
// (Postgres for campaigns, contacts, events and webhooks; Scylla for calls).
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// KafkaConfig configures the optional event mirror topic.
type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"client_id"`
	EventTopic        string   `mapstructure:"event_topic"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CampaignFetchLimit int           `mapstructure:"campaign_fetch_limit"`
}

// DispatcherConfig bounds call admission.
type DispatcherConfig struct {
	GlobalConcurrency int           `mapstructure:"global_concurrency"`
	Workers           int           `mapstructure:"workers"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DialRate          float64       `mapstructure:"dial_rate"`
	DialBurst         int           `mapstructure:"dial_burst"`
}

// RetryConfig is the call retry policy applied when a campaign omits one.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseInterval time.Duration `mapstructure:"base_interval"`
}

// CampaignConfig holds defaults applied at campaign creation.
type CampaignConfig struct {
	DefaultMaxConcurrentCalls int    `mapstructure:"default_max_concurrent_calls"`
	DefaultRegion             string `mapstructure:"default_region"`
}

type WebhookConfig struct {
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	ReplayAfter    time.Duration `mapstructure:"replay_after"`
	UserAgent      string        `mapstructure:"user_agent"`
}

type TelephonyConfig struct {
	Provider string              `mapstructure:"provider"`
	Mock     MockTelephonyConfig `mapstructure:"mock"`
	HTTP     HTTPTelephonyConfig `mapstructure:"http"`
}

// MockTelephonyConfig shapes simulated outcomes. Rates are probabilities;
// whatever is left after answer and voicemail is no-answer.
type MockTelephonyConfig struct {
	AnswerRate    float64       `mapstructure:"answer_rate"`
	VoicemailRate float64       `mapstructure:"voicemail_rate"`
	FailureRate   float64       `mapstructure:"failure_rate"`
	RingMin       time.Duration `mapstructure:"ring_min"`
	RingMax       time.Duration `mapstructure:"ring_max"`
	TalkMin       time.Duration `mapstructure:"talk_min"`
	TalkMax       time.Duration `mapstructure:"talk_max"`
}

type HTTPTelephonyConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	CallbackURL    string        `mapstructure:"callback_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from file and environment variables. An empty
// path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-orchestrator")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("auth.header", "X-API-Key")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 10*time.Minute)

	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "outbound")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)

	v.SetDefault("kafka.client_id", "outbound-orchestrator")
	v.SetDefault("kafka.event_topic", "outbound.events")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.campaign_fetch_limit", 500)

	v.SetDefault("dispatcher.global_concurrency", 100)
	v.SetDefault("dispatcher.workers", 32)
	v.SetDefault("dispatcher.tick_interval", time.Second)
	v.SetDefault("dispatcher.dial_timeout", 2*time.Minute)
	v.SetDefault("dispatcher.request_timeout", 10*time.Second)
	v.SetDefault("dispatcher.dial_rate", 50.0)
	v.SetDefault("dispatcher.dial_burst", 10)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_interval", 10*time.Minute)

	v.SetDefault("campaign.default_max_concurrent_calls", 5)
	v.SetDefault("campaign.default_region", "US")

	v.SetDefault("webhook.workers", 8)
	v.SetDefault("webhook.poll_interval", time.Second)
	v.SetDefault("webhook.batch_size", 50)
	v.SetDefault("webhook.request_timeout", 10*time.Second)
	v.SetDefault("webhook.base_delay", 5*time.Second)
	v.SetDefault("webhook.max_delay", time.Hour)
	v.SetDefault("webhook.max_attempts", 8)
	v.SetDefault("webhook.claim_lease", 2*time.Minute)
	v.SetDefault("webhook.replay_interval", 30*time.Second)
	v.SetDefault("webhook.replay_after", time.Minute)
	v.SetDefault("webhook.user_agent", "outbound-orchestrator-webhooks/1.0")

	v.SetDefault("telephony.provider", "mock")
	v.SetDefault("telephony.mock.answer_rate", 0.6)
	v.SetDefault("telephony.mock.voicemail_rate", 0.15)
	v.SetDefault("telephony.mock.failure_rate", 0.02)
	v.SetDefault("telephony.mock.ring_min", 2*time.Second)
	v.SetDefault("telephony.mock.ring_max", 8*time.Second)
	v.SetDefault("telephony.mock.talk_min", 5*time.Second)
	v.SetDefault("telephony.mock.talk_max", 30*time.Second)
	v.SetDefault("telephony.http.request_timeout", 10*time.Second)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q must be memory or postgres", c.Storage.Driver))
	}
	switch c.Telephony.Provider {
	case "mock":
		m := c.Telephony.Mock
		if m.AnswerRate < 0 || m.VoicemailRate < 0 || m.AnswerRate+m.VoicemailRate > 1 {
			problems = append(problems, "telephony.mock rates must be non-negative and sum to at most 1")
		}
	case "http":
		if c.Telephony.HTTP.Endpoint == "" {
			problems = append(problems, "telephony.http.endpoint is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("telephony.provider %q must be mock or http", c.Telephony.Provider))
	}
	if c.Dispatcher.GlobalConcurrency <= 0 {
		problems = append(problems, "dispatcher.global_concurrency must be positive")
	}
	if c.Dispatcher.Workers <= 0 {
		problems = append(problems, "dispatcher.workers must be positive")
	}
	if c.Dispatcher.TickInterval <= 0 || c.Scheduler.TickInterval <= 0 {
		problems = append(problems, "tick intervals must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Campaign.DefaultMaxConcurrentCalls <= 0 {
		problems = append(problems, "campaign.default_max_concurrent_calls must be positive")
	}
	if c.Webhook.Workers <= 0 || c.Webhook.MaxAttempts <= 0 {
		problems = append(problems, "webhook.workers and webhook.max_attempts must be positive")
	}
	if c.Webhook.BaseDelay <= 0 || c.Webhook.MaxDelay < c.Webhook.BaseDelay {
		problems = append(problems, "webhook delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}
	seen := make(map[string]struct{}, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		if k.Key == "" {
			problems = append(problems, fmt.Sprintf("auth key %q is empty", k.Name))
			continue
		}
		if _, dup := seen[k.Key]; dup {
			problems = append(problems, fmt.Sprintf("auth key %q is duplicated", k.Name))
		}
		seen[k.Key] = struct{}{}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: config: %s", apperrors.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
