package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the top-level application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gmail      GmailConfig      `yaml:"gmail" mapstructure:"gmail"`
	IMAP       IMAPConfig       `yaml:"imap" mapstructure:"imap"`
	Monitor    MonitorConfig    `yaml:"monitor" mapstructure:"monitor"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Sweeper    SweeperConfig    `yaml:"sweeper" mapstructure:"sweeper"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Broadcast  BroadcastConfig  `yaml:"broadcast" mapstructure:"broadcast"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig configures the AI collaborators.
type AnthropicConfig struct {
	Key               string        `yaml:"key" mapstructure:"key"`
	Model             string        `yaml:"model" mapstructure:"model"`
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Disabled          bool          `yaml:"disabled" mapstructure:"disabled"` // heuristics only
	MaxTokens         int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	MaxBodyChars      int           `yaml:"max_body_chars" mapstructure:"max_body_chars"`
	CacheTTL          string        `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold  int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// GmailConfig holds the OAuth client shared by every Gmail account. Refresh
// tokens are stored per account.
type GmailConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	Endpoint     string `yaml:"endpoint" mapstructure:"endpoint"`
}

// IMAPConfig configures IMAP sessions.
type IMAPConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// MonitorConfig configures the change detector.
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	RecentWindow time.Duration `yaml:"recent_window" mapstructure:"recent_window"`
	RecentMax    int           `yaml:"recent_max" mapstructure:"recent_max"`
	CheckTimeout time.Duration `yaml:"check_timeout" mapstructure:"check_timeout"`
	// Autostart begins monitoring every connected account on serve.
	Autostart bool `yaml:"autostart" mapstructure:"autostart"`
}

// QueueConfig configures the job queue and its retry backoff.
type QueueConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	AITimeout    time.Duration `yaml:"ai_timeout" mapstructure:"ai_timeout"`
}

// SweeperConfig configures the recovery sweeper.
type SweeperConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	Grace        time.Duration `yaml:"grace" mapstructure:"grace"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	StallTimeout time.Duration `yaml:"stall_timeout" mapstructure:"stall_timeout"`
}

// PolicyConfig points at the optional category policy file.
type PolicyConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// BroadcastConfig configures status event delivery.
type BroadcastConfig struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RecentSize int           `yaml:"recent_size" mapstructure:"recent_size"`
}

// MonitoringConfig configures health alerts.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QueueBacklogThreshold int     `yaml:"queue_backlog_threshold" mapstructure:"queue_backlog_threshold"`
	FailedJobsThreshold   int     `yaml:"failed_jobs_threshold" mapstructure:"failed_jobs_threshold"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAILFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are only seen by Unmarshal when bound
	for _, key := range []string{
		"anthropic.key", "anthropic.base_url", "anthropic.disabled",
		"gmail.client_id", "gmail.client_secret", "gmail.endpoint",
		"policy.file", "broadcast.webhook_url", "monitoring.webhook_url",
		"server.cors_origins",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mailflow.db")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.requests_per_second", 2)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("anthropic.max_body_chars", 8000)
	v.SetDefault("anthropic.cache_ttl", "1h")
	v.SetDefault("anthropic.max_attempts", 3)
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_cooldown", "30s")
	v.SetDefault("imap.timeout", "30s")
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.recent_window", "24h")
	v.SetDefault("monitor.recent_max", 50)
	v.SetDefault("monitor.check_timeout", "2m")
	v.SetDefault("monitor.autostart", true)
	v.SetDefault("queue.name", "mail")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff", "2s")
	v.SetDefault("queue.max_backoff", "5m")
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.jitter_fraction", 0.1)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.ai_timeout", "30s")
	v.SetDefault("sweeper.interval", "60s")
	v.SetDefault("sweeper.grace", "5m")
	v.SetDefault("sweeper.batch_size", 50)
	v.SetDefault("sweeper.stall_timeout", "10m")
	v.SetDefault("broadcast.buffer_size", 256)
	v.SetDefault("broadcast.timeout", "5s")
	v.SetDefault("broadcast.recent_size", 200)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.queue_backlog_threshold", 500)
	v.SetDefault("monitoring.failed_jobs_threshold", 25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given command needs. Modes: "serve",
// "worker" (anything that runs pipeline stages), "store" (commands that
// only touch the database).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres, got "+quote(c.Store.Driver))
	}

	switch mode {
	case "store":
	case "serve", "worker":
		if !c.Anthropic.Disabled && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required unless anthropic.disabled is set")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			problems = append(problems, "worker.concurrency must be between 1 and 64")
		}
		if c.Queue.MaxAttempts < 1 {
			problems = append(problems, "queue.max_attempts must be at least 1")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
			problems = append(problems, "monitoring.failure_rate_threshold must be in [0,1]")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func quote(s string) string { return `"` + s + `"` }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
