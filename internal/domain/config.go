package domain

import "time"

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Pipeline settings (validation thresholds, detector window, retries)
	Pipeline PipelineConfig `json:"pipeline"`

	// Component configurations
	Warehouse WarehouseConfig `json:"warehouse"`
	Staging   StagingConfig   `json:"staging"`
	Source    SourceConfig    `json:"source"`
	Cache     CacheConfig     `json:"cache"`
	EventBus  EventBusConfig  `json:"eventBus"`
	Alerting  AlertingConfig  `json:"alerting"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// PipelineConfig holds the batch pipeline knobs.
type PipelineConfig struct {
	// LookbackDays is the detector history window.
	LookbackDays int `json:"lookbackDays"`

	// ZThreshold is the absolute Z-score above which a point is flagged.
	ZThreshold float64 `json:"zThreshold"`

	// RejectionAbortRate aborts a batch when rejected/total exceeds it.
	RejectionAbortRate float64 `json:"rejectionAbortRate"`

	// TaskTimeoutSecs bounds a single task attempt.
	TaskTimeoutSecs int `json:"taskTimeoutSecs"`

	// MaxRetries is the retry budget per task after the first attempt.
	MaxRetries int `json:"maxRetries"`

	// Backoff shapes the delay between attempts.
	Backoff BackoffConfig `json:"backoff"`

	// MaxWorkers caps concurrently running tasks.
	MaxWorkers int `json:"maxWorkers"`
}

// BackoffConfig shapes the retry delay.
type BackoffConfig struct {
	// Policy is "fixed" or "exponential"
	Policy string `json:"policy"`

	// DelaySeconds is the base delay between attempts.
	DelaySeconds int `json:"delaySeconds"`
}

// AlertingConfig holds alert routing settings.
type AlertingConfig struct {
	Enabled    bool `json:"enabled"`
	MaxWorkers int  `json:"maxWorkers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Pipeline: PipelineConfig{
			LookbackDays:       14,
			ZThreshold:         2.5,
			RejectionAbortRate: 0.10,
			TaskTimeoutSecs:    300,
			MaxRetries:         1,
			Backoff: BackoffConfig{
				Policy:       "fixed",
				DelaySeconds: 300,
			},
			MaxWorkers: 4,
		},
		Warehouse: WarehouseConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Staging: StagingConfig{
			Type: "memory",
		},
		Source: SourceConfig{
			Type:       "fs",
			Dir:        "./data/incoming",
			DebounceMs: 500,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Alerting: AlertingConfig{
			Enabled:    true,
			MaxWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Warehouse = WarehouseConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Staging = StagingConfig{
		Type:       "redis",
		RedisAddr:  "localhost:6379",
		TTLSeconds: 86400,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
