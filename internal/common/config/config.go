// internal/common/config/config.go
package config

import "fmt"

// Config is the main engine configuration struct.
type Config struct {
	App        AppConfig               `mapstructure:"app"`
	Camunda    CamundaConfig           `mapstructure:"camunda"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Auction    AuctionConfig           `mapstructure:"auction"`
	Settlement SettlementConfig        `mapstructure:"settlement"`
	Reputation ReputationConfig        `mapstructure:"reputation"`
	Events     EventsConfig            `mapstructure:"events"`
	Workers    map[string]WorkerConfig `mapstructure:"workers"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Tracing    TracingConfig           `mapstructure:"tracing"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	SSLEnabled bool     `mapstructure:"ssl_enabled"`
	Enabled    bool     `mapstructure:"enabled"`
}

// --- Auction / Commit Protocol Config ---

// AuctionConfig holds the bid admission and commit-protocol settings.
type AuctionConfig struct {
	// SlotsPerApplication is K, the bounded number of endorsement slots.
	SlotsPerApplication int `mapstructure:"slots_per_application"`
	// ReservationTimeout is how long one confirmation wait may last (ms).
	ReservationTimeout int `mapstructure:"reservation_timeout"`
	// MaxReserveAttempts bounds ledger reservation retries per bid.
	MaxReserveAttempts int `mapstructure:"max_reserve_attempts"`
	// RetryBackoff is the base backoff between reservation retries (ms).
	RetryBackoff int `mapstructure:"retry_backoff"`
	// SweepInterval is how often the expired-reservation sweep runs (ms).
	SweepInterval int `mapstructure:"sweep_interval"`
	// DrainTimeout bounds how long settlement waits for in-flight
	// attempts on an application before giving up (ms).
	DrainTimeout int `mapstructure:"drain_timeout"`
}

// SettlementConfig holds the payout and slashing policy settings.
type SettlementConfig struct {
	// BaseSlashRate is the slashing rate applied at zero reputation.
	BaseSlashRate float64 `mapstructure:"base_slash_rate"`
	// MaxSlashRate caps the effective slashing rate regardless of policy.
	MaxSlashRate float64 `mapstructure:"max_slash_rate"`
	// ReputationGainOnHire and ReputationLossOnReject are the deltas
	// emitted to the external reputation collaborator.
	ReputationGainOnHire   float64 `mapstructure:"reputation_gain_on_hire"`
	ReputationLossOnReject float64 `mapstructure:"reputation_loss_on_reject"`
}

// ReputationConfig holds settings for the external reputation collaborator.
type ReputationConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Timeout  int    `mapstructure:"timeout"`   // milliseconds
	CacheTTL int    `mapstructure:"cache_ttl"` // milliseconds
}

// EventsConfig holds settings for the outbox dispatcher.
type EventsConfig struct {
	DispatchInterval int    `mapstructure:"dispatch_interval"` // milliseconds
	BatchSize        int    `mapstructure:"batch_size"`
	SNS              struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// TracingConfig holds span export settings. An empty endpoint disables
// export while keeping the no-op tracer installed.
type TracingConfig struct {
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
