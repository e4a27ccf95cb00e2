// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Store         StoreConfig         `mapstructure:"store"`
	Timer         TimerConfig         `mapstructure:"timer"`
	Reconcile     ReconcileConfig     `mapstructure:"reconcile"`
	Channel       ChannelConfig       `mapstructure:"channel"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
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

// StoreConfig holds the local session store settings.
type StoreConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TimerConfig selects the timer implementation during the clock migration.
// Modes maps user IDs to a flag position (disabled|dual|utc-only);
// DefaultMode applies to users without an explicit entry.
type TimerConfig struct {
	DefaultMode          string            `mapstructure:"default_mode"`
	Modes                map[string]string `mapstructure:"modes"`
	TimezonePollInterval int               `mapstructure:"timezone_poll_interval"` // milliseconds
	FocusMinutes         int               `mapstructure:"focus_minutes"`
	ShortBreakMinutes    int               `mapstructure:"short_break_minutes"`
	LongBreakMinutes     int               `mapstructure:"long_break_minutes"`
}

// ReconcileConfig tunes the reconciliation engine. The skew and size-delta
// thresholds are heuristics, not contracts.
type ReconcileConfig struct {
	Strategy             string `mapstructure:"strategy"` // prefer_webapp|prefer_extension|merge
	WindowDays           int    `mapstructure:"window_days"`
	Interval             int    `mapstructure:"interval"`      // milliseconds
	ProbeTimeout         int    `mapstructure:"probe_timeout"` // milliseconds
	TimestampSkewSeconds int    `mapstructure:"timestamp_skew_seconds"`
	SizeDeltaPercent     int    `mapstructure:"size_delta_percent"`
}

// ChannelConfig tunes the cross-client message channel.
type ChannelConfig struct {
	PeerName       string `mapstructure:"peer_name"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	PingTimeout    int    `mapstructure:"ping_timeout"`    // milliseconds
}

// NotificationConfig holds settings for high-severity conflict alerts.
type NotificationConfig struct {
	BroadcastDelay int `mapstructure:"broadcast_delay"` // milliseconds, UI smoothing only
	SNS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
