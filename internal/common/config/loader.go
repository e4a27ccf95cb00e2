// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like DB_PASSWORD
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, ignored when absent
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig()

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile tries .env in the common run locations before falling back
// to system environment variables.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig fills credentials from the environment when the file
// left them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
	if cfg.Notifications.SNS.TopicARN == "" {
		if val := os.Getenv("CONFLICT_SNS_TOPIC_ARN"); val != "" {
			cfg.Notifications.SNS.TopicARN = val
		}
	}
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = ":9090"
	}

	// Database defaults
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Store defaults
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "./data/sessions"
	}
	if cfg.Store.MaxAgeDays == 0 {
		cfg.Store.MaxAgeDays = 90
	}

	// Timer defaults
	if cfg.Timer.DefaultMode == "" {
		cfg.Timer.DefaultMode = "disabled"
	}
	if cfg.Timer.TimezonePollInterval == 0 {
		cfg.Timer.TimezonePollInterval = 60000
	}
	if cfg.Timer.FocusMinutes == 0 {
		cfg.Timer.FocusMinutes = 25
	}
	if cfg.Timer.ShortBreakMinutes == 0 {
		cfg.Timer.ShortBreakMinutes = 5
	}
	if cfg.Timer.LongBreakMinutes == 0 {
		cfg.Timer.LongBreakMinutes = 15
	}

	// Reconcile defaults
	if cfg.Reconcile.Strategy == "" {
		cfg.Reconcile.Strategy = "merge"
	}
	if cfg.Reconcile.WindowDays == 0 {
		cfg.Reconcile.WindowDays = 7
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 300000
	}
	if cfg.Reconcile.ProbeTimeout == 0 {
		cfg.Reconcile.ProbeTimeout = 3000
	}
	if cfg.Reconcile.TimestampSkewSeconds == 0 {
		cfg.Reconcile.TimestampSkewSeconds = 60
	}
	if cfg.Reconcile.SizeDeltaPercent == 0 {
		cfg.Reconcile.SizeDeltaPercent = 50
	}

	// Channel defaults
	if cfg.Channel.RequestTimeout == 0 {
		cfg.Channel.RequestTimeout = 5000
	}
	if cfg.Channel.PingTimeout == 0 {
		cfg.Channel.PingTimeout = 3000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	switch cfg.Timer.DefaultMode {
	case "disabled", "dual", "utc-only":
	default:
		return fmt.Errorf("timer.default_mode must be disabled, dual or utc-only")
	}
	for user, mode := range cfg.Timer.Modes {
		switch mode {
		case "disabled", "dual", "utc-only":
		default:
			return fmt.Errorf("timer.modes[%s] must be disabled, dual or utc-only", user)
		}
	}

	switch cfg.Reconcile.Strategy {
	case "prefer_webapp", "prefer_extension", "merge":
	default:
		return fmt.Errorf("reconcile.strategy must be prefer_webapp, prefer_extension or merge")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// TimerModeFor resolves the migration flag for one user with fallback to
// the default mode.
func TimerModeFor(cfg *Config, userID string) string {
	if mode, exists := cfg.Timer.Modes[userID]; exists {
		return mode
	}
	return cfg.Timer.DefaultMode
}
