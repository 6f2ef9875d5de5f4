// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Loops     LoopsConfig     `yaml:"loops"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// EngineConfig contains the execution engine tunables
type EngineConfig struct {
	Commission      float64 `yaml:"commission" validate:"min=0,max=1"`
	CashAsset       string  `yaml:"cash_asset"`
	MinSettleMillis int     `yaml:"min_settle_ms" validate:"min=0"`
	MaxSettleMillis int     `yaml:"max_settle_ms" validate:"min=0"`
	SigmaFill       float64 `yaml:"sigma_fill" validate:"min=0"`
}

// LoopsConfig contains the control loop periods and ages
type LoopsConfig struct {
	TickSeconds     int `yaml:"tick_seconds" validate:"min=1,max=3600"`
	PruneSeconds    int `yaml:"prune_seconds" validate:"min=1,max=86400"`
	AuditSeconds    int `yaml:"audit_seconds" validate:"min=1,max=86400"`
	StaleAgeHours   int `yaml:"stale_age_hours" validate:"min=1"`
	ExpireAgeHours  int `yaml:"expire_age_hours" validate:"min=1"`
	LeaderTTLSecond int `yaml:"leader_ttl_seconds" validate:"min=1,max=300"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path"` // SQLite database file, required for the sqlite driver
}

// ServerConfig contains the HTTP/WebSocket facade settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      float64  `yaml:"rate_limit" validate:"min=0"`
	RateBurst      int      `yaml:"rate_burst" validate:"min=0"`
	MaxConnections int      `yaml:"max_connections" validate:"min=1"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig configures the external alert channels. Alerting is off when
// no channel is set.
type AlertsConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	CheckSeconds   int    `yaml:"check_seconds" validate:"min=1"`
}

// Enabled reports whether at least one alert channel is configured.
func (a AlertsConfig) Enabled() bool {
	return a.SlackWebhook != "" || (a.TelegramToken != "" && a.TelegramChatID != "")
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateEngineConfig,
		c.validateLoopsConfig,
		c.validateStoreConfig,
		c.validateServerConfig,
		c.validateSystemConfig,
		c.validateAlertsConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.Commission < 0 || c.Engine.Commission >= 1 {
		return ValidationError{
			Field:   "engine.commission",
			Value:   c.Engine.Commission,
			Message: "must be in [0, 1)",
		}
	}
	if c.Engine.CashAsset == "" {
		return ValidationError{
			Field:   "engine.cash_asset",
			Message: "cash asset is required",
		}
	}
	if c.Engine.MinSettleMillis < 0 || c.Engine.MaxSettleMillis < 0 {
		return ValidationError{
			Field:   "engine.min_settle_ms",
			Message: "settle delays must be >= 0",
		}
	}
	if c.Engine.MaxSettleMillis < c.Engine.MinSettleMillis {
		return ValidationError{
			Field:   "engine.max_settle_ms",
			Value:   c.Engine.MaxSettleMillis,
			Message: "must be >= min_settle_ms",
		}
	}
	if c.Engine.SigmaFill < 0 {
		return ValidationError{
			Field:   "engine.sigma_fill",
			Value:   c.Engine.SigmaFill,
			Message: "must be >= 0",
		}
	}
	return nil
}

func (c *Config) validateLoopsConfig() error {
	if c.Loops.TickSeconds <= 0 {
		return ValidationError{
			Field:   "loops.tick_seconds",
			Value:   c.Loops.TickSeconds,
			Message: "must be positive",
		}
	}
	if c.Loops.PruneSeconds <= 0 || c.Loops.AuditSeconds <= 0 {
		return ValidationError{
			Field:   "loops.prune_seconds",
			Message: "loop periods must be positive",
		}
	}
	if c.Loops.StaleAgeHours <= 0 || c.Loops.ExpireAgeHours <= 0 {
		return ValidationError{
			Field:   "loops.stale_age_hours",
			Message: "order ages must be positive",
		}
	}
	if c.Loops.LeaderTTLSecond <= 0 {
		return ValidationError{
			Field:   "loops.leader_ttl_seconds",
			Value:   c.Loops.LeaderTTLSecond,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validDrivers := []string{"memory", "sqlite"}
	if !contains(validDrivers, c.Store.Driver) {
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return ValidationError{
			Field:   "store.path",
			Message: "database path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Addr == "" {
		return ValidationError{
			Field:   "server.addr",
			Message: "listen address is required",
		}
	}
	if c.Server.MaxConnections <= 0 {
		return ValidationError{
			Field:   "server.max_connections",
			Value:   c.Server.MaxConnections,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateAlertsConfig() error {
	if c.Alerts.Enabled() && c.Alerts.CheckSeconds <= 0 {
		return ValidationError{
			Field:   "alerts.check_seconds",
			Value:   c.Alerts.CheckSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

// MinSettle returns the minimum market-settle delay as a duration.
func (c *Config) MinSettle() time.Duration {
	return time.Duration(c.Engine.MinSettleMillis) * time.Millisecond
}

// MaxSettle returns the maximum market-settle delay as a duration.
func (c *Config) MaxSettle() time.Duration {
	return time.Duration(c.Engine.MaxSettleMillis) * time.Millisecond
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		// Keep ${VAR} intact when the variable is unset
		return "${" + key + "}"
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays the
// YAML file on top of it.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Commission:      0.001,
			CashAsset:       "USDT",
			MinSettleMillis: 500,
			MaxSettleMillis: 3000,
			SigmaFill:       0.1,
		},
		Loops: LoopsConfig{
			TickSeconds:     3,
			PruneSeconds:    60,
			AuditSeconds:    60,
			StaleAgeHours:   720,
			ExpireAgeHours:  24,
			LeaderTTLSecond: 15,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Addr:           ":8087",
			AllowedOrigins: []string{"*"},
			RateLimit:      50,
			RateBurst:      100,
			MaxConnections: 1000,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
		Alerts: AlertsConfig{
			CheckSeconds: 30,
		},
	}
}
