// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loadcell-service/internal/protocol"
)

// AutoPort asks the service to discover the controller's serial port
const AutoPort = "auto"

// ConfigPathEnv overrides the config file location
const ConfigPathEnv = "LOADCELL_SERVICE_CONFIG"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Client   ClientConfig   `mapstructure:"client"`
	Cells    []CellConfig   `mapstructure:"cells"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SerialConfig represents the controller link configuration
type SerialConfig struct {
	Port                string        `mapstructure:"port"`
	BaudRate            int           `mapstructure:"baud_rate"`
	DataBits            int           `mapstructure:"data_bits"`
	StopBits            int           `mapstructure:"stop_bits"`
	Parity              string        `mapstructure:"parity"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	WarmupDelay         time.Duration `mapstructure:"warmup_delay"`
	MaxConnectAttempts  int           `mapstructure:"max_connect_attempts"`
	MaxExchangeAttempts int           `mapstructure:"max_exchange_attempts"`
	Simulate            bool          `mapstructure:"simulate"`
}

// ClientConfig represents polling loop configuration
type ClientConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	IdlePollInterval time.Duration `mapstructure:"idle_poll_interval"`
	StartupIdleWait  time.Duration `mapstructure:"startup_idle_wait"`
}

// CellConfig is a load cell configured at startup
type CellConfig struct {
	ID      uint8 `mapstructure:"id"`
	DoutPin uint8 `mapstructure:"dout_pin"`
	SckPin  uint8 `mapstructure:"sck_pin"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigPathEnv))
}

// LoadFile loads configuration from path, or from the standard search
// locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("../../internal/config")
	}

	// Environment variable support
	v.SetEnvPrefix("LOADCELL_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults and environment are enough to run.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Serial defaults
	v.SetDefault("serial.port", AutoPort)
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_timeout", "500ms")
	v.SetDefault("serial.reconnect_delay", "1s")
	v.SetDefault("serial.warmup_delay", "500ms")
	v.SetDefault("serial.max_connect_attempts", 5)
	v.SetDefault("serial.max_exchange_attempts", 3)
	v.SetDefault("serial.simulate", false)

	// Client defaults
	v.SetDefault("client.poll_interval", "50ms")
	v.SetDefault("client.queue_capacity", 16)
	v.SetDefault("client.stop_timeout", "1s")
	v.SetDefault("client.event_buffer", 64)
	v.SetDefault("client.idle_poll_interval", "100ms")
	v.SetDefault("client.startup_idle_wait", "5s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// App defaults
	v.SetDefault("app.name", "loadcell-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Serial.Port == "" && !config.Serial.Simulate {
		return fmt.Errorf("serial.port is required unless serial.simulate is set")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Serial.ReadTimeout <= 0 {
		return fmt.Errorf("serial.read_timeout must be positive")
	}
	if config.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be positive")
	}
	if config.Client.QueueCapacity <= 0 {
		return fmt.Errorf("client.queue_capacity must be positive")
	}

	seen := make(map[uint8]bool, len(config.Cells))
	for _, cell := range config.Cells {
		if !protocol.ValidCellID(cell.ID) {
			return fmt.Errorf("cells: id %d out of range [0, %d)", cell.ID, protocol.MaxLoadCells)
		}
		if seen[cell.ID] {
			return fmt.Errorf("cells: id %d configured twice", cell.ID)
		}
		seen[cell.ID] = true
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// AutoDetectPort reports whether the serial port must be discovered
func (c *Config) AutoDetectPort() bool {
	return !c.Serial.Simulate && strings.EqualFold(c.Serial.Port, AutoPort)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
