// Package config provides configuration management for the
// densitometer daemon
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Light    LightConfig    `mapstructure:"light"`
	Settings SettingsConfig `mapstructure:"settings"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// SensorConfig configures the light sensor hardware
type SensorConfig struct {
	I2CBus     string `mapstructure:"i2c_bus"`
	I2CAddress int    `mapstructure:"i2c_address"`
	Simulated  bool   `mapstructure:"simulated"`
}

// LightConfig configures the measurement LEDs
type LightConfig struct {
	ReflectionPin   string `mapstructure:"reflection_pin"`
	TransmissionPin string `mapstructure:"transmission_pin"`
}

// SettingsConfig configures calibration persistence
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// MQTTConfig configures measurement publishing; disabled when the
// broker URL is empty
type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Topic     string `mapstructure:"topic"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	QOS       int    `mapstructure:"qos"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Sensor: SensorConfig{
			I2CBus:     "1",
			I2CAddress: 0x29,
		},
		Light: LightConfig{
			ReflectionPin:   "GPIO18",
			TransmissionPin: "GPIO19",
		},
		Settings: SettingsConfig{
			Path: "/var/lib/densitometer/calibration.yaml",
		},
		MQTT: MQTTConfig{
			ClientID: "densitometer",
			Topic:    "densitometer/measurements",
			QOS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Config file not found is okay, use defaults
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Only warn, don't fail - we have defaults
				fmt.Printf("Warning: config file not found at %s, using defaults\n", path)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("DENSITOMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Sensor defaults
	v.SetDefault("sensor.i2c_bus", "1")
	v.SetDefault("sensor.i2c_address", 0x29)
	v.SetDefault("sensor.simulated", false)

	// Light defaults
	v.SetDefault("light.reflection_pin", "GPIO18")
	v.SetDefault("light.transmission_pin", "GPIO19")

	// Settings defaults
	v.SetDefault("settings.path", "/var/lib/densitometer/calibration.yaml")

	// MQTT defaults
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "densitometer")
	v.SetDefault("mqtt.topic", "densitometer/measurements")
	v.SetDefault("mqtt.qos", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Sensor.I2CAddress < 0x03 || c.Sensor.I2CAddress > 0x77 {
		return fmt.Errorf("invalid i2c address: 0x%02X", c.Sensor.I2CAddress)
	}

	if c.Settings.Path == "" {
		return fmt.Errorf("settings path must not be empty")
	}

	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		return fmt.Errorf("mqtt qos must be between 0 and 2, got %d", c.MQTT.QOS)
	}

	return nil
}
