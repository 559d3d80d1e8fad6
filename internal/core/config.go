package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dcrodman/relay/internal/core/crypto"
	"github.com/dcrodman/relay/internal/core/frame"
)

// Config contains all of the configuration options available to the relay
// server and its operator console.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Port on which the server will listen.
	Port int `mapstructure:"port"`
	// Server-wide key and IV used to decrypt handshake frames. Both are raw
	// byte strings of exactly the cipher's key and block sizes.
	SharedKey string `mapstructure:"shared_key"`
	SharedIV  string `mapstructure:"shared_iv"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Largest frame body accepted from or sent to a client.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// Largest handshake frame body accepted from a new connection.
	MaxHandshakeSize int `mapstructure:"max_handshake_size"`
	// How long a new connection has to complete its handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// Deadline applied to each write to a client.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Sender name used for messages originating from the server itself.
	OperatorName string `mapstructure:"operator_name"`

	Relay struct {
		// Prefix delivered messages with "<sender>: ".
		IncludeSender bool `mapstructure:"include_sender"`
		// Broadcast a notice when clients join or leave.
		AnnouncePresence bool `mapstructure:"announce_presence"`
	} `mapstructure:"relay"`

	Presence struct {
		// How long the departure time of a username is remembered.
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"presence"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Include the file and line number of the caller in each entry.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Debugging struct {
		// Dump every decrypted client frame at debug level.
		FrameLoggingEnabled bool `mapstructure:"frame_logging_enabled"`
		// Port on localhost for the pprof HTTP server. 0 leaves it disabled.
		PprofPort int `mapstructure:"pprof_port"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "RELAY"

// legacyEnvVars maps config keys to the environment variables used by
// earlier deployments of the relay. They're consulted after the prefixed names.
var legacyEnvVars = map[string]string{
	"shared_key": "SERVER_KEY",
	"shared_iv":  "SERVER_IV",
	"port":       "SERVER_PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 0)
	v.SetDefault("shared_key", "")
	v.SetDefault("shared_iv", "")
	v.SetDefault("max_connections", 256)
	v.SetDefault("max_frame_size", 4096)
	v.SetDefault("max_handshake_size", 1024)
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 5*time.Second)
	v.SetDefault("operator_name", "Server")
	v.SetDefault("relay.include_sender", false)
	v.SetDefault("relay.announce_presence", true)
	v.SetDefault("presence.ttl", time.Hour)
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("logging.log_file_path", "")
	v.SetDefault("logging.include_caller", false)
	v.SetDefault("debugging.frame_logging_enabled", false)
	v.SetDefault("debugging.pprof_port", 0)
}

// LoadConfig reads config.yaml from configPath (if present) and layers any
// environment overrides on top of it. The returned Config has been validated.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, logging.log_level can be set using: <envVarPrefix>_LOGGING_LOG_LEVEL
	for _, k := range v.AllKeys() {
		envVar := envVarPrefix + "_" + strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		names := []string{k, envVar}
		if legacy, ok := legacyEnvVars[k]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the values in the Config can be used to start a server.
func (c *Config) Validate() error {
	if len(c.SharedKey) != crypto.KeySize {
		return fmt.Errorf("shared_key must be %d bytes, got %d", crypto.KeySize, len(c.SharedKey))
	}
	if len(c.SharedIV) != crypto.IVSize {
		return fmt.Errorf("shared_iv must be %d bytes, got %d", crypto.IVSize, len(c.SharedIV))
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.Debugging.PprofPort < 0 || c.Debugging.PprofPort > 65535 {
		return fmt.Errorf("debugging.pprof_port %d is out of range", c.Debugging.PprofPort)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.MaxFrameSize < crypto.BlockSize || c.MaxFrameSize > frame.MaxBodySize {
		return fmt.Errorf("max_frame_size must be between %d and %d", crypto.BlockSize, frame.MaxBodySize)
	}
	if c.MaxHandshakeSize < crypto.BlockSize || c.MaxHandshakeSize > frame.MaxBodySize {
		return fmt.Errorf("max_handshake_size must be between %d and %d", crypto.BlockSize, frame.MaxBodySize)
	}
	if c.OperatorName == "" {
		return fmt.Errorf("operator_name cannot be blank")
	}
	return nil
}

// Address returns the host:port pair on which the server should listen.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}
