// Package config loads the forwarder's text configuration file and
// command-line overrides into a Config.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/kulaginds/htp-forwarder/internal/logging"
)

// globalConfig stores the configuration loaded with command-line overrides
// so other packages can access the same configuration the process started with.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// TransportMode selects which sockets an HTP endpoint creates.
type TransportMode string

const (
	TransportUDP    TransportMode = "udp"
	TransportTCP    TransportMode = "tcp"
	TransportHybrid TransportMode = "hybrid"
	TransportAuto   TransportMode = "auto"
)

// Config holds the forwarder's runtime configuration.
type Config struct {
	TargetIP          string
	TargetPort        int
	ListenPort        int
	ListenInterface   string
	MaxClients        int
	ConnectionTimeout int
	ReconnectInterval int
	BufferSize        int
	SocketTimeout     int

	VerboseLogging bool
	EnableStats    bool
	StatsInterval  int
	LogFile        string

	TransportMode TransportMode
	UDPPreference float64

	RetransmitTimeoutMS int
	MaxRetransmit       int
	HeartbeatIntervalMS int

	EnableFastReconnect  bool
	KeepTargetAlive      bool
	ReconnectDelayMS     int
	MaxReconnectAttempts int
	ConnectionPoolSize   int
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	ConfigFile     string
	TargetIPLegacy string // legacy positional target-IP argument
}

// DefaultConfig returns a Config populated with the defaults named in the
// config file keys table.
func DefaultConfig() *Config {
	return &Config{
		TargetIP:          "127.0.0.1",
		TargetPort:        3389,
		ListenPort:        3390,
		ListenInterface:   "0.0.0.0",
		MaxClients:        32,
		ConnectionTimeout: 30,
		ReconnectInterval: 5,
		BufferSize:        8192,
		SocketTimeout:     0,

		VerboseLogging: false,
		EnableStats:    false,
		StatsInterval:  60,
		LogFile:        "",

		TransportMode: TransportTCP,
		UDPPreference: 0.8,

		RetransmitTimeoutMS: 100,
		MaxRetransmit:       3,
		HeartbeatIntervalMS: 1000,

		EnableFastReconnect:  false,
		KeepTargetAlive:      false,
		ReconnectDelayMS:     1000,
		MaxReconnectAttempts: 3,
		ConnectionPoolSize:   32,
	}
}

// Load loads the configuration with no command-line overrides.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides parses the file named by opts.ConfigFile, applying
// opts.TargetIPLegacy as a positional override, and validates the result.
// A missing file logs a warning and falls back to DefaultConfig(); an
// empty ConfigFile uses DefaultConfig() without a warning.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	if opts.ConfigFile != "" {
		if err := applyFile(cfg, opts.ConfigFile); err != nil {
			if os.IsNotExist(err) {
				logging.Warn("config file %s not found, using defaults", opts.ConfigFile)
			} else {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	if opts.TargetIPLegacy != "" {
		cfg.TargetIP = opts.TargetIPLegacy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// GetGlobalConfig returns the configuration loaded by the running process,
// or nil if Load/LoadWithOverrides has not been called yet.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			logging.Warn("config %s:%d: malformed line, skipping", path, lineNo)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := setField(cfg, key, value); err != nil {
			logging.Warn("config %s:%d: %v", path, lineNo, err)
		}
	}

	return scanner.Err()
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "target_ip":
		cfg.TargetIP = value
	case "target_port":
		return setInt(&cfg.TargetPort, key, value)
	case "listen_port":
		return setInt(&cfg.ListenPort, key, value)
	case "listen_interface":
		cfg.ListenInterface = value
	case "max_clients":
		return setInt(&cfg.MaxClients, key, value)
	case "connection_timeout":
		return setInt(&cfg.ConnectionTimeout, key, value)
	case "reconnect_interval":
		return setInt(&cfg.ReconnectInterval, key, value)
	case "buffer_size":
		return setInt(&cfg.BufferSize, key, value)
	case "socket_timeout":
		return setInt(&cfg.SocketTimeout, key, value)
	case "verbose_logging":
		return setBool(&cfg.VerboseLogging, key, value)
	case "enable_stats":
		return setBool(&cfg.EnableStats, key, value)
	case "stats_interval":
		return setInt(&cfg.StatsInterval, key, value)
	case "log_file":
		cfg.LogFile = value
	case "transport_mode":
		switch TransportMode(value) {
		case TransportUDP, TransportTCP, TransportHybrid, TransportAuto:
			cfg.TransportMode = TransportMode(value)
		default:
			return fmt.Errorf("unrecognized transport_mode %q", value)
		}
	case "udp_preference":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid udp_preference %q", value)
		}
		cfg.UDPPreference = clamp01(f)
	case "retransmit_timeout":
		return setInt(&cfg.RetransmitTimeoutMS, key, value)
	case "max_retransmit":
		return setInt(&cfg.MaxRetransmit, key, value)
	case "heartbeat_interval":
		return setInt(&cfg.HeartbeatIntervalMS, key, value)
	case "enable_fast_reconnect":
		return setBool(&cfg.EnableFastReconnect, key, value)
	case "keep_target_alive":
		return setBool(&cfg.KeepTargetAlive, key, value)
	case "reconnect_delay":
		return setInt(&cfg.ReconnectDelayMS, key, value)
	case "max_reconnect_attempts":
		return setInt(&cfg.MaxReconnectAttempts, key, value)
	case "connection_pool_size":
		return setInt(&cfg.ConnectionPoolSize, key, value)
	default:
		return fmt.Errorf("unknown key %q, ignoring", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q", key, value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key, value string) error {
	switch value {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("invalid %s %q", key, value)
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.TargetIP == "" {
		return fmt.Errorf("target_ip cannot be empty")
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return fmt.Errorf("invalid target_port: %d", c.TargetPort)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.ListenPort)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive")
	}
	if c.ConnectionPoolSize <= 0 {
		return fmt.Errorf("connection_pool_size must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.UDPPreference < 0 || c.UDPPreference > 1 {
		return fmt.Errorf("udp_preference must be in [0,1]")
	}
	if c.MaxRetransmit < 0 {
		return fmt.Errorf("max_retransmit cannot be negative")
	}
	switch c.TransportMode {
	case TransportUDP, TransportTCP, TransportHybrid, TransportAuto:
	default:
		return fmt.Errorf("invalid transport_mode: %s", c.TransportMode)
	}
	return nil
}
