package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DriverConfig holds configuration for the driver
type DriverConfig struct {
	InstanceID         string
	LogLevel           string
	RingDepth          uint32
	PollIntervalUS     uint32
	ResponderQueueSize int

	ListenAddr string
	ListenPort uint16
	PeerPort   uint16
	TOS        int
	TTL        int
	SendRate   int

	RetryEnabled           bool
	RetryMaxRetries        int
	RetryInitialIntervalMS uint32
	RetryMaxIntervalMS     uint32
	RetryRatePerSecond     int

	MetricsEnabled bool
	CollectorAddr  string
}

var (
	ErrInvalidRingDepth = errors.New("ring depth must be a power of two")
	ErrInvalidLogLevel  = errors.New("unknown log level")
)

// flag name -> config key
var driverFlagKeys = map[string]string{
	"instance-id":            "instance_id",
	"log-level":              "log_level",
	"ring-depth":             "ring_depth",
	"poll-interval-us":       "poll_interval_us",
	"responder-queue-size":   "responder_queue_size",
	"listen-addr":            "listen_addr",
	"listen-port":            "listen_port",
	"peer-port":              "peer_port",
	"tos":                    "tos",
	"ttl":                    "ttl",
	"send-rate":              "send_rate",
	"retry-enabled":          "retry.enabled",
	"retry-max-retries":      "retry.max_retries",
	"retry-initial-interval": "retry.initial_interval_ms",
	"retry-max-interval":     "retry.max_interval_ms",
	"retry-rate":             "retry.rate_per_second",
	"metrics-enabled":        "metrics.enabled",
	"collector-addr":         "metrics.collector_addr",
}

// SetupDriverFlags declares the driver's command line flags on flagSet.
func SetupDriverFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("instance-id", "", "Instance identifier reported with metrics (defaults to hostname)")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Uint32("ring-depth", 1024, "Number of 32-byte slots per descriptor ring (power of two)")
	flagSet.Uint32("poll-interval-us", 50, "Ring polling interval in microseconds")
	flagSet.Int("responder-queue-size", 256, "Capacity of the responder command queue")
	flagSet.String("listen-addr", "0.0.0.0", "IPv4 address the UDP agent binds")
	flagSet.Uint16("listen-port", 4791, "UDP port the agent binds")
	flagSet.Uint16("peer-port", 4791, "UDP port remote devices listen on")
	flagSet.Int("tos", 0, "IP TOS byte for outgoing packets (0 leaves the default)")
	flagSet.Int("ttl", 0, "IP TTL for outgoing packets (0 leaves the default)")
	flagSet.Int("send-rate", 0, "Outgoing packets per second (0 disables pacing)")
	flagSet.Bool("retry-enabled", true, "Retransmit negatively acknowledged operations")
	flagSet.Int("retry-max-retries", 5, "Retransmissions per operation before giving up")
	flagSet.Uint32("retry-initial-interval", 10, "Initial retransmission backoff in milliseconds")
	flagSet.Uint32("retry-max-interval", 1000, "Maximum retransmission backoff in milliseconds")
	flagSet.Int("retry-rate", 1000, "Retransmissions per second across all operations (0 disables pacing)")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("collector-addr", "localhost:4317", "OpenTelemetry collector address")
}

// LoadDriverConfig loads the configuration from flags, environment variables
// and an optional config file, in that order of precedence.
func LoadDriverConfig(flagSet *pflag.FlagSet) (*DriverConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("instance_id", getSystemHostname())
	v.SetDefault("log_level", "info")
	v.SetDefault("ring_depth", 1024)
	v.SetDefault("poll_interval_us", 50)
	v.SetDefault("responder_queue_size", 256)
	v.SetDefault("listen_addr", "0.0.0.0")
	v.SetDefault("listen_port", 4791)
	v.SetDefault("peer_port", 4791)
	v.SetDefault("tos", 0)
	v.SetDefault("ttl", 0)
	v.SetDefault("send_rate", 0)
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.initial_interval_ms", 10)
	v.SetDefault("retry.max_interval_ms", 1000)
	v.SetDefault("retry.rate_per_second", 1000)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.collector_addr", "localhost:4317")

	// Environment variables
	v.SetEnvPrefix("RDMADRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Only flags set explicitly override the other sources.
	configPath := ""
	if flagSet != nil {
		for name, key := range driverFlagKeys {
			f := flagSet.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("error binding flag %s: %w", name, err)
			}
		}
		configPath, _ = flagSet.GetString("config")
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("driver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rdmadriver")
		v.AddConfigPath("/etc/rdmadriver")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config DriverConfig
	config.InstanceID = v.GetString("instance_id")
	if config.InstanceID == "" {
		config.InstanceID = getSystemHostname()
	}
	config.LogLevel = v.GetString("log_level")
	config.RingDepth = v.GetUint32("ring_depth")
	config.PollIntervalUS = v.GetUint32("poll_interval_us")
	config.ResponderQueueSize = v.GetInt("responder_queue_size")
	config.ListenAddr = v.GetString("listen_addr")
	config.ListenPort = v.GetUint16("listen_port")
	config.PeerPort = v.GetUint16("peer_port")
	config.TOS = v.GetInt("tos")
	config.TTL = v.GetInt("ttl")
	config.SendRate = v.GetInt("send_rate")
	config.RetryEnabled = v.GetBool("retry.enabled")
	config.RetryMaxRetries = v.GetInt("retry.max_retries")
	config.RetryInitialIntervalMS = v.GetUint32("retry.initial_interval_ms")
	config.RetryMaxIntervalMS = v.GetUint32("retry.max_interval_ms")
	config.RetryRatePerSecond = v.GetInt("retry.rate_per_second")
	config.MetricsEnabled = v.GetBool("metrics.enabled")
	config.CollectorAddr = v.GetString("metrics.collector_addr")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects values the driver cannot run with.
func (c *DriverConfig) Validate() error {
	if c.RingDepth == 0 || c.RingDepth&(c.RingDepth-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRingDepth, c.RingDepth)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if c.ResponderQueueSize <= 0 {
		return fmt.Errorf("responder queue size must be positive, got %d", c.ResponderQueueSize)
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("retry max retries must not be negative, got %d", c.RetryMaxRetries)
	}
	return nil
}

// PollInterval returns the ring polling interval.
func (c *DriverConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalUS) * time.Microsecond
}

// WriteDefaultConfig creates a default configuration file for the driver
func WriteDefaultConfig(path string) error {
	configContent := `# RDMA driver configuration
instance_id: "" # Leave empty to use hostname
log_level: "info" # trace, debug, info, warn, error
ring_depth: 1024 # slots per ring, power of two
poll_interval_us: 50
responder_queue_size: 256

listen_addr: "0.0.0.0"
listen_port: 4791
peer_port: 4791
tos: 0
ttl: 0
send_rate: 0 # packets per second, 0 disables pacing

retry:
  enabled: true
  max_retries: 5
  initial_interval_ms: 10
  max_interval_ms: 1000
  rate_per_second: 1000

metrics:
  enabled: false
  collector_addr: "localhost:4317"
`

	return writeConfigFile(path, configContent)
}
