// Package config loads and validates the logship configuration file. The
// file declares one or more writers, each bound to a destination, plus the
// receiver surface and the operational endpoints.
package config

import (
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// LogLevel is the minimum internal log severity: debug, info, warn,
	// error.
	LogLevel string `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Memory   MemoryConfig   `yaml:"memory"`
	AWS      AWSConfig      `yaml:"aws"`
	Receiver ReceiverConfig `yaml:"receiver"`

	Writers []WriterConfig `yaml:"writers"`
}

// ServerConfig holds the operational HTTP endpoint (metrics + health).
type ServerConfig struct {
	Address           string   `yaml:"address"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// MemoryConfig tunes GOMEMLIMIT detection inside containers.
type MemoryConfig struct {
	// LimitRatio is the fraction of the detected container memory handed
	// to the Go runtime (0 disables detection).
	LimitRatio float64 `yaml:"limit_ratio"`
}

// AWSConfig holds client settings shared by all destinations. Credentials
// left empty fall back to the SDK default chain (environment, shared
// config, instance role).
type AWSConfig struct {
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint, for local stacks.
	Endpoint string `yaml:"endpoint"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// ReceiverConfig declares how log records enter the process.
type ReceiverConfig struct {
	TCP   TCPReceiverConfig `yaml:"tcp"`
	Stdin bool              `yaml:"stdin"`
}

// TCPReceiverConfig holds the newline-framed TCP listener settings.
type TCPReceiverConfig struct {
	// Address enables the listener when non-empty.
	Address string `yaml:"address"`
	// MaxLineBytes caps a single record before the oversize policy
	// applies.
	MaxLineBytes ByteSize `yaml:"max_line_bytes"`
	// Oversize is the policy for records over MaxLineBytes or over the
	// destination's single-message limit: truncate or drop.
	Oversize string    `yaml:"oversize"`
	TLS      TLSConfig `yaml:"tls"`
}

// TLSConfig secures the TCP listener. ClientCAFile turns on mutual TLS.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// WriterConfig declares one writer and its destination binding.
type WriterConfig struct {
	Name        string            `yaml:"name"`
	Destination DestinationConfig `yaml:"destination"`

	BatchDelay       Duration `yaml:"batch_delay"`
	DiscardThreshold int      `yaml:"discard_threshold"`
	DiscardAction    string   `yaml:"discard_action"`
	RetryBudget      int      `yaml:"retry_budget"`
	SendTimeout      Duration `yaml:"send_timeout"`
	Synchronous      bool     `yaml:"synchronous"`
}

// DestinationConfig is the per-backend destination description. Type
// selects the backend; the remaining fields apply per type.
type DestinationConfig struct {
	// Type is cloudwatch, kinesis, or sns.
	Type string `yaml:"type"`

	// CloudWatch.
	LogGroup        string `yaml:"log_group"`
	LogStream       string `yaml:"log_stream"`
	RetentionDays   int    `yaml:"retention_days"`
	DedicatedWriter bool   `yaml:"dedicated_writer"`

	// Kinesis.
	StreamName   string `yaml:"stream_name"`
	PartitionKey string `yaml:"partition_key"`
	ShardCount   int    `yaml:"shard_count"`

	// SNS.
	TopicName string `yaml:"topic_name"`
	TopicArn  string `yaml:"topic_arn"`
	Subject   string `yaml:"subject"`

	// AutoCreate provisions the destination at startup when missing.
	AutoCreate bool `yaml:"auto_create"`
}

// Destination types.
const (
	DestinationCloudWatch = "cloudwatch"
	DestinationKinesis    = "kinesis"
	DestinationSNS        = "sns"
)

// Oversize policies.
const (
	OversizeTruncate = "truncate"
	OversizeDrop     = "drop"
)

// DefaultConfig returns the configuration used when a field is absent from
// the file.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Address:           ":9090",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(5 * time.Second),
		},
		Memory: MemoryConfig{
			LimitRatio: 0.8,
		},
		Receiver: ReceiverConfig{
			TCP: TCPReceiverConfig{
				MaxLineBytes: ByteSize(1 << 20),
				Oversize:     OversizeTruncate,
			},
		},
	}
}

// ApplyDefaults fills unset fields after YAML decoding.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Memory.LimitRatio == 0 {
		c.Memory.LimitRatio = def.Memory.LimitRatio
	}
	if c.Receiver.TCP.MaxLineBytes == 0 {
		c.Receiver.TCP.MaxLineBytes = def.Receiver.TCP.MaxLineBytes
	}
	if c.Receiver.TCP.Oversize == "" {
		c.Receiver.TCP.Oversize = def.Receiver.TCP.Oversize
	}
	for i := range c.Writers {
		w := &c.Writers[i]
		if w.BatchDelay == 0 {
			w.BatchDelay = Duration(2 * time.Second)
		}
		if w.DiscardThreshold == 0 {
			w.DiscardThreshold = 10000
		}
		if w.DiscardAction == "" {
			w.DiscardAction = "oldest"
		}
		if w.RetryBudget == 0 {
			w.RetryBudget = 3
		}
		if w.SendTimeout == 0 {
			w.SendTimeout = Duration(30 * time.Second)
		}
		if w.Destination.Type == DestinationKinesis && w.Destination.ShardCount == 0 {
			w.Destination.ShardCount = 1
		}
	}
}
