package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for startup-blocking problems. All
// findings are reported at once, one per line.
func (c *Config) Validate() error {
	var issues []string
	add := func(field, format string, args ...interface{}) {
		issues = append(issues, fmt.Sprintf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("log_level", "unknown level %q", c.LogLevel)
	}

	switch c.Receiver.TCP.Oversize {
	case OversizeTruncate, OversizeDrop:
	default:
		add("receiver.tcp.oversize", "must be %q or %q, got %q",
			OversizeTruncate, OversizeDrop, c.Receiver.TCP.Oversize)
	}
	if c.Receiver.TCP.MaxLineBytes < 0 {
		add("receiver.tcp.max_line_bytes", "must not be negative")
	}
	if tc := c.Receiver.TCP.TLS; tc.Enabled && (tc.CertFile == "" || tc.KeyFile == "") {
		add("receiver.tcp.tls", "cert_file and key_file are required when enabled")
	}

	if c.Memory.LimitRatio < 0 || c.Memory.LimitRatio > 1 {
		add("memory.limit_ratio", "must be within [0, 1], got %v", c.Memory.LimitRatio)
	}

	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		add("aws", "access_key_id and secret_access_key must be set together")
	}

	if len(c.Writers) == 0 {
		add("writers", "at least one writer is required")
	}
	seen := make(map[string]bool, len(c.Writers))
	for i := range c.Writers {
		c.validateWriter(i, seen, add)
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(issues, "\n  "))
}

func (c *Config) validateWriter(i int, seen map[string]bool, add func(field, format string, args ...interface{})) {
	w := &c.Writers[i]
	field := func(name string) string {
		return fmt.Sprintf("writers[%d].%s", i, name)
	}

	if w.Name == "" {
		add(field("name"), "must not be empty")
	} else if seen[w.Name] {
		add(field("name"), "duplicate writer name %q", w.Name)
	}
	seen[w.Name] = true

	switch w.DiscardAction {
	case "none", "oldest", "newest":
	default:
		add(field("discard_action"), "unknown action %q", w.DiscardAction)
	}
	if w.DiscardThreshold < 0 {
		add(field("discard_threshold"), "must not be negative")
	}
	if w.BatchDelay < 0 {
		add(field("batch_delay"), "must not be negative")
	}
	if w.RetryBudget < 1 {
		add(field("retry_budget"), "must be at least 1")
	}

	d := &w.Destination
	switch d.Type {
	case DestinationCloudWatch:
		if d.LogGroup == "" {
			add(field("destination.log_group"), "required for cloudwatch")
		}
		if d.LogStream == "" {
			add(field("destination.log_stream"), "required for cloudwatch")
		}
	case DestinationKinesis:
		if d.StreamName == "" {
			add(field("destination.stream_name"), "required for kinesis")
		}
		if d.ShardCount < 1 {
			add(field("destination.shard_count"), "must be at least 1")
		}
	case DestinationSNS:
		if d.TopicName == "" && d.TopicArn == "" {
			add(field("destination"), "sns needs topic_name or topic_arn")
		}
	default:
		add(field("destination.type"), "unknown destination type %q", d.Type)
	}
}
