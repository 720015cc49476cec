// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/report"
)

// Config is the top-level static configuration. Maps to the `ovs-tsn:`
// root key in YAML.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Datapath  DatapathConfig  `mapstructure:"datapath" yaml:"datapath"`
	Reporters ReportersConfig `mapstructure:"reporters" yaml:"reporters"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format string        `mapstructure:"format" yaml:"format"` // json / text
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig configures the rotating file output.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DatapathConfig groups capture and reassembly settings.
type DatapathConfig struct {
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Defrag  DefragConfig  `mapstructure:"defrag" yaml:"defrag"`
}

// CaptureConfig describes the live packet source.
type CaptureConfig struct {
	Interface   string        `mapstructure:"interface" yaml:"interface"`
	BPFFilter   string        `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	SnapLen     int           `mapstructure:"snaplen" yaml:"snaplen"`
	Promiscuous bool          `mapstructure:"promiscuous" yaml:"promiscuous"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

// DefragConfig carries the reassembly engine knobs.
type DefragConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HighWatermarkBytes int64         `mapstructure:"high_watermark_bytes" yaml:"high_watermark_bytes"`
	LowWatermarkBytes  int64         `mapstructure:"low_watermark_bytes" yaml:"low_watermark_bytes"`
	MaxSpread          int           `mapstructure:"max_spread" yaml:"max_spread"`
	User               string        `mapstructure:"user" yaml:"user"`
	VIF                int           `mapstructure:"vif" yaml:"vif"`
	NotifyTimeouts     bool          `mapstructure:"notify_timeouts" yaml:"notify_timeouts"`
}

// ReportersConfig selects and configures event sinks.
type ReportersConfig struct {
	Log   LogReporterConfig  `mapstructure:"log" yaml:"log"`
	Kafka KafkaReporterBlock `mapstructure:"kafka" yaml:"kafka"`
}

// LogReporterConfig enables the process-log sink.
type LogReporterConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// KafkaReporterBlock wraps the Kafka sink settings with an enable flag.
type KafkaReporterBlock struct {
	Enabled            bool `mapstructure:"enabled" yaml:"enabled"`
	report.KafkaConfig `mapstructure:",squash" yaml:",inline"`
}

// configRoot is the top-level wrapper matching the YAML structure
// `ovs-tsn: ...`.
type configRoot struct {
	OvsTSN Config `mapstructure:"ovs-tsn"`
}

// Load loads configuration from file. The YAML file uses `ovs-tsn:` as
// root key; env vars override via the key replacer (e.g. key
// "ovs-tsn.log.level" → env "OVS_TSN_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	decodeDurations := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&root, decodeDurations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.OvsTSN

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "ovs-tsn." prefix
// to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ovs-tsn.log.level", "info")
	v.SetDefault("ovs-tsn.log.format", "json")
	v.SetDefault("ovs-tsn.log.file.enabled", false)
	v.SetDefault("ovs-tsn.log.file.path", "/var/log/ovs-tsn/ovs-tsn.log")
	v.SetDefault("ovs-tsn.log.file.max_size_mb", 100)
	v.SetDefault("ovs-tsn.log.file.max_age_days", 30)
	v.SetDefault("ovs-tsn.log.file.max_backups", 5)
	v.SetDefault("ovs-tsn.log.file.compress", true)

	v.SetDefault("ovs-tsn.metrics.enabled", true)
	v.SetDefault("ovs-tsn.metrics.listen", ":9465")
	v.SetDefault("ovs-tsn.metrics.path", "/metrics")

	v.SetDefault("ovs-tsn.datapath.capture.snaplen", 65535)
	v.SetDefault("ovs-tsn.datapath.capture.promiscuous", true)
	v.SetDefault("ovs-tsn.datapath.capture.bpf_filter", "ip")

	v.SetDefault("ovs-tsn.datapath.defrag.timeout", "30s")
	v.SetDefault("ovs-tsn.datapath.defrag.high_watermark_bytes", 4<<20)
	v.SetDefault("ovs-tsn.datapath.defrag.low_watermark_bytes", 3<<20)
	v.SetDefault("ovs-tsn.datapath.defrag.max_spread", 64)
	v.SetDefault("ovs-tsn.datapath.defrag.user", "local-deliver")
	v.SetDefault("ovs-tsn.datapath.defrag.notify_timeouts", true)

	v.SetDefault("ovs-tsn.reporters.log.enabled", true)
	v.SetDefault("ovs-tsn.reporters.kafka.enabled", false)
	v.SetDefault("ovs-tsn.reporters.kafka.compression", "snappy")
	v.SetDefault("ovs-tsn.reporters.kafka.batch_size", 100)
	v.SetDefault("ovs-tsn.reporters.kafka.batch_timeout", "100ms")
	v.SetDefault("ovs-tsn.reporters.kafka.max_attempts", 3)
}

// ValidateAndApplyDefaults validates configuration and fills runtime
// defaults that depend on other fields.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if _, ok := core.ParseDefragUser(cfg.Datapath.Defrag.User); !ok {
		return fmt.Errorf("invalid datapath.defrag.user: %s", cfg.Datapath.Defrag.User)
	}

	df := &cfg.Datapath.Defrag
	if df.Timeout <= 0 {
		return fmt.Errorf("datapath.defrag.timeout must be positive")
	}
	if df.HighWatermarkBytes <= 0 || df.LowWatermarkBytes <= 0 {
		return fmt.Errorf("datapath.defrag watermarks must be positive")
	}
	if df.LowWatermarkBytes > df.HighWatermarkBytes {
		return fmt.Errorf("datapath.defrag.low_watermark_bytes exceeds high_watermark_bytes")
	}

	if cfg.Reporters.Kafka.Enabled {
		if len(cfg.Reporters.Kafka.Brokers) == 0 {
			return fmt.Errorf("reporters.kafka.brokers is required when reporters.kafka.enabled=true")
		}
		if cfg.Reporters.Kafka.Topic == "" {
			return fmt.Errorf("reporters.kafka.topic is required when reporters.kafka.enabled=true")
		}
	}

	return nil
}

// User returns the parsed consumer identity. Call only after
// ValidateAndApplyDefaults succeeded.
func (cfg *Config) User() core.DefragUser {
	u, _ := core.ParseDefragUser(cfg.Datapath.Defrag.User)
	return u
}
