package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/nexusarchive/compressors"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/hooks/listeners"
	"github.com/INLOpen/nexusarchive/playback"
	"github.com/INLOpen/nexusarchive/pubsub/natsbus"
	"github.com/INLOpen/nexusarchive/recorder"
	"github.com/INLOpen/nexusarchive/segment"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// ArchiveConfig holds segment storage configuration.
type ArchiveConfig struct {
	Dir             string `yaml:"dir"`
	Compression     string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	SyncEveryAppend bool   `yaml:"sync_every_append"`
	LockTimeout     string `yaml:"lock_timeout"`
}

// RecorderConfig holds batching and retry configuration for recordings.
type RecorderConfig struct {
	MaxBatchRecords      int    `yaml:"max_batch_records"`
	MaxBatchBytes        int    `yaml:"max_batch_bytes"`
	MaxBatchDelay        string `yaml:"max_batch_delay"`
	CompressionWorkers   int    `yaml:"compression_workers"`
	FlushInterval        string `yaml:"flush_interval"`
	MaxAppendRetries     int    `yaml:"max_append_retries"`
	RetryInitialInterval string `yaml:"retry_initial_interval"`
	RetryMaxInterval     string `yaml:"retry_max_interval"`
}

type PlaybackConfig struct {
	Rate         float64 `yaml:"rate"` // 0 plays as fast as possible
	Follow       bool    `yaml:"follow"`
	PollInterval string  `yaml:"poll_interval"`
}

// NATSConfig holds the NATS transport configuration.
type NATSConfig struct {
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	Name           string `yaml:"name"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// MetricsConfig holds the metrics and debug HTTP endpoint configuration.
type MetricsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	SystemInterval   string `yaml:"system_interval"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output     string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File       string `yaml:"file"`   // Path to the log file, used if output is "file"
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// OutlierRuleConfig bounds the numeric values recorded under a path pattern.
type OutlierRuleConfig struct {
	Pattern string  `yaml:"pattern"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Reject  bool    `yaml:"reject"` // drop the record instead of only logging it
}

// HooksConfig selects the built-in hook listeners.
type HooksConfig struct {
	CompressionStats bool                `yaml:"compression_stats"`
	CorruptionAlerts bool                `yaml:"corruption_alerts"`
	OutlierRules     []OutlierRuleConfig `yaml:"outlier_rules"`
}

// Config is the top-level configuration struct.
type Config struct {
	Archive  ArchiveConfig  `yaml:"archive"`
	Recorder RecorderConfig `yaml:"recorder"`
	Playback PlaybackConfig `yaml:"playback"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Hooks    HooksConfig    `yaml:"hooks"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Dir:         "./archive",
			Compression: "snappy",
			LockTimeout: "0s",
		},
		Recorder: RecorderConfig{
			MaxBatchRecords:      recorder.DefaultMaxBatchRecords,
			MaxBatchBytes:        recorder.DefaultMaxBatchBytes,
			MaxBatchDelay:        "1s",
			CompressionWorkers:   recorder.DefaultCompressionWorkers,
			FlushInterval:        "5s",
			MaxAppendRetries:     recorder.DefaultMaxAppendRetries,
			RetryInitialInterval: "50ms",
			RetryMaxInterval:     "2s",
		},
		Playback: PlaybackConfig{
			Rate:         1,
			PollInterval: "100ms",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  natsbus.DefaultSubjectPrefix,
			Name:           "nexusarchive",
			ConnectTimeout: "5s",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			ListenAddress:  ":9464",
			PProfEnabled:   false,
			SystemInterval: "15s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "stderr",
			File:       "nexusarchive.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Hooks: HooksConfig{
			CompressionStats: true,
			CorruptionAlerts: true,
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	if _, err := compressors.Parse(c.Archive.Compression); err != nil {
		return fmt.Errorf("archive.compression: %w", err)
	}
	if c.Playback.Rate < 0 {
		return fmt.Errorf("playback.rate must not be negative, got %v", c.Playback.Rate)
	}
	if c.Recorder.MaxBatchRecords < 0 || c.Recorder.MaxBatchBytes < 0 {
		return fmt.Errorf("recorder batch thresholds must not be negative")
	}
	for _, r := range c.Hooks.OutlierRules {
		if r.Min > r.Max {
			return fmt.Errorf("hooks.outlier_rules %q: min is greater than max", r.Pattern)
		}
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "grpc", "http":
	default:
		return fmt.Errorf("unsupported tracing protocol: %q", c.Tracing.Protocol)
	}
	return nil
}

// SegmentOptions converts the archive section into segment options.
func (c ArchiveConfig) SegmentOptions(logger *slog.Logger) (segment.Options, error) {
	comp, err := compressors.Parse(c.Compression)
	if err != nil {
		return segment.Options{}, err
	}
	return segment.Options{
		Compressor:      comp,
		SyncEveryAppend: c.SyncEveryAppend,
		LockTimeout:     ParseDuration(c.LockTimeout, 0, logger),
		Logger:          logger,
	}, nil
}

func (c RecorderConfig) Options(logger *slog.Logger) recorder.Options {
	return recorder.Options{
		MaxBatchRecords:      c.MaxBatchRecords,
		MaxBatchBytes:        c.MaxBatchBytes,
		MaxBatchDelay:        ParseDuration(c.MaxBatchDelay, recorder.DefaultMaxBatchDelay, logger),
		CompressionWorkers:   c.CompressionWorkers,
		FlushInterval:        ParseDuration(c.FlushInterval, recorder.DefaultFlushInterval, logger),
		MaxAppendRetries:     c.MaxAppendRetries,
		RetryInitialInterval: ParseDuration(c.RetryInitialInterval, recorder.DefaultRetryInitialInterval, logger),
		RetryMaxInterval:     ParseDuration(c.RetryMaxInterval, recorder.DefaultRetryMaxInterval, logger),
		Logger:               logger,
	}
}

func (c PlaybackConfig) Options(logger *slog.Logger) playback.Options {
	return playback.Options{
		Rate:         c.Rate,
		Follow:       c.Follow,
		PollInterval: ParseDuration(c.PollInterval, playback.DefaultPollInterval, logger),
		Logger:       logger,
	}
}

func (c NATSConfig) BusConfig(logger *slog.Logger) natsbus.Config {
	return natsbus.Config{
		URL:            c.URL,
		SubjectPrefix:  c.SubjectPrefix,
		Name:           c.Name,
		ConnectTimeout: ParseDuration(c.ConnectTimeout, natsbus.DefaultConnectTimeout, logger),
		Logger:         logger,
	}
}

// Register adds the configured listeners to m.
func (c HooksConfig) Register(m hooks.HookManager, logger *slog.Logger) error {
	if c.CompressionStats {
		m.Register(hooks.EventPostBatchAppend, listeners.NewCompressionRatioListener(logger))
	}
	if c.CorruptionAlerts {
		alerter := listeners.NewCorruptionAlerterListener(logger)
		m.Register(hooks.EventOnCorruptBatch, alerter)
		m.Register(hooks.EventPostIndexRebuild, alerter)
	}
	if len(c.OutlierRules) > 0 {
		rules := make([]listeners.OutlierRule, 0, len(c.OutlierRules))
		for _, r := range c.OutlierRules {
			rules = append(rules, listeners.OutlierRule{
				Pattern:    r.Pattern,
				Thresholds: listeners.Thresholds{Min: r.Min, Max: r.Max},
				Reject:     r.Reject,
			})
		}
		detector, err := listeners.NewOutlierDetectionListener(logger, rules)
		if err != nil {
			return err
		}
		m.Register(hooks.EventPreRecord, detector)
	}
	return nil
}

// NewLogger creates a slog.Logger based on the provided configuration. The
// returned closer is nil unless output goes to a file.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		output, closer = lj, lj
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
