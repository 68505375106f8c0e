// Package config provides configuration structs and utilities for taxsync.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config represents the root configuration for taxsync.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Store         StoreConfig         `yaml:"store"`
	Remote        RemoteConfig        `yaml:"remote"`
	Sync          SyncConfig          `yaml:"sync"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Cache         CacheConfig         `yaml:"cache"`
	Connectivity  ConnectivityConfig  `yaml:"connectivity"`
	Observability ObservabilityConfig `yaml:"observability"`
	Security      SecurityConfig      `yaml:"security"`
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StoreConfig holds configuration for the durable local store.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file; empty means ~/.taxsync/taxsync.db
}

// RemoteConfig holds configuration for the remote endpoint.
type RemoteConfig struct {
	BaseURL       string `yaml:"base_url"`       // Prefix for relative mutation endpoints
	VersionHeader string `yaml:"version_header"` // Header carrying the mutation version
}

// SyncConfig holds configuration for the sync engine.
type SyncConfig struct {
	BatchSize       int             `yaml:"batch_size"`
	NetworkTimeout  time.Duration   `yaml:"network_timeout"`  // Per-request timeout and drain wall-clock budget
	CriticalTimeout time.Duration   `yaml:"critical_timeout"` // Per-request timeout for critical flushes
	PollInterval    time.Duration   `yaml:"poll_interval"`    // Fallback poll period
	FlushBudget     time.Duration   `yaml:"flush_budget"`     // Total budget for the teardown flush
	MaxRetries      int             `yaml:"max_retries"`
	RetryDelays     []time.Duration `yaml:"retry_delays"`
}

// BreakerConfig holds configuration for the remote circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// CacheConfig holds configuration for the computation cache.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	TTL              time.Duration `yaml:"ttl"`
	MaxMemoryEntries int           `yaml:"max_memory_entries"` // In-memory tier cap
	MaxDiskEntries   int           `yaml:"max_disk_entries"`   // Durable tier cap
	SweepInterval    time.Duration `yaml:"sweep_interval"`     // Background TTL sweep period
}

// ConnectivityConfig selects the connectivity signal.
type ConnectivityConfig struct {
	Mode        string `yaml:"mode"`         // manual, nats, file
	NATSURL     string `yaml:"nats_url"`     // Used when mode is nats
	WakeSubject string `yaml:"wake_subject"` // Optional NATS subject that wakes the scheduler
	StatusFile  string `yaml:"status_file"`  // Used when mode is file
}

// ObservabilityConfig holds configuration for observability features.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Listen address for /metrics in daemon mode
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`       // Whether tracing is enabled
	ExporterType string  `yaml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // OTLP collector endpoint
	SampleRate   float64 `yaml:"sample_rate"`   // Sampling rate (0.0 to 1.0)
	ServiceName  string  `yaml:"service_name"`  // Service name for traces
}

// SecurityConfig holds configuration for data at rest.
type SecurityConfig struct {
	EncryptPayloads bool `yaml:"encrypt_payloads"`
}

// Default configuration values.
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultVersionHeader = "X-Sync-Version"

	// Sync defaults
	DefaultBatchSize       = 10
	DefaultNetworkTimeout  = 30 * time.Second
	DefaultCriticalTimeout = 5 * time.Second
	DefaultPollInterval    = 5 * time.Minute
	DefaultFlushBudget     = 3 * time.Second
	DefaultMaxRetries      = 5

	// Breaker defaults
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second

	// Cache defaults
	DefaultCacheEnabled          = true
	DefaultCacheTTL              = 24 * time.Hour
	DefaultCacheMaxMemoryEntries = 100
	DefaultCacheMaxDiskEntries   = 50
	DefaultCacheSweepInterval    = 1 * time.Hour

	// Connectivity defaults
	DefaultConnectivityMode = "manual"
	DefaultWakeSubject      = "taxsync.sync.wake"

	// Observability defaults
	DefaultMetricsEnabled      = false
	DefaultMetricsAddress      = "127.0.0.1:9464"
	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "none"
	DefaultTracingSampleRate   = 1.0
	DefaultTracingServiceName  = "taxsync"
)

// DefaultRetryDelays is the progressive retry schedule.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid log formats.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Valid tracing exporter types.
var validTracingExporterTypes = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

// Valid connectivity modes.
var validConnectivityModes = map[string]bool{
	"manual": true,
	"nats":   true,
	"file":   true,
}

// NewDefaultConfig creates a new Config with sensible default values.
func NewDefaultConfig() *Config {
	delays := make([]time.Duration, len(DefaultRetryDelays))
	copy(delays, DefaultRetryDelays)

	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Remote: RemoteConfig{
			VersionHeader: DefaultVersionHeader,
		},
		Sync: SyncConfig{
			BatchSize:       DefaultBatchSize,
			NetworkTimeout:  DefaultNetworkTimeout,
			CriticalTimeout: DefaultCriticalTimeout,
			PollInterval:    DefaultPollInterval,
			FlushBudget:     DefaultFlushBudget,
			MaxRetries:      DefaultMaxRetries,
			RetryDelays:     delays,
		},
		Breaker: BreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			ResetTimeout:     DefaultResetTimeout,
		},
		Cache: CacheConfig{
			Enabled:          DefaultCacheEnabled,
			TTL:              DefaultCacheTTL,
			MaxMemoryEntries: DefaultCacheMaxMemoryEntries,
			MaxDiskEntries:   DefaultCacheMaxDiskEntries,
			SweepInterval:    DefaultCacheSweepInterval,
		},
		Connectivity: ConnectivityConfig{
			Mode:        DefaultConnectivityMode,
			WakeSubject: DefaultWakeSubject,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: DefaultMetricsEnabled,
				Address: DefaultMetricsAddress,
			},
			Tracing: TracingConfig{
				Enabled:      DefaultTracingEnabled,
				ExporterType: DefaultTracingExporterType,
				SampleRate:   DefaultTracingSampleRate,
				ServiceName:  DefaultTracingServiceName,
			},
		},
	}
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Remote.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if err := c.Breaker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker: %w", err))
	}

	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if err := c.Connectivity.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("connectivity: %w", err))
	}

	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the LoggingConfig is valid.
func (l *LoggingConfig) Validate() error {
	var errs []error

	if l.Level != "" && !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", l.Level))
	}

	if l.Format != "" && !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be one of json, text", l.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the RemoteConfig is valid.
func (r *RemoteConfig) Validate() error {
	if r.BaseURL == "" {
		return nil
	}
	parsedURL, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("base_url must use http or https scheme")
	}
	return nil
}

// Validate checks if the SyncConfig is valid.
func (s *SyncConfig) Validate() error {
	var errs []error

	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if s.NetworkTimeout <= 0 {
		errs = append(errs, errors.New("network_timeout must be positive"))
	}
	if s.CriticalTimeout <= 0 {
		errs = append(errs, errors.New("critical_timeout must be positive"))
	}
	if s.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must be non-negative"))
	}
	if s.FlushBudget <= 0 {
		errs = append(errs, errors.New("flush_budget must be positive"))
	}
	if s.MaxRetries <= 0 {
		errs = append(errs, errors.New("max_retries must be positive"))
	}
	if len(s.RetryDelays) == 0 {
		errs = append(errs, errors.New("retry_delays must not be empty"))
	}
	for i, d := range s.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry_delays[%d] must be non-negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the BreakerConfig is valid.
func (b *BreakerConfig) Validate() error {
	var errs []error

	if b.FailureThreshold <= 0 {
		errs = append(errs, errors.New("failure_threshold must be positive"))
	}
	if b.ResetTimeout <= 0 {
		errs = append(errs, errors.New("reset_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the CacheConfig is valid.
func (c *CacheConfig) Validate() error {
	var errs []error

	if c.Enabled {
		if c.TTL <= 0 {
			errs = append(errs, errors.New("ttl must be positive when cache is enabled"))
		}
		if c.MaxMemoryEntries < 0 {
			errs = append(errs, errors.New("max_memory_entries must be non-negative"))
		}
		if c.MaxDiskEntries < 0 {
			errs = append(errs, errors.New("max_disk_entries must be non-negative"))
		}
		if c.SweepInterval <= 0 {
			errs = append(errs, errors.New("sweep_interval must be positive when cache is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the ConnectivityConfig is valid.
func (c *ConnectivityConfig) Validate() error {
	var errs []error

	if !validConnectivityModes[c.Mode] {
		errs = append(errs, fmt.Errorf("invalid mode %q: must be one of manual, nats, file", c.Mode))
	}
	if c.Mode == "nats" && c.NATSURL == "" {
		errs = append(errs, errors.New("nats_url is required when mode is 'nats'"))
	}
	if c.Mode == "file" && c.StatusFile == "" {
		errs = append(errs, errors.New("status_file is required when mode is 'file'"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the ObservabilityConfig is valid.
func (o *ObservabilityConfig) Validate() error {
	var errs []error

	if o.Metrics.Enabled && o.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics: address is required when metrics is enabled"))
	}

	if err := o.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks if the TracingConfig is valid.
func (t *TracingConfig) Validate() error {
	var errs []error

	if t.Enabled {
		if t.ExporterType != "" && !validTracingExporterTypes[t.ExporterType] {
			errs = append(errs, fmt.Errorf("invalid exporter_type %q: must be one of none, stdout, otlp", t.ExporterType))
		}
		if t.ExporterType == "otlp" && t.OTLPEndpoint == "" {
			errs = append(errs, errors.New("otlp_endpoint is required when exporter_type is 'otlp'"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, errors.New("sample_rate must be between 0.0 and 1.0"))
		}
		if t.ServiceName == "" {
			errs = append(errs, errors.New("service_name is required when tracing is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
