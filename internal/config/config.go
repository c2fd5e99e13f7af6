package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ADM_ADMISSION_MAX_PER_WINDOW.
const EnvPrefix = "ADM"

// Blacklist store engines.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server" split_words:"true"`
	Admission AdmissionConfig `yaml:"admission" json:"admission" split_words:"true"`
	Blacklist BlacklistConfig `yaml:"blacklist" json:"blacklist" split_words:"true"`
	Janitor   JanitorConfig   `yaml:"janitor" json:"janitor" split_words:"true"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream" split_words:"true"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging" split_words:"true"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" split_words:"true"`
	Security  SecurityConfig  `yaml:"security" json:"security" split_words:"true"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing" split_words:"true"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" split_words:"true"`
	Port            int           `yaml:"port" json:"port" split_words:"true"`
	GRPCPort        int           `yaml:"grpc_port" json:"grpc_port" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" split_words:"true"`
	MaxBodySize     int64         `yaml:"max_body_size" json:"max_body_size" split_words:"true"`
}

// AdmissionConfig holds the rate limiting and queueing tunables.
type AdmissionConfig struct {
	MaxPerWindow   int           `yaml:"max_per_window" json:"max_per_window" split_words:"true"`
	Window         time.Duration `yaml:"window" json:"window" split_words:"true"`
	DailyLimit     int           `yaml:"daily_limit" json:"daily_limit" split_words:"true"`
	MaxQueueSize   int           `yaml:"max_queue_size" json:"max_queue_size" split_words:"true"`
	MaxTotalQueued int           `yaml:"max_total_queued" json:"max_total_queued" split_words:"true"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" split_words:"true"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" split_words:"true"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base" split_words:"true"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" split_words:"true"`
	RequestSpacing time.Duration `yaml:"request_spacing" json:"request_spacing" split_words:"true"`
	MaxTracked     int           `yaml:"max_tracked" json:"max_tracked" split_words:"true"`
	StatsTopN      int           `yaml:"stats_top_n" json:"stats_top_n" split_words:"true"`

	// BreakerIterations caps one drain loop run before its queue is failed.
	BreakerIterations int `yaml:"breaker_iterations" json:"breaker_iterations" split_words:"true"`
}

type BlacklistConfig struct {
	Threshold            int           `yaml:"threshold" json:"threshold" split_words:"true"`
	AmnestyInterval      time.Duration `yaml:"amnesty_interval" json:"amnesty_interval" split_words:"true"`
	AmnestyCheckInterval time.Duration `yaml:"amnesty_check_interval" json:"amnesty_check_interval" split_words:"true"`
	Store                string        `yaml:"store" json:"store" split_words:"true"`
	BadgerPath           string        `yaml:"badger_path" json:"badger_path" split_words:"true"`
	BadgerInMemory       bool          `yaml:"badger_in_memory" json:"badger_in_memory" split_words:"true"`
	RedisAddr            string        `yaml:"redis_addr" json:"redis_addr" split_words:"true"`
	RedisPassword        string        `yaml:"redis_password" json:"-" split_words:"true"`
	RedisDB              int           `yaml:"redis_db" json:"redis_db" split_words:"true"`
	RedisPrefix          string        `yaml:"redis_prefix" json:"redis_prefix" split_words:"true"`
}

type JanitorConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval" split_words:"true"`
	DataTTL         time.Duration `yaml:"data_ttl" json:"data_ttl" split_words:"true"`
	HeapThresholdMB uint64        `yaml:"heap_threshold_mb" json:"heap_threshold_mb" split_words:"true"`
	SysThresholdMB  uint64        `yaml:"sys_threshold_mb" json:"sys_threshold_mb" split_words:"true"`
	EmergencyKeep   time.Duration `yaml:"emergency_keep" json:"emergency_keep" split_words:"true"`
}

// UpstreamConfig describes the metered API requests are forwarded to once admitted.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url" json:"base_url" split_words:"true"`
	APIKey        string        `yaml:"api_key" json:"-" split_words:"true"`
	APIKeyParam   string        `yaml:"api_key_param" json:"api_key_param" split_words:"true"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second" split_words:"true"`
	Burst         int           `yaml:"burst" json:"burst" split_words:"true"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" split_words:"true"`
}

type LoggingConfig struct {
	Level                string `yaml:"level" json:"level" split_words:"true"`
	Format               string `yaml:"format" json:"format" split_words:"true"`
	Output               string `yaml:"output" json:"output" split_words:"true"`
	EnableRequestTracing bool   `yaml:"enable_request_tracing" json:"enable_request_tracing" split_words:"true"`
	EnableCorrelationIDs bool   `yaml:"enable_correlation_ids" json:"enable_correlation_ids" envconfig:"ENABLE_CORRELATION_IDS"`
	EnableAdmissionLog   bool   `yaml:"enable_admission_log" json:"enable_admission_log" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" split_words:"true"`
	Path    string `yaml:"path" json:"path" split_words:"true"`
}

type SecurityConfig struct {
	TLSEnabled bool   `yaml:"tls_enabled" json:"tls_enabled" split_words:"true"`
	CertFile   string `yaml:"cert_file" json:"cert_file" split_words:"true"`
	KeyFile    string `yaml:"key_file" json:"key_file" split_words:"true"`
	AdminToken string `yaml:"admin_token" json:"-" split_words:"true"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled" split_words:"true"`
	ServiceName    string            `yaml:"service_name" json:"service_name" split_words:"true"`
	ServiceVersion string            `yaml:"service_version" json:"service_version" split_words:"true"`
	Environment    string            `yaml:"environment" json:"environment" split_words:"true"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type" split_words:"true"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint" split_words:"true"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers" split_words:"true"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio" split_words:"true"`
}

// Load builds the configuration from defaults, the optional YAML file at
// configPath, a .env file in the working directory and ADM_* environment
// variables, in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	return LoadWithEnvFile(configPath, ".env")
}

// LoadWithEnvFile is Load with an explicit dotenv path. A missing dotenv file
// is not an error.
func LoadWithEnvFile(configPath, envFile string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			GRPCPort:        9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second, // must outlast the queue timeout
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     1024 * 1024, // 1MB
		},
		Admission: AdmissionConfig{
			MaxPerWindow:   15,
			Window:         15 * time.Second,
			DailyLimit:     1000,
			MaxQueueSize:   5,
			MaxTotalQueued: 500,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     5,
			BackoffBase:    time.Second,
			MaxBackoff:     15 * time.Second,
			RequestSpacing: 100 * time.Millisecond,
			MaxTracked:     10000,
			StatsTopN:      10,

			BreakerIterations: 100,
		},
		Blacklist: BlacklistConfig{
			Threshold:            10,
			AmnestyInterval:      30 * 24 * time.Hour,
			AmnestyCheckInterval: time.Hour,
			Store:                StoreMemory,
			BadgerPath:           "./data/blacklist",
			RedisAddr:            "localhost:6379",
			RedisPrefix:          "admission:blacklist",
		},
		Janitor: JanitorConfig{
			Interval:        5 * time.Minute,
			DataTTL:         24 * time.Hour,
			HeapThresholdMB: 512,
			SysThresholdMB:  1024,
			EmergencyKeep:   time.Hour,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://maps.googleapis.com",
			APIKeyParam:   "key",
			RatePerSecond: 50,
			Burst:         100,
			Timeout:       10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:                "info",
			Format:               "json",
			Output:               "stdout",
			EnableRequestTracing: true,
			EnableCorrelationIDs: true,
			EnableAdmissionLog:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "admission-gateway",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			OTLPEndpoint:   "http://localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnvironment overlays ADM_* variables; unset variables leave the
// current value untouched.
func loadFromEnvironment(config *Config) error {
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("server port and gRPC port cannot be the same: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}

	// Admission validation
	a := c.Admission
	if a.MaxPerWindow <= 0 {
		return fmt.Errorf("max per window must be positive")
	}
	if a.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if a.DailyLimit <= 0 {
		return fmt.Errorf("daily limit must be positive")
	}
	if a.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive")
	}
	if a.MaxTotalQueued < a.MaxQueueSize {
		return fmt.Errorf("max total queued (%d) must be at least max queue size (%d)", a.MaxTotalQueued, a.MaxQueueSize)
	}
	if a.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if a.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if a.MaxBackoff < a.BackoffBase {
		return fmt.Errorf("max backoff must be at least the backoff base")
	}
	if a.RequestSpacing < 0 {
		return fmt.Errorf("request spacing cannot be negative")
	}
	if a.MaxTracked <= 0 {
		return fmt.Errorf("max tracked identities must be positive")
	}
	if a.BreakerIterations <= 0 {
		return fmt.Errorf("breaker iterations must be positive")
	}

	// Blacklist validation
	if c.Blacklist.Threshold <= 0 {
		return fmt.Errorf("blacklist threshold must be positive")
	}
	if c.Blacklist.AmnestyInterval <= 0 {
		return fmt.Errorf("amnesty interval must be positive")
	}
	if c.Blacklist.AmnestyCheckInterval <= 0 {
		return fmt.Errorf("amnesty check interval must be positive")
	}
	switch c.Blacklist.Store {
	case StoreMemory:
	case StoreBadger:
		if !c.Blacklist.BadgerInMemory && c.Blacklist.BadgerPath == "" {
			return fmt.Errorf("badger path cannot be empty when not using in-memory storage")
		}
	case StoreRedis:
		if c.Blacklist.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty for the redis blacklist store")
		}
	default:
		return fmt.Errorf("invalid blacklist store: %s", c.Blacklist.Store)
	}

	// Janitor validation
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}
	if c.Janitor.DataTTL <= 0 {
		return fmt.Errorf("data TTL must be positive")
	}
	if c.Janitor.EmergencyKeep <= 0 {
		return fmt.Errorf("emergency keep window must be positive")
	}

	// Upstream validation
	if c.Upstream.BaseURL != "" {
		if c.Upstream.RatePerSecond <= 0 {
			return fmt.Errorf("upstream rate must be positive")
		}
		if c.Upstream.Burst <= 0 {
			return fmt.Errorf("upstream burst must be positive")
		}
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}

	// Security validation
	if c.Security.TLSEnabled {
		if c.Security.CertFile == "" {
			return fmt.Errorf("cert file cannot be empty when TLS is enabled")
		}
		if c.Security.KeyFile == "" {
			return fmt.Errorf("key file cannot be empty when TLS is enabled")
		}
		if _, err := os.Stat(c.Security.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("cert file does not exist: %s", c.Security.CertFile)
		}
		if _, err := os.Stat(c.Security.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key file does not exist: %s", c.Security.KeyFile)
		}
	}

	// The admin and signal APIs may only run without a token on loopback
	if c.Security.AdminToken == "" && !IsLoopbackHost(c.Server.Host) {
		return fmt.Errorf("admin token is required when listening on non-loopback host %q", c.Server.Host)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.ExporterType {
		case "console", "otlp", "none":
		default:
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.ExporterType)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("sampling ratio must be between 0 and 1")
		}
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// IsLoopbackHost reports whether host only accepts local connections. An
// empty host binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}
