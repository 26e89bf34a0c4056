package config

import "time"

// Config is the root configuration of the edgeroute server.
type Config struct {
	Server  ServerConfig       `yaml:"server"`
	Logging LoggingConfig      `yaml:"logging"`
	Client  ClientConfig       `yaml:"client"`
	KV      KVConfig           `yaml:"kv"`
	Metrics MetricsConfig      `yaml:"metrics"`
	Tracing TracingConfig      `yaml:"tracing"`
	Routes  []GroupRouteConfig `yaml:"routes"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Address             string        `yaml:"address"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	TrustForwardedProto bool          `yaml:"trust_forwarded_proto"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Output   string         `yaml:"output"` // stdout, stderr or a file path
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// ClientConfig configures the outbound HTTP client.
type ClientConfig struct {
	Timeout          time.Duration     `yaml:"timeout"`
	Proxy            string            `yaml:"proxy"`
	StripCookieHosts []string          `yaml:"strip_cookie_hosts"`
	Upstreams        map[string]string `yaml:"upstreams"`
	Breaker          BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// KVConfig selects the store behind the kv value source.
type KVConfig struct {
	Type     string         `yaml:"type"` // memory or redis
	Address  string         `yaml:"address"`
	Password string         `yaml:"password"`
	DB       int            `yaml:"db"`
	TTL      time.Duration  `yaml:"ttl"`
	Data     map[string]any `yaml:"data"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:             ":8080",
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			IdleTimeout:         60 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			TrustForwardedProto: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Client: ClientConfig{
			Breaker: BreakerConfig{
				MaxRequests:  1,
				Interval:     60 * time.Second,
				Timeout:      30 * time.Second,
				FailureRatio: 0.5,
				MinRequests:  10,
			},
		},
		KV: KVConfig{
			Type: "memory",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "edgeroute",
			SampleRate:  1.0,
		},
	}
}
