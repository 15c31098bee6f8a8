package config

import (
	"time"

	"github.com/porticoproxy/portico/internal/types"
)

// Config is the complete configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	ACME        ACMEConfig        `yaml:"acme"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	AutoReload  AutoReloadConfig  `yaml:"auto_reload"`
	Routes      []types.Route     `yaml:"routes"`
}

// ServerConfig represents the listener configuration.
type ServerConfig struct {
	HTTPAddress    string        `yaml:"http_address"`
	HTTPSAddress   string        `yaml:"https_address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ACMEConfig represents the certificate issuance configuration.
type ACMEConfig struct {
	Enabled bool   `yaml:"enabled"`
	Email   string `yaml:"email"`

	// Staging selects the Let's Encrypt staging environment. DirectoryURL
	// overrides both when set.
	Staging      bool   `yaml:"staging"`
	DirectoryURL string `yaml:"directory_url"`

	// RenewBefore is the safety margin before not-after at which renewal
	// starts. MaxAttempts bounds ACME retries within one sweep cycle.
	RenewBefore   time.Duration `yaml:"renew_before"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ChallengeTTL  time.Duration `yaml:"challenge_ttl"`
}

// HealthCheckConfig represents active health check configuration.
type HealthCheckConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	Path               string        `yaml:"path"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// ProxyConfig represents dispatch configuration.
type ProxyConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ResponseTimeout     time.Duration `yaml:"response_timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`

	// MaxRetries bounds same-request failover across pool candidates.
	MaxRetries int `yaml:"max_retries"`
}

// DiscoveryConfig represents route discovery configuration.
type DiscoveryConfig struct {
	Docker DockerDiscoveryConfig `yaml:"docker"`
}

// DockerDiscoveryConfig represents the docker label discovery source.
type DockerDiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// Mode is "container" (default) or "swarm".
	Mode string `yaml:"mode"`

	// LabelPrefix defaults to "portico".
	LabelPrefix string `yaml:"label_prefix"`
}

// StoreConfig represents the durable certificate store configuration.
type StoreConfig struct {
	// Type is one of memory, disk, redis, etcd.
	Type string `yaml:"type"`

	// Directory is used by the disk driver.
	Directory string `yaml:"directory"`

	// Address/Password/Database are used by the redis driver; Endpoints by
	// the etcd driver.
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	Database  int           `yaml:"database"`
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig represents the prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// AutoReloadConfig represents configuration file watching.
type AutoReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}
