package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates the configuration file at path,
// applying defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":80"
	}
	if c.Server.HTTPSAddress == "" {
		c.Server.HTTPSAddress = ":443"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 90 * time.Second
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}

	if c.ACME.RenewBefore == 0 {
		c.ACME.RenewBefore = 30 * 24 * time.Hour
	}
	if c.ACME.SweepInterval == 0 {
		c.ACME.SweepInterval = 24 * time.Hour
	}
	if c.ACME.MaxAttempts == 0 {
		c.ACME.MaxAttempts = 5
	}
	if c.ACME.ChallengeTTL == 0 {
		c.ACME.ChallengeTTL = 600 * time.Second
	}

	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 10 * time.Second
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = 5 * time.Second
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = "/health"
	}
	if c.HealthCheck.HealthyThreshold == 0 {
		c.HealthCheck.HealthyThreshold = 2
	}
	if c.HealthCheck.UnhealthyThreshold == 0 {
		c.HealthCheck.UnhealthyThreshold = 3
	}

	if c.Proxy.ConnectTimeout == 0 {
		c.Proxy.ConnectTimeout = 10 * time.Second
	}
	if c.Proxy.ResponseTimeout == 0 {
		c.Proxy.ResponseTimeout = 30 * time.Second
	}
	if c.Proxy.MaxIdleConns == 0 {
		c.Proxy.MaxIdleConns = 256
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 16
	}
	if c.Proxy.MaxRetries == 0 {
		c.Proxy.MaxRetries = 3
	}

	if c.Discovery.Docker.Interval == 0 {
		c.Discovery.Docker.Interval = 15 * time.Second
	}
	if c.Discovery.Docker.Timeout == 0 {
		c.Discovery.Docker.Timeout = 10 * time.Second
	}
	if c.Discovery.Docker.Mode == "" {
		c.Discovery.Docker.Mode = "container"
	}
	if c.Discovery.Docker.LabelPrefix == "" {
		c.Discovery.Docker.LabelPrefix = "portico"
	}

	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Directory == "" {
		c.Store.Directory = "./certs"
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.AutoReload.Debounce == 0 {
		c.AutoReload.Debounce = 500 * time.Millisecond
	}
}

// Validate checks settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.ACME.Enabled && c.ACME.Email == "" {
		return fmt.Errorf("acme.email is required when acme is enabled")
	}

	switch c.Store.Type {
	case "memory", "disk":
	case "redis":
		if c.Store.Address == "" {
			return fmt.Errorf("store.address is required for the redis store")
		}
	case "etcd":
		if len(c.Store.Endpoints) == 0 {
			return fmt.Errorf("store.endpoints is required for the etcd store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	switch c.Discovery.Docker.Mode {
	case "container", "swarm":
	default:
		return fmt.Errorf("unknown docker discovery mode %q", c.Discovery.Docker.Mode)
	}

	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Host == "" {
			return fmt.Errorf("routes[%d]: host is required", i)
		}
		if route.TLS.Mode == "file" && (route.TLS.CertFile == "" || route.TLS.KeyFile == "") {
			return fmt.Errorf("routes[%d]: tls mode file requires cert_file and key_file", i)
		}
	}

	return nil
}
