// Package config loads the server's externally-injected constants:
// host/port, pool sizing, timeouts, and the CGI script root.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of values consumed once at startup. Mutation at
// runtime is not supported: callers get an immutable value back from Load.
type Config struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	TCPBacklogSize        int           `yaml:"tcp_backlog_size"`
	ProcessCountLimit     int           `yaml:"process_count_limit"`
	ProcessSigtermTimeout time.Duration `yaml:"process_sigterm_timeout"`
	ReadBuffer            int           `yaml:"read_buffer"`
	CGIResMetaLimit       int           `yaml:"cgi_res_meta_limit"`
	Protocol              string        `yaml:"protocol"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	CGIScriptRoot         string        `yaml:"cgi_script_root"`
	LogLevel              string        `yaml:"log_level"`
}

// rawConfig mirrors Config but with the duration fields read as bare
// seconds, the unit the YAML file uses for all timeouts.
type rawConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	TCPBacklogSize        int    `yaml:"tcp_backlog_size"`
	ProcessCountLimit     int    `yaml:"process_count_limit"`
	ProcessSigtermTimeout int    `yaml:"process_sigterm_timeout"`
	ReadBuffer            int    `yaml:"read_buffer"`
	CGIResMetaLimit       int    `yaml:"cgi_res_meta_limit"`
	Protocol              string `yaml:"protocol"`
	RequestTimeout        int    `yaml:"request_timeout"`
	ConnectionTimeout     int    `yaml:"connection_timeout"`
	CGIScriptRoot         string `yaml:"cgi_script_root"`
	LogLevel              string `yaml:"log_level"`
}

// Default returns the out-of-the-box configuration used when no file is
// given, primarily useful for tests.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		TCPBacklogSize:        128,
		ProcessCountLimit:     4,
		ProcessSigtermTimeout: 5 * time.Second,
		ReadBuffer:            4096,
		CGIResMetaLimit:       64 * 1024,
		Protocol:              "HTTP/1.1",
		RequestTimeout:        30 * time.Second,
		ConnectionTimeout:     60 * time.Second,
		CGIScriptRoot:         "/var/www/cgi-bin",
		LogLevel:              "info",
	}
}

// Load reads and parses a YAML config file at path, falling back to
// Default for any field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	def := Default()
	raw := rawConfig{
		Host:                  def.Host,
		Port:                  def.Port,
		TCPBacklogSize:        def.TCPBacklogSize,
		ProcessCountLimit:     def.ProcessCountLimit,
		ProcessSigtermTimeout: int(def.ProcessSigtermTimeout / time.Second),
		ReadBuffer:            def.ReadBuffer,
		CGIResMetaLimit:       def.CGIResMetaLimit,
		Protocol:              def.Protocol,
		RequestTimeout:        int(def.RequestTimeout / time.Second),
		ConnectionTimeout:     int(def.ConnectionTimeout / time.Second),
		CGIScriptRoot:         def.CGIScriptRoot,
		LogLevel:              def.LogLevel,
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := &Config{
		Host:                  raw.Host,
		Port:                  raw.Port,
		TCPBacklogSize:        raw.TCPBacklogSize,
		ProcessCountLimit:     raw.ProcessCountLimit,
		ProcessSigtermTimeout: time.Duration(raw.ProcessSigtermTimeout) * time.Second,
		ReadBuffer:            raw.ReadBuffer,
		CGIResMetaLimit:       raw.CGIResMetaLimit,
		Protocol:              raw.Protocol,
		RequestTimeout:        time.Duration(raw.RequestTimeout) * time.Second,
		ConnectionTimeout:     time.Duration(raw.ConnectionTimeout) * time.Second,
		CGIScriptRoot:         raw.CGIScriptRoot,
		LogLevel:              raw.LogLevel,
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants the supervisor assumes hold for the
// lifetime of the process.
func (c *Config) Validate() error {
	if c.ProcessCountLimit <= 0 {
		return fmt.Errorf("config: process_count_limit must be positive, got %d", c.ProcessCountLimit)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	if c.TCPBacklogSize <= 0 {
		return fmt.Errorf("config: tcp_backlog_size must be positive, got %d", c.TCPBacklogSize)
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("config: read_buffer must be positive, got %d", c.ReadBuffer)
	}
	if c.CGIResMetaLimit <= 0 {
		return fmt.Errorf("config: cgi_res_meta_limit must be positive, got %d", c.CGIResMetaLimit)
	}
	return nil
}

// Addr formats the listen address for net.Listen.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
