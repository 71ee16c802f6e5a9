// Package config provides client configuration for sybtds.
//
// Configuration is loaded from a YAML file and may be reloaded at
// runtime through the Watcher. Changes only apply to connections
// established after the reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ha1tch/sybtds/pkg/errors"
)

// Config holds everything needed to reach and talk to a server.
type Config struct {
	// Server endpoint
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Credentials
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`

	// Session settings sent at login
	Database    string `yaml:"database" json:"database"`
	Charset     string `yaml:"charset" json:"charset"`
	Language    string `yaml:"language" json:"language"`
	Application string `yaml:"application" json:"application"`
	ClientHost  string `yaml:"client_host" json:"client_host"`

	// PacketSize of 0 lets the server choose.
	PacketSize int `yaml:"packet_size" json:"packet_size"`

	// Timeouts
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	LoginTimeout   time.Duration `yaml:"login_timeout" json:"login_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`

	// Per-category level overrides, keyed by category name.
	Categories map[string]string `yaml:"categories" json:"categories"`
}

// duration accepts "5s" style strings as well as integer nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = duration(n)
	return nil
}

// UnmarshalYAML decodes through a shadow struct so the duration fields
// keep their time.Duration type for callers.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		User           string        `yaml:"user"`
		Password       string        `yaml:"password"`
		Database       string        `yaml:"database"`
		Charset        string        `yaml:"charset"`
		Language       string        `yaml:"language"`
		Application    string        `yaml:"application"`
		ClientHost     string        `yaml:"client_host"`
		PacketSize     int           `yaml:"packet_size"`
		ConnectTimeout duration      `yaml:"connect_timeout"`
		LoginTimeout   duration      `yaml:"login_timeout"`
		QueryTimeout   duration      `yaml:"query_timeout"`
		Logging        LoggingConfig `yaml:"logging"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = Config{
		Host:           raw.Host,
		Port:           raw.Port,
		User:           raw.User,
		Password:       raw.Password,
		Database:       raw.Database,
		Charset:        raw.Charset,
		Language:       raw.Language,
		Application:    raw.Application,
		ClientHost:     raw.ClientHost,
		PacketSize:     raw.PacketSize,
		ConnectTimeout: time.Duration(raw.ConnectTimeout),
		LoginTimeout:   time.Duration(raw.LoginTimeout),
		QueryTimeout:   time.Duration(raw.QueryTimeout),
		Logging:        raw.Logging,
	}
	return nil
}

// DefaultConfig returns a configuration with usable defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.Charset == "" {
		c.Charset = "iso_1"
	}
	if c.Language == "" {
		c.Language = "us_english"
	}
	if c.Application == "" {
		c.Application = "sybtds"
	}
	if c.ClientHost == "" {
		if h, err := os.Hostname(); err == nil {
			c.ClientHost = h
		}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = 15 * time.Second
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New(errors.ErrCodeConfigValidation, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Newf(errors.ErrCodeConfigValidation, "port %d out of range", c.Port)
	}
	if c.User == "" {
		return errors.New(errors.ErrCodeConfigValidation, "user is required")
	}
	if c.PacketSize != 0 && (c.PacketSize < 512 || c.PacketSize > 32767) {
		return errors.Newf(errors.ErrCodeConfigValidation, "packet_size %d out of range [512,32767]", c.PacketSize)
	}
	return nil
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeConfigMissing, "reading config %s", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeConfigParse, "parsing config %s", path)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
