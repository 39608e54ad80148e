// Package config holds voxpull's settings. Values come from defaults, then an
// optional YAML or TOML file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
	"gopkg.in/yaml.v3"
)

const (
	EnvBaseDir  = "VOXPULL_BASE_DIR"
	EnvManifest = "VOXPULL_MANIFEST"
	EnvNATSURL  = "VOXPULL_NATS_URL"
)

// token variables in the order they are consulted
var tokenEnv = []string{"HF_TOKEN", "HUGGINGFACE_TOKEN"}

var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

type HTTPConfig struct {
	TimeoutSeconds int               `yaml:"timeout_seconds" toml:"timeout_seconds"`
	IdleSeconds    int               `yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	UserAgent      string            `yaml:"user_agent" toml:"user_agent"`
	ProxyURL       string            `yaml:"proxy_url" toml:"proxy_url"`
	ProxyUsername  string            `yaml:"proxy_username" toml:"proxy_username"`
	ProxyPassword  string            `yaml:"proxy_password" toml:"proxy_password"`
	Headers        map[string]string `yaml:"headers" toml:"headers"`
	Token          string            `yaml:"token" toml:"token"`
	TokenHosts     []string          `yaml:"token_hosts" toml:"token_hosts"`
	SocketBuffer   int               `yaml:"socket_buffer" toml:"socket_buffer"`
}

type S3Config struct {
	Profile string `yaml:"profile" toml:"profile"`
	Region  string `yaml:"region" toml:"region"`
}

type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

type LimitsConfig struct {
	MaxEntries           int   `yaml:"max_entries" toml:"max_entries"`
	MaxUncompressedBytes int64 `yaml:"max_uncompressed_bytes" toml:"max_uncompressed_bytes"`
	MaxNameLength        int   `yaml:"max_name_length" toml:"max_name_length"`
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" toml:"textfile_path"`
}

type Config struct {
	BaseDir     string        `yaml:"base_dir" toml:"base_dir"`
	Manifest    string        `yaml:"manifest" toml:"manifest"`
	Platform    string        `yaml:"platform" toml:"platform"`
	Concurrency int           `yaml:"concurrency" toml:"concurrency"`
	Workers     int           `yaml:"workers" toml:"workers"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	HTTP        HTTPConfig    `yaml:"http" toml:"http"`
	S3          S3Config      `yaml:"s3" toml:"s3"`
	NATS        NATSConfig    `yaml:"nats" toml:"nats"`
	Limits      LimitsConfig  `yaml:"limits" toml:"limits"`
	Metrics     MetricsConfig `yaml:"metrics" toml:"metrics"`
}

func Default() Config {
	base := "voxpull-models"
	if dir, err := os.UserCacheDir(); err == nil {
		base = filepath.Join(dir, "voxpull", "models")
	}
	limits := validate.DefaultLimits()
	return Config{
		BaseDir:     base,
		Concurrency: 2,
		MaxAttempts: 3,
		HTTP: HTTPConfig{
			TimeoutSeconds: 60,
			IdleSeconds:    int(utils.DefaultIdleTimeout / time.Second),
			UserAgent:      utils.ToolUserAgent,
			TokenHosts:     []string{"huggingface.co"},
		},
		Limits: LimitsConfig{
			MaxEntries:           limits.MaxEntries,
			MaxUncompressedBytes: limits.MaxUncompressedBytes,
			MaxNameLength:        limits.MaxNameLength,
		},
	}
}

// DefaultPath is config.yaml under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "voxpull", "config.yaml")
}

// Load reads path over the defaults and applies the environment. An empty
// path falls back to DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, &cfg); err != nil {
				return Config{}, err
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseDir); ok && v != "" {
		c.BaseDir = v
	}
	if v, ok := lookup(EnvManifest); ok && v != "" {
		c.Manifest = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.NATS.URL = v
	}
	for _, name := range tokenEnv {
		if v, ok := lookup(name); ok && v != "" {
			c.HTTP.Token = v
			break
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir is empty"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers cannot be negative, got %d", c.Workers))
	}
	if c.HTTP.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("http.timeout_seconds cannot be negative, got %d", c.HTTP.TimeoutSeconds))
	}
	if c.HTTP.IdleSeconds < 0 {
		errs = append(errs, fmt.Errorf("http.idle_timeout_seconds cannot be negative, got %d", c.HTTP.IdleSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// HTTPClient turns the http section into the shared client settings.
func (c Config) HTTPClient() utils.HTTPClientConfig {
	hosts := make([]string, 0, len(c.HTTP.TokenHosts))
	for _, h := range c.HTTP.TokenHosts {
		hosts = append(hosts, strings.ToLower(h))
	}
	return utils.HTTPClientConfig{
		Timeout:       time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		ProxyURL:      c.HTTP.ProxyURL,
		ProxyUsername: c.HTTP.ProxyUsername,
		ProxyPassword: c.HTTP.ProxyPassword,
		UserAgent:     c.HTTP.UserAgent,
		Headers:       c.HTTP.Headers,
		BearerToken:   c.HTTP.Token,
		TokenHosts:    hosts,
		SocketBuffer:  c.HTTP.SocketBuffer,
	}
}

// IdleTimeout is the longest a transfer waits for more body bytes. Zero
// disables the bound.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.HTTP.IdleSeconds) * time.Second
}

func (c Config) ValidationLimits() validate.Limits {
	return validate.Limits{
		MaxEntries:           c.Limits.MaxEntries,
		MaxUncompressedBytes: c.Limits.MaxUncompressedBytes,
		MaxNameLength:        c.Limits.MaxNameLength,
	}
}
