// Package config loads the redirectory server configuration.
//
// Values are layered in a fixed order: built-in defaults, then the YAML file
// named by --config or REDIRECTORY_CONFIG, then REDIRECTORY_* environment
// variables, then command-line flags. Every setting has exactly one flag and
// one environment variable derived from the flag name.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-cased flag name to form its environment variable.
const EnvPrefix = "REDIRECTORY_"

// Store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRedis    = "redis"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// PublicURL is the externally visible base URL used in signed upload
	// URLs. Empty means derive it from each request.
	PublicURL string `yaml:"public_url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Token  TokenConfig  `yaml:"token"`
	GitHub GitHubConfig `yaml:"github"`
	Store  StoreConfig  `yaml:"store"`
}

// TokenConfig configures capability tokens for v1 file transfers.
type TokenConfig struct {
	// Secret signs the tokens. Required to serve.
	Secret string `yaml:"secret"`

	// TTL is how long an upload URL stays valid.
	// Default: 30m
	TTL time.Duration `yaml:"ttl"`
}

// GitHubConfig points the release client at GitHub or a compatible server.
type GitHubConfig struct {
	// APIURL is the REST API root.
	// Default: https://api.github.com
	APIURL string `yaml:"api_url"`

	// DownloadURL is the host of permanent release download links.
	// Default: https://github.com
	DownloadURL string `yaml:"download_url"`
}

// StoreConfig selects and configures the revision store backend.
type StoreConfig struct {
	// Backend is one of file, postgres, s3, redis.
	// Default: file
	Backend string `yaml:"backend"`

	// Path is the document path for the file backend.
	Path string `yaml:"path"`

	// DatabaseURL is the Postgres DSN for the postgres backend.
	DatabaseURL string `yaml:"database_url"`

	// Document is the row name in the documents table.
	Document string `yaml:"document"`

	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// Default returns the configuration used before any file, environment or flag.
func Default() *Config {
	return &Config{
		Listen:   ":9300",
		LogLevel: "info",
		Token: TokenConfig{
			TTL: 30 * time.Minute,
		},
		GitHub: GitHubConfig{
			APIURL:      "https://api.github.com",
			DownloadURL: "https://github.com",
		},
		Store: StoreConfig{
			Backend:  BackendFile,
			Path:     "redirectory.json",
			Document: "revisions",
			Redis: RedisConfig{
				Key: "redirectory:revisions",
			},
		},
	}
}

// Loader reads configuration through FS and Getenv so both can be replaced in tests.
type Loader struct {
	FS     afero.Fs
	Getenv func(string) string
}

// Load parses args as the flags of the named command and returns the
// layered configuration. It returns pflag.ErrHelp when help was requested.
func (l Loader) Load(name string, args []string) (*Config, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	// Flags are parsed first only to learn which ones were set; their values
	// are applied last, on top of the file and the environment.
	parsed := Default()
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.String("config", getenv(EnvPrefix+"CONFIG"), "path to a YAML config file")
	parsed.bindFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(l.FS, *configPath); err != nil {
			return nil, err
		}
	}
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = getenv("DATABASE_URL")
	}

	layered := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.bindFlags(layered)
	var errs []error
	layered.VisitAll(func(f *pflag.Flag) {
		if value := getenv(EnvVar(f.Name)); value != "" {
			if err := layered.Set(f.Name, value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", EnvVar(f.Name), err))
			}
		}
	})
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := layered.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// EnvVar is the environment variable that overrides the flag called name.
func EnvVar(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (c *Config) loadFile(fs afero.Fs, path string) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Listen, "listen", c.Listen, "HTTP listen address")
	flags.StringVar(&c.PublicURL, "public-url", c.PublicURL, "externally visible base URL for upload links")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&c.Token.Secret, "token-secret", c.Token.Secret, "secret used to sign upload tokens")
	flags.DurationVar(&c.Token.TTL, "token-ttl", c.Token.TTL, "lifetime of signed upload URLs")
	flags.StringVar(&c.GitHub.APIURL, "github-api-url", c.GitHub.APIURL, "GitHub REST API root")
	flags.StringVar(&c.GitHub.DownloadURL, "github-download-url", c.GitHub.DownloadURL, "host of release download links")
	flags.StringVar(&c.Store.Backend, "store-backend", c.Store.Backend, "revision store backend (file, postgres, s3, redis)")
	flags.StringVar(&c.Store.Path, "store-path", c.Store.Path, "document path for the file backend")
	flags.StringVar(&c.Store.DatabaseURL, "database-url", c.Store.DatabaseURL, "Postgres DSN for the postgres backend")
	flags.StringVar(&c.Store.Document, "store-document", c.Store.Document, "document name for the postgres backend")
	flags.StringVar(&c.Store.S3.Bucket, "s3-bucket", c.Store.S3.Bucket, "bucket for the s3 backend")
	flags.StringVar(&c.Store.S3.Prefix, "s3-prefix", c.Store.S3.Prefix, "key prefix for the s3 backend")
	flags.StringVar(&c.Store.S3.Region, "s3-region", c.Store.S3.Region, "region for the s3 backend")
	flags.StringVar(&c.Store.S3.Endpoint, "s3-endpoint", c.Store.S3.Endpoint, "endpoint override for S3-compatible servers")
	flags.StringVar(&c.Store.Redis.Addr, "redis-addr", c.Store.Redis.Addr, "address for the redis backend")
	flags.StringVar(&c.Store.Redis.Password, "redis-password", c.Store.Redis.Password, "password for the redis backend")
	flags.IntVar(&c.Store.Redis.DB, "redis-db", c.Store.Redis.DB, "database number for the redis backend")
	flags.StringVar(&c.Store.Redis.Key, "redis-key", c.Store.Redis.Key, "key holding the document in redis")
}

// Validate checks everything serve needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Token.Secret == "" {
		errs = append(errs, fmt.Errorf("token.secret is required (set %s)", EnvVar("token-secret")))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, fmt.Errorf("token.ttl must be positive, got %s", c.Token.TTL))
	}
	if c.PublicURL != "" {
		if err := validateBaseURL(c.PublicURL); err != nil {
			errs = append(errs, fmt.Errorf("public_url: %w", err))
		}
	}
	if err := validateBaseURL(c.GitHub.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("github.api_url: %w", err))
	}
	if err := validateBaseURL(c.GitHub.DownloadURL); err != nil {
		errs = append(errs, fmt.Errorf("github.download_url: %w", err))
	}
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks that the selected backend has its required settings.
func (s StoreConfig) Validate() error {
	switch s.Backend {
	case BackendFile:
		if s.Path == "" {
			return errors.New("store.path is required for the file backend")
		}
	case BackendPostgres:
		if s.DatabaseURL == "" {
			return errors.New("store.database_url or DATABASE_URL is required for the postgres backend")
		}
		if s.Document == "" {
			return errors.New("store.document is required for the postgres backend")
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			return errors.New("store.s3.bucket is required for the s3 backend")
		}
	case BackendRedis:
		if s.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %q", s.Backend)
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
