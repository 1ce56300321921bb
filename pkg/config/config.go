package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mmlab/vialstore/pkg/fsutil"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// VIALSTORE_DATABASE_SQLITE_PATH.
	EnvPrefix = "VIALSTORE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default inventory database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "lab_inventory.db"

	// DefaultFeedName is the provenance tag stamped on status facts.
	DefaultFeedName = "CHRONECT"

	// DefaultFilePattern matches CHRONECT export names such as
	// "Run_20250612_140322.xlsx".
	DefaultFilePattern = `_\d{8}_\d{6}\.xlsx$`

	// DefaultIngestInterval is the polling interval of the ingest service.
	DefaultIngestInterval = "60s"

	// DefaultIngestConcurrency is the number of files ingested in parallel.
	DefaultIngestConcurrency = 4

	// DefaultSettleDelay is how long a newly created file is left alone
	// before it is read, so the instrument can finish writing it.
	DefaultSettleDelay = "1s"

	// DefaultExportDir is where barcode lists and put lists are written.
	DefaultExportDir = "./exports"

	// DefaultListen is the default operator console listen address.
	DefaultListen = ":8080"

	// DefaultRequestsPerMinute is the default per-IP limit for write endpoints.
	DefaultRequestsPerMinute = 60
)

// Config is the root configuration for vialstore.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Feed     FeedConfig     `yaml:"feed" mapstructure:"feed"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Assign   AssignConfig   `yaml:"assign" mapstructure:"assign"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains inventory database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// FeedConfig describes where instrument export files come from. Only one
// backend (local or S3) may be enabled at a time.
type FeedConfig struct {
	Name    string           `yaml:"name" mapstructure:"name"`
	Pattern string           `yaml:"pattern" mapstructure:"pattern"`
	Local   *LocalFeedConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3      *S3FeedConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalFeedConfig reads export files from local (or cloud-synced)
// directories. Each discovery path maps a short name to a directory that
// is walked recursively.
type LocalFeedConfig struct {
	Enabled        bool              `yaml:"enabled" mapstructure:"enabled"`
	DiscoveryPaths map[string]string `yaml:"discovery_paths,omitempty" mapstructure:"discovery_paths"`
}

// S3ConnectionConfig holds the settings shared by every S3 client.
type S3ConnectionConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// S3FeedConfig reads export files from S3-compatible storage.
type S3FeedConfig struct {
	Enabled            bool     `yaml:"enabled" mapstructure:"enabled"`
	S3ConnectionConfig `yaml:",inline" mapstructure:",squash"`
	Prefixes           []string `yaml:"prefixes,omitempty" mapstructure:"prefixes"`
}

// IngestConfig configures the background ingestion service.
type IngestConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval    string `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Watch       bool   `yaml:"watch" mapstructure:"watch"`
	SettleDelay string `yaml:"settle_delay,omitempty" mapstructure:"settle_delay"`
}

// AssignConfig configures automatic rack assignment. An empty schedule
// leaves assignment to the operator.
type AssignConfig struct {
	Schedule string `yaml:"schedule,omitempty" mapstructure:"schedule"`
	MinReady int    `yaml:"min_ready,omitempty" mapstructure:"min_ready"`
}

// ExportConfig configures where barcode lists and put lists are written.
// Owner is an optional "UID:GID" applied to files written to Dir.
type ExportConfig struct {
	Dir   string          `yaml:"dir" mapstructure:"dir"`
	Owner string          `yaml:"owner,omitempty" mapstructure:"owner"`
	S3    *S3ExportConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ExportConfig uploads exported lists to S3-compatible storage.
type S3ExportConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	S3ConnectionConfig `yaml:",inline" mapstructure:",squash"`
	Prefix             string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass       string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL                string `yaml:"acl,omitempty" mapstructure:"acl"`
	// PresignExpiry enables presigned download links for exports, e.g. "1h".
	PresignExpiry string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// ServerConfig contains operator console HTTP settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Metrics     bool            `yaml:"metrics" mapstructure:"metrics"`
}

// RateLimitConfig configures per-IP rate limiting of mutating endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Load reads one or more YAML configuration files, merging them in order,
// then applies VIALSTORE_* environment overrides and defaults. With no
// paths only environment variables and defaults are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	bindEnvs(v, reflect.TypeOf(Config{}), "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs registers every scalar key of the config tree with viper so
// that environment overrides work for keys absent from the files.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := field.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")

		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		if opts == "squash" {
			bindEnvs(v, ft, prefix)

			continue
		}

		if name == "" || name == "-" {
			continue
		}

		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		switch ft.Kind() {
		case reflect.Struct:
			bindEnvs(v, ft, key)
		case reflect.Map:
			// Maps are only configurable from files.
		default:
			_ = v.BindEnv(key)
		}
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Feed.Name == "" {
		c.Feed.Name = DefaultFeedName
	}

	if c.Feed.Pattern == "" {
		c.Feed.Pattern = DefaultFilePattern
	}

	if c.Ingest.Interval == "" {
		c.Ingest.Interval = DefaultIngestInterval
	}

	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = DefaultIngestConcurrency
	}

	if c.Ingest.SettleDelay == "" {
		c.Ingest.SettleDelay = DefaultSettleDelay
	}

	if c.Export.Dir == "" {
		c.Export.Dir = DefaultExportDir
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.RequestsPerMinute <= 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Feed.Validate(); err != nil {
		return err
	}

	if _, err := c.IngestInterval(); err != nil {
		return err
	}

	if _, err := c.SettleDelay(); err != nil {
		return err
	}

	if c.Assign.Schedule != "" {
		if _, err := cron.ParseStandard(c.Assign.Schedule); err != nil {
			return fmt.Errorf("assign.schedule: %w", err)
		}
	}

	if c.Assign.MinReady < 0 {
		return fmt.Errorf("assign.min_ready must not be negative")
	}

	if _, err := fsutil.ParseOwner(c.Export.Owner); err != nil {
		return fmt.Errorf("export.owner: %w", err)
	}

	if c.Export.S3 != nil && c.Export.S3.Enabled {
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("export.s3.bucket is required")
		}

		if c.Export.S3.PresignExpiry != "" {
			d, err := time.ParseDuration(c.Export.S3.PresignExpiry)
			if err != nil {
				return fmt.Errorf("export.s3.presign_expiry: %w", err)
			}

			if d <= 0 {
				return fmt.Errorf("export.s3.presign_expiry must be positive")
			}
		}
	}

	return nil
}

// Validate checks the feed section. A feed is optional, but at most one
// backend may be enabled.
func (f *FeedConfig) Validate() error {
	if _, err := regexp.Compile(f.Pattern); err != nil {
		return fmt.Errorf("feed.pattern: %w", err)
	}

	localEnabled := f.Local != nil && f.Local.Enabled
	s3Enabled := f.S3 != nil && f.S3.Enabled

	if localEnabled && s3Enabled {
		return fmt.Errorf("feed: cannot enable both local and s3")
	}

	if localEnabled {
		if len(f.Local.DiscoveryPaths) == 0 {
			return fmt.Errorf("feed.local.discovery_paths is required")
		}

		for name, dir := range f.Local.DiscoveryPaths {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf(
					"feed.local.discovery_paths[%s]: directory %q does not exist",
					name, dir,
				)
			}
		}
	}

	if s3Enabled && f.S3.Bucket == "" {
		return fmt.Errorf("feed.s3.bucket is required")
	}

	return nil
}

// IsConfigured reports whether any feed backend is enabled.
func (f *FeedConfig) IsConfigured() bool {
	return (f.Local != nil && f.Local.Enabled) || (f.S3 != nil && f.S3.Enabled)
}

// IngestInterval returns the parsed polling interval.
func (c *Config) IngestInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Ingest.Interval)
	if err != nil {
		return 0, fmt.Errorf("ingest.interval: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("ingest.interval must be positive")
	}

	return d, nil
}

// SettleDelay returns the parsed watcher settle delay.
func (c *Config) SettleDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Ingest.SettleDelay)
	if err != nil {
		return 0, fmt.Errorf("ingest.settle_delay: %w", err)
	}

	return d, nil
}

// Redacted returns the effective configuration rendered as YAML with
// secrets masked.
func (c *Config) Redacted() ([]byte, error) {
	cp := *c

	if cp.Database.Postgres.Password != "" {
		cp.Database.Postgres.Password = "***"
	}

	if cp.Feed.S3 != nil {
		s3 := *cp.Feed.S3
		maskS3(&s3.S3ConnectionConfig)
		cp.Feed.S3 = &s3
	}

	if cp.Export.S3 != nil {
		s3 := *cp.Export.S3
		maskS3(&s3.S3ConnectionConfig)
		cp.Export.S3 = &s3
	}

	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}

	return out, nil
}

func maskS3(c *S3ConnectionConfig) {
	if c.SecretAccessKey != "" {
		c.SecretAccessKey = "***"
	}
}
