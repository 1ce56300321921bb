package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /var/lib/vialstore/original.db
feed:
  name: CHRONECT
ingest:
  interval: 30s
  concurrency: 2
  watch: false
server:
  listen: ":9000"
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/var/lib/vialstore/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "30s", cfg.Ingest.Interval)
				assert.Equal(t, ":9000", cfg.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"VIALSTORE_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"VIALSTORE_DATABASE_SQLITE_PATH": "/tmp/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/custom.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "boolean override - ingest.watch",
			envVars: map[string]string{
				"VIALSTORE_INGEST_WATCH": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Ingest.Watch)
			},
		},
		{
			name: "integer override - ingest.concurrency",
			envVars: map[string]string{
				"VIALSTORE_INGEST_CONCURRENCY": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Ingest.Concurrency)
			},
		},
		{
			name: "key absent from file - assign.schedule",
			envVars: map[string]string{
				"VIALSTORE_ASSIGN_SCHEDULE": "*/5 * * * *",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "*/5 * * * *", cfg.Assign.Schedule)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"VIALSTORE_GLOBAL_LOG_LEVEL": "trace",
				"VIALSTORE_SERVER_LISTEN":    ":7070",
				"VIALSTORE_FEED_NAME":        "CHRONECT-2",
				"VIALSTORE_ASSIGN_MIN_READY": "48",
				"VIALSTORE_INGEST_INTERVAL":  "5m",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, ":7070", cfg.Server.Listen)
				assert.Equal(t, "CHRONECT-2", cfg.Feed.Name)
				assert.Equal(t, 48, cfg.Assign.MinReady)
				assert.Equal(t, "5m", cfg.Ingest.Interval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
database:
  sqlite:
    path: base.db
server:
  listen: ":8081"
`)
	override := writeConfig(t, `
database:
  sqlite:
    path: override.db
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "override.db", cfg.Database.SQLite.Path)
	assert.Equal(t, ":8081", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Global.LogLevel)
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultFeedName, cfg.Feed.Name)
	assert.Equal(t, DefaultFilePattern, cfg.Feed.Pattern)
	assert.Equal(t, DefaultIngestInterval, cfg.Ingest.Interval)
	assert.Equal(t, DefaultIngestConcurrency, cfg.Ingest.Concurrency)
	assert.Equal(t, DefaultSettleDelay, cfg.Ingest.SettleDelay)
	assert.Equal(t, DefaultExportDir, cfg.Export.Dir)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultRequestsPerMinute, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Nil(t, cfg.Feed.Local)
	assert.Nil(t, cfg.Feed.S3)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	t.Setenv("VIALSTORE_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "server:\n  listen: \":8080\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestLoad_FeedSections(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(writeConfig(t, `
feed:
  local:
    enabled: true
    discovery_paths:
      chronect: `+dir+`
export:
  s3:
    enabled: true
    bucket: exports
    region: eu-west-1
    force_path_style: true
    prefix: lab/
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Feed.Local)
	assert.True(t, cfg.Feed.Local.Enabled)
	assert.Equal(t, dir, cfg.Feed.Local.DiscoveryPaths["chronect"])
	assert.True(t, cfg.Feed.IsConfigured())

	require.NotNil(t, cfg.Export.S3)
	assert.Equal(t, "exports", cfg.Export.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Export.S3.Region)
	assert.True(t, cfg.Export.S3.ForcePathStyle)
	assert.Equal(t, "lab/", cfg.Export.S3.Prefix)

	require.NoError(t, cfg.Validate())
}

func TestFeedConfig_Validate(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name      string
		feed      FeedConfig
		wantErr   bool
		errSubstr string
	}{
		{
			name:    "no feed configured is valid",
			feed:    FeedConfig{Pattern: DefaultFilePattern},
			wantErr: false,
		},
		{
			name: "local feed with existing directory",
			feed: FeedConfig{
				Pattern: DefaultFilePattern,
				Local: &LocalFeedConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"lab": tmpDir},
				},
			},
			wantErr: false,
		},
		{
			name: "local feed without discovery paths",
			feed: FeedConfig{
				Pattern: DefaultFilePattern,
				Local:   &LocalFeedConfig{Enabled: true},
			},
			wantErr:   true,
			errSubstr: "discovery_paths is required",
		},
		{
			name: "local feed with missing directory",
			feed: FeedConfig{
				Pattern: DefaultFilePattern,
				Local: &LocalFeedConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"lab": filepath.Join(tmpDir, "missing")},
				},
			},
			wantErr:   true,
			errSubstr: "does not exist",
		},
		{
			name: "s3 feed without bucket",
			feed: FeedConfig{
				Pattern: DefaultFilePattern,
				S3:      &S3FeedConfig{Enabled: true},
			},
			wantErr:   true,
			errSubstr: "feed.s3.bucket is required",
		},
		{
			name: "both backends enabled",
			feed: FeedConfig{
				Pattern: DefaultFilePattern,
				Local: &LocalFeedConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"lab": tmpDir},
				},
				S3: &S3FeedConfig{
					Enabled:            true,
					S3ConnectionConfig: S3ConnectionConfig{Bucket: "b"},
				},
			},
			wantErr:   true,
			errSubstr: "cannot enable both",
		},
		{
			name:      "invalid pattern",
			feed:      FeedConfig{Pattern: "(["},
			wantErr:   true,
			errSubstr: "feed.pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feed.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:      "unsupported driver",
			mutate:    func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr:   true,
			errSubstr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "inventory"
			},
			wantErr:   true,
			errSubstr: "database.postgres.host is required",
		},
		{
			name:      "bad interval",
			mutate:    func(cfg *Config) { cfg.Ingest.Interval = "soon" },
			wantErr:   true,
			errSubstr: "ingest.interval",
		},
		{
			name:      "zero interval",
			mutate:    func(cfg *Config) { cfg.Ingest.Interval = "0s" },
			wantErr:   true,
			errSubstr: "must be positive",
		},
		{
			name:      "invalid assign schedule",
			mutate:    func(cfg *Config) { cfg.Assign.Schedule = "every day" },
			wantErr:   true,
			errSubstr: "assign.schedule",
		},
		{
			name:   "valid assign schedule",
			mutate: func(cfg *Config) { cfg.Assign.Schedule = "*/15 * * * *" },
		},
		{
			name:      "negative min ready",
			mutate:    func(cfg *Config) { cfg.Assign.MinReady = -1 },
			wantErr:   true,
			errSubstr: "min_ready",
		},
		{
			name: "export s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Export.S3 = &S3ExportConfig{Enabled: true}
			},
			wantErr:   true,
			errSubstr: "export.s3.bucket is required",
		},
		{
			name:      "bad export owner",
			mutate:    func(cfg *Config) { cfg.Export.Owner = "lab" },
			wantErr:   true,
			errSubstr: "export.owner",
		},
		{
			name: "export s3 bad presign expiry",
			mutate: func(cfg *Config) {
				cfg.Export.S3 = &S3ExportConfig{
					Enabled:            true,
					S3ConnectionConfig: S3ConnectionConfig{Bucket: "lists"},
					PresignExpiry:      "soon",
				}
			},
			wantErr:   true,
			errSubstr: "presign_expiry",
		},
		{
			name: "export s3 with presign expiry",
			mutate: func(cfg *Config) {
				cfg.Export.S3 = &S3ExportConfig{
					Enabled:            true,
					S3ConnectionConfig: S3ConnectionConfig{Bucket: "lists"},
					PresignExpiry:      "1h",
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestConfig_RedactedMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Database.Postgres.Password = "hunter2"
	cfg.Feed.S3 = &S3FeedConfig{
		Enabled: true,
		S3ConnectionConfig: S3ConnectionConfig{
			Bucket:          "feed",
			SecretAccessKey: "feed-secret",
		},
	}

	out, err := cfg.Redacted()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "feed-secret")
	assert.Contains(t, string(out), "bucket: feed")
	assert.Equal(t, "feed-secret", cfg.Feed.S3.SecretAccessKey)
}
