package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/logging"
)

const sampleYAML = `
user_agent: sensor-sync/2.0
log:
  level: debug
  pretty: true
redis:
  addr: localhost:6379
  cache_ttl: 30s
pool:
  max_workers: 8
  timeout: 45s
store:
  dsn: postgres://ingest@localhost/sensors
  max_conns: 2
rest:
  base_url: https://sensors.example.org
  page_size: 250
  table: samples
  create_queries:
    - DROP TABLE IF EXISTS samples
  filter:
    - field: qc
      op: ne
      value: bad
  fallback: "2024-01-01T00:00:00.000Z"
  devices:
    table: devices
    columns: [id, name]
    filter:
      - field: active
        value: true
    csv_key: devices.csv
archive:
  url: https://cds.example.org/api
  dataset: reanalysis-era5-single-levels
  poll_interval: 2s
  variables: [2m_temperature, total_precipitation]
  from: "2020-01-01"
  to: "2020-01-31"
  mask:
    file: lsm.nc
    variable: lsm
object_store:
  endpoint: https://s3.example.org
  bucket: ingest
export:
  csv_key: samples.csv
  parquet_prefix: samples
sftp:
  host: files.example.org
  user: ingest
  path: /outgoing/stations.csv
  table: stations
catalog:
  files: [meta.json, meta.html]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.UserAgent == "" {
		t.Error("UserAgent should have a default")
	}
	if cfg.Rest.PageSize != 1000 {
		t.Errorf("Rest.PageSize = %d, want 1000", cfg.Rest.PageSize)
	}
	if cfg.Rest.APIKeyHeader != "Authorization" {
		t.Errorf("Rest.APIKeyHeader = %q", cfg.Rest.APIKeyHeader)
	}
	if cfg.Archive.PollInterval != 5*time.Second {
		t.Errorf("Archive.PollInterval = %v, want 5s", cfg.Archive.PollInterval)
	}
	if cfg.Archive.Mask.Fill != -32767 {
		t.Errorf("Archive.Mask.Fill = %d", cfg.Archive.Mask.Fill)
	}
	if cfg.Log.Level != logging.LevelInfo {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"user agent", cfg.UserAgent, "sensor-sync/2.0"},
		{"log level", cfg.Log.Level, logging.LevelDebug},
		{"pretty", cfg.Log.Pretty, true},
		{"cache ttl", cfg.Redis.CacheTTL, 30 * time.Second},
		{"max workers", cfg.Pool.MaxWorkers, 8},
		{"pool timeout", cfg.Pool.Timeout, 45 * time.Second},
		{"progress default kept", cfg.Pool.ProgressEvery, 50},
		{"max conns", cfg.Store.MaxConns, int32(2)},
		{"base url inline", cfg.Rest.BaseURL, "https://sensors.example.org"},
		{"page size inline", cfg.Rest.PageSize, 250},
		{"data field default kept", cfg.Rest.DataField, "samples"},
		{"filter op", cfg.Rest.Filter[0].Op, "ne"},
		{"devices table", cfg.Rest.Devices.Table, "devices"},
		{"devices path default kept", cfg.Rest.Devices.Path, "/api/devices"},
		{"devices columns inline", len(cfg.Rest.Devices.Columns), 2},
		{"devices filter inline", cfg.Rest.Devices.Filter[0].Value, true},
		{"devices csv key inline", cfg.Rest.Devices.CSVKey, "devices.csv"},
		{"sftp table inline", cfg.SFTP.Table, "stations"},
		{"poll interval inline", cfg.Archive.PollInterval, 2 * time.Second},
		{"variables", len(cfg.Archive.Variables), 2},
		{"mask fill default kept", cfg.Archive.Mask.Fill, int64(-32767)},
		{"bucket inline", cfg.ObjectStore.Bucket, "ingest"},
		{"sftp host inline", cfg.SFTP.Host, "files.example.org"},
		{"catalog files", len(cfg.Catalog.Files), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	for _, cmd := range []string{CommandRest, CommandRetry, CommandDevices, CommandArchive, CommandSFTP, CommandCatalog} {
		if err := cfg.Validate(cmd); err != nil {
			t.Errorf("Validate(%q) error = %v", cmd, err)
		}
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFromFile() of a missing file expected error")
	}
	if _, err := LoadFromFile(writeConfig(t, "pool:\n  timeout: soon\n")); err == nil {
		t.Error("LoadFromFile() with a bad duration expected error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INGEST_STORE_DSN", "postgres://env@db/sensors")
	t.Setenv("INGEST_REST_API_KEY", "token-123")
	t.Setenv("INGEST_ARCHIVE_KEY", "42:abc")
	t.Setenv("INGEST_OBJSTORE_SECRET_KEY", "s3cret")
	t.Setenv("INGEST_SFTP_PASSWORD", "pw")
	t.Setenv("INGEST_LOG_LEVEL", "warn")
	t.Setenv("INGEST_MAX_WORKERS", "3")
	t.Setenv("INGEST_POOL_TIMEOUT", "90s")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Store.DSN != "postgres://env@db/sensors" {
		t.Errorf("Store.DSN = %q", cfg.Store.DSN)
	}
	if cfg.Rest.APIKey != "token-123" || cfg.Archive.Key != "42:abc" {
		t.Errorf("keys = %q, %q", cfg.Rest.APIKey, cfg.Archive.Key)
	}
	if cfg.ObjectStore.SecretKey != "s3cret" || cfg.SFTP.Password != "pw" {
		t.Errorf("secrets not applied: %+v %+v", cfg.ObjectStore.Config, cfg.SFTP.Config)
	}
	if cfg.Log.Level != logging.LevelWarn {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Pool.MaxWorkers != 3 || cfg.Pool.Timeout != 90*time.Second {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"workers", "INGEST_MAX_WORKERS", "many"},
		{"timeout", "INGEST_POOL_TIMEOUT", "3 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Default()
			if err := cfg.LoadFromEnv(); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("LoadFromEnv() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("INGEST_STORE_DSN", "postgres://override@db/sensors")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.DSN != "postgres://override@db/sensors" {
		t.Errorf("Store.DSN = %q, want env value", cfg.Store.DSN)
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Store.DSN != "postgres://override@db/sensors" {
		t.Errorf("Store.DSN without file = %q", cfg.Store.DSN)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := LoadFromFile(writeConfig(t, sampleYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		command string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown command", "serve", nil, "unknown command"},
		{"no user agent", CommandCatalog, func(c *Config) { c.UserAgent = "" }, "user_agent"},
		{"negative workers", CommandCatalog, func(c *Config) { c.Pool.MaxWorkers = -1 }, "max_workers"},
		{"rest without table", CommandRest, func(c *Config) { c.Rest.Table = "" }, "rest.table"},
		{"rest without dsn", CommandRest, func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"rest bad filter", CommandRest, func(c *Config) { c.Rest.Filter[0].Op = "like" }, "rest.filter"},
		{"rest bad page size", CommandRetry, func(c *Config) { c.Rest.PageSize = 0 }, "page_size"},
		{"export without store", CommandRest, func(c *Config) { c.ObjectStore.Endpoint = "" }, "export"},
		{"endpoint without bucket", CommandRest, func(c *Config) { c.ObjectStore.Bucket = "" }, "bucket"},
		{"devices without table", CommandDevices, func(c *Config) { c.Rest.Devices.Table = "" }, "devices.table"},
		{"archive without variables", CommandArchive, func(c *Config) { c.Archive.Variables = nil }, "variables"},
		{"archive reversed range", CommandArchive, func(c *Config) { c.Archive.To = "2019-12-31" }, "before"},
		{"archive bad date", CommandArchive, func(c *Config) { c.Archive.From = "01/01/2020" }, "archive.from"},
		{"mask without variable", CommandArchive, func(c *Config) { c.Archive.Mask.Variable = "" }, "mask.variable"},
		{"sftp without host", CommandSFTP, func(c *Config) { c.SFTP.Host = "" }, "sftp.host"},
		{"sftp without path", CommandSFTP, func(c *Config) { c.SFTP.Path = "" }, "sftp.path"},
		{"devices bad filter", CommandDevices, func(c *Config) {
			c.Rest.Devices.Filter = []aggregate.Condition{{Field: "kind", Op: "like"}}
		}, "rest.devices.filter"},
		{"devices export without store", CommandDevices, func(c *Config) {
			c.ObjectStore = ObjectConfig{}
			c.Rest.Devices.CSVKey = "devices.csv"
		}, "rest.devices export"},
		{"sftp filter without field", CommandSFTP, func(c *Config) {
			c.SFTP.Filter = []aggregate.Condition{{Op: "eq", Value: "x"}}
		}, "sftp.filter"},
		{"catalog without files", CommandCatalog, func(c *Config) { c.Catalog.Files = nil }, "catalog.files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate(tt.command)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate(%q) error = %v, want %q", tt.command, err, tt.wantErr)
			}
		})
	}
}

func TestPoolConfig_Workerpool(t *testing.T) {
	got := PoolConfig{MaxWorkers: 4, Timeout: time.Second}.Workerpool()
	if got.MaxWorkers != 4 || got.Timeout != time.Second || got.ProgressEvery != 50 {
		t.Errorf("Workerpool() = %+v", got)
	}

	zero := PoolConfig{}.Workerpool()
	if zero.MaxWorkers <= 0 || zero.Timeout != 3*time.Minute {
		t.Errorf("zero PoolConfig should fall back to defaults, got %+v", zero)
	}
}

func TestArchiveConfig_Requests(t *testing.T) {
	a := ArchiveConfig{Variables: []string{"2m_temperature"}, From: "2020-01-30", To: "2020-02-02"}
	reqs, err := a.Requests()
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(reqs) != 4 {
		t.Errorf("daily requests = %d, want 4", len(reqs))
	}

	a.Monthly = true
	reqs, err = a.Requests()
	if err != nil {
		t.Fatalf("Requests() monthly error = %v", err)
	}
	if len(reqs) != 2 {
		t.Errorf("monthly requests = %d, want 2", len(reqs))
	}
}
