// Package config loads the ingest command configuration from a YAML file
// and INGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/archive"
	"github.com/Sternrassler/bulk-ingest/pkg/logging"
	"github.com/Sternrassler/bulk-ingest/pkg/mask"
	"github.com/Sternrassler/bulk-ingest/pkg/objstore"
	"github.com/Sternrassler/bulk-ingest/pkg/ratelimit"
	"github.com/Sternrassler/bulk-ingest/pkg/rest"
	"github.com/Sternrassler/bulk-ingest/pkg/sftpsource"
	"github.com/Sternrassler/bulk-ingest/pkg/store"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

// Commands understood by Validate.
const (
	CommandRest    = "rest"
	CommandRetry   = "retry"
	CommandDevices = "devices"
	CommandArchive = "archive"
	CommandSFTP    = "sftp"
	CommandCatalog = "catalog"
	CommandQuery   = "query"
)

// Config is the full configuration of the ingest command.
type Config struct {
	Log         logging.Config   `yaml:"log"`
	MetricsAddr string           `yaml:"metrics_addr"`
	UserAgent   string           `yaml:"user_agent"`
	Redis       RedisConfig      `yaml:"redis"`
	RateLimit   ratelimit.Config `yaml:"rate_limit"`
	Pool        PoolConfig       `yaml:"pool"`
	Store       store.Config     `yaml:"store"`
	Rest        RestConfig       `yaml:"rest"`
	Archive     ArchiveConfig    `yaml:"archive"`
	ObjectStore ObjectConfig     `yaml:"object_store"`
	Export      ExportConfig     `yaml:"export"`
	SFTP        SFTPConfig       `yaml:"sftp"`
	Catalog     CatalogConfig    `yaml:"catalog"`
}

// RedisConfig locates the Redis instance shared by the watermark store, the
// page cache and the rate-limit tracker. An empty Addr keeps everything in
// process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// CacheTTL is the lifetime of cached REST pages. Zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PoolConfig sizes the worker pool of every batch.
type PoolConfig struct {
	MaxWorkers    int           `yaml:"max_workers"`
	Timeout       time.Duration `yaml:"timeout"`
	ProgressEvery int           `yaml:"progress_every"`
}

// Workerpool converts the file form into a pool configuration.
func (p PoolConfig) Workerpool() workerpool.Config {
	cfg := workerpool.DefaultConfig()
	if p.MaxWorkers > 0 {
		cfg.MaxWorkers = p.MaxWorkers
	}
	if p.Timeout > 0 {
		cfg.Timeout = p.Timeout
	}
	if p.ProgressEvery > 0 {
		cfg.ProgressEvery = p.ProgressEvery
	}
	return cfg
}

// RestConfig describes the paginated sensor API and its destination table.
type RestConfig struct {
	rest.Config `yaml:",inline"`

	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`

	Table          string                `yaml:"table"`
	CreateQueries  []string              `yaml:"create_queries"`
	Columns        []string              `yaml:"columns"`
	Filter         []aggregate.Condition `yaml:"filter"`
	SortKey        string                `yaml:"sort_key"`
	WatermarkField string                `yaml:"watermark_field"`

	// Fallback is the watermark tried when discovery finds nothing.
	Fallback string `yaml:"fallback"`

	ReportPath string `yaml:"report_path"`

	Devices DevicesConfig `yaml:"devices"`
}

// DevicesConfig describes the device list snapshot.
type DevicesConfig struct {
	Path  string `yaml:"path"`
	Field string `yaml:"field"`

	SnapshotTable `yaml:",inline"`
}

// SnapshotTable is the destination of a whole-collection snapshot. Records
// are filtered, projected onto Columns (all fields when empty) and replace
// the table. CSVKey and ParquetPrefix export the committed snapshot to the
// object store.
type SnapshotTable struct {
	Table         string                `yaml:"table"`
	CreateQueries []string              `yaml:"create_queries"`
	Columns       []string              `yaml:"columns"`
	Filter        []aggregate.Condition `yaml:"filter"`
	Drop          []string              `yaml:"drop"`
	Defaults      map[string]any        `yaml:"defaults"`

	CSVKey        string `yaml:"csv_key"`
	ParquetPrefix string `yaml:"parquet_prefix"`
}

// Exports reports whether the snapshot is exported.
func (t SnapshotTable) Exports() bool {
	return t.CSVKey != "" || t.ParquetPrefix != ""
}

// ArchiveConfig describes a climate archive download.
type ArchiveConfig struct {
	archive.Config `yaml:",inline"`

	Variables []string       `yaml:"variables"`
	From      string         `yaml:"from"`
	To        string         `yaml:"to"`
	Monthly   bool           `yaml:"monthly"`
	Params    map[string]any `yaml:"params"`

	Dir           string `yaml:"dir"`
	Cleanup       bool   `yaml:"cleanup"`
	ReportPath    string `yaml:"report_path"`
	PublishPrefix string `yaml:"publish_prefix"`
	Compress      bool   `yaml:"compress"`

	Mask MaskConfig `yaml:"mask"`
}

// Range parses From and To.
func (a ArchiveConfig) Range() (time.Time, time.Time, error) {
	from, err := time.Parse(archive.DateLayout, a.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("archive.from: %w", err)
	}
	to, err := time.Parse(archive.DateLayout, a.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("archive.to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("archive.to %s is before archive.from %s", a.To, a.From)
	}
	return from, to, nil
}

// Requests builds one request per variable and day or month.
func (a ArchiveConfig) Requests() ([]archive.Request, error) {
	from, to, err := a.Range()
	if err != nil {
		return nil, err
	}
	if a.Monthly {
		return archive.MonthlyRequests(a.Variables, from, to, a.Params), nil
	}
	return archive.DailyRequests(a.Variables, from, to, a.Params), nil
}

// MaskConfig names the netCDF file holding the land-sea mask. An empty File
// disables masking.
type MaskConfig struct {
	File     string `yaml:"file"`
	Variable string `yaml:"variable"`
	Fill     int64  `yaml:"fill"`
}

// ObjectConfig selects the object store: a bucket when Endpoint is set,
// otherwise a local directory.
type ObjectConfig struct {
	objstore.Config `yaml:",inline"`

	Dir string `yaml:"dir"`
}

// Enabled reports whether any object store is configured.
func (o ObjectConfig) Enabled() bool {
	return o.Endpoint != "" || o.Dir != ""
}

// ExportConfig enables the dataset exporters. Both need an object store.
type ExportConfig struct {
	CSVKey        string `yaml:"csv_key"`
	ParquetPrefix string `yaml:"parquet_prefix"`
}

// SFTPConfig describes a CSV file fetched over SFTP.
type SFTPConfig struct {
	sftpsource.Config `yaml:",inline"`

	Path string `yaml:"path"`

	SnapshotTable `yaml:",inline"`
}

// CatalogConfig lists metadata files, tried in order.
type CatalogConfig struct {
	Files []string `yaml:"files"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	restCfg := rest.DefaultConfig()
	archiveCfg := archive.DefaultConfig()
	return Config{
		Log:         logging.DefaultConfig(),
		MetricsAddr: ":9090",
		UserAgent:   "bulk-ingest/1.0",
		RateLimit:   ratelimit.DefaultConfig(),
		Pool:        PoolConfig{MaxWorkers: workerpool.DefaultMaxWorkers(), Timeout: 3 * time.Minute, ProgressEvery: 50},
		Store:       store.Config{MaxConns: 4},
		Rest: RestConfig{
			Config:         restCfg,
			APIKeyHeader:   "Authorization",
			WatermarkField: "record_time",
			ReportPath:     "failed_request.json",
			Devices:        DevicesConfig{Path: "/api/devices", Field: "devices"},
		},
		Archive: ArchiveConfig{
			Config: archiveCfg,
			Dir:    "data",
			Mask:   MaskConfig{Fill: mask.DefaultFill},
		},
	}
}

// LoadFromFile reads path over Default.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies INGEST_* environment variables. Secrets are expected
// here rather than in the file.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"INGEST_METRICS_ADDR":        &c.MetricsAddr,
		"INGEST_USER_AGENT":          &c.UserAgent,
		"INGEST_REDIS_ADDR":          &c.Redis.Addr,
		"INGEST_REDIS_PASSWORD":      &c.Redis.Password,
		"INGEST_STORE_DSN":           &c.Store.DSN,
		"INGEST_REST_BASE_URL":       &c.Rest.BaseURL,
		"INGEST_REST_API_KEY":        &c.Rest.APIKey,
		"INGEST_ARCHIVE_URL":         &c.Archive.URL,
		"INGEST_ARCHIVE_KEY":         &c.Archive.Key,
		"INGEST_OBJSTORE_ENDPOINT":   &c.ObjectStore.Endpoint,
		"INGEST_OBJSTORE_ACCESS_KEY": &c.ObjectStore.AccessKey,
		"INGEST_OBJSTORE_SECRET_KEY": &c.ObjectStore.SecretKey,
		"INGEST_SFTP_PASSWORD":       &c.SFTP.Password,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("INGEST_LOG_LEVEL"); v != "" {
		c.Log.Level = logging.LogLevel(v)
	}
	if v := os.Getenv("INGEST_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse INGEST_MAX_WORKERS: %w", err)
		}
		c.Pool.MaxWorkers = n
	}
	if v := os.Getenv("INGEST_POOL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse INGEST_POOL_TIMEOUT: %w", err)
		}
		c.Pool.Timeout = d
	}
	return nil
}

// Load reads path when non-empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings command needs.
func (c *Config) Validate(command string) error {
	if c.UserAgent == "" {
		return errors.New("user_agent is required")
	}
	if c.Pool.MaxWorkers < 0 {
		return fmt.Errorf("pool.max_workers must be >= 0 (got %d)", c.Pool.MaxWorkers)
	}
	if c.Pool.Timeout < 0 {
		return fmt.Errorf("pool.timeout must be >= 0 (got %s)", c.Pool.Timeout)
	}

	switch command {
	case CommandRest, CommandRetry:
		if err := c.Rest.Config.Validate(); err != nil {
			return err
		}
		if c.Rest.Table == "" {
			return errors.New("rest.table is required")
		}
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
		if _, err := aggregate.Build(c.Rest.Filter); err != nil {
			return fmt.Errorf("rest.filter: %w", err)
		}
		return c.validateExport()
	case CommandDevices:
		if c.Rest.BaseURL == "" {
			return errors.New("rest.base_url is required")
		}
		if c.Rest.Devices.Table == "" {
			return errors.New("rest.devices.table is required")
		}
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
		return c.validateSnapshot("rest.devices", c.Rest.Devices.SnapshotTable)
	case CommandArchive:
		if c.Archive.URL == "" {
			return errors.New("archive.url is required")
		}
		if c.Archive.Dataset == "" {
			return errors.New("archive.dataset is required")
		}
		if len(c.Archive.Variables) == 0 {
			return errors.New("archive.variables is required")
		}
		if _, _, err := c.Archive.Range(); err != nil {
			return err
		}
		if c.Archive.Dir == "" {
			return errors.New("archive.dir is required")
		}
		if c.Archive.Mask.File != "" && c.Archive.Mask.Variable == "" {
			return errors.New("archive.mask.variable is required with archive.mask.file")
		}
		return nil
	case CommandSFTP:
		if c.SFTP.Host == "" || c.SFTP.User == "" {
			return errors.New("sftp.host and sftp.user are required")
		}
		if c.SFTP.Path == "" || c.SFTP.Table == "" {
			return errors.New("sftp.path and sftp.table are required")
		}
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
		return c.validateSnapshot("sftp", c.SFTP.SnapshotTable)
	case CommandQuery:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
		return nil
	case CommandCatalog:
		if len(c.Catalog.Files) == 0 {
			return errors.New("catalog.files is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *Config) validateSnapshot(section string, t SnapshotTable) error {
	if _, err := aggregate.Build(t.Filter); err != nil {
		return fmt.Errorf("%s.filter: %w", section, err)
	}
	if t.Exports() && !c.ObjectStore.Enabled() {
		return fmt.Errorf("%s export needs object_store.endpoint or object_store.dir", section)
	}
	if c.ObjectStore.Endpoint != "" && c.ObjectStore.Bucket == "" {
		return errors.New("object_store.bucket is required with object_store.endpoint")
	}
	return nil
}

func (c *Config) validateExport() error {
	if (c.Export.CSVKey != "" || c.Export.ParquetPrefix != "") && !c.ObjectStore.Enabled() {
		return errors.New("export needs object_store.endpoint or object_store.dir")
	}
	if c.ObjectStore.Endpoint != "" && c.ObjectStore.Bucket == "" {
		return errors.New("object_store.bucket is required with object_store.endpoint")
	}
	return nil
}
