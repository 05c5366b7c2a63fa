// Command ingest runs the bulk ingestion jobs: paginated REST ingests with
// watermarks, failed-page retries, reference snapshots, climate archive
// downloads, SFTP CSV loads and metadata inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/internal/config"
	"github.com/Sternrassler/bulk-ingest/pkg/cache"
	"github.com/Sternrassler/bulk-ingest/pkg/client"
	"github.com/Sternrassler/bulk-ingest/pkg/logging"
	"github.com/Sternrassler/bulk-ingest/pkg/metrics"
	"github.com/Sternrassler/bulk-ingest/pkg/objstore"
	"github.com/Sternrassler/bulk-ingest/pkg/ratelimit"
	"github.com/Sternrassler/bulk-ingest/pkg/rest"
	"github.com/Sternrassler/bulk-ingest/pkg/store"
)

// Exit codes
const (
	ExitSuccess           = 0
	ExitGeneralError      = 1
	ExitInvalidArgs       = 2
	ExitSourceUnavailable = 3
	ExitStorageError      = 4
	ExitPartialFailure    = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case config.CommandRest:
		return runRest(cmdArgs, os.Stdout)
	case config.CommandRetry:
		return runRetry(cmdArgs, os.Stdout)
	case config.CommandDevices:
		return runDevices(cmdArgs, os.Stdout)
	case config.CommandArchive:
		return runArchive(cmdArgs, os.Stdout)
	case config.CommandSFTP:
		return runSFTP(cmdArgs, os.Stdout)
	case config.CommandCatalog:
		return runCatalog(cmdArgs, os.Stdout)
	case config.CommandQuery:
		return runQuery(cmdArgs, os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage(os.Stderr)
		return ExitInvalidArgs
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: ingest <command> [options]

Commands:
  rest      Ingest the paginated REST source into the store
  retry     Refetch the pages listed in the failure report
  devices   Replace the device table with the current device list
  archive   Download, mask and publish climate archive files
  sftp      Replace a table with a CSV file read over SFTP
  catalog   Show dataset metadata, distribution URLs and schema
  query     Run SQL statements against the store

Every command reads -config (YAML) and INGEST_* environment variables.
Run 'ingest <command> -h' for command-specific help.`)
}

// newFlagSet returns a flag set with the shared -config flag.
func newFlagSet(name, summary string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", os.Getenv("INGEST_CONFIG"), "Path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ingest %s [options]\n\n%s\n\nOptions:\n", name, summary)
		fs.PrintDefaults()
	}
	return fs, path
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// app holds what every command shares: the validated configuration, the
// root logger and the optional Redis connection.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	redis   *redis.Client
	closers []func()
}

// errInvalidConfig marks configuration errors, which exit with
// ExitInvalidArgs.
var errInvalidConfig = errors.New("invalid configuration")

// newApp loads the configuration for command, applies overrides and
// validates it, connects to Redis when configured and starts the metrics
// server in the background.
func newApp(ctx context.Context, command, path string, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(command); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	logger := logging.Setup(cfg.Log).With().Str("command", command).Logger()
	a := &app{cfg: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		a.redis = rc
		a.closers = append(a.closers, func() { rc.Close() })
	}

	if cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := metrics.Serve(mctx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
		a.closers = append(a.closers, func() {
			cancel()
			<-done
		})
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// httpConfig returns client settings with the configured rate limit. With
// Redis the limiter also follows the budget headers shared under scope.
func (a *app) httpConfig(scope string) client.Config {
	hc := client.DefaultConfig(a.cfg.UserAgent)
	var tracker *ratelimit.Tracker
	if a.redis != nil {
		tracker = ratelimit.NewTracker(a.redis, scope, a.logger)
	}
	hc.Limiter = ratelimit.NewLimiter(a.cfg.RateLimit, tracker, a.logger)
	return hc
}

func (a *app) cacheEnabled() bool {
	return a.redis != nil && a.cfg.Redis.CacheTTL > 0
}

// restSource builds the REST source. GET responses are cached in Redis when
// a cache TTL is configured.
func (a *app) restSource() (*rest.Source, error) {
	hc := a.httpConfig("rest")
	if a.cfg.Rest.APIKey != "" {
		hc.Headers = map[string]string{a.cfg.Rest.APIKeyHeader: a.cfg.Rest.APIKey}
	}
	if a.cacheEnabled() {
		hc.Transport = cache.NewTransport(cache.NewManager(a.redis), a.cfg.Redis.CacheTTL, nil).WithScope(a.cfg.Rest.BaseURL)
	}
	c, err := client.New(hc, a.logger)
	if err != nil {
		return nil, err
	}
	return rest.New(c, a.cfg.Rest.Config, a.logger)
}

// openStore connects to Postgres. The caller closes it.
func (a *app) openStore(ctx context.Context) (*store.Postgres, error) {
	pg, err := store.Open(ctx, a.cfg.Store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return pg, nil
}

// objectStore returns the configured object store, or nil when none is.
func (a *app) objectStore(ctx context.Context) (objstore.Store, error) {
	switch {
	case a.cfg.ObjectStore.Endpoint != "":
		ms, err := objstore.NewMinio(a.cfg.ObjectStore.Config, a.logger)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return ms, nil
	case a.cfg.ObjectStore.Dir != "":
		ls, err := objstore.NewLocalStore(a.cfg.ObjectStore.Dir)
		if err != nil {
			return nil, err
		}
		return ls, nil
	default:
		return nil, nil
	}
}

// setup parses args and builds the app. Overrides run after parsing, so
// they may read flag values. When the app is nil the command returns the
// exit code.
func setup(ctx context.Context, fs *flag.FlagSet, path *string, args []string, overrides ...func(*config.Config)) (*app, int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ExitSuccess
		}
		return nil, ExitInvalidArgs
	}
	a, err := newApp(ctx, fs.Name(), *path, overrides...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errInvalidConfig) {
			return nil, ExitInvalidArgs
		}
		return nil, ExitGeneralError
	}
	return a, ExitSuccess
}
