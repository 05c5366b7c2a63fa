// Package download retrieves archive artifacts in parallel, masks them and
// optionally publishes the result to object storage.
//
// Every requested unit resolves to exactly one Artifact. Units whose
// retrieval fails are recorded as fetch failures; units whose masking or
// publishing fails are recorded as transform failures and keep their raw
// file on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/archive"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

var artifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_download_artifacts_total",
	Help: "Total download artifacts by final state",
}, []string{"state"})

// ErrInvalidRequest is returned when the request set is rejected before any
// retrieval starts.
var ErrInvalidRequest = archive.ErrInvalidRequest

// State is the lifecycle position of one artifact.
type State string

const (
	StatePending    State = "pending"
	StateFetched    State = "fetched"
	StateMasked     State = "masked"
	StateMaskFailed State = "mask_failed"
	StateCleaned    State = "cleaned"
	StateRetained   State = "retained"
	StateFailed     State = "failed"
)

// Retriever fetches one archive request into dst.
type Retriever interface {
	Retrieve(ctx context.Context, req archive.Request, dst string) (*archive.Retrieval, error)
}

// Masker writes a masked copy of src and returns its path.
type Masker interface {
	MaskFile(src string) (string, error)
}

// Publisher uploads a local file under key.
type Publisher interface {
	PutFile(ctx context.Context, key, path string) error
}

// Config holds pipeline settings.
type Config struct {
	// Dir receives raw and masked files.
	Dir string `yaml:"dir"`

	// Cleanup removes the raw file once a non-empty masked file exists.
	Cleanup bool `yaml:"cleanup"`

	Pool workerpool.Config `yaml:"-"`

	// ReportPath is where the failure report is written after every run.
	ReportPath string `yaml:"report_path"`

	// PublishPrefix is prepended to object keys when a publisher is set.
	PublishPrefix string `yaml:"publish_prefix"`

	// Compress gzips published objects and appends .gz to their keys.
	// Local files stay uncompressed.
	Compress bool `yaml:"compress"`
}

// Artifact is the outcome of one unit.
type Artifact struct {
	Unit       string
	Request    archive.Request
	State      State
	RequestID  string
	RawPath    string
	MaskedPath string
	Bytes      int64
	ObjectKey  string
}

// Summary describes one pipeline run.
type Summary struct {
	Succeeded  int
	Failed     int
	Artifacts  []*Artifact
	Failures   []workerpool.FailureRecord
	ReportPath string
	Duration   time.Duration
}

// Pipeline runs retrievals on a bounded worker pool.
type Pipeline struct {
	retriever Retriever
	masker    Masker
	publisher Publisher
	config    Config
	pool      *workerpool.Pool[archive.Request, *Artifact]
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a pipeline. masker may be nil, in which case raw files are
// kept as they are.
func New(retriever Retriever, masker Masker, cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if retriever == nil {
		return nil, errors.New("download: retriever is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("download: dir is required")
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = filepath.Join(cfg.Dir, "failed_request.json")
	}
	logger = logger.With().Str("component", "download").Logger()
	return &Pipeline{
		retriever: retriever,
		masker:    masker,
		config:    cfg,
		pool:      workerpool.New[archive.Request, *Artifact]("downloads", cfg.Pool, logger),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithPublisher uploads every finished artifact through pub.
func (p *Pipeline) WithPublisher(pub Publisher) *Pipeline {
	p.publisher = pub
	return p
}

// Validate checks every request and rejects duplicate units.
func Validate(reqs []archive.Request) error {
	if len(reqs) == 0 {
		return fmt.Errorf("%w: no requests", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Key()]; dup {
			return fmt.Errorf("%w: duplicate unit %s", ErrInvalidRequest, r.Key())
		}
		seen[r.Key()] = struct{}{}
	}
	return nil
}

// Run retrieves every request. An error is returned only when the request
// set is invalid or the report cannot be written; unit failures are in the
// summary.
func (p *Pipeline) Run(ctx context.Context, reqs []archive.Request) (*Summary, error) {
	if err := Validate(reqs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	start := p.now()
	// The map is fully built before the pool starts; workers only mutate
	// the artifact behind their own key.
	artifacts := make(map[string]*Artifact, len(reqs))
	tasks := make([]workerpool.Task[archive.Request], len(reqs))
	for i, r := range reqs {
		artifacts[r.Key()] = &Artifact{Unit: r.Key(), Request: r, State: StatePending}
		tasks[i] = workerpool.Task[archive.Request]{ID: r.Key(), Params: r}
	}

	batch, ledger := p.pool.Run(ctx, tasks, func(ctx context.Context, task workerpool.Task[archive.Request]) (*Artifact, error) {
		art := artifacts[task.ID]
		if err := p.process(ctx, art); err != nil {
			if art.State == StatePending {
				art.State = StateFailed
			}
			return nil, err
		}
		return art, nil
	})

	sum := &Summary{
		Succeeded:  batch.Len(),
		Failed:     ledger.Len(),
		Failures:   ledger.Snapshot(),
		ReportPath: p.config.ReportPath,
	}
	for _, art := range artifacts {
		if art.State == StatePending {
			art.State = StateFailed
		}
		artifactsTotal.WithLabelValues(string(art.State)).Inc()
		sum.Artifacts = append(sum.Artifacts, art)
	}
	sort.Slice(sum.Artifacts, func(i, j int) bool { return sum.Artifacts[i].Unit < sum.Artifacts[j].Unit })

	if err := workerpool.WriteReport(p.config.ReportPath, ledger, p.now()); err != nil {
		return sum, err
	}
	sum.Duration = p.now().Sub(start)

	p.logger.Info().
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Str("report", sum.ReportPath).
		Dur("duration", sum.Duration).
		Msg("Download run complete")
	return sum, nil
}

// process leaves art in a terminal state. Cleanup runs last so that a unit
// failing at any step keeps its raw file.
func (p *Pipeline) process(ctx context.Context, art *Artifact) error {
	raw := filepath.Join(p.config.Dir, art.Request.Filename())

	ret, err := p.retriever.Retrieve(ctx, art.Request, raw)
	if ret != nil {
		art.RequestID = ret.RequestID
	}
	if err != nil {
		art.State = StateFailed
		return fmt.Errorf("%w: %w", workerpool.ErrUnitFetchFailed, err)
	}
	if ret.State != archive.StateCompleted {
		art.State = StateFailed
		return fmt.Errorf("%w: task ended in state %q", workerpool.ErrUnitFetchFailed, ret.State)
	}
	art.State = StateFetched
	art.RawPath = ret.Path
	art.Bytes = ret.Bytes

	final := art.RawPath
	if p.masker != nil {
		masked, err := p.masker.MaskFile(art.RawPath)
		if err != nil {
			art.State = StateMaskFailed
			return fmt.Errorf("%w: mask %s: %w", workerpool.ErrUnitTransformFailed, art.Unit, err)
		}
		art.MaskedPath = masked
		art.State = StateMasked
		final = masked
	}

	if p.publisher != nil {
		key, err := p.publish(ctx, final)
		if err != nil {
			art.State = StateFailed
			return fmt.Errorf("%w: publish %s: %w", workerpool.ErrUnitTransformFailed, art.Unit, err)
		}
		art.ObjectKey = key
	}

	if p.masker != nil {
		if p.config.Cleanup {
			p.cleanup(art)
		} else {
			art.State = StateRetained
		}
	}
	return nil
}

// publish uploads file and returns its object key.
func (p *Pipeline) publish(ctx context.Context, file string) (string, error) {
	key := path.Join(p.config.PublishPrefix, filepath.Base(file))
	if !p.config.Compress {
		if err := p.publisher.PutFile(ctx, key, file); err != nil {
			return "", err
		}
		return key, nil
	}

	gz, err := gzipFile(file)
	if err != nil {
		return "", err
	}
	defer os.Remove(gz)
	key += ".gz"
	if err := p.publisher.PutFile(ctx, key, gz); err != nil {
		return "", err
	}
	return key, nil
}

// gzipFile writes src.gz next to src.
func gzipFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := src + ".gz"
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("gzip %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("gzip %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// cleanup removes the raw file when the masked file is non-empty.
func (p *Pipeline) cleanup(art *Artifact) {
	fi, err := os.Stat(art.MaskedPath)
	if err != nil || fi.Size() == 0 {
		art.State = StateRetained
		p.logger.Warn().Str("unit", art.Unit).Msg("Masked file empty, keeping raw file")
		return
	}
	if err := os.Remove(art.RawPath); err != nil {
		art.State = StateRetained
		p.logger.Warn().Err(err).Str("unit", art.Unit).Msg("Raw file not removed")
		return
	}
	art.State = StateCleaned
}
