package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/client"
)

// Task states reported by the archive.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	// ErrRetrievalFailed is returned when the archive reports a failed task.
	ErrRetrievalFailed = errors.New("archive: retrieval failed")

	// ErrUnexpectedState is returned for a task state the client does not know.
	ErrUnexpectedState = errors.New("archive: unexpected task state")
)

var retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_archive_retrievals_total",
	Help: "Total archive retrievals by final state",
}, []string{"state"})

// Config holds the archive endpoint and credentials.
type Config struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"` // "<uid>:<api key>"
	Dataset string `yaml:"dataset"`

	// PollInterval is the wait between task status requests.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns polling defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// Reply is the archive's task document.
type Reply struct {
	State         string `json:"state"`
	RequestID     string `json:"request_id"`
	Location      string `json:"location,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	Error         *struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error,omitempty"`
}

// Retrieval describes a finished retrieval.
type Retrieval struct {
	RequestID string
	State     string
	Location  string
	Path      string
	Bytes     int64
}

// Client talks to a CDS-style archive.
type Client struct {
	http   *client.Client
	config Config
	base   *url.URL
	logger zerolog.Logger
}

// New builds an archive client. Basic auth is taken from cfg.Key and set on
// httpCfg before the HTTP client is created.
func New(cfg Config, httpCfg client.Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.Dataset == "" {
		return nil, errors.New("archive: url and dataset are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("archive: url: %w", err)
	}
	uid, key, ok := strings.Cut(cfg.Key, ":")
	if !ok || uid == "" || key == "" {
		return nil, errors.New("archive: key must be <uid>:<api key>")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	httpCfg.Username, httpCfg.Password = uid, key
	hc, err := client.New(httpCfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		http:   hc,
		config: cfg,
		base:   base,
		logger: logger.With().Str("component", "archive").Logger(),
	}, nil
}

// Retrieve submits req, waits for the task to settle and downloads the
// result to dst. A failed task returns ErrRetrievalFailed and the last
// reply's state in the Retrieval.
func (c *Client) Retrieve(ctx context.Context, req Request, dst string) (*Retrieval, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var reply Reply
	submit := c.resolve("resources/" + url.PathEscape(c.config.Dataset))
	if err := c.http.PostJSON(ctx, submit, req.Payload(), &reply); err != nil {
		return nil, fmt.Errorf("submit %s: %w", req.Key(), err)
	}
	c.logger.Debug().Str("unit", req.Key()).Str("request_id", reply.RequestID).Str("state", reply.State).Msg("Request submitted")

	for {
		switch reply.State {
		case StateCompleted:
			return c.download(ctx, req, reply, dst)
		case StateFailed:
			retrievalsTotal.WithLabelValues(StateFailed).Inc()
			msg := ""
			if reply.Error != nil {
				msg = strings.TrimSpace(reply.Error.Message + " " + reply.Error.Reason)
			}
			return &Retrieval{RequestID: reply.RequestID, State: reply.State},
				fmt.Errorf("%w: %s: %s", ErrRetrievalFailed, req.Key(), msg)
		case StateQueued, StateRunning:
		default:
			return &Retrieval{RequestID: reply.RequestID, State: reply.State},
				fmt.Errorf("%w: %q", ErrUnexpectedState, reply.State)
		}

		if reply.RequestID == "" {
			return nil, fmt.Errorf("%w: %s: no request id to poll", ErrUnexpectedState, req.Key())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.PollInterval):
		}

		id := reply.RequestID
		reply = Reply{}
		if err := c.http.GetJSON(ctx, c.resolve("tasks/"+url.PathEscape(id)), &reply); err != nil {
			return nil, fmt.Errorf("poll %s: %w", req.Key(), err)
		}
		if reply.RequestID == "" {
			reply.RequestID = id
		}
	}
}

func (c *Client) download(ctx context.Context, req Request, reply Reply, dst string) (*Retrieval, error) {
	if reply.Location == "" {
		return nil, fmt.Errorf("%w: %s: completed without location", ErrUnexpectedState, req.Key())
	}
	location := c.resolve(reply.Location)

	n, err := c.http.Download(ctx, location, dst)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", req.Key(), err)
	}
	if reply.ContentLength > 0 && n != reply.ContentLength {
		return nil, fmt.Errorf("download %s: got %d bytes, want %d", req.Key(), n, reply.ContentLength)
	}

	retrievalsTotal.WithLabelValues(StateCompleted).Inc()
	c.logger.Info().Str("unit", req.Key()).Int64("bytes", n).Msg("Download completed")
	return &Retrieval{
		RequestID: reply.RequestID,
		State:     reply.State,
		Location:  location,
		Path:      dst,
		Bytes:     n,
	}, nil
}

// resolve turns a path or absolute URL into an absolute URL under the
// archive base.
func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(u).String()
}
