// Package rest reads records from a paginated JSON API that answers
// {"count": N, "<data field>": [...]} and filters by a start time.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/client"
	"github.com/Sternrassler/bulk-ingest/pkg/pagination"
	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
)

// ErrMalformedPayload is returned for responses without the count or data
// field.
var ErrMalformedPayload = errors.New("rest: malformed payload")

// Config describes the source endpoint.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	DataPath  string `yaml:"data_path"`
	DataField string `yaml:"data_field"`
	SortField string `yaml:"sort_field"`
	SortOrder string `yaml:"sort_order"`
	PageSize  int    `yaml:"page_size"`
}

// DefaultConfig returns the endpoint layout of the sensor API.
func DefaultConfig() Config {
	return Config{
		DataPath:  "/api/data",
		DataField: "samples",
		SortField: "record_time",
		SortOrder: "asc",
		PageSize:  1000,
	}
}

// Validate checks the endpoint description.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("rest: base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("rest: base_url: %w", err)
	}
	if c.DataField == "" {
		return errors.New("rest: data_field is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("rest: page_size must be positive (got %d)", c.PageSize)
	}
	return nil
}

// Source counts and fetches pages. It is safe for concurrent use.
type Source struct {
	client *client.Client
	config Config
	logger zerolog.Logger
}

// New creates a source over c. Authentication headers belong to c.
func New(c *client.Client, cfg Config, logger zerolog.Logger) (*Source, error) {
	if c == nil {
		return nil, errors.New("rest: client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{
		client: c,
		config: cfg,
		logger: logger.With().Str("component", "rest-source").Logger(),
	}, nil
}

// PageSize returns the configured page size.
func (s *Source) PageSize() int { return s.config.PageSize }

// URL builds the data URL for one page request. A zero since leaves out
// the start filter.
func (s *Source) URL(pageSize, pageNumber int, since watermark.Watermark) string {
	q := url.Values{}
	q.Set("sortOrder", s.config.SortOrder)
	q.Set("sortField", s.config.SortField)
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("pageNumber", strconv.Itoa(pageNumber))
	if !since.IsZero() {
		q.Set("filterStart", since.String())
	}
	return strings.TrimRight(s.config.BaseURL, "/") + s.config.DataPath + "?" + q.Encode()
}

// Count returns the number of records at or after since. It requests a
// single-record page and reads the count field.
func (s *Source) Count(ctx context.Context, since watermark.Watermark) (int, error) {
	fields, err := s.get(ctx, s.URL(1, 0, since))
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}

	raw, ok := fields["count"]
	if !ok {
		return 0, fmt.Errorf("%w: missing count", ErrMalformedPayload)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrMalformedPayload, err)
	}
	count, err := strconv.Atoi(n.String())
	if err != nil || count < 0 {
		return 0, fmt.Errorf("%w: count %q", ErrMalformedPayload, n)
	}

	s.logger.Debug().Int("count", count).Str("since", since.String()).Msg("Counted records")
	return count, nil
}

// FetchPage fetches one page and returns its records.
func (s *Source) FetchPage(ctx context.Context, page pagination.PageDescriptor) ([]aggregate.Record, error) {
	fields, err := s.get(ctx, s.URL(page.Size, page.Number, page.Since))
	if err != nil {
		return nil, err
	}
	return decodeRecords(fields, s.config.DataField)
}

// FetchCollection fetches a non-paginated collection, e.g. the device list
// at /api/devices under "devices".
func (s *Source) FetchCollection(ctx context.Context, path, field string) ([]aggregate.Record, error) {
	u := strings.TrimRight(s.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	fields, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return decodeRecords(fields, field)
}

func (s *Source) get(ctx context.Context, u string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := s.client.GetJSON(ctx, u, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	return fields, nil
}

// decodeRecords decodes the data array, keeping numbers as json.Number so
// values reach the store exactly as the source wrote them.
func decodeRecords(fields map[string]json.RawMessage, field string) ([]aggregate.Record, error) {
	raw, ok := fields[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: missing %q array", ErrMalformedPayload, field)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var records []aggregate.Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPayload, field, err)
	}
	if records == nil {
		records = []aggregate.Record{}
	}
	return records, nil
}
