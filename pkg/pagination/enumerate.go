package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
)

var (
	// ErrNoData signals that the source reported zero records. It is not a
	// failure: callers log it and skip the run.
	ErrNoData = errors.New("pagination: no data available")

	// ErrInvalidCount is returned for a negative record count.
	ErrInvalidCount = errors.New("pagination: count must be non-negative")

	// ErrInvalidPageSize is returned for a non-positive page size.
	ErrInvalidPageSize = errors.New("pagination: page size must be positive")

	// ErrInvalidPageID is returned by ParseID for malformed identifiers.
	ErrInvalidPageID = errors.New("pagination: invalid page id")
)

// PageDescriptor identifies one page request and the record range it covers.
type PageDescriptor struct {
	// Number is the zero-based page number sent to the source.
	Number int

	// Size is the page size sent to the source.
	Size int

	// Offset is the index of the first record covered (Number*Size).
	Offset int

	// Limit is the number of records covered; the last page may be short.
	Limit int

	// Since is the lower-bound time filter; zero means unbounded.
	Since watermark.Watermark
}

// End returns the exclusive end of the covered record range.
func (p PageDescriptor) End() int { return p.Offset + p.Limit }

// ID returns a stable identifier that ParseID can turn back into a request.
// Failure reports key pages by this value.
func (p PageDescriptor) ID() string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(p.Number))
	v.Set("size", strconv.Itoa(p.Size))
	if !p.Since.IsZero() {
		v.Set("since", p.Since.String())
	}
	return v.Encode()
}

// ParseID rebuilds a request descriptor from ID output. Offset is derived;
// Limit is set to Size because the original count is not part of the ID.
func ParseID(id string) (PageDescriptor, error) {
	v, err := url.ParseQuery(id)
	if err != nil {
		return PageDescriptor{}, fmt.Errorf("%w: %q: %v", ErrInvalidPageID, id, err)
	}
	number, err := strconv.Atoi(v.Get("page"))
	if err != nil || number < 0 {
		return PageDescriptor{}, fmt.Errorf("%w: %q: bad page", ErrInvalidPageID, id)
	}
	size, err := strconv.Atoi(v.Get("size"))
	if err != nil || size <= 0 {
		return PageDescriptor{}, fmt.Errorf("%w: %q: bad size", ErrInvalidPageID, id)
	}
	since, err := watermark.Parse(v.Get("since"))
	if err != nil {
		return PageDescriptor{}, fmt.Errorf("%w: %q: %v", ErrInvalidPageID, id, err)
	}
	return PageDescriptor{
		Number: number,
		Size:   size,
		Offset: number * size,
		Limit:  size,
		Since:  since,
	}, nil
}

// Enumerate returns ceil(count/pageSize) descriptors numbered 0..n-1. Page i
// covers [i*pageSize, min((i+1)*pageSize, count)), so the pages cover
// [0, count) exactly once. A zero count returns ErrNoData.
func Enumerate(count, pageSize int, since watermark.Watermark) ([]PageDescriptor, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidCount, count)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidPageSize, pageSize)
	}
	if count == 0 {
		return nil, ErrNoData
	}

	n := (count + pageSize - 1) / pageSize
	pages := make([]PageDescriptor, 0, n)
	for i := 0; i < n; i++ {
		offset := i * pageSize
		limit := pageSize
		if offset+limit > count {
			limit = count - offset
		}
		pages = append(pages, PageDescriptor{
			Number: i,
			Size:   pageSize,
			Offset: offset,
			Limit:  limit,
			Since:  since,
		})
	}
	return pages, nil
}
