// Package watermark defines the ingest checkpoint ("already ingested up to
// here") and the stores that persist it between runs.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout is the wire format used by the REST source filter and by every
// store: UTC, millisecond precision, "Z" suffix.
const Layout = "2006-01-02T15:04:05.000Z"

// ErrInvalid is returned when a value cannot be parsed as a watermark.
var ErrInvalid = errors.New("watermark: invalid value")

// Watermark is an ordering checkpoint. The zero value means "none supplied".
type Watermark struct {
	t time.Time
}

// New truncates t to millisecond precision in UTC.
func New(t time.Time) Watermark {
	if t.IsZero() {
		return Watermark{}
	}
	return Watermark{t: t.UTC().Truncate(time.Millisecond)}
}

// Parse accepts Layout as well as RFC 3339 (with or without fractional
// seconds) and plain dates.
func Parse(s string) (Watermark, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Watermark{}, nil
	}
	for _, layout := range []string{Layout, time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return New(t), nil
		}
	}
	return Watermark{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Watermark {
	wm, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return wm
}

// IsZero reports whether no watermark is set.
func (w Watermark) IsZero() bool { return w.t.IsZero() }

// Time returns the underlying instant.
func (w Watermark) Time() time.Time { return w.t }

// String formats the watermark with Layout, or "" when unset.
func (w Watermark) String() string {
	if w.t.IsZero() {
		return ""
	}
	return w.t.Format(Layout)
}

// Before reports whether w orders strictly before o.
func (w Watermark) Before(o Watermark) bool { return w.t.Before(o.t) }

// After reports whether w orders strictly after o.
func (w Watermark) After(o Watermark) bool { return w.t.After(o.t) }

// Equal reports whether both watermarks denote the same instant.
func (w Watermark) Equal(o Watermark) bool { return w.t.Equal(o.t) }

// Next is the smallest watermark strictly after w at the source's precision.
func (w Watermark) Next() Watermark {
	if w.t.IsZero() {
		return w
	}
	return Watermark{t: w.t.Add(time.Millisecond)}
}

// MarshalText implements encoding.TextMarshaler.
func (w Watermark) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *Watermark) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Store persists watermarks by key (typically the destination table).
type Store interface {
	// Load returns the stored watermark and whether one exists.
	Load(ctx context.Context, key string) (Watermark, bool, error)

	// Save replaces the stored watermark.
	Save(ctx context.Context, key string, wm Watermark) error
}
