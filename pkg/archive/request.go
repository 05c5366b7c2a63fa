// Package archive builds climate-archive requests and retrieves them from a
// CDS-style API: submit, poll until the task settles, download the result.
package archive

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the format of Request.Date and DaysOfMonth entries.
const DateLayout = "2006-01-02"

// ErrInvalidRequest is returned by Validate.
var ErrInvalidRequest = errors.New("archive: invalid request")

// Request asks for one variable over one time unit: either an exact Date or
// a whole Month of a Year. Params carries the remaining dataset-specific
// fields (product_type, time, area, format, ...).
type Request struct {
	Variable string
	Date     string
	Month    int
	Year     int
	Params   map[string]any
}

// Validate checks that exactly one time unit is set and well formed.
func (r Request) Validate() error {
	if r.Variable == "" {
		return fmt.Errorf("%w: variable is required", ErrInvalidRequest)
	}
	hasDate := r.Date != ""
	hasMonth := r.Month != 0 || r.Year != 0
	switch {
	case hasDate && hasMonth:
		return fmt.Errorf("%w: %s: both date and month set", ErrInvalidRequest, r.Variable)
	case !hasDate && !hasMonth:
		return fmt.Errorf("%w: %s: date or month/year is required", ErrInvalidRequest, r.Variable)
	case hasDate:
		if _, err := time.Parse(DateLayout, r.Date); err != nil {
			return fmt.Errorf("%w: %s: date %q", ErrInvalidRequest, r.Variable, r.Date)
		}
	default:
		if r.Month < 1 || r.Month > 12 {
			return fmt.Errorf("%w: %s: month %d", ErrInvalidRequest, r.Variable, r.Month)
		}
		if r.Year < 1 {
			return fmt.Errorf("%w: %s: year %d", ErrInvalidRequest, r.Variable, r.Year)
		}
	}
	for _, k := range []string{"variable", "date", "month", "year"} {
		if _, ok := r.Params[k]; ok {
			return fmt.Errorf("%w: %s: %q must not be set in params", ErrInvalidRequest, r.Variable, k)
		}
	}
	return nil
}

// Unit is the time-unit part of the key: the date, or MM-YYYY.
func (r Request) Unit() string {
	if r.Date != "" {
		return r.Date
	}
	return fmt.Sprintf("%02d-%04d", r.Month, r.Year)
}

// Key identifies the artifact: <variable>_t_<unit>.
func (r Request) Key() string {
	return r.Variable + "_t_" + r.Unit()
}

// Filename is the local file name of the raw artifact.
func (r Request) Filename() string {
	return r.Key() + ".nc"
}

// Payload is the JSON body submitted to the archive.
func (r Request) Payload() map[string]any {
	p := make(map[string]any, len(r.Params)+3)
	for k, v := range r.Params {
		p[k] = v
	}
	p["variable"] = r.Variable
	if r.Date != "" {
		p["date"] = r.Date
	} else {
		p["month"] = fmt.Sprintf("%02d", r.Month)
		p["year"] = fmt.Sprintf("%04d", r.Year)
	}
	return p
}

// DaysOfMonth lists every date of the month in DateLayout.
func DaysOfMonth(year int, month time.Month) []string {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := d.AddDate(0, 1, 0)
	var out []string
	for ; d.Before(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateLayout))
	}
	return out
}

// DailyRequests builds one request per variable and day in [from, to].
func DailyRequests(variables []string, from, to time.Time, params map[string]any) []Request {
	from = truncateDay(from)
	to = truncateDay(to)
	var out []Request
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		for _, v := range variables {
			out = append(out, Request{Variable: v, Date: d.Format(DateLayout), Params: params})
		}
	}
	return out
}

// MonthlyRequests builds one request per variable and month in [from, to].
func MonthlyRequests(variables []string, from, to time.Time, params map[string]any) []Request {
	m := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []Request
	for ; !m.After(last); m = m.AddDate(0, 1, 0) {
		for _, v := range variables {
			out = append(out, Request{Variable: v, Month: int(m.Month()), Year: m.Year(), Params: params})
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
