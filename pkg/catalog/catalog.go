// Package catalog reads schema.org Dataset metadata: it loads the JSON-LD
// document, resolves the content URL of a distribution and derives the
// column schema from variableMeasured.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNoMetadata is returned when none of the candidate files exists.
	ErrNoMetadata = errors.New("catalog: no metadata file found")

	// ErrNoLinkedData is returned for HTML without a JSON-LD script.
	ErrNoLinkedData = errors.New("catalog: no application/ld+json script")

	// ErrNotFound is returned when a selector points past the document.
	ErrNotFound = errors.New("catalog: element not found")
)

// Meta is a decoded JSON-LD document.
type Meta map[string]any

// LoadMetadata reads the first existing file of paths. Files ending in .html
// or .htm are searched for an embedded ld+json script; anything else is
// parsed as JSON.
func LoadMetadata(paths ...string) (Meta, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", p, err)
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".html", ".htm":
			return ParseLinkedData(bytes.NewReader(data))
		default:
			return decode(bytes.NewReader(data))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMetadata, strings.Join(paths, ", "))
}

func decode(r io.Reader) (Meta, error) {
	var m Meta
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return m, nil
}

// ParseLinkedData extracts the first application/ld+json script of an HTML
// page.
func ParseLinkedData(r io.Reader) (Meta, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse html: %w", err)
	}
	script := findLinkedData(doc)
	if script == nil {
		return nil, ErrNoLinkedData
	}
	var text strings.Builder
	for c := script.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			text.WriteString(c.Data)
		}
	}
	return decode(strings.NewReader(text.String()))
}

func findLinkedData(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Script {
		for _, a := range n.Attr {
			if a.Key == "type" && strings.EqualFold(strings.TrimSpace(a.Val), "application/ld+json") {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if s := findLinkedData(c); s != nil {
			return s
		}
	}
	return nil
}

// Extract collects the values at path. For an object it returns one entry
// per match; arrays met along the way fan out. Missing keys and empty
// arrays yield null entries. For a top-level array it returns one array
// value per item.
func Extract(v Value, path ...string) []Value {
	if len(path) == 0 {
		return nil
	}
	if v.Kind() == KindArray {
		items := v.Items()
		out := make([]Value, 0, len(items))
		for _, item := range items {
			out = append(out, arrayOf(extract(item, path, 0, nil)))
		}
		return out
	}
	return extract(v, path, 0, nil)
}

func extract(v Value, path []string, i int, out []Value) []Value {
	key := path[i]
	last := i+1 == len(path)

	switch v.Kind() {
	case KindObject:
		if last {
			return append(out, v.Get(key))
		}
		return extract(v.Get(key), path, i+1, out)
	case KindArray:
		items := v.Items()
		if len(items) == 0 {
			return append(out, Value{})
		}
		for _, item := range items {
			if last {
				out = append(out, item.Get(key))
				continue
			}
			out = extract(item, path, i, out)
		}
		return out
	default:
		return append(out, Value{})
	}
}

// Selector picks one distribution of a dataset or of one of its parts.
type Selector struct {
	Distribution int

	// Part selects hasPart[Part] when set.
	Part *int

	// Parse fills Location.Parsed.
	Parse bool
}

// Location is a resolved distribution.
type Location struct {
	Dataset      string
	Distribution string
	Description  string

	// URLs holds the distribution's contentUrl, one or many.
	URLs   []string
	Parsed []*url.URL
}

// URL returns the single content URL, or "" when there are several.
func (l *Location) URL() string {
	if len(l.URLs) == 1 {
		return l.URLs[0]
	}
	return ""
}

// Resolve finds the content URL selected by sel.
func Resolve(meta Meta, sel Selector) (*Location, error) {
	node := meta.Value()
	if sel.Part != nil {
		parts := node.Get("hasPart")
		if parts.Kind() != KindArray {
			return nil, fmt.Errorf("%w: dataset has no hasPart", ErrNotFound)
		}
		items := parts.Items()
		if *sel.Part < 0 || *sel.Part >= len(items) {
			return nil, fmt.Errorf("%w: hasPart[%d] of %d", ErrNotFound, *sel.Part, len(items))
		}
		if node = items[*sel.Part]; node.Kind() != KindObject {
			return nil, fmt.Errorf("%w: hasPart[%d] is not an object", ErrNotFound, *sel.Part)
		}
	}

	distr, err := pick(node.Get("distribution"), sel.Distribution)
	if err != nil {
		return nil, err
	}

	loc := &Location{
		Dataset:      node.Get("name").Str(),
		Distribution: distr.Get("name").Str(),
		Description:  distr.Get("description").Str(),
	}
	switch u := distr.Get("contentUrl"); u.Kind() {
	case KindString:
		loc.URLs = []string{u.Str()}
	case KindArray:
		for _, item := range u.Items() {
			if item.Kind() == KindString {
				loc.URLs = append(loc.URLs, item.Str())
			}
		}
	}
	if len(loc.URLs) == 0 {
		return nil, fmt.Errorf("%w: distribution %q has no contentUrl", ErrNotFound, loc.Distribution)
	}

	if sel.Parse {
		for _, raw := range loc.URLs {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("catalog: contentUrl %q: %w", raw, err)
			}
			loc.Parsed = append(loc.Parsed, u)
		}
	}
	return loc, nil
}

func pick(v Value, i int) (Value, error) {
	switch v.Kind() {
	case KindObject:
		return v, nil
	case KindArray:
		items := v.Items()
		if i < 0 || i >= len(items) {
			return Value{}, fmt.Errorf("%w: distribution[%d] of %d", ErrNotFound, i, len(items))
		}
		if items[i].Kind() != KindObject {
			return Value{}, fmt.Errorf("%w: distribution[%d] is not an object", ErrNotFound, i)
		}
		return items[i], nil
	default:
		return Value{}, fmt.Errorf("%w: no distribution", ErrNotFound)
	}
}

// Part lists the distributions of one dataset part.
type Part struct {
	Name          string
	Distributions []string
}

// Overview names a dataset's parts and distributions.
type Overview struct {
	Name          string
	Parts         []Part
	Distributions []string
}

// Info summarises meta.
func Info(meta Meta) Overview {
	root := meta.Value()
	ov := Overview{Name: root.Get("name").Str()}
	if parts := root.Get("hasPart"); parts.Kind() == KindArray {
		for _, p := range parts.Items() {
			ov.Parts = append(ov.Parts, Part{
				Name:          p.Get("name").Str(),
				Distributions: names(Extract(p, "distribution", "name")),
			})
		}
		return ov
	}
	ov.Distributions = names(Extract(root, "distribution", "name"))
	return ov
}

func names(vs []Value) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Str())
	}
	return out
}

// String renders the overview one entry per line.
func (o Overview) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Metadata name: %s\n", o.Name)
	for i, p := range o.Parts {
		fmt.Fprintf(&b, "\nhasPart %d: %s\n\n", i, p.Name)
		for j, d := range p.Distributions {
			fmt.Fprintf(&b, "\tdistribution %d: %s\n", j, d)
		}
	}
	for j, d := range o.Distributions {
		fmt.Fprintf(&b, "\tdistribution %d: %s\n", j, d)
	}
	return b.String()
}
