// Package properties reads and rewrites Java-style .properties files while
// preserving comments, blank lines and the order of untouched entries.
// Parsing is line oriented: a line is an entry if, after trimming, it is
// non-empty and does not start with '#' or '!'; the first '=' (or, when no
// '=' is present, the first ':') splits key from value. Everything else
// passes through verbatim.
package properties

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

type lineKind int

const (
	lineRaw   lineKind = iota // comment, blank, or text without a separator
	lineEntry
)

type line struct {
	kind  lineKind
	raw   string // original text without line terminator
	key   string
	value string
	dirty bool // entry was rewritten; serialize as key=value
}

// File is a parsed properties file. It is always re-read from disk for an
// operation and discarded afterwards; instances are never shared or cached.
type File struct {
	path  string
	lines []line
}

// Load parses the properties file at path. A missing file surfaces the
// underlying fs.ErrNotExist so callers can distinguish it; the store never
// creates files.
func Load(path string) (*File, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("properties file %s: %w", path, err)
	}

	return parse(path, bs), nil
}

func parse(path string, bs []byte) *File {
	f := &File{path: path}

	if len(bs) == 0 {
		return f
	}

	// Normalize line endings up front; output is always LF.
	content := strings.ReplaceAll(string(bs), "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")

	for _, raw := range strings.Split(content, "\n") {
		f.lines = append(f.lines, parseLine(raw))
	}

	return f
}

func parseLine(raw string) line {
	trimmed := strings.TrimSpace(raw)

	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
		return line{kind: lineRaw, raw: raw}
	}

	// '=' takes precedence over ':'; only the first occurrence splits, so a
	// value may contain further separators.
	idx := strings.Index(trimmed, "=")
	if idx < 0 {
		idx = strings.Index(trimmed, ":")
	}
	if idx < 0 {
		return line{kind: lineRaw, raw: raw}
	}

	return line{
		kind:  lineEntry,
		raw:   raw,
		key:   strings.TrimSpace(trimmed[:idx]),
		value: strings.TrimSpace(trimmed[idx+1:]),
	}
}

// Get returns the value of the first entry with the given key.
func (f *File) Get(key string) (string, bool) {
	for _, l := range f.lines {
		if l.kind == lineEntry && l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// Set rewrites every entry line whose key matches as key=value (canonical
// '=' separator) and appends a new entry when no line matched. It reports
// whether an existing entry was rewritten.
func (f *File) Set(key, value string) bool {
	var matched bool
	for i := range f.lines {
		if f.lines[i].kind == lineEntry && f.lines[i].key == key {
			f.lines[i].value = value
			f.lines[i].dirty = true
			matched = true
		}
	}

	if !matched {
		f.lines = append(f.lines, line{kind: lineEntry, key: key, value: value, dirty: true})
	}

	return matched
}

// Bytes serializes the file. Untouched lines are emitted verbatim, so a
// file that was only parsed round-trips byte-identically apart from CRLF
// normalization and a final newline.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range f.lines {
		if l.kind == lineEntry && l.dirty {
			buf.WriteString(l.key)
			buf.WriteByte('=')
			buf.WriteString(l.value)
		} else {
			buf.WriteString(l.raw)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Write serializes the file back to the path it was loaded from.
func (f *File) Write() error {
	if err := os.WriteFile(f.path, f.Bytes(), 0644); err != nil {
		return fmt.Errorf("properties file %s: %w", f.path, err)
	}
	return nil
}

// Read returns the value of key in the file at path, reporting absence
// separately from I/O errors. A missing file is an error: the caller
// decides whether that is fatal.
func Read(path, key string) (string, bool, error) {
	f, err := Load(path)
	if err != nil {
		return "", false, err
	}

	v, ok := f.Get(key)
	return v, ok, nil
}

// Upsert updates or appends key in the file at path and writes it back.
func Upsert(path, key, value string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}

	f.Set(key, value)
	return f.Write()
}
