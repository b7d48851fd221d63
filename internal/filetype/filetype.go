// Package filetype maps the MIME-like type token carried in a SYN payload to
// the extension a completed payload is stored under.
package filetype

import (
	"maps"
	"slices"
	"strings"
)

// Text is the resolved extension of plain-text payloads. Text payloads are
// logged instead of being written to disk.
const Text = "textstring"

// DefaultExtension is used for tokens the table does not know.
const DefaultExtension = "bin"

var builtin = map[string]string{
	"text/plain":               Text,
	"textstring":               Text,
	"text/html":                "html",
	"text/csv":                 "csv",
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"application/pdf":          "pdf",
	"application/zip":          "zip",
	"application/json":         "json",
	"application/octet-stream": "bin",
	"audio/mpeg":               "mp3",
	"video/mp4":                "mp4",
}

// Resolution is the outcome of a table lookup.
type Resolution struct {
	Ext  string
	Text bool
}

// Table is an immutable token → extension map. Build it once at startup and
// share it freely.
type Table struct {
	entries    map[string]string
	defaultExt string
}

// New copies entries into a new Table. Keys are normalized the same way
// Resolve normalizes tokens; when two keys normalize alike, the one sorting
// last wins, so an all-lowercase key beats its capitalized variants.
func New(entries map[string]string, defaultExt string) *Table {
	t := &Table{
		entries:    make(map[string]string, len(entries)),
		defaultExt: DefaultExtension,
	}
	if ext := normalizeExt(defaultExt); ext != "" {
		t.defaultExt = ext
	}
	merge(t.entries, entries)
	return t
}

// merge normalizes src into dst in sorted key order.
func merge(dst, src map[string]string) {
	for _, token := range slices.Sorted(maps.Keys(src)) {
		if ext := normalizeExt(src[token]); ext != "" {
			dst[normalize(token)] = ext
		}
	}
}

// Default returns the built-in table.
func Default() *Table {
	return New(builtin, DefaultExtension)
}

// With returns a new table with overrides layered on top of t. An empty
// defaultExt keeps t's default.
func (t *Table) With(overrides map[string]string, defaultExt string) *Table {
	merged := maps.Clone(t.entries)
	merge(merged, overrides)
	if defaultExt == "" {
		defaultExt = t.defaultExt
	}
	return New(merged, defaultExt)
}

// Resolve looks up token. MIME parameters ("; charset=utf-8") and case are
// ignored; unknown tokens get the table's default extension.
func (t *Table) Resolve(token string) Resolution {
	ext, ok := t.entries[normalize(token)]
	if !ok {
		ext = t.defaultExt
	}
	return Resolution{Ext: ext, Text: ext == Text}
}

// Len reports the number of known tokens.
func (t *Table) Len() int { return len(t.entries) }

func normalize(token string) string {
	if i := strings.IndexByte(token, ';'); i >= 0 {
		token = token[:i]
	}
	return strings.ToLower(strings.TrimSpace(token))
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.TrimSpace(ext), ".")
}
