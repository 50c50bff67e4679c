package static

import (
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultType is served when nothing better is known
const DefaultType = "application/octet-stream"

// file extension (no dot) to media type
var defaultTypes = map[string]string{
	"7z":    "application/x-7z-compressed",
	"atom":  "application/atom+xml",
	"avif":  "image/avif",
	"bin":   "application/octet-stream",
	"bmp":   "image/bmp",
	"css":   "text/css",
	"csv":   "text/csv",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "text/javascript",
	"json":  "application/json",
	"map":   "application/json",
	"md":    "text/markdown",
	"mjs":   "text/javascript",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"rss":   "application/rss+xml",
	"svg":   "image/svg+xml",
	"tar":   "application/x-tar",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wasm":  "application/wasm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "application/xml",
	"zip":   "application/zip",
}

// MimeResolver maps file names to media types by extension.
// Textual types get a utf-8 charset.
type MimeResolver struct {
	types map[string]string
}

// NewMimeResolver returns the builtin table with extra entries on top
func NewMimeResolver(extra map[string]string) *MimeResolver {
	types := make(map[string]string, len(defaultTypes)+len(extra))
	for ext, t := range defaultTypes {
		types[ext] = t
	}
	for ext, t := range extra {
		types[strings.ToLower(strings.TrimPrefix(ext, "."))] = t
	}
	return &MimeResolver{types: types}
}

// Resolve never fails, unknown extensions give DefaultType
func (m *MimeResolver) Resolve(name string) string {
	t, ok := m.Lookup(name)
	if !ok {
		return DefaultType
	}
	return t
}

// Lookup is Resolve that reports whether the extension was known
func (m *MimeResolver) Lookup(name string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return "", false
	}
	t, ok := m.types[ext]
	if !ok {
		return "", false
	}
	return withCharset(t), true
}

// Sniff guesses from content, for files whose name says nothing.
// It reads at most a few KiB from r.
func Sniff(r io.Reader) string {
	mt, err := mimetype.DetectReader(r)
	if err != nil || mt == nil {
		return DefaultType
	}
	return mt.String()
}

func withCharset(t string) string {
	if strings.Contains(t, ";") {
		return t
	}
	if strings.HasPrefix(t, "text/") || t == "application/json" || t == "application/xml" ||
		t == "image/svg+xml" {
		return t + "; charset=utf-8"
	}
	return t
}
